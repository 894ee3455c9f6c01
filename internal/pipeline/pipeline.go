// Package pipeline drives each database of a run through the migration state
// machine:
//
//	pending -> schema-running -> schema-done -> data-running -> data-done
//	               |                                 |
//	               +-------------> failed <----------+
//
// The schema phase optionally clears the target's public schema, renders the
// pgloader load script and runs pgloader. The data phase introspects the
// source, writes one DataX job per table and transfers tables with a bounded
// worker pool. Databases run one after another and never affect each other;
// each database owns a cleanup scope that is released as soon as it reaches a
// terminal phase.
//
// # Basic Usage
//
//	p := pipeline.New(plan, config.ActionStructure, pipeline.Dependencies{
//	    Runner:       process.NewInvoker(logger),
//	    Introspector: introspect.New(plan.Source, runner),
//	    Output:       os.Stdout,
//	}, func(ev pipeline.Event) { fmt.Println(ev.Database, ev.Phase) }, logger)
//
//	result, err := p.Run(ctx, runID)
//	if err != nil {
//	    // configuration problem, nothing was spawned
//	}
//	if !result.OK() {
//	    os.Exit(1)
//	}
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/pgsync/internal/cleanup"
	"github.com/ajitpratap0/pgsync/internal/datax"
	"github.com/ajitpratap0/pgsync/internal/introspect"
	"github.com/ajitpratap0/pgsync/internal/pgloader"
	"github.com/ajitpratap0/pgsync/internal/process"
	"github.com/ajitpratap0/pgsync/internal/scheduler"
	"github.com/ajitpratap0/pgsync/internal/target"
	"github.com/ajitpratap0/pgsync/internal/template"
	"github.com/ajitpratap0/pgsync/pkg/config"
	"github.com/ajitpratap0/pgsync/pkg/errors"
	"github.com/ajitpratap0/pgsync/pkg/logger"
	"github.com/ajitpratap0/pgsync/pkg/metrics"
	"github.com/ajitpratap0/pgsync/pkg/observability"
)

// Dependencies are the collaborators a pipeline runs against
type Dependencies struct {
	Runner       process.Runner
	Introspector introspect.Introspector
	Metrics      *metrics.Collector
	// Output receives streamed tool output. Nil discards it.
	Output io.Writer
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Result is the outcome of one run
type Result struct {
	RunID    string
	Action   config.Action
	Jobs     []*Job
	Started  time.Time
	Finished time.Time
	Sweep    cleanup.SweepResult
	// CleanupWarnings counts artifacts that could not be removed
	CleanupWarnings int
}

// Goal returns the phase every database must reach for the run to succeed
func (r *Result) Goal() Phase {
	if r.Action.RunsData() {
		return PhaseDataDone
	}
	return PhaseSchemaDone
}

// OK reports whether every database reached the goal phase
func (r *Result) OK() bool {
	goal := r.Goal()
	for _, j := range r.Jobs {
		if !j.Reached(goal) {
			return false
		}
	}
	return true
}

// Failed returns the jobs that did not reach the goal phase
func (r *Result) Failed() []*Job {
	goal := r.Goal()
	var out []*Job
	for _, j := range r.Jobs {
		if !j.Reached(goal) {
			out = append(out, j)
		}
	}
	return out
}

// Pipeline runs one action over every database of a plan
type Pipeline struct {
	plan    *config.Plan
	action  config.Action
	deps    Dependencies
	handler Handler
	logger  *zap.Logger

	eventMu sync.Mutex

	// set up per run
	runID      string
	cleanup    *cleanup.Manager
	runDir     string
	archiveDir string

	// archiveSeq counts invocations per archive name so a retry or a
	// fallback does not overwrite an earlier archive
	archiveMu  sync.Mutex
	archiveSeq map[string]int
}

// New creates a pipeline. handler may be nil.
func New(plan *config.Plan, action config.Action, deps Dependencies, handler Handler, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Pipeline{
		plan:    plan,
		action:  action,
		deps:    deps,
		handler: handler,
		logger:  logger,
	}
}

// Run processes every database of the plan in order. The error is only set
// for problems found before any database started, such as an invalid plan;
// database failures are reported through the Result.
func (p *Pipeline) Run(ctx context.Context, runID string) (*Result, error) {
	if err := p.plan.Validate(p.action); err != nil {
		return nil, err
	}
	if p.deps.Runner == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "pipeline has no process runner")
	}
	if p.action.RunsData() && p.deps.Introspector == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "data phase needs a source introspector")
	}

	log := p.logger.With(zap.String("run_id", runID), zap.String("action", string(p.action)))
	res := &Result{RunID: runID, Action: p.action, Started: p.deps.Clock()}

	ctx, span := observability.StartSpan(ctx, "pgsync.run",
		attribute.String("pgsync.run_id", runID),
		attribute.String("pgsync.action", string(p.action)),
		attribute.Int("pgsync.databases", len(p.plan.Databases)))

	p.runID = runID
	p.cleanup = cleanup.NewManager(log, cleanup.Policy{Retain: map[cleanup.Kind]bool{
		cleanup.KindScript:  !p.plan.Schema.CleanupTempFiles,
		cleanup.KindJobFile: !p.plan.Data.CleanupJobs,
		cleanup.KindJobDir:  !p.plan.Data.CleanupJobs,
	}})
	p.cleanup.OnRemove(func(a cleanup.Artifact) { p.deps.Metrics.ArtifactRemoved(string(a.Kind)) })
	p.archiveSeq = make(map[string]int)
	defer p.releaseAll(log, res)

	res.Sweep = p.sweep(log)

	if err := p.prepare(log); err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	log.Info("run started", zap.Strings("databases", p.plan.Names()))
	for _, db := range p.plan.Databases {
		res.Jobs = append(res.Jobs, p.runDatabase(ctx, log, db))
	}

	res.Finished = p.deps.Clock()

	var runErr error
	if failed := res.Failed(); len(failed) > 0 {
		runErr = errors.Newf(errors.ErrorTypeProcess, "%d of %d databases failed", len(failed), len(res.Jobs))
	}
	observability.EndSpan(span, runErr)

	log.Info("run finished",
		zap.Bool("ok", res.OK()),
		zap.Int("failed", len(res.Failed())),
		zap.Duration("duration", res.Finished.Sub(res.Started)))
	return res, nil
}

func (p *Pipeline) sweep(log *zap.Logger) cleanup.SweepResult {
	days := p.plan.Data.LogRetentionDays
	if days <= 0 {
		return cleanup.SweepResult{}
	}
	r := cleanup.SweepExpired(log, p.plan.SweepDirs(), days, p.deps.Clock())
	p.deps.Metrics.SweepRemoved(r.FilesRemoved)
	p.emit(Event{
		Kind:      EventSweep,
		Processed: r.FilesRemoved,
		Message:   fmt.Sprintf("removed %d files and %d directories older than %d days", r.FilesRemoved, r.DirsRemoved, days),
	})
	return r
}

// prepare creates the run-wide directories
func (p *Pipeline) prepare(log *zap.Logger) error {
	if p.action.RunsSchema() {
		dir, err := os.MkdirTemp(p.plan.Workspace, ".pgsync-run-")
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to create run directory").
				WithDetail("workspace", p.plan.Workspace)
		}
		p.runDir = dir
		// Retained scripts keep the directory alive.
		p.cleanup.Register(cleanup.Artifact{Path: dir, Kind: cleanup.KindRunDir, OnlyIfEmpty: true})
	}

	if p.action.RunsData() {
		if err := os.MkdirAll(p.plan.Data.JobDir, 0o755); err != nil { //nolint:gosec // G301: job dir is shared with DataX
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to create job directory").
				WithDetail("dir", p.plan.Data.JobDir)
		}
		p.cleanup.Register(cleanup.Artifact{Path: p.plan.Data.JobDir, Kind: cleanup.KindJobDir, OnlyIfEmpty: true})
	}

	if p.plan.Log.ArchiveOutput && p.plan.Log.Dir != "" {
		if err := os.MkdirAll(p.plan.Log.Dir, 0o755); err != nil { //nolint:gosec // G301: log dir
			log.Warn("tool output archiving disabled", zap.String("dir", p.plan.Log.Dir), zap.Error(err))
		} else {
			p.archiveDir = p.plan.Log.Dir
		}
	}
	return nil
}

func (p *Pipeline) releaseAll(log *zap.Logger, res *Result) {
	removed := p.cleanup.ReleaseAll()
	res.CleanupWarnings = p.cleanup.Warnings()
	if res.CleanupWarnings > 0 {
		log.Warn("some transient files could not be removed", zap.Int("warnings", res.CleanupWarnings))
	}
	log.Debug("run artifacts released", zap.Int("removed", removed))
}

func (p *Pipeline) runDatabase(ctx context.Context, log *zap.Logger, db config.Database) *Job {
	job := &Job{Database: db.Name, Phase: PhasePending, Started: p.deps.Clock()}
	scope := p.cleanup.Scope(db.Name)
	// finish releases the scope on every terminal phase; this covers panics.
	defer scope.Release()
	ctx = context.WithValue(ctx, logger.DatabaseKey, db.Name)
	log = log.With(zap.String("database", db.Name))

	ctx, span := observability.StartSpan(ctx, "pgsync.database", attribute.String("pgsync.database", db.Name))
	defer func() { observability.EndSpan(span, failureErr(job.Failure)) }()

	p.emit(Event{Kind: EventPhase, Database: db.Name, Phase: PhasePending})

	if err := ctx.Err(); err != nil {
		step := StepData
		if p.action.RunsSchema() {
			step = StepSchema
		}
		p.fail(log, job, scope, &Failure{
			Step:     step,
			Database: db.Name,
			ExitCode: -1,
			Err:      errors.Wrap(err, errors.ErrorTypeCancelled, "run cancelled before the database started"),
		})
		return job
	}

	if p.action.RunsSchema() {
		if !p.schemaPhase(ctx, log, job, db, scope) {
			return job
		}
	} else {
		job.Note = "schema phase not requested"
		p.transition(log, job, PhaseSchemaDone, job.Note)
	}

	if !p.action.RunsData() {
		p.finish(log, job, scope)
		return job
	}
	p.dataPhase(ctx, log, job, db, scope)
	return job
}

func (p *Pipeline) schemaPhase(ctx context.Context, log *zap.Logger, job *Job, db config.Database, scope *cleanup.Scope) bool {
	p.transition(log, job, PhaseSchemaRunning, "")
	timer := metrics.NewTimer()

	ctx, span := observability.StartSpan(ctx, "pgsync.schema", attribute.String("pgsync.database", db.Name))
	f := p.runSchemaPhase(ctx, log, job, db, scope)
	observability.EndSpan(span, failureErr(f))
	p.deps.Metrics.ObservePhase("schema", phaseResult(f), timer.Stop())

	if f != nil {
		p.fail(log, job, scope, f)
		return false
	}
	p.transition(log, job, PhaseSchemaDone, "")
	return true
}

func (p *Pipeline) runSchemaPhase(ctx context.Context, log *zap.Logger, job *Job, db config.Database, scope *cleanup.Scope) *Failure {
	if p.plan.Schema.ClearBeforeSync {
		err := p.retryPolicy(p.plan.Retry.PreCleanupAttempts).ExecuteWithCondition(ctx, func(attempt int) error {
			if attempt > 1 {
				log.Warn("retrying pre-cleanup", zap.Int("attempt", attempt))
			}
			return failureErr(p.preCleanup(ctx, log, db, scope))
		}, p.retryable(ctx))
		if err != nil {
			return asFailure(err, StepPreCleanup, db.Name)
		}
	}

	script, err := template.NewRenderer(p.runDir, scope).Render(p.plan.SchemaTemplate, map[string]string{
		template.VarSourceURI: db.SourceURI,
		template.VarTargetURI: db.TargetURI,
		template.VarDBName:    db.Name,
	})
	if err != nil {
		return &Failure{Step: StepRender, Database: db.Name, ExitCode: -1, Err: err}
	}

	total := p.countTables(ctx, log, db)
	err = p.retryPolicy(p.plan.Retry.SchemaAttempts).ExecuteWithCondition(ctx, func(attempt int) error {
		if attempt > 1 {
			log.Warn("retrying schema sync", zap.Int("attempt", attempt))
		}
		return failureErr(p.runPgloader(ctx, log, job, db, scope, script, total))
	}, p.retryable(ctx))
	if err != nil {
		return asFailure(err, StepSchema, db.Name)
	}
	return nil
}

// preCleanup drops every table of the target's public schema
func (p *Pipeline) preCleanup(ctx context.Context, log *zap.Logger, db config.Database, scope *cleanup.Scope) *Failure {
	primary, fallback, err := target.ClearCommands(db, p.plan.Target, p.sessionName(db.Name))
	if err != nil {
		return &Failure{Step: StepPreCleanup, Database: db.Name, ExitCode: -1, Err: err}
	}

	log.Info("clearing target schema", zap.String("schema", "public"), zap.String("host", db.Target.Host))
	res, err := p.run(ctx, log, scope, "psql", db.Name, "", primary)
	if err == nil && res.Succeeded() {
		return nil
	}

	if fallback != nil && ctx.Err() == nil {
		log.Warn("psql in container failed, trying local psql",
			zap.String("container", p.plan.Target.PsqlContainer),
			zap.Error(processFailure(StepPreCleanup, db.Name, "", res, err)))
		res, err = p.run(ctx, log, scope, "psql", db.Name, "", *fallback)
		if err == nil && res.Succeeded() {
			return nil
		}
	}
	return processFailure(StepPreCleanup, db.Name, "", res, err)
}

func (p *Pipeline) runPgloader(ctx context.Context, log *zap.Logger, job *Job, db config.Database, scope *cleanup.Scope, script string, total int) *Failure {
	cmd := pgloader.Command(p.plan.Schema, script, p.sessionName(db.Name))
	monitor := pgloader.NewMonitor(db.Name, func(table string, processed int) {
		p.emit(Event{Kind: EventSchemaProgress, Database: db.Name, Table: table, Processed: processed, Total: total})
	})
	cmd.Options.OnLine = monitor.Line
	if !p.plan.Schema.ShowOutput {
		cmd.Options.Verbosity = process.VerbosityQuiet
	}

	log.Info("running schema sync", zap.String("script", filepath.Base(script)), zap.Int("source_tables", total))
	res, err := p.run(ctx, log, scope, "pgloader", db.Name, "", cmd)
	job.SchemaTables = monitor.Processed()

	if err == nil && res.Succeeded() {
		lines := monitor.ErrorLines()
		if len(lines) == 0 {
			log.Info("schema sync finished",
				zap.Int("tables", job.SchemaTables),
				zap.Duration("duration", res.Duration))
			return nil
		}
		// pgloader can exit 0 after logging a fatal error.
		return &Failure{
			Step:     StepSchema,
			Database: db.Name,
			ExitCode: 1,
			Tail:     res.Tail,
			Hint:     pgloader.Hint(res.Combined()),
			Err: errors.New(errors.ErrorTypeProcess, "pgloader reported errors").
				WithDetail("first_error", lines[0]).
				WithDetail("error_lines", len(lines)),
		}
	}

	f := processFailure(StepSchema, db.Name, "", res, err)
	if res != nil {
		f.Hint = pgloader.Hint(res.Combined())
	}
	return f
}

func (p *Pipeline) countTables(ctx context.Context, log *zap.Logger, db config.Database) int {
	if p.deps.Introspector == nil {
		return 0
	}
	n, err := p.deps.Introspector.CountTables(ctx, db)
	if err != nil {
		log.Warn("could not count source tables, progress total unknown", zap.Error(err))
		return 0
	}
	return n
}

func (p *Pipeline) dataPhase(ctx context.Context, log *zap.Logger, job *Job, db config.Database, scope *cleanup.Scope) {
	p.transition(log, job, PhaseDataRunning, "")
	timer := metrics.NewTimer()

	ctx, span := observability.StartSpan(ctx, "pgsync.data", attribute.String("pgsync.database", db.Name))
	f := p.runDataPhase(ctx, log, job, db, scope)
	observability.EndSpan(span, failureErr(f))
	p.deps.Metrics.ObservePhase("data", phaseResult(f), timer.Stop())

	if f != nil {
		p.fail(log, job, scope, f)
		return
	}
	p.transition(log, job, PhaseDataDone, job.Note)
	p.finish(log, job, scope)
}

func (p *Pipeline) runDataPhase(ctx context.Context, log *zap.Logger, job *Job, db config.Database, scope *cleanup.Scope) *Failure {
	launcher := datax.ScriptPath(p.plan.Data.Home)
	if _, err := os.Stat(launcher); err != nil {
		return &Failure{
			Step:     StepData,
			Database: db.Name,
			ExitCode: -1,
			Err:      errors.Wrap(err, errors.ErrorTypeFile, "datax launcher not found").WithDetail("path", launcher),
		}
	}

	tables, err := p.deps.Introspector.Tables(ctx, db)
	if err != nil {
		return &Failure{Step: StepIntrospect, Database: db.Name, ExitCode: -1, Err: err}
	}
	if len(tables) == 0 {
		job.Note = "no tables found in source"
		log.Warn("no tables found in source, nothing to transfer")
		return nil
	}

	jobDir, err := os.MkdirTemp(p.plan.Data.JobDir, safeName(db.Name)+"-")
	if err != nil {
		return &Failure{
			Step:     StepData,
			Database: db.Name,
			ExitCode: -1,
			Err:      errors.Wrap(err, errors.ErrorTypeFile, "failed to create job directory").WithDetail("dir", p.plan.Data.JobDir),
		}
	}
	scope.Register(cleanup.Artifact{Path: jobDir, Kind: cleanup.KindJobDir})

	sched := scheduler.New(scheduler.Config{
		Parallelism:     p.plan.Data.TableParallelism,
		ExcludeKeywords: p.plan.Data.ExcludeKeywords,
	}, scheduler.Hooks{
		OnStart: func(task scheduler.Task) {
			p.emit(Event{
				Kind:      EventTableStarted,
				Database:  db.Name,
				Table:     task.Table.Name,
				Processed: task.Index,
				Total:     task.Total,
			})
		},
		OnFinish: func(task scheduler.Task, out scheduler.Outcome) {
			p.deps.Metrics.TableFinished(db.Name, string(out.Status))
			p.emit(Event{
				Kind:      EventTableFinished,
				Database:  db.Name,
				Table:     out.Table,
				Status:    out.Status,
				Message:   out.Reason,
				Processed: task.Index,
				Total:     task.Total,
			})
		},
	}, log)

	outcomes := sched.Run(ctx, db.Name, tables, func(ctx context.Context, task scheduler.Task) error {
		p.deps.Metrics.TableStarted()
		defer p.deps.Metrics.TableDone()
		return failureErr(p.transfer(ctx, log, db, scope, jobDir, task))
	})
	job.Outcomes = outcomes

	log.Info("table transfers finished",
		zap.Int("success", outcomes.Count(scheduler.StatusSuccess)),
		zap.Int("skipped", outcomes.Count(scheduler.StatusSkipped)),
		zap.Int("failed", outcomes.Count(scheduler.StatusFailed)))
	if outcomes.OK() {
		return nil
	}

	failed := outcomes.Failed()
	first := outcomes[failed[0]]
	cause := asFailure(first.Err, StepData, db.Name)
	if cause.Table == "" {
		cause.Table = first.Table
	}
	errType := errors.ErrorTypeProcess
	switch t := errors.TypeOf(first.Err); t {
	case errors.ErrorTypeCancelled, errors.ErrorTypeTimeout:
		errType = t
	}
	return &Failure{
		Step:     StepData,
		Database: db.Name,
		Table:    cause.Table,
		ExitCode: cause.ExitCode,
		Tail:     cause.Tail,
		Orphaned: cause.Orphaned,
		Err: errors.Wrap(first.Err, errType, fmt.Sprintf("%d of %d tables failed", len(failed), len(tables))).
			WithDetail("tables", strings.Join(failed, ",")),
	}
}

// transfer runs one DataX job
func (p *Pipeline) transfer(ctx context.Context, log *zap.Logger, db config.Database, scope *cleanup.Scope, jobDir string, task scheduler.Task) *Failure {
	table := task.Table.Name
	ctx = context.WithValue(ctx, logger.TableKey, table)
	log = log.With(zap.String("table", table))

	path, err := datax.WriteJob(jobDir, db.Name, table, datax.BuildJob(db, p.plan.Data, task))
	if err != nil {
		return &Failure{Step: StepData, Database: db.Name, Table: table, ExitCode: -1, Err: err}
	}
	scope.Register(cleanup.Artifact{Path: path, Kind: cleanup.KindJobFile})

	log.Info("transferring table",
		zap.Int("index", task.Index),
		zap.Int("total", task.Total),
		zap.String("split_pk", task.SplitKey))
	res, err := p.run(ctx, log, scope, "datax", db.Name, table, datax.Command(p.plan.Data, p.plan.Workspace, path))

	if p.plan.Data.CleanupJobs {
		scope.ReleasePath(path)
	}

	if err == nil && res.Succeeded() {
		log.Info("table transferred", zap.Duration("duration", res.Duration))
		return nil
	}
	return processFailure(StepData, db.Name, table, res, err)
}

// run invokes cmd, archiving its output when configured
func (p *Pipeline) run(ctx context.Context, log *zap.Logger, scope *cleanup.Scope, tool, database, table string, cmd process.Command) (*process.Result, error) {
	if cmd.Options.Output == nil {
		cmd.Options.Output = p.deps.Output
	}

	archive := ""
	if p.archiveDir != "" {
		name := shortID(p.runID) + "-" + safeName(database) + "-" + tool
		if table != "" {
			name += "-" + safeName(table)
		}
		if n := p.nextArchive(name); n > 1 {
			name += fmt.Sprintf("-%d", n)
		}
		archive = filepath.Join(p.archiveDir, name+".log.zst")
		cmd.Options.ArchivePath = archive
	}

	log.Debug("invoking tool", zap.String("tool", tool), zap.Stringer("command", cmd))
	res, err := p.deps.Runner.Run(ctx, cmd)

	status := "start-failed"
	switch {
	case res == nil:
	case res.Succeeded():
		status = "ok"
	case res.Status == process.StatusExited:
		status = "failed"
	default:
		status = string(res.Status)
	}
	p.deps.Metrics.ProcessFinished(tool, status)

	// Output of failed invocations stays for inspection.
	if archive != "" && res.Succeeded() {
		scope.Register(cleanup.Artifact{Path: archive, Kind: cleanup.KindOutputLog})
	}
	return res, err
}

func (p *Pipeline) nextArchive(name string) int {
	p.archiveMu.Lock()
	defer p.archiveMu.Unlock()
	p.archiveSeq[name]++
	return p.archiveSeq[name]
}

// sessionName tags the container and database sessions a tool opens for
// database so they can be stopped when the tool is.
func (p *Pipeline) sessionName(database string) string {
	return pgloader.ContainerName("pgsync", shortID(p.runID), database)
}

func (p *Pipeline) transition(log *zap.Logger, job *Job, to Phase, note string) {
	if !CanTransition(job.Phase, to) {
		log.Error("invalid phase transition",
			zap.String("from", string(job.Phase)),
			zap.String("to", string(to)))
		return
	}
	job.Phase = to
	log.Info("phase changed", zap.String("phase", string(to)))
	p.emit(Event{Kind: EventPhase, Database: job.Database, Phase: to, Message: note})
}

func (p *Pipeline) fail(log *zap.Logger, job *Job, scope *cleanup.Scope, f *Failure) {
	job.Failure = f
	p.transition(log, job, PhaseFailed, f.Error())

	fields := []zap.Field{
		zap.String("step", string(f.Step)),
		zap.Int("exit_code", f.ExitCode),
		zap.Error(f.Err),
	}
	if f.Table != "" {
		fields = append(fields, zap.String("table", f.Table))
	}
	log.Error("database failed", fields...)
	if len(f.Tail) > 0 {
		log.Error("tool output tail", zap.String("tail", strings.Join(f.Tail, "\n")))
	}
	if f.Hint != "" {
		log.Warn(f.Hint)
	}
	if f.Orphaned {
		log.Error("tool work may still be running against the target; stop it before rerunning",
			zap.String("session", p.sessionName(job.Database)))
	}
	p.finish(log, job, scope)
}

// finish releases the database's artifacts; called on every terminal phase
func (p *Pipeline) finish(log *zap.Logger, job *Job, scope *cleanup.Scope) {
	job.Finished = p.deps.Clock()
	removed := scope.Release()
	p.deps.Metrics.DatabaseFinished(string(job.Phase))
	log.Info("database finished",
		zap.String("phase", string(job.Phase)),
		zap.Duration("duration", job.Duration()),
		zap.Int("artifacts_removed", removed))
}

// emit delivers ev to the handler. Workers emit concurrently; the handler
// sees one event at a time.
func (p *Pipeline) emit(ev Event) {
	if p.handler == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = p.deps.Clock()
	}
	p.eventMu.Lock()
	defer p.eventMu.Unlock()
	p.handler(ev)
}

func (p *Pipeline) retryPolicy(attempts int) *RetryPolicy {
	if attempts <= 1 {
		return NoRetryPolicy()
	}
	return NewRetryPolicy(attempts, p.plan.Retry.Delay)
}

// retryable stops retries once the run is cancelled or the failure is one
// another attempt cannot fix.
func (p *Pipeline) retryable(ctx context.Context) func(error) bool {
	return func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		var f *Failure
		if errors.As(err, &f) && f.Orphaned {
			return false
		}
		switch errors.TypeOf(err) {
		case errors.ErrorTypeConfig, errors.ErrorTypeTemplate, errors.ErrorTypeCancelled:
			return false
		}
		return true
	}
}

// processFailure describes a failed invocation
func processFailure(step Step, database, table string, res *process.Result, err error) *Failure {
	f := &Failure{Step: step, Database: database, Table: table, ExitCode: -1}
	switch {
	case err != nil:
		f.Err = err
	case res == nil:
		f.Err = errors.New(errors.ErrorTypeInternal, "runner returned no result")
	default:
		f.Tail = res.Tail
		f.ExitCode = res.ExitCode
		f.Orphaned = res.Orphaned
		switch res.Status {
		case process.StatusTimeout:
			f.Err = errors.New(errors.ErrorTypeTimeout, "process timed out")
		case process.StatusCancelled:
			f.Err = errors.New(errors.ErrorTypeCancelled, "run cancelled")
		default:
			f.Err = errors.Newf(errors.ErrorTypeProcess, "process exited with code %d", res.ExitCode)
		}
	}
	return f
}

func asFailure(err error, step Step, database string) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Step: step, Database: database, ExitCode: -1, Err: err}
}

// failureErr avoids returning a typed nil through the error interface
func failureErr(f *Failure) error {
	if f == nil {
		return nil
	}
	return f
}

func phaseResult(f *Failure) string {
	if f == nil {
		return "ok"
	}
	return "failed"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ', 0:
			return '_'
		}
		return r
	}, s)
}
