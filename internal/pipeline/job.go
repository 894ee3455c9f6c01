package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/pgsync/internal/scheduler"
)

// Phase is a database's position in the migration state machine
type Phase string

const (
	PhasePending       Phase = "pending"
	PhaseSchemaRunning Phase = "schema-running"
	PhaseSchemaDone    Phase = "schema-done"
	PhaseDataRunning   Phase = "data-running"
	PhaseDataDone      Phase = "data-done"
	PhaseFailed        Phase = "failed"
)

// transitions lists the phases reachable from each phase
var transitions = map[Phase][]Phase{
	PhasePending:       {PhaseSchemaRunning, PhaseSchemaDone, PhaseFailed},
	PhaseSchemaRunning: {PhaseSchemaDone, PhaseFailed},
	PhaseSchemaDone:    {PhaseDataRunning},
	PhaseDataRunning:   {PhaseDataDone, PhaseFailed},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Step names the operation a failure happened in
type Step string

const (
	StepPreCleanup Step = "pre-cleanup"
	StepRender     Step = "render"
	StepSchema     Step = "schema"
	StepIntrospect Step = "introspect"
	StepData       Step = "data"
)

// Failure records why a database failed. ExitCode is -1 when no process
// exit code applies.
type Failure struct {
	Step     Step
	Database string
	Table    string
	ExitCode int
	// Tail holds the last output lines of the failed tool
	Tail []string
	Hint string
	Err  error
	// Orphaned is set when the tool was stopped early but work it started
	// outside its process tree could not be stopped. Retrying would run a
	// second copy next to it.
	Orphaned bool
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed for %s", f.Step, f.Database)
	if f.Table != "" {
		fmt.Fprintf(&b, ".%s", f.Table)
	}
	if f.ExitCode >= 0 {
		fmt.Fprintf(&b, " (exit code %d)", f.ExitCode)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Job is the state of one database within a run. It is owned by the
// pipeline; handlers and callers only read it after the run.
type Job struct {
	Database string
	Phase    Phase
	Started  time.Time
	Finished time.Time
	// Note explains a transition that did no work, e.g. a skipped schema phase
	Note    string
	Failure *Failure
	// SchemaTables counts tables pgloader reported in its summary
	SchemaTables int
	Outcomes     scheduler.Outcomes
}

// Duration returns how long the job ran
func (j *Job) Duration() time.Duration {
	if j.Finished.IsZero() || j.Started.IsZero() {
		return 0
	}
	return j.Finished.Sub(j.Started)
}

// Reached reports whether the job ended in goal
func (j *Job) Reached(goal Phase) bool {
	return j.Phase == goal
}

// EventKind classifies progress events
type EventKind string

const (
	EventPhase          EventKind = "phase"
	EventSchemaProgress EventKind = "schema-progress"
	EventTableStarted   EventKind = "table-started"
	EventTableFinished  EventKind = "table-finished"
	EventSweep          EventKind = "sweep"
)

// Event is one entry of the progress stream
type Event struct {
	Kind     EventKind
	Time     time.Time
	Database string
	Phase    Phase
	Table    string
	Status   scheduler.Status
	Message  string
	// Processed and Total report schema or table progress; Total is zero
	// when unknown.
	Processed int
	Total     int
}

// Handler consumes events. The pipeline never calls it concurrently.
type Handler func(Event)
