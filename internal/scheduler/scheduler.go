// Package scheduler runs the per-table transfers of one database's data phase
// on a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/pgsync/pkg/errors"
)

// Column is a source column with its information_schema data type
type Column struct {
	Name     string
	DataType string
}

// Table is a source table as reported by introspection
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []Column
}

// ColumnNames returns the column names in ordinal order
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Task is one table transfer handed to the transfer function
type Task struct {
	Database string
	Table    Table
	// SplitKey is set when the primary key is a single numeric column
	SplitKey string
	// Index is the 1-based position among dispatchable tables
	Index int
	Total int
}

// Status is a table outcome
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome is the result of one table
type Outcome struct {
	Table    string
	Status   Status
	Reason   string
	SplitKey string
	Duration time.Duration
	Err      error
}

// Outcomes maps table name to outcome
type Outcomes map[string]Outcome

// Count returns the number of outcomes with the given status
func (o Outcomes) Count(status Status) int {
	n := 0
	for _, out := range o {
		if out.Status == status {
			n++
		}
	}
	return n
}

// Failed returns the failed table names, sorted
func (o Outcomes) Failed() []string {
	var names []string
	for name, out := range o {
		if out.Status == StatusFailed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// OK reports whether no table failed
func (o Outcomes) OK() bool { return o.Count(StatusFailed) == 0 }

// TransferFunc moves one table. A returned error fails only that table.
type TransferFunc func(ctx context.Context, task Task) error

// Config sizes the pool and lists excluded table keywords
type Config struct {
	Parallelism     int
	ExcludeKeywords []string
}

// Hooks observe task progress. Calls may come from any worker goroutine.
type Hooks struct {
	OnStart  func(Task)
	OnFinish func(Task, Outcome)
}

// Scheduler dispatches table tasks to a fixed number of workers
type Scheduler struct {
	cfg    Config
	hooks  Hooks
	logger *zap.Logger
}

// New creates a scheduler. Parallelism below one is treated as one.
func New(cfg Config, hooks Hooks, logger *zap.Logger) *Scheduler {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, hooks: hooks, logger: logger}
}

// numericKeyTypes are the primary-key types DataX can split into ranges
var numericKeyTypes = map[string]bool{
	"tinyint":   true,
	"smallint":  true,
	"mediumint": true,
	"int":       true,
	"integer":   true,
	"bigint":    true,
	"decimal":   true,
	"numeric":   true,
}

// SplitKey returns the split-key column for t, or "" when the primary key is
// not a single numeric column.
func SplitKey(t Table) string {
	if len(t.PrimaryKey) != 1 {
		return ""
	}
	pk := t.PrimaryKey[0]
	if !numericKeyTypes[strings.ToLower(strings.TrimSpace(pk.DataType))] {
		return ""
	}
	return pk.Name
}

// ExcludedBy returns the first keyword contained in the table name, compared
// case-insensitively, or "" when the table is not excluded.
func ExcludedBy(table string, keywords []string) string {
	name := strings.ToLower(table)
	for _, k := range keywords {
		token := strings.ToLower(strings.TrimSpace(k))
		if token != "" && strings.Contains(name, token) {
			return token
		}
	}
	return ""
}

// Run transfers tables of database with at most Parallelism transfers in
// flight and returns once every dispatched task has finished. Tables are
// dispatched in input order. Cancelling ctx stops dispatch; tables not yet
// dispatched fail with a cancellation reason.
func (s *Scheduler) Run(ctx context.Context, database string, tables []Table, transfer TransferFunc) Outcomes {
	results := make(Outcomes, len(tables))
	if len(tables) == 0 {
		return results
	}

	var mu sync.Mutex
	record := func(task Task, out Outcome) {
		mu.Lock()
		results[out.Table] = out
		mu.Unlock()
		if s.hooks.OnFinish != nil {
			s.hooks.OnFinish(task, out)
		}
	}

	var runnable []Task
	for _, t := range tables {
		task := Task{Database: database, Table: t}
		if kw := ExcludedBy(t.Name, s.cfg.ExcludeKeywords); kw != "" {
			record(task, Outcome{Table: t.Name, Status: StatusSkipped, Reason: fmt.Sprintf("excluded by keyword %q", kw)})
			continue
		}
		if len(t.Columns) == 0 {
			record(task, Outcome{Table: t.Name, Status: StatusSkipped, Reason: "no columns"})
			continue
		}
		task.SplitKey = SplitKey(t)
		runnable = append(runnable, task)
	}
	for i := range runnable {
		runnable[i].Index = i + 1
		runnable[i].Total = len(runnable)
	}

	skipped := len(tables) - len(runnable)
	s.logger.Info("scheduling table transfers",
		zap.String("database", database),
		zap.Int("tables", len(runnable)),
		zap.Int("skipped", skipped),
		zap.Int("parallelism", s.cfg.Parallelism))
	if len(runnable) == 0 {
		return results
	}

	workers := s.cfg.Parallelism
	if workers > len(runnable) {
		workers = len(runnable)
	}

	queue := make(chan Task)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				if ctx.Err() != nil {
					record(task, cancelledOutcome(task))
					continue
				}
				record(task, s.execute(ctx, task, transfer))
			}
		}()
	}

dispatch:
	for i, task := range runnable {
		if ctx.Err() != nil {
			s.cancelRemaining(runnable[i:], record)
			break
		}
		select {
		case queue <- task:
		case <-ctx.Done():
			s.cancelRemaining(runnable[i:], record)
			break dispatch
		}
	}
	close(queue)
	wg.Wait()

	return results
}

func (s *Scheduler) cancelRemaining(tasks []Task, record func(Task, Outcome)) {
	s.logger.Warn("run cancelled, remaining tables not dispatched", zap.Int("tables", len(tasks)))
	for _, task := range tasks {
		record(task, cancelledOutcome(task))
	}
}

func cancelledOutcome(task Task) Outcome {
	return Outcome{
		Table:    task.Table.Name,
		Status:   StatusFailed,
		Reason:   "cancelled before dispatch",
		SplitKey: task.SplitKey,
		Err:      errors.New(errors.ErrorTypeCancelled, "run cancelled"),
	}
}

func (s *Scheduler) execute(ctx context.Context, task Task, transfer TransferFunc) (out Outcome) {
	out = Outcome{Table: task.Table.Name, SplitKey: task.SplitKey}
	if s.hooks.OnStart != nil {
		s.hooks.OnStart(task)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out.Status = StatusFailed
			out.Err = errors.Newf(errors.ErrorTypeInternal, "transfer panicked: %v", r)
			out.Reason = out.Err.Error()
		}
		out.Duration = time.Since(start)
	}()

	if err := transfer(ctx, task); err != nil {
		out.Status = StatusFailed
		out.Err = err
		out.Reason = err.Error()
		if ctx.Err() != nil && !errors.IsType(err, errors.ErrorTypeCancelled) {
			out.Reason = "cancelled: " + out.Reason
		}
		return out
	}
	out.Status = StatusSuccess
	return out
}
