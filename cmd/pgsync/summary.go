package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/ajitpratap0/pgsync/internal/pipeline"
	"github.com/ajitpratap0/pgsync/internal/process"
	"github.com/ajitpratap0/pgsync/internal/scheduler"
)

const detailWidth = 80

// printSummary renders one row per database followed by the failure details
func printSummary(w io.Writer, res *pipeline.Result) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"DATABASE", "PHASE", "TABLES", "DURATION", "DETAIL"})

	for _, job := range res.Jobs {
		table.Append([]string{
			job.Database,
			string(job.Phase),
			tableCounts(job.Outcomes),
			job.Duration().Round(time.Millisecond).String(),
			process.Truncate(jobDetail(job), detailWidth),
		})
	}
	table.Render()

	for _, job := range res.Failed() {
		f := job.Failure
		if f == nil {
			continue
		}
		fmt.Fprintf(w, "\n%s: %s\n", job.Database, f.Error())
		if f.Hint != "" {
			fmt.Fprintf(w, "  hint: %s\n", f.Hint)
		}
		for _, line := range f.Tail {
			fmt.Fprintf(w, "  | %s\n", line)
		}
	}

	ok := len(res.Jobs) - len(res.Failed())
	fmt.Fprintf(w, "\nrun %s (%s): %d/%d databases reached %s in %s\n",
		res.RunID, res.Action, ok, len(res.Jobs), res.Goal(),
		res.Finished.Sub(res.Started).Round(time.Millisecond))
	if res.Sweep.FilesRemoved > 0 {
		fmt.Fprintf(w, "retention sweep removed %d files\n", res.Sweep.FilesRemoved)
	}
	if res.CleanupWarnings > 0 {
		fmt.Fprintf(w, "%d temporary artifacts could not be removed, see the run log\n", res.CleanupWarnings)
	}
}

func tableCounts(o scheduler.Outcomes) string {
	if len(o) == 0 {
		return "-"
	}
	parts := []string{strconv.Itoa(o.Count(scheduler.StatusSuccess)) + " ok"}
	if n := o.Count(scheduler.StatusSkipped); n > 0 {
		parts = append(parts, strconv.Itoa(n)+" skipped")
	}
	if n := o.Count(scheduler.StatusFailed); n > 0 {
		parts = append(parts, strconv.Itoa(n)+" failed")
	}
	return strings.Join(parts, ", ")
}

func jobDetail(job *pipeline.Job) string {
	if f := job.Failure; f != nil {
		if f.Table != "" {
			return fmt.Sprintf("%s: %s", f.Step, f.Table)
		}
		if f.ExitCode >= 0 {
			return fmt.Sprintf("%s: exit code %d", f.Step, f.ExitCode)
		}
		return string(f.Step)
	}
	if job.Note != "" {
		return job.Note
	}
	if job.SchemaTables > 0 {
		return fmt.Sprintf("%d tables in schema", job.SchemaTables)
	}
	return ""
}

// progressPrinter turns pipeline events into terse console lines. Phase
// changes are already in the log so only progress is shown.
type progressPrinter struct {
	w io.Writer
}

func (p *progressPrinter) handle(ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventSchemaProgress:
		if ev.Total > 0 {
			fmt.Fprintf(p.w, "[%s] schema %d/%d %s\n", ev.Database, ev.Processed, ev.Total, ev.Table)
		} else {
			fmt.Fprintf(p.w, "[%s] schema %d %s\n", ev.Database, ev.Processed, ev.Table)
		}
	case pipeline.EventTableFinished:
		line := fmt.Sprintf("[%s] %s %s", ev.Database, ev.Table, ev.Status)
		if ev.Total > 0 {
			line = fmt.Sprintf("[%s] %d/%d %s %s", ev.Database, ev.Processed, ev.Total, ev.Table, ev.Status)
		}
		if ev.Message != "" {
			line += ": " + ev.Message
		}
		fmt.Fprintln(p.w, line)
	case pipeline.EventSweep:
		if ev.Message != "" {
			fmt.Fprintf(p.w, "sweep: %s\n", ev.Message)
		}
	}
}
