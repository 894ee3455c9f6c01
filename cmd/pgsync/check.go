package main

import (
	"context"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/pgsync/internal/introspect"
	"github.com/ajitpratap0/pgsync/internal/process"
	"github.com/ajitpratap0/pgsync/internal/target"
	"github.com/ajitpratap0/pgsync/pkg/config"
)

const (
	checkTimeout     = 30 * time.Second
	checkParallelism = 4
)

type checkResult struct {
	database string
	source   string
	target   string
	ok       bool
}

// prober connects to one side of a database pair and reports the server
// version
type prober func(ctx context.Context, db config.Database) (string, error)

func newCheckCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check connectivity to the source and target of each database",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(flags)
			if err != nil {
				return err
			}
			native := introspect.NewNative(plan.Source)
			results := checkDatabases(cmd.Context(), plan.Databases,
				func(ctx context.Context, db config.Database) (string, error) {
					return sourceVersion(ctx, native, db.DataSource)
				},
				func(ctx context.Context, db config.Database) (string, error) {
					return target.Probe(ctx, db.Target)
				})
			if !printChecks(cmd.OutOrStdout(), results) {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}

// checkDatabases probes every database concurrently. Results keep the plan
// order.
func checkDatabases(ctx context.Context, dbs []config.Database, source, dest prober) []checkResult {
	results := make([]checkResult, len(dbs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(checkParallelism)
	for i, db := range dbs {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			r := checkResult{database: db.Name, ok: true}
			r.source, r.ok = describe(source(ctx, db))
			var targetOK bool
			r.target, targetOK = describe(dest(ctx, db))
			r.ok = r.ok && targetOK
			results[i] = r
			return nil
		})
	}
	_ = g.Wait() // probes report through results
	return results
}

func describe(version string, err error) (string, bool) {
	if err != nil {
		return "error: " + err.Error(), false
	}
	return "ok (" + version + ")", true
}

func sourceVersion(ctx context.Context, n *introspect.Native, ep config.Endpoint) (string, error) {
	db, err := n.Open(ctx, ep)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()

	var version string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return "", err
	}
	return version, nil
}

func printChecks(w io.Writer, results []checkResult) bool {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"DATABASE", "SOURCE", "TARGET"})

	ok := true
	for _, r := range results {
		ok = ok && r.ok
		table.Append([]string{
			r.database,
			process.Truncate(r.source, detailWidth),
			process.Truncate(r.target, detailWidth),
		})
	}
	table.Render()
	return ok
}
