package introspect

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/pgsync/internal/process"
	"github.com/ajitpratap0/pgsync/internal/scheduler"
	"github.com/ajitpratap0/pgsync/pkg/config"
	"github.com/ajitpratap0/pgsync/pkg/errors"
)

const queryTimeout = 2 * time.Minute

// Container queries information_schema with the mysql client of a running
// container.
type Container struct {
	runner process.Runner
	opts   config.SourceOptions
}

// NewContainer creates a container-backed introspector
func NewContainer(runner process.Runner, opts config.SourceOptions) *Container {
	return &Container{runner: runner, opts: opts}
}

// Tables implements Introspector
func (c *Container) Tables(ctx context.Context, db config.Database) ([]scheduler.Table, error) {
	schema := db.DataSource.Database
	if schema == "" {
		schema = db.Name
	}

	nameRows, err := c.query(ctx, db.DataSource, tablesQuery, schema)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(nameRows))
	for _, r := range nameRows {
		names = append(names, r[0])
	}
	if len(names) == 0 {
		return nil, nil
	}

	colRows, err := c.query(ctx, db.DataSource, columnsQuery, schema)
	if err != nil {
		return nil, err
	}
	keyRows, err := c.query(ctx, db.DataSource, primaryKeyQuery, schema)
	if err != nil {
		return nil, err
	}
	return assemble(names, toColumnRows(colRows), toColumnRows(keyRows)), nil
}

// CountTables implements Introspector
func (c *Container) CountTables(ctx context.Context, db config.Database) (int, error) {
	schema := db.Source.Database
	if schema == "" {
		schema = db.Name
	}
	rows, err := c.query(ctx, db.Source, countQuery, schema)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(rows[0][0])
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "unexpected table count")
	}
	return n, nil
}

func (c *Container) query(ctx context.Context, ep config.Endpoint, query, schema string) ([][]string, error) {
	user, password := credentials(c.opts, ep)
	sql := strings.Replace(query, "?", quoteLiteral(schema), 1)

	args := []string{"exec"}
	if password != "" {
		args = append(args, "-e", "MYSQL_PWD="+password)
	}
	args = append(args, c.opts.MySQLContainer, "mysql", "-u", user, "-N", "-B", "-e", sql)

	res, err := c.runner.Run(ctx, process.Command{
		Name:    "docker",
		Args:    args,
		Options: process.Options{Verbosity: process.VerbosityQuiet, Timeout: queryTimeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to run mysql client")
	}
	if !res.Succeeded() {
		return nil, errors.New(errors.ErrorTypeQuery, "mysql client failed").
			WithDetail("container", c.opts.MySQLContainer).
			WithDetail("exit_code", res.ExitCode).
			WithDetail("stderr", strings.TrimSpace(res.Stderr))
	}

	var rows [][]string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		rows = append(rows, fields)
	}
	return rows, nil
}

func toColumnRows(rows [][]string) []columnRow {
	out := make([]columnRow, 0, len(rows))
	for _, r := range rows {
		if len(r) < 3 {
			continue
		}
		out = append(out, columnRow{table: r[0], column: r[1], dataType: strings.ToLower(r[2])})
	}
	return out
}

func quoteLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
