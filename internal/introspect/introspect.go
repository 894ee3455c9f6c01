// Package introspect reads table, column and primary-key metadata from the
// MySQL source through information_schema.
//
// Two implementations exist: Container runs the mysql client inside a docker
// container (the source is often only reachable from the container network),
// Native connects with github.com/go-sql-driver/mysql.
package introspect

import (
	"context"

	"github.com/ajitpratap0/pgsync/internal/process"
	"github.com/ajitpratap0/pgsync/internal/scheduler"
	"github.com/ajitpratap0/pgsync/pkg/config"
)

const (
	tablesQuery = "SELECT table_name FROM information_schema.tables " +
		"WHERE table_schema=? AND table_type='BASE TABLE' ORDER BY table_name"

	columnsQuery = "SELECT table_name, column_name, data_type FROM information_schema.columns " +
		"WHERE table_schema=? ORDER BY table_name, ordinal_position"

	primaryKeyQuery = "SELECT k.table_name, k.column_name, c.data_type " +
		"FROM information_schema.table_constraints tc " +
		"JOIN information_schema.key_column_usage k " +
		"ON tc.constraint_name = k.constraint_name " +
		"AND tc.table_schema = k.table_schema " +
		"AND tc.table_name = k.table_name " +
		"JOIN information_schema.columns c " +
		"ON c.table_schema = k.table_schema " +
		"AND c.table_name = k.table_name " +
		"AND c.column_name = k.column_name " +
		"WHERE tc.constraint_type='PRIMARY KEY' AND tc.table_schema=? " +
		"ORDER BY k.table_name, k.ordinal_position"

	countQuery = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema=?"
)

// Introspector lists the source tables of a database
type Introspector interface {
	// Tables returns the base tables of db's data source in name order with
	// their columns and primary keys.
	Tables(ctx context.Context, db config.Database) ([]scheduler.Table, error)
	// CountTables returns the number of tables in db's schema source, used to
	// report schema-phase progress.
	CountTables(ctx context.Context, db config.Database) (int, error)
}

// New picks the container client when a MySQL container is configured and
// the native driver otherwise.
func New(opts config.SourceOptions, runner process.Runner) Introspector {
	if opts.MySQLContainer != "" {
		return NewContainer(runner, opts)
	}
	return NewNative(opts)
}

type columnRow struct {
	table, column, dataType string
}

// assemble groups column and key rows under their tables, keeping the order
// of names.
func assemble(names []string, columns, keys []columnRow) []scheduler.Table {
	byName := make(map[string]*scheduler.Table, len(names))
	tables := make([]scheduler.Table, len(names))
	for i, n := range names {
		tables[i].Name = n
		byName[n] = &tables[i]
	}
	for _, r := range columns {
		if t, ok := byName[r.table]; ok {
			t.Columns = append(t.Columns, scheduler.Column{Name: r.column, DataType: r.dataType})
		}
	}
	for _, r := range keys {
		if t, ok := byName[r.table]; ok {
			t.PrimaryKey = append(t.PrimaryKey, scheduler.Column{Name: r.column, DataType: r.dataType})
		}
	}
	return tables
}

func credentials(opts config.SourceOptions, ep config.Endpoint) (user, password string) {
	if opts.MySQLUser != "" {
		return opts.MySQLUser, opts.MySQLPassword
	}
	return ep.User, ep.Password
}
