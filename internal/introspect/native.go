package introspect

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ajitpratap0/pgsync/internal/scheduler"
	"github.com/ajitpratap0/pgsync/pkg/config"
	"github.com/ajitpratap0/pgsync/pkg/errors"
)

const defaultMySQLPort = 3306

// Native queries information_schema over a direct driver connection. A
// connection is opened per call since every database may live on its own
// host.
type Native struct {
	opts config.SourceOptions
}

// NewNative creates a driver-backed introspector
func NewNative(opts config.SourceOptions) *Native {
	return &Native{opts: opts}
}

// DSN builds a go-sql-driver DSN for ep
func DSN(ep config.Endpoint, user, password string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(ep.Host, strconv.Itoa(ep.PortOr(defaultMySQLPort)))
	cfg.DBName = "information_schema"
	cfg.Timeout = 10 * time.Second
	cfg.ReadTimeout = 2 * time.Minute
	return cfg.FormatDSN()
}

// Open connects to the endpoint's server and verifies it answers
func (n *Native) Open(ctx context.Context, ep config.Endpoint) (*sql.DB, error) {
	user, password := credentials(n.opts, ep)
	db, err := sql.Open("mysql", DSN(ep, user, password))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open database connection")
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close() // Ignore close error when connection already failed
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "database ping failed").
			WithDetail("host", ep.Host)
	}
	return db, nil
}

// Tables implements Introspector
func (n *Native) Tables(ctx context.Context, d config.Database) ([]scheduler.Table, error) {
	db, err := n.Open(ctx, d.DataSource)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	schema := d.DataSource.Database
	if schema == "" {
		schema = d.Name
	}

	names, err := queryStrings(ctx, db, tablesQuery, schema)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	cols, err := queryColumns(ctx, db, columnsQuery, schema)
	if err != nil {
		return nil, err
	}
	keys, err := queryColumns(ctx, db, primaryKeyQuery, schema)
	if err != nil {
		return nil, err
	}
	return assemble(names, cols, keys), nil
}

// CountTables implements Introspector
func (n *Native) CountTables(ctx context.Context, d config.Database) (int, error) {
	db, err := n.Open(ctx, d.Source)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	schema := d.Source.Database
	if schema == "" {
		schema = d.Name
	}
	var count int
	if err := db.QueryRowContext(ctx, countQuery, schema).Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count tables")
	}
	return count, nil
}

func queryStrings(ctx context.Context, db *sql.DB, query, schema string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list tables")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan table name")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list tables")
	}
	return out, nil
}

func queryColumns(ctx context.Context, db *sql.DB, query, schema string) ([]columnRow, error) {
	rows, err := db.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read columns")
	}
	defer rows.Close()

	var out []columnRow
	for rows.Next() {
		var r columnRow
		if err := rows.Scan(&r.table, &r.column, &r.dataType); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan column")
		}
		r.dataType = strings.ToLower(r.dataType)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read columns")
	}
	return out, nil
}
