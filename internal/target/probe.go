package target

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/pgsync/pkg/config"
	"github.com/ajitpratap0/pgsync/pkg/errors"
)

// ConnString builds a pgx connection string for ep. pgx does not know the
// pgsql scheme, so the scheme is always normalized to postgres.
func ConnString(ep config.Endpoint, connectTimeout time.Duration) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(ep.Host, strconv.Itoa(ep.PortOr(defaultPort))),
		Path:   "/" + ep.Database,
	}
	if ep.User != "" {
		if ep.Password != "" {
			u.User = url.UserPassword(ep.User, ep.Password)
		} else {
			u.User = url.User(ep.User)
		}
	}
	q := url.Values{}
	q.Set("application_name", "pgsync")
	if connectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(connectTimeout.Round(time.Second)/time.Second)))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Probe connects to the target and returns the server version
func Probe(ctx context.Context, ep config.Endpoint) (string, error) {
	if !ep.IsPostgres() {
		return "", errors.Newf(errors.ErrorTypeConfig, "target scheme %q is not postgres", ep.Scheme)
	}

	cfg, err := pgxpool.ParseConfig(ConnString(ep, 10*time.Second))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse PostgreSQL connection string")
	}
	cfg.MaxConns = 1
	cfg.MinConns = 0

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to create PostgreSQL connection pool")
	}
	defer pool.Close()

	var version string
	if err := pool.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "health check query failed").
			WithDetail("host", ep.Host)
	}
	return version, nil
}
