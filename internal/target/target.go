// Package target builds the destructive pre-cleanup of the PostgreSQL target
// schema that precedes a schema sync.
package target

import (
	"strconv"
	"strings"

	"github.com/ajitpratap0/pgsync/internal/process"
	"github.com/ajitpratap0/pgsync/pkg/config"
	"github.com/ajitpratap0/pgsync/pkg/errors"
)

// ClearPublicSQL drops every table of the public schema
const ClearPublicSQL = "DO $$ " +
	"DECLARE r record; " +
	"BEGIN " +
	"FOR r IN SELECT tablename FROM pg_tables WHERE schemaname='public' LOOP " +
	"EXECUTE format('DROP TABLE IF EXISTS public.%I CASCADE', r.tablename); " +
	"END LOOP; " +
	"END $$;"

const defaultPort = 5432

// TerminateSQL ends the server sessions opened under appName. It stops a
// cleanup statement whose psql client was killed but whose backend keeps
// running.
func TerminateSQL(appName string) string {
	return "SELECT pg_terminate_backend(pid) FROM pg_stat_activity " +
		"WHERE application_name = '" + strings.ReplaceAll(appName, "'", "''") + "' " +
		"AND pid <> pg_backend_pid();"
}

// ClearCommands returns the psql invocations clearing db's target: first
// through docker exec in the psql container, then a local psql to try when
// the container call fails. The fallback is nil when no local binary is
// configured.
//
// Sessions are tagged with appName. When set, each command carries a
// Terminate step that ends the tagged sessions over the same channel.
func ClearCommands(db config.Database, opts config.TargetOptions, appName string) (primary process.Command, fallback *process.Command, err error) {
	ep := db.Target
	if !ep.IsPostgres() {
		return process.Command{}, nil, errors.Newf(errors.ErrorTypeConfig,
			"pre-cleanup needs a postgres target, got scheme %q", ep.Scheme).
			WithDetail("database", db.Name)
	}

	connArgs := []string{
		"-h", ep.Host,
		"-p", strconv.Itoa(ep.PortOr(defaultPort)),
		"-U", ep.User,
		"-d", ep.Database,
		"-v", "ON_ERROR_STOP=1",
		"-q",
	}
	psqlArgs := append(append([]string{}, connArgs...), "-c", ClearPublicSQL)
	var killArgs []string
	if appName != "" {
		killArgs = append(append([]string{}, connArgs...), "-c", TerminateSQL(appName))
	}
	procOpts := process.Options{Timeout: opts.ClearTimeout}

	if opts.PsqlContainer != "" {
		primary = dockerCommand(opts.PsqlContainer, ep.Password, appName, psqlArgs, procOpts)
		if killArgs != nil {
			kill := dockerCommand(opts.PsqlContainer, ep.Password, appName+"-stop", killArgs, process.Options{})
			primary.Options.Terminate = &kill
		}
		if opts.PsqlBinary != "" {
			local := localCommand(opts.PsqlBinary, ep.Password, appName, psqlArgs, killArgs, procOpts)
			fallback = &local
		}
		return primary, fallback, nil
	}

	return localCommand(opts.PsqlBinary, ep.Password, appName, psqlArgs, killArgs, procOpts), nil, nil
}

func dockerCommand(container, password, appName string, psqlArgs []string, opts process.Options) process.Command {
	args := []string{"exec", "-e", "PGPASSWORD=" + password}
	if appName != "" {
		args = append(args, "-e", "PGAPPNAME="+appName)
	}
	args = append(args, container, "psql")
	return process.Command{Name: "docker", Args: append(args, psqlArgs...), Options: opts}
}

func localCommand(binary, password, appName string, args, killArgs []string, opts process.Options) process.Command {
	if binary == "" {
		binary = "psql"
	}
	env := map[string]string{}
	if password != "" {
		env["PGPASSWORD"] = password
	}
	if appName != "" {
		env["PGAPPNAME"] = appName
	}
	if len(env) > 0 {
		opts.Env = env
	}
	if killArgs != nil {
		killEnv := map[string]string{"PGAPPNAME": appName + "-stop"}
		if password != "" {
			killEnv["PGPASSWORD"] = password
		}
		opts.Terminate = &process.Command{Name: binary, Args: killArgs, Options: process.Options{Env: killEnv}}
	}
	return process.Command{Name: binary, Args: args, Options: opts}
}
