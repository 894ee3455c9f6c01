// Package datax builds DataX job files and invocations for single-table
// MySQL to PostgreSQL transfers.
package datax

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/ajitpratap0/pgsync/internal/process"
	"github.com/ajitpratap0/pgsync/internal/scheduler"
	"github.com/ajitpratap0/pgsync/pkg/config"
	"github.com/ajitpratap0/pgsync/pkg/errors"
)

const (
	defaultMySQLPort    = 3306
	defaultPostgresPort = 5432
)

var keyLogTokens = []string{
	"ERROR",
	"WARN",
	"jobContainer starts job",
	"completed successfully",
	"Total ",
	"Percentage",
	"DataX jobId",
}

// Job is the DataX job document
type Job struct {
	Job JobBody `json:"job"`
}

// JobBody holds settings and the single reader/writer pair
type JobBody struct {
	Setting Setting   `json:"setting"`
	Content []Content `json:"content"`
}

// Setting controls DataX channel count and error tolerance
type Setting struct {
	Speed      Speed      `json:"speed"`
	ErrorLimit ErrorLimit `json:"errorLimit"`
}

type Speed struct {
	Channel int `json:"channel"`
}

type ErrorLimit struct {
	Record     int     `json:"record"`
	Percentage float64 `json:"percentage"`
}

// Content pairs the mysqlreader with the postgresqlwriter
type Content struct {
	Reader Reader `json:"reader"`
	Writer Writer `json:"writer"`
}

type Reader struct {
	Name      string          `json:"name"`
	Parameter ReaderParameter `json:"parameter"`
}

type ReaderParameter struct {
	Username   string             `json:"username"`
	Password   string             `json:"password"`
	Column     []string           `json:"column"`
	Connection []ReaderConnection `json:"connection"`
	SplitPk    string             `json:"splitPk,omitempty"`
}

type ReaderConnection struct {
	Table   []string `json:"table"`
	JdbcURL []string `json:"jdbcUrl"`
}

type Writer struct {
	Name      string          `json:"name"`
	Parameter WriterParameter `json:"parameter"`
}

type WriterParameter struct {
	Username   string             `json:"username"`
	Password   string             `json:"password"`
	Column     []string           `json:"column"`
	Connection []WriterConnection `json:"connection"`
	BatchSize  int                `json:"batchSize"`
}

type WriterConnection struct {
	Table   []string `json:"table"`
	JdbcURL string   `json:"jdbcUrl"`
}

// BuildJob assembles the job moving task's table from the database's data
// source into its target.
func BuildJob(db config.Database, opts config.DataOptions, task scheduler.Task) Job {
	src, dst := db.DataSource, db.Target

	sourceJDBC := fmt.Sprintf("jdbc:mysql://%s:%d/%s", src.Host, src.PortOr(defaultMySQLPort), src.Database)
	if opts.JDBCParams != "" {
		sourceJDBC += "?" + opts.JDBCParams
	}
	targetJDBC := fmt.Sprintf("jdbc:postgresql://%s:%d/%s", dst.Host, dst.PortOr(defaultPostgresPort), dst.Database)

	columns := task.Table.ColumnNames()
	readerCols := make([]string, len(columns))
	writerCols := make([]string, len(columns))
	for i, c := range columns {
		readerCols[i] = MySQLIdent(c)
		if opts.LowercaseColumns {
			c = strings.ToLower(c)
		}
		writerCols[i] = PostgresIdent(c)
	}

	targetTable := task.Table.Name
	if opts.LowercaseTables {
		targetTable = strings.ToLower(targetTable)
	}

	return Job{Job: JobBody{
		Setting: Setting{
			Speed:      Speed{Channel: opts.Channel},
			ErrorLimit: ErrorLimit{Record: 0, Percentage: 0.02},
		},
		Content: []Content{{
			Reader: Reader{
				Name: "mysqlreader",
				Parameter: ReaderParameter{
					Username: src.User,
					Password: src.Password,
					Column:   readerCols,
					Connection: []ReaderConnection{{
						Table:   []string{MySQLIdent(task.Table.Name)},
						JdbcURL: []string{sourceJDBC},
					}},
					SplitPk: task.SplitKey,
				},
			},
			Writer: Writer{
				Name: "postgresqlwriter",
				Parameter: WriterParameter{
					Username: dst.User,
					Password: dst.Password,
					Column:   writerCols,
					Connection: []WriterConnection{{
						Table:   []string{PostgresIdent(targetTable)},
						JdbcURL: targetJDBC,
					}},
					BatchSize: opts.BatchSize,
				},
			},
		}},
	}}
}

// WriteJob writes job as dir/<database>.<table>.json and returns the path.
// Job files carry credentials and are created owner-only.
func WriteJob(dir, database, table string, job Job) (string, error) {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to encode datax job")
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.%s.json", database, sanitize(table)))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to write datax job").
			WithDetail("path", path)
	}
	return path, nil
}

// ScriptPath returns the datax.py launcher under home
func ScriptPath(home string) string {
	return filepath.Join(home, "bin", "datax.py")
}

// Command returns the invocation running jobFile
func Command(opts config.DataOptions, workspace, jobFile string) process.Command {
	args := []string{ScriptPath(opts.Home)}
	if opts.JVM != "" {
		args = append(args, "-j", opts.JVM)
	}
	if opts.LogLevel != "" {
		args = append(args, "--loglevel", opts.LogLevel)
	}
	args = append(args, jobFile)

	verbosity := process.VerbosityQuiet
	if opts.ShowOutput {
		verbosity = process.VerbosityFull
		if opts.CompactLog {
			verbosity = process.VerbosityCompact
		}
	}

	return process.Command{
		Name: opts.Python,
		Args: args,
		Options: process.Options{
			Dir:       workspace,
			Env:       opts.Env,
			Timeout:   opts.Timeout,
			Verbosity: verbosity,
			Filter:    IsKeyLog,
		},
	}
}

// IsKeyLog reports whether a DataX output line is kept in compact mode
func IsKeyLog(line string) bool {
	text := strings.TrimSpace(line)
	if text == "" {
		return false
	}
	for _, tok := range keyLogTokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

// MySQLIdent quotes a MySQL identifier
func MySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// PostgresIdent quotes a PostgreSQL identifier
func PostgresIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
}
