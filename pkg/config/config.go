// Package config loads the pgsync configuration document and resolves it into
// an immutable per-run Plan.
//
// The document is organized into sections that mirror the tools it drives:
//   - source / target / mysql: connection templates and introspection access
//   - pgloader: schema phase (container image, pre-cleanup, temp files)
//   - datax: data phase (parallelism, job files, log retention)
//   - retry / log: run-wide policy
//
// Example usage:
//
//	doc, err := config.Load("pgsync.json")
//	if err != nil {
//	    return err
//	}
//	plan, err := config.Resolve(doc, []string{"orders"})
//	if err != nil {
//	    return err
//	}
package config

import "time"

// Document is the configuration file as written by the operator. It is only
// read by Resolve; every other component works from the resulting Plan.
type Document struct {
	// Databases is the default database list and, when set, the set of names
	// a run may request.
	Databases []string `mapstructure:"databases" yaml:"databases"`
	// LoadTemplate is the pgloader script template, relative to the workspace
	LoadTemplate string `mapstructure:"load_template" yaml:"load_template"`

	Source   SourceSection   `mapstructure:"source" yaml:"source"`
	Target   TargetSection   `mapstructure:"target" yaml:"target"`
	MySQL    MySQLSection    `mapstructure:"mysql" yaml:"mysql"`
	PGLoader PGLoaderSection `mapstructure:"pgloader" yaml:"pgloader"`
	DataX    DataXSection    `mapstructure:"datax" yaml:"datax"`
	Retry    RetrySection    `mapstructure:"retry" yaml:"retry"`
	Log      LogSection      `mapstructure:"log" yaml:"log"`

	// Workspace is the directory relative paths are resolved against. Load
	// sets it to the directory holding the configuration file.
	Workspace string `mapstructure:"-" yaml:"-"`
}

// SourceSection describes the MySQL source
type SourceSection struct {
	// URI may embed {{DB_NAME}}
	URI string `mapstructure:"uri" yaml:"uri"`
}

// TargetSection describes the PostgreSQL target
type TargetSection struct {
	// URI may embed {{DB_NAME}}
	URI string `mapstructure:"uri" yaml:"uri"`
	// PsqlContainer is the container used for `docker exec psql` pre-cleanup
	PsqlContainer string `mapstructure:"psql_container" yaml:"psql_container"`
	// Psql is the local psql binary used when the container call fails
	Psql string `mapstructure:"psql" yaml:"psql"`
	// ClearTimeout bounds each pre-cleanup invocation
	ClearTimeout time.Duration `mapstructure:"clear_timeout" yaml:"clear_timeout"`
}

// MySQLSection configures source introspection. When Container is set the
// mysql client inside that container is used, otherwise the native driver.
type MySQLSection struct {
	Container string `mapstructure:"container" yaml:"container"`
	User      string `mapstructure:"user" yaml:"user"`
	Password  string `mapstructure:"password" yaml:"password"`
}

// PGLoaderSection configures the schema phase
type PGLoaderSection struct {
	Image                 string            `mapstructure:"image" yaml:"image"`
	Mode                  string            `mapstructure:"mode" yaml:"mode"` // docker or local
	Binary                string            `mapstructure:"binary" yaml:"binary"`
	Env                   map[string]string `mapstructure:"env" yaml:"env"`
	ClearPublicBeforeSync bool              `mapstructure:"clear_public_before_sync" yaml:"clear_public_before_sync"`
	CleanupTempFiles      bool              `mapstructure:"cleanup_temp_files" yaml:"cleanup_temp_files"`
	ShowOutput            bool              `mapstructure:"show_output" yaml:"show_output"`
	Timeout               time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

// DataXSection configures the data phase
type DataXSection struct {
	Home                  string            `mapstructure:"home" yaml:"home"`
	Python                string            `mapstructure:"python" yaml:"python"`
	SourceURI             string            `mapstructure:"source_uri" yaml:"source_uri"`
	TableParallelism      int               `mapstructure:"table_parallelism" yaml:"table_parallelism"`
	Channel               int               `mapstructure:"channel" yaml:"channel"`
	BatchSize             int               `mapstructure:"batch_size" yaml:"batch_size"`
	ExcludeTableKeywords  []string          `mapstructure:"exclude_table_keywords" yaml:"exclude_table_keywords"`
	CleanupJobsOnFinish   bool              `mapstructure:"cleanup_jobs_on_finish" yaml:"cleanup_jobs_on_finish"`
	LogRetentionDays      int               `mapstructure:"log_retention_days" yaml:"log_retention_days"`
	LogDirs               []string          `mapstructure:"log_dirs" yaml:"log_dirs"`
	JVM                   string            `mapstructure:"jvm" yaml:"jvm"`
	LogLevel              string            `mapstructure:"loglevel" yaml:"loglevel"`
	CompactLog            bool              `mapstructure:"compact_log" yaml:"compact_log"`
	ShowOutput            bool              `mapstructure:"show_output" yaml:"show_output"`
	JobDir                string            `mapstructure:"job_dir" yaml:"job_dir"`
	MySQLJDBCParams       string            `mapstructure:"mysql_jdbc_params" yaml:"mysql_jdbc_params"`
	TargetTableLowercase  bool              `mapstructure:"target_table_lowercase" yaml:"target_table_lowercase"`
	TargetColumnLowercase bool              `mapstructure:"target_column_lowercase" yaml:"target_column_lowercase"`
	Env                   map[string]string `mapstructure:"env" yaml:"env"`
	Timeout               time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

// RetrySection controls automatic retries of the schema phase steps.
// Pre-cleanup is destructive, so it is never retried unless asked for.
type RetrySection struct {
	PreCleanupAttempts int           `mapstructure:"pre_cleanup_attempts" yaml:"pre_cleanup_attempts"`
	SchemaAttempts     int           `mapstructure:"schema_attempts" yaml:"schema_attempts"`
	Delay              time.Duration `mapstructure:"delay" yaml:"delay"`
}

// LogSection configures the per-run log stream
type LogSection struct {
	Dir           string `mapstructure:"dir" yaml:"dir"`
	Level         string `mapstructure:"level" yaml:"level"`
	ArchiveOutput bool   `mapstructure:"archive_output" yaml:"archive_output"`
}

// Action selects which phases a run executes
type Action string

const (
	// ActionStructure runs pre-cleanup and the schema tool only
	ActionStructure Action = "structure"
	// ActionData runs the table transfer only
	ActionData Action = "data"
	// ActionFull runs both phases in one invocation. It is not exposed on
	// the command line, where the two phases are separate invocations.
	ActionFull Action = "full"
)

// ParseAction validates a command-line action name
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionStructure, ActionData:
		return Action(s), true
	default:
		return "", false
	}
}

// RunsSchema reports whether the action includes the schema phase
func (a Action) RunsSchema() bool { return a == ActionStructure || a == ActionFull }

// RunsData reports whether the action includes the data phase
func (a Action) RunsData() bool { return a == ActionData || a == ActionFull }
