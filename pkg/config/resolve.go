package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/pgsync/pkg/errors"
)

// DBNamePlaceholder is the only placeholder allowed in connection templates
const DBNamePlaceholder = "{{DB_NAME}}"

var (
	placeholderPattern  = regexp.MustCompile(`\{\{[^{}]*\}\}`)
	databaseNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_$-]*$`)
)

// Endpoint is a parsed connection URI
type Endpoint struct {
	Scheme   string `yaml:"scheme"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	Database string `yaml:"database"`
}

// ParseEndpoint splits a database URI into its parts. User and password are
// percent-decoded.
func ParseEndpoint(uri string) (Endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, err
	}
	if u.Scheme == "" {
		return Endpoint{}, fmt.Errorf("missing scheme in %q", redactURI(uri))
	}

	ep := Endpoint{
		Scheme:   u.Scheme,
		Host:     u.Hostname(),
		Database: strings.TrimPrefix(u.Path, "/"),
	}
	if p := u.Port(); p != "" {
		ep.Port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid port %q", p)
		}
	}
	if u.User != nil {
		ep.User = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return ep, nil
}

// IsPostgres reports whether the endpoint uses a PostgreSQL scheme
func (e Endpoint) IsPostgres() bool {
	switch e.Scheme {
	case "postgresql", "postgres", "pgsql":
		return true
	}
	return false
}

// PortOr returns the endpoint port or def when none was given
func (e Endpoint) PortOr(def int) int {
	if e.Port == 0 {
		return def
	}
	return e.Port
}

// Database is one database of a run with its resolved connection strings
type Database struct {
	Name string `yaml:"name"`
	// SourceURI is handed to the schema tool
	SourceURI string `yaml:"source_uri"`
	// DataSourceURI is read by the data tool; defaults to SourceURI
	DataSourceURI string `yaml:"data_source_uri"`
	TargetURI     string `yaml:"target_uri"`

	Source     Endpoint `yaml:"source"`
	DataSource Endpoint `yaml:"data_source"`
	Target     Endpoint `yaml:"target"`
}

// Plan is the fully resolved, immutable description of one run. It is built
// once by Resolve and passed explicitly to every component; nothing may
// modify it afterwards.
type Plan struct {
	Workspace          string     `yaml:"workspace"`
	Databases          []Database `yaml:"databases"`
	SourceTemplate     string     `yaml:"source_template"`
	TargetTemplate     string     `yaml:"target_template"`
	DataSourceTemplate string     `yaml:"data_source_template"`
	SchemaTemplate     string     `yaml:"schema_template"`

	Source SourceOptions `yaml:"source"`
	Target TargetOptions `yaml:"target"`
	Schema SchemaOptions `yaml:"schema"`
	Data   DataOptions   `yaml:"data"`
	Retry  RetryOptions  `yaml:"retry"`
	Log    LogOptions    `yaml:"log"`
}

// SourceOptions controls how the source is introspected
type SourceOptions struct {
	MySQLContainer string `yaml:"mysql_container"`
	MySQLUser      string `yaml:"mysql_user"`
	MySQLPassword  string `yaml:"-"`
}

// TargetOptions controls the destructive pre-cleanup
type TargetOptions struct {
	PsqlContainer string        `yaml:"psql_container"`
	PsqlBinary    string        `yaml:"psql_binary"`
	ClearTimeout  time.Duration `yaml:"clear_timeout"`
}

// SchemaOptions controls the pgloader invocation
type SchemaOptions struct {
	Image            string            `yaml:"image"`
	Mode             string            `yaml:"mode"`
	Binary           string            `yaml:"binary"`
	Env              map[string]string `yaml:"env,omitempty"`
	ClearBeforeSync  bool              `yaml:"clear_before_sync"`
	CleanupTempFiles bool              `yaml:"cleanup_temp_files"`
	ShowOutput       bool              `yaml:"show_output"`
	Timeout          time.Duration     `yaml:"timeout"`
}

// DataOptions controls the DataX invocations
type DataOptions struct {
	Home             string            `yaml:"home"`
	Python           string            `yaml:"python"`
	TableParallelism int               `yaml:"table_parallelism"`
	Channel          int               `yaml:"channel"`
	BatchSize        int               `yaml:"batch_size"`
	ExcludeKeywords  []string          `yaml:"exclude_keywords,omitempty"`
	CleanupJobs      bool              `yaml:"cleanup_jobs"`
	LogRetentionDays int               `yaml:"log_retention_days"`
	LogDirs          []string          `yaml:"log_dirs"`
	JVM              string            `yaml:"jvm,omitempty"`
	LogLevel         string            `yaml:"log_level,omitempty"`
	CompactLog       bool              `yaml:"compact_log"`
	ShowOutput       bool              `yaml:"show_output"`
	JobDir           string            `yaml:"job_dir"`
	JDBCParams       string            `yaml:"jdbc_params"`
	LowercaseTables  bool              `yaml:"lowercase_tables"`
	LowercaseColumns bool              `yaml:"lowercase_columns"`
	Env              map[string]string `yaml:"env,omitempty"`
	Timeout          time.Duration     `yaml:"timeout"`
}

// RetryOptions is the retry policy for pre-cleanup and the schema tool
type RetryOptions struct {
	PreCleanupAttempts int           `yaml:"pre_cleanup_attempts"`
	SchemaAttempts     int           `yaml:"schema_attempts"`
	Delay              time.Duration `yaml:"delay"`
}

// LogOptions configures the run log
type LogOptions struct {
	Dir           string `yaml:"dir"`
	Level         string `yaml:"level"`
	ArchiveOutput bool   `yaml:"archive_output"`
}

// Names returns the database names in run order
func (p *Plan) Names() []string {
	names := make([]string, len(p.Databases))
	for i, db := range p.Databases {
		names[i] = db.Name
	}
	return names
}

// Database looks up a database of the run by name
func (p *Plan) Database(name string) (Database, bool) {
	for _, db := range p.Databases {
		if db.Name == name {
			return db, true
		}
	}
	return Database{}, false
}

// SweepDirs returns every directory subject to log retention
func (p *Plan) SweepDirs() []string {
	dirs := make([]string, 0, len(p.Data.LogDirs)+1)
	dirs = append(dirs, p.Log.Dir)
	return append(dirs, p.Data.LogDirs...)
}

// Resolve validates doc and produces the plan for the requested databases.
// When requested is empty the configured database list is used. Resolve has
// no side effects; every problem found is reported in a single config error.
func Resolve(doc *Document, requested []string) (*Plan, error) {
	if doc == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "configuration is missing")
	}

	var issues []string
	addIssue := func(format string, args ...interface{}) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(doc.Source.URI) == "" {
		addIssue("source.uri is required")
	}
	if strings.TrimSpace(doc.Target.URI) == "" {
		addIssue("target.uri is required")
	}

	dataSourceTemplate := strings.TrimSpace(doc.DataX.SourceURI)
	if dataSourceTemplate == "" {
		dataSourceTemplate = doc.Source.URI
	}

	for key, tmpl := range map[string]string{
		"source.uri":       doc.Source.URI,
		"target.uri":       doc.Target.URI,
		"datax.source_uri": doc.DataX.SourceURI,
	} {
		for _, ph := range placeholderPattern.FindAllString(tmpl, -1) {
			if ph != DBNamePlaceholder {
				addIssue("%s references undefined placeholder %s", key, ph)
			}
		}
	}

	names := requested
	if len(names) == 0 {
		names = doc.Databases
	}
	if len(names) == 0 {
		addIssue("no databases requested or configured")
	}

	allowed := make(map[string]bool, len(doc.Databases))
	for _, name := range doc.Databases {
		allowed[name] = true
	}

	seen := make(map[string]bool, len(names))
	databases := make([]Database, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if seen[name] {
			continue
		}
		seen[name] = true

		if !databaseNamePattern.MatchString(name) {
			addIssue("invalid database name %q", name)
			continue
		}
		if len(doc.Databases) > 0 && !allowed[name] {
			addIssue("database %q is not listed in databases", name)
			continue
		}

		db := Database{
			Name:          name,
			SourceURI:     strings.ReplaceAll(doc.Source.URI, DBNamePlaceholder, name),
			DataSourceURI: strings.ReplaceAll(dataSourceTemplate, DBNamePlaceholder, name),
			TargetURI:     strings.ReplaceAll(doc.Target.URI, DBNamePlaceholder, name),
		}

		for label, uri := range map[string]string{"source": db.SourceURI, "datax source": db.DataSourceURI, "target": db.TargetURI} {
			if strings.TrimSpace(uri) == "" {
				addIssue("%s URI for %q is empty", label, name)
			} else if placeholderPattern.MatchString(uri) {
				addIssue("%s URI for %q has unresolved placeholders", label, name)
			}
		}

		var err error
		if db.Source, err = ParseEndpoint(db.SourceURI); err != nil && db.SourceURI != "" {
			addIssue("source URI for %q: %v", name, err)
		}
		if db.DataSource, err = ParseEndpoint(db.DataSourceURI); err != nil && db.DataSourceURI != "" {
			addIssue("datax source URI for %q: %v", name, err)
		}
		if db.Target, err = ParseEndpoint(db.TargetURI); err != nil && db.TargetURI != "" {
			addIssue("target URI for %q: %v", name, err)
		}

		databases = append(databases, db)
	}

	switch doc.PGLoader.Mode {
	case "", "docker", "local":
	default:
		addIssue("pgloader.mode must be docker or local, got %q", doc.PGLoader.Mode)
	}
	switch strings.ToLower(doc.DataX.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		addIssue("datax.loglevel must be one of debug, info, warn, error, got %q", doc.DataX.LogLevel)
	}
	if doc.DataX.TableParallelism < 1 {
		addIssue("datax.table_parallelism must be at least 1")
	}
	if doc.DataX.Channel < 1 {
		addIssue("datax.channel must be at least 1")
	}
	if doc.DataX.BatchSize < 1 {
		addIssue("datax.batch_size must be at least 1")
	}
	if doc.Retry.PreCleanupAttempts < 1 || doc.Retry.SchemaAttempts < 1 {
		addIssue("retry attempts must be at least 1")
	}

	if len(issues) > 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "invalid configuration: "+strings.Join(issues, "; "))
	}

	mode := doc.PGLoader.Mode
	if mode == "" {
		mode = "docker"
	}

	plan := &Plan{
		Workspace:          doc.Workspace,
		Databases:          databases,
		SourceTemplate:     doc.Source.URI,
		TargetTemplate:     doc.Target.URI,
		DataSourceTemplate: dataSourceTemplate,
		SchemaTemplate:     resolvePath(doc.Workspace, doc.LoadTemplate),
		Source: SourceOptions{
			MySQLContainer: strings.TrimSpace(doc.MySQL.Container),
			MySQLUser:      doc.MySQL.User,
			MySQLPassword:  doc.MySQL.Password,
		},
		Target: TargetOptions{
			PsqlContainer: strings.TrimSpace(doc.Target.PsqlContainer),
			PsqlBinary:    strings.TrimSpace(doc.Target.Psql),
			ClearTimeout:  doc.Target.ClearTimeout,
		},
		Schema: SchemaOptions{
			Image:            strings.TrimSpace(doc.PGLoader.Image),
			Mode:             mode,
			Binary:           strings.TrimSpace(doc.PGLoader.Binary),
			Env:              copyMap(doc.PGLoader.Env),
			ClearBeforeSync:  doc.PGLoader.ClearPublicBeforeSync,
			CleanupTempFiles: doc.PGLoader.CleanupTempFiles,
			ShowOutput:       doc.PGLoader.ShowOutput,
			Timeout:          doc.PGLoader.Timeout,
		},
		Data: DataOptions{
			Home:             resolvePath(doc.Workspace, strings.TrimSpace(doc.DataX.Home)),
			Python:           strings.TrimSpace(doc.DataX.Python),
			TableParallelism: doc.DataX.TableParallelism,
			Channel:          doc.DataX.Channel,
			BatchSize:        doc.DataX.BatchSize,
			ExcludeKeywords:  normalizeKeywords(doc.DataX.ExcludeTableKeywords),
			CleanupJobs:      doc.DataX.CleanupJobsOnFinish,
			LogRetentionDays: doc.DataX.LogRetentionDays,
			LogDirs:          resolvePaths(doc.Workspace, doc.DataX.LogDirs),
			JVM:              strings.TrimSpace(doc.DataX.JVM),
			LogLevel:         strings.ToLower(strings.TrimSpace(doc.DataX.LogLevel)),
			CompactLog:       doc.DataX.CompactLog,
			ShowOutput:       doc.DataX.ShowOutput,
			JobDir:           resolvePath(doc.Workspace, doc.DataX.JobDir),
			JDBCParams:       strings.TrimSpace(doc.DataX.MySQLJDBCParams),
			LowercaseTables:  doc.DataX.TargetTableLowercase,
			LowercaseColumns: doc.DataX.TargetColumnLowercase,
			Env:              copyMap(doc.DataX.Env),
			Timeout:          doc.DataX.Timeout,
		},
		Retry: RetryOptions{
			PreCleanupAttempts: doc.Retry.PreCleanupAttempts,
			SchemaAttempts:     doc.Retry.SchemaAttempts,
			Delay:              doc.Retry.Delay,
		},
		Log: LogOptions{
			Dir:           resolvePath(doc.Workspace, doc.Log.Dir),
			Level:         doc.Log.Level,
			ArchiveOutput: doc.Log.ArchiveOutput,
		},
	}
	return plan, nil
}

// Validate checks the fields an action needs before anything is spawned
func (p *Plan) Validate(action Action) error {
	var issues []string

	if action.RunsSchema() {
		if p.SchemaTemplate == "" {
			issues = append(issues, "load_template is required")
		}
		switch p.Schema.Mode {
		case "docker":
			if p.Schema.Image == "" {
				issues = append(issues, "pgloader.image is required in docker mode")
			}
		case "local":
			if p.Schema.Binary == "" {
				issues = append(issues, "pgloader.binary is required in local mode")
			}
		}
		if p.Schema.ClearBeforeSync {
			for _, db := range p.Databases {
				if !db.Target.IsPostgres() {
					issues = append(issues, fmt.Sprintf("pre-cleanup needs a postgres target, %q uses %q", db.Name, db.Target.Scheme))
				}
			}
		}
	}

	if action.RunsData() {
		if p.Data.Home == "" {
			issues = append(issues, "datax.home is required")
		}
		if p.Data.Python == "" {
			issues = append(issues, "datax.python is required")
		}
	}

	if len(issues) > 0 {
		return errors.New(errors.ErrorTypeConfig, "invalid configuration: "+strings.Join(issues, "; ")).
			WithDetail("action", string(action))
	}
	return nil
}

// RedactURI hides the password of a connection URI for display
func RedactURI(uri string) string { return redactURI(uri) }

func redactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	if _, ok := u.User.Password(); !ok {
		return uri
	}
	// Splice the userinfo back in so {{DB_NAME}} in the path is not escaped.
	start := strings.Index(uri, "://")
	if start < 0 {
		return uri
	}
	start += 3
	end := len(uri)
	if i := strings.IndexAny(uri[start:], "/?#"); i >= 0 {
		end = start + i
	}
	at := strings.LastIndex(uri[start:end], "@")
	if at < 0 {
		return uri
	}
	return uri[:start] + url.UserPassword(u.User.Username(), "xxxxx").String() + uri[start+at:]
}

func resolvePath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) || workspace == "" {
		return p
	}
	return filepath.Join(workspace, p)
}

func resolvePaths(workspace string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, resolvePath(workspace, p))
		}
	}
	return out
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
