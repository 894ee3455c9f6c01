package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/pgsync/pkg/errors"
)

// EnvPrefix prefixes environment overrides, e.g. PGSYNC_DATAX_CHANNEL=4
const EnvPrefix = "PGSYNC"

// Load reads a JSON or YAML configuration document, substituting ${VAR}
// references from the environment and applying defaults.
func Load(filePath string) (*Document, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file").
			WithDetail("path", filePath)
	}

	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to resolve config path")
	}

	doc, err := Parse(data, configType(filePath))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config file").
			WithDetail("path", filePath)
	}
	doc.Workspace = filepath.Dir(abs)
	return doc, nil
}

// Parse decodes a configuration document of the given type ("json" or "yaml").
// The returned document has no workspace set.
func Parse(data []byte, configType string) (*Document, error) {
	content := []byte(substituteEnvVars(string(data)))

	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, err
	}

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, err
	}

	if err := restoreEnvKeys(content, configType, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("load_template", "pgloader/mysql_to_pg.load")
	v.SetDefault("target.psql_container", "postgres16")
	v.SetDefault("target.psql", "psql")
	v.SetDefault("target.clear_timeout", 5*time.Minute)

	v.SetDefault("pgloader.mode", "docker")
	v.SetDefault("pgloader.binary", "pgloader")
	v.SetDefault("pgloader.clear_public_before_sync", true)
	v.SetDefault("pgloader.cleanup_temp_files", true)
	v.SetDefault("pgloader.show_output", false)
	v.SetDefault("pgloader.timeout", 4*time.Hour)

	v.SetDefault("datax.python", "python")
	v.SetDefault("datax.table_parallelism", 3)
	v.SetDefault("datax.channel", 2)
	v.SetDefault("datax.batch_size", 2000)
	v.SetDefault("datax.cleanup_jobs_on_finish", true)
	v.SetDefault("datax.log_retention_days", 7)
	v.SetDefault("datax.log_dirs", []string{"datax/datax/log", "datax/datax/log_perf"})
	v.SetDefault("datax.compact_log", true)
	v.SetDefault("datax.show_output", false)
	v.SetDefault("datax.job_dir", ".datax_jobs")
	v.SetDefault("datax.mysql_jdbc_params", "useSSL=false")
	v.SetDefault("datax.target_table_lowercase", true)
	v.SetDefault("datax.target_column_lowercase", true)
	v.SetDefault("datax.timeout", 4*time.Hour)

	v.SetDefault("retry.pre_cleanup_attempts", 1)
	v.SetDefault("retry.schema_attempts", 1)
	v.SetDefault("retry.delay", 10*time.Second)

	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.archive_output", true)
}

// restoreEnvKeys re-reads the tool environment maps with their original key
// case. viper folds map keys to lower case, environment names are case sensitive.
func restoreEnvKeys(content []byte, configType string, doc *Document) error {
	var raw struct {
		PGLoader struct {
			Env map[string]string `yaml:"env" json:"env"`
		} `yaml:"pgloader" json:"pgloader"`
		DataX struct {
			Env map[string]string `yaml:"env" json:"env"`
		} `yaml:"datax" json:"datax"`
	}
	unmarshal := yaml.Unmarshal
	if configType == "json" {
		unmarshal = json.Unmarshal
	}
	if err := unmarshal(content, &raw); err != nil {
		return err
	}
	if raw.PGLoader.Env != nil {
		doc.PGLoader.Env = raw.PGLoader.Env
	}
	if raw.DataX.Env != nil {
		doc.DataX.Env = raw.DataX.Env
	}
	return nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
