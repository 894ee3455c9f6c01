// Package pgloader builds pgloader invocations and interprets their output.
package pgloader

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/pgsync/internal/process"
	"github.com/ajitpratap0/pgsync/pkg/config"
)

// MountPoint is where the script directory is mounted inside the container
const MountPoint = "/pgloader"

// LocksHint is attached to failures caused by an exhausted lock table
const LocksHint = "target reported max_locks_per_transaction exhaustion; " +
	"raise max_locks_per_transaction on the PostgreSQL server and restart it, " +
	"or drop 'include drop' from the load template to lower lock pressure"

var errorTokens = []string{
	" FATAL ",
	" ERROR ",
	"KABOOM!",
	"ESRAP-PARSE-ERROR",
	"Failed to create the schema",
}

// Command returns the invocation running the rendered script. In docker mode
// the script's directory is mounted and pgloader runs inside the
// configured image in a container called name; in local mode the binary is
// called directly.
//
// The container belongs to the docker daemon, not to the docker CLI the
// invoker starts, so killing the CLI on timeout leaves it running. The
// command therefore carries a Terminate step that removes the container.
func Command(opts config.SchemaOptions, scriptPath, name string) process.Command {
	if opts.Mode == "local" {
		return process.Command{
			Name: opts.Binary,
			Args: []string{"--on-error-stop", scriptPath},
			Options: process.Options{
				Dir:     filepath.Dir(scriptPath),
				Env:     opts.Env,
				Timeout: opts.Timeout,
			},
		}
	}

	args := []string{"run", "--rm", "--init"}
	procOpts := process.Options{Timeout: opts.Timeout}
	if name != "" {
		args = append(args, "--name", name)
		procOpts.Terminate = &process.Command{Name: "docker", Args: []string{"rm", "-f", name}}
	}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}
	args = append(args,
		"-v", filepath.Dir(scriptPath)+":"+MountPoint,
		opts.Image,
		"sh", "-c", "pgloader --on-error-stop "+MountPoint+"/"+filepath.Base(scriptPath),
	)
	return process.Command{
		Name:    "docker",
		Args:    args,
		Options: procOpts,
	}
}

// ContainerName builds a docker container name from parts, replacing
// characters docker rejects.
func ContainerName(parts ...string) string {
	name := strings.Join(parts, "-")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		}
		return '_'
	}, name)
}

// IsErrorLine reports whether a pgloader output line signals a failure that
// pgloader itself may not turn into a non-zero exit.
func IsErrorLine(line string) bool {
	text := strings.TrimSpace(line)
	if text == "" {
		return false
	}
	for _, tok := range errorTokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

// Hint returns operator advice for a failed run's output, or ""
func Hint(output string) string {
	if strings.Contains(output, "max_locks_per_transaction") {
		return LocksHint
	}
	return ""
}

// Monitor follows pgloader output for one database: it counts the per-table
// summary lines and remembers whether an error line was seen. It is safe for
// concurrent use since stdout and stderr lines arrive from separate goroutines.
type Monitor struct {
	tableLine *regexp.Regexp
	onTable   func(table string, processed int)

	mu        sync.Mutex
	processed int
	errLines  []string
}

// NewMonitor creates a monitor for database. onTable may be nil.
func NewMonitor(database string, onTable func(table string, processed int)) *Monitor {
	return &Monitor{
		tableLine: regexp.MustCompile(`^\s*` + regexp.QuoteMeta(database) + `\.(\S+)\s+\d+\s+\d+`),
		onTable:   onTable,
	}
}

// Line consumes one output line
func (m *Monitor) Line(line string) {
	if IsErrorLine(line) {
		m.mu.Lock()
		if len(m.errLines) < 20 {
			m.errLines = append(m.errLines, strings.TrimSpace(line))
		}
		m.mu.Unlock()
	}

	match := m.tableLine.FindStringSubmatch(line)
	if match == nil {
		return
	}
	m.mu.Lock()
	m.processed++
	n := m.processed
	m.mu.Unlock()
	if m.onTable != nil {
		m.onTable(match[1], n)
	}
}

// Processed returns the number of table summary lines seen
func (m *Monitor) Processed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed
}

// ErrorLines returns the error lines seen, capped at 20
func (m *Monitor) ErrorLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.errLines))
	copy(out, m.errLines)
	return out
}
