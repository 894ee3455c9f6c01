// Package cleanup tracks transient files created during a run and guarantees
// their removal, plus retention-based pruning of tool log directories.
//
// Artifacts are registered by whichever component creates them, either on the
// Manager directly (run-wide) or on a named Scope (one database). Releasing a
// scope or the whole manager removes each artifact exactly once. Removal
// failures are logged as cleanup warnings and never returned to callers, so a
// stuck file cannot mask the real outcome of a run.
package cleanup

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/pgsync/pkg/errors"
)

// Kind classifies an artifact so retention policy can keep some kinds
type Kind string

const (
	KindScript    Kind = "script"
	KindJobFile   Kind = "job-file"
	KindJobDir    Kind = "job-dir"
	KindRunDir    Kind = "run-dir"
	KindOutputLog Kind = "output-log"
)

// Artifact is a filesystem path owned by a run
type Artifact struct {
	Path string
	Kind Kind
	// OnlyIfEmpty removes a directory only when nothing is left in it
	OnlyIfEmpty bool
}

// Policy lists the artifact kinds kept on release
type Policy struct {
	Retain map[Kind]bool
}

type entry struct {
	Artifact
	scope string
}

// Manager owns the removal obligation for every registered artifact
type Manager struct {
	mu       sync.Mutex
	logger   *zap.Logger
	policy   Policy
	entries  []entry
	warnings int
	remove   func(string) error
	onRemove func(Artifact)
}

// NewManager creates a manager applying policy on release
func NewManager(logger *zap.Logger, policy Policy) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger,
		policy: policy,
		remove: os.RemoveAll,
	}
}

// Register adds a run-wide artifact, released by ReleaseAll
func (m *Manager) Register(a Artifact) {
	m.register("", a)
}

func (m *Manager) register(scope string, a Artifact) {
	if a.Path == "" {
		return
	}
	m.mu.Lock()
	m.entries = append(m.entries, entry{Artifact: a, scope: scope})
	m.mu.Unlock()
}

// OnRemove sets a callback invoked after each successful removal
func (m *Manager) OnRemove(fn func(Artifact)) {
	m.mu.Lock()
	m.onRemove = fn
	m.mu.Unlock()
}

// Scope returns a named group of artifacts that can be released on its own
func (m *Manager) Scope(name string) *Scope {
	return &Scope{m: m, name: name}
}

// Pending returns the artifacts not yet released, in registration order
func (m *Manager) Pending() []Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Artifact, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Artifact
	}
	return out
}

// Warnings returns the number of removal failures logged so far
func (m *Manager) Warnings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warnings
}

// ReleaseAll removes every artifact still registered, scoped or not, and
// returns how many were removed.
func (m *Manager) ReleaseAll() int {
	return m.release(func(entry) bool { return true })
}

func (m *Manager) release(match func(entry) bool) int {
	m.mu.Lock()
	var taken []entry
	kept := m.entries[:0]
	for _, e := range m.entries {
		if match(e) {
			taken = append(taken, e)
		} else {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	m.mu.Unlock()

	removed := 0
	for i := len(taken) - 1; i >= 0; i-- {
		if m.removeOne(taken[i]) {
			removed++
		}
	}
	return removed
}

func (m *Manager) removeOne(e entry) bool {
	log := m.logger.With(
		zap.String("path", e.Path),
		zap.String("kind", string(e.Kind)),
		zap.String("scope", e.scope))

	if m.policy.Retain[e.Kind] {
		log.Info("retaining artifact")
		return false
	}

	if _, err := os.Lstat(e.Path); os.IsNotExist(err) {
		return false
	}
	if e.OnlyIfEmpty {
		entries, err := os.ReadDir(e.Path)
		if err != nil || len(entries) > 0 {
			return false
		}
	}

	if err := m.remove(e.Path); err != nil {
		m.mu.Lock()
		m.warnings++
		m.mu.Unlock()
		log.Warn("failed to remove artifact",
			zap.Error(errors.Wrap(err, errors.ErrorTypeCleanup, "artifact removal failed")))
		return false
	}
	log.Debug("removed artifact")
	m.mu.Lock()
	fn := m.onRemove
	m.mu.Unlock()
	if fn != nil {
		fn(e.Artifact)
	}
	return true
}

// Scope is a named subset of a manager's artifacts
type Scope struct {
	m    *Manager
	name string
}

// Register adds an artifact to the scope
func (s *Scope) Register(a Artifact) {
	s.m.register(s.name, a)
}

// Release removes the scope's artifacts in reverse registration order and
// returns how many were removed. Releasing twice is a no-op.
func (s *Scope) Release() int {
	return s.m.release(func(e entry) bool { return e.scope == s.name })
}

// ReleasePath releases the scope's artifact at path ahead of the rest of
// the scope. It reports whether the path was removed.
func (s *Scope) ReleasePath(path string) bool {
	return s.m.release(func(e entry) bool { return e.scope == s.name && e.Path == path }) > 0
}

// SweepResult summarizes one retention sweep
type SweepResult struct {
	FilesRemoved int
	DirsRemoved  int
	Failures     int
}

// SweepExpired deletes files under dirs whose modification time is older
// than retentionDays before now, then prunes sub-directories left empty. The
// directories themselves are kept. Missing directories are skipped and a
// non-positive retention disables the sweep.
func SweepExpired(logger *zap.Logger, dirs []string, retentionDays int, now time.Time) SweepResult {
	var res SweepResult
	if retentionDays <= 0 {
		return res
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)

	for _, root := range dirs {
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			continue
		}

		var subdirs []string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				res.Failures++
				return nil
			}
			if d.IsDir() {
				if path != root {
					subdirs = append(subdirs, path)
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(path); err != nil {
					res.Failures++
					logger.Warn("failed to remove expired log",
						zap.String("path", path),
						zap.Error(errors.Wrap(err, errors.ErrorTypeCleanup, "retention sweep failed")))
					return nil
				}
				res.FilesRemoved++
			}
			return nil
		})
		if err != nil {
			res.Failures++
		}

		// Deepest first so parents emptied by their children go too.
		for i := len(subdirs) - 1; i >= 0; i-- {
			entries, err := os.ReadDir(subdirs[i])
			if err != nil || len(entries) > 0 {
				continue
			}
			if err := os.Remove(subdirs[i]); err == nil {
				res.DirsRemoved++
			}
		}
	}

	if res.FilesRemoved > 0 || res.Failures > 0 {
		logger.Info("log retention sweep finished",
			zap.Int("retention_days", retentionDays),
			zap.Int("files_removed", res.FilesRemoved),
			zap.Int("dirs_removed", res.DirsRemoved),
			zap.Int("failures", res.Failures))
	}
	return res
}
