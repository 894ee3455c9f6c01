// Package process runs external tools (docker, psql, pgloader, python) with
// streamed output capture, per-invocation timeouts and process-tree
// termination.
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	gopsproc "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/ajitpratap0/pgsync/pkg/errors"
	"github.com/ajitpratap0/pgsync/pkg/logger"
)

// Verbosity selects how much of a tool's output is streamed while it runs.
// The full output is always captured in the Result.
type Verbosity string

const (
	// VerbosityFull streams every line
	VerbosityFull Verbosity = "full"
	// VerbosityCompact streams lines accepted by Options.Filter, truncated
	VerbosityCompact Verbosity = "compact"
	// VerbosityQuiet streams nothing
	VerbosityQuiet Verbosity = "quiet"
)

// Status describes how a process ended
type Status string

const (
	StatusExited    Status = "exited"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

const (
	// DefaultTailLines is the number of trailing output lines kept for reports
	DefaultTailLines = 200
	// DefaultMaxLineLength bounds streamed lines in compact mode
	DefaultMaxLineLength = 400

	waitDelay        = 5 * time.Second
	terminateTimeout = 30 * time.Second
)

// Options configures one invocation
type Options struct {
	Dir string
	// Env is appended to the current environment
	Env     map[string]string
	Timeout time.Duration

	Verbosity Verbosity
	// Output receives streamed lines. Nil discards them.
	Output io.Writer
	// Filter selects lines streamed in compact mode. Nil accepts every line.
	Filter        func(line string) bool
	MaxLineLength int
	TailLines     int
	// OnLine is called for every output line, whatever the verbosity
	OnLine func(line string)

	// ArchivePath, when set, receives the combined output zstd-compressed
	ArchivePath string

	// Terminate runs after the process tree was killed on timeout or
	// cancellation. It stops work the tree does not own, such as a container
	// started through the docker daemon or a server-side session.
	Terminate *Command
}

// Command is a program with its arguments. Arguments are never interpreted by
// a shell.
type Command struct {
	Name    string
	Args    []string
	Options Options
}

// String renders the command for logs with credentials masked
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, a := range c.Args {
		a = maskArg(a)
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Result is the outcome of an invocation that started
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Tail holds the last output lines of both streams in arrival order
	Tail     []string
	Duration time.Duration
	Status   Status
	// Orphaned is set when the process was stopped early but its Terminate
	// command failed; the tool's work may still be running.
	Orphaned bool
}

// Succeeded reports a normal exit with code zero
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusExited && r.ExitCode == 0
}

// Combined returns stdout followed by stderr
func (r *Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// TailText joins the output tail
func (r *Result) TailText() string {
	return strings.Join(r.Tail, "\n")
}

// Runner runs commands. The pipeline depends on this interface so tests can
// substitute scripted results.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Invoker is the os/exec backed Runner
type Invoker struct {
	logger *zap.Logger
}

// NewInvoker creates an invoker
func NewInvoker(logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{logger: logger}
}

// Run starts the command and blocks until it exits, times out, or ctx is
// cancelled. A non-zero exit is reported through the Result; the error is
// only set when the process could not be started.
func (i *Invoker) Run(ctx context.Context, c Command) (*Result, error) {
	opts := c.Options
	if opts.Verbosity == "" {
		opts.Verbosity = VerbosityFull
	}
	if opts.TailLines <= 0 {
		opts.TailLines = DefaultTailLines
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}

	if err := ctx.Err(); err != nil {
		return &Result{ExitCode: -1, Status: StatusCancelled}, nil
	}
	log := i.logger.With(logger.Fields(ctx)...)

	cmd := exec.Command(c.Name, c.Args...) //nolint:gosec // G204: arguments are built by the tool adapters
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, opts.Env[k]))
		}
	}
	cmd.WaitDelay = waitDelay

	out, err := newSink(opts)
	if err != nil {
		log.Warn("output archive disabled", zap.String("path", opts.ArchivePath), zap.Error(err))
		opts.ArchivePath = ""
		out, _ = newSink(opts)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &lineWriter{sink: out, capture: &stdoutBuf}
	stderr := &lineWriter{sink: out, capture: &stderrBuf}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Debug("starting process", zap.String("command", c.String()), zap.String("dir", opts.Dir))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = out.close()
		return nil, errors.Wrap(err, errors.ErrorTypeProcess, "failed to start process").
			WithDetail("command", c.Name)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	status := StatusExited
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timeout:
		status = StatusTimeout
		log.Warn("process timed out, terminating process tree",
			zap.String("command", c.Name), zap.Duration("timeout", opts.Timeout))
		killTree(cmd.Process)
		waitErr = <-done
	case <-ctx.Done():
		status = StatusCancelled
		log.Warn("run cancelled, terminating process tree", zap.String("command", c.Name))
		killTree(cmd.Process)
		waitErr = <-done
	}

	orphaned := false
	if status != StatusExited && opts.Terminate != nil {
		if err := i.terminate(log, *opts.Terminate); err != nil {
			orphaned = true
			log.Error("failed to stop tool work outside the process tree",
				zap.String("command", c.Name),
				zap.String("terminate", opts.Terminate.String()),
				zap.Error(err))
		}
	}

	stdout.flush()
	stderr.flush()
	if err := out.close(); err != nil {
		log.Warn("failed to finalize output archive", zap.String("path", opts.ArchivePath), zap.Error(err))
	}

	res := &Result{
		ExitCode: exitCode(cmd, waitErr),
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Tail:     out.tailLines(),
		Duration: time.Since(start),
		Status:   status,
		Orphaned: orphaned,
	}
	if status != StatusExited && res.ExitCode == 0 {
		res.ExitCode = -1
	}

	log.Debug("process finished",
		zap.String("command", c.Name),
		zap.Int("exit_code", res.ExitCode),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// terminate runs a Terminate command to completion. It is detached from the
// run context, which is usually already cancelled.
func (i *Invoker) terminate(log *zap.Logger, c Command) error {
	timeout := c.Options.Timeout
	if timeout <= 0 {
		timeout = terminateTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...) //nolint:gosec // G204: arguments are built by the tool adapters
	cmd.Dir = c.Options.Dir
	cmd.WaitDelay = waitDelay
	if len(c.Options.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Options.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	log.Info("stopping tool work", zap.String("command", c.String()))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProcess, "terminate command failed").
			WithDetail("output", Truncate(strings.TrimSpace(string(out)), DefaultMaxLineLength))
	}
	return nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	switch {
	case err != nil && errors.As(err, &exitErr):
		return exitErr.ExitCode()
	case cmd.ProcessState != nil:
		return cmd.ProcessState.ExitCode()
	case err == nil:
		return 0
	default:
		return -1
	}
}

// killTree terminates p and every descendant. Children are collected before
// the parent dies so orphans re-parented to init are not missed.
func killTree(p *os.Process) {
	if p == nil {
		return
	}
	if root, err := gopsproc.NewProcess(int32(p.Pid)); err == nil { //nolint:gosec // G115: pids fit in int32
		killDescendants(root)
	}
	_ = p.Kill()
}

func killDescendants(p *gopsproc.Process) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killDescendants(child)
		_ = child.Kill()
	}
}

// sink receives complete lines from both output streams
type sink struct {
	mu      sync.Mutex
	opts    Options
	tail    []string
	archive *os.File
	enc     *zstd.Encoder
}

func newSink(opts Options) (*sink, error) {
	s := &sink{opts: opts, tail: make([]string, 0, opts.TailLines)}
	if opts.ArchivePath == "" {
		return s, nil
	}
	f, err := os.Create(opts.ArchivePath) //nolint:gosec // G304: path built from the configured log dir
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s.archive, s.enc = f, enc
	return s, nil
}

func (s *sink) line(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tail) == s.opts.TailLines {
		copy(s.tail, s.tail[1:])
		s.tail = s.tail[:len(s.tail)-1]
	}
	s.tail = append(s.tail, line)

	if s.enc != nil {
		_, _ = io.WriteString(s.enc, line+"\n")
	}
	if s.opts.OnLine != nil {
		s.opts.OnLine(line)
	}
	if s.opts.Output == nil {
		return
	}

	switch s.opts.Verbosity {
	case VerbosityFull:
		_, _ = io.WriteString(s.opts.Output, line+"\n")
	case VerbosityCompact:
		if s.opts.Filter != nil && !s.opts.Filter(line) {
			return
		}
		_, _ = io.WriteString(s.opts.Output, Truncate(line, s.opts.MaxLineLength)+"\n")
	}
}

func (s *sink) tailLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tail))
	copy(out, s.tail)
	return out
}

func (s *sink) close() error {
	if s.enc == nil {
		return nil
	}
	err := s.enc.Close()
	if cerr := s.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

// lineWriter captures one stream verbatim and splits it into lines for the
// shared sink.
type lineWriter struct {
	sink    *sink
	capture *bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.capture.Write(p)
	w.partial = append(w.partial, p...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		w.sink.line(strings.TrimRight(string(w.partial[:idx]), "\r"))
		w.partial = w.partial[idx+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.sink.line(strings.TrimRight(string(w.partial), "\r"))
		w.partial = nil
	}
}

// Truncate shortens s to at most n bytes, marking the cut. The cut never
// splits a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:runeBoundary(s, n)]
	}
	return s[:runeBoundary(s, n-3)] + "..."
}

// runeBoundary returns the largest i <= n at which a rune starts
func runeBoundary(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

func isSecretKey(k string) bool {
	k = strings.ToUpper(k)
	return strings.Contains(k, "PASSWORD") || strings.HasSuffix(k, "_PWD")
}

func maskArg(a string) string {
	if k, _, ok := strings.Cut(a, "="); ok && isSecretKey(k) {
		return k + "=xxxxx"
	}
	if strings.Contains(a, "://") {
		if u, err := url.Parse(a); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), "xxxxx")
				return u.String()
			}
		}
	}
	return a
}
