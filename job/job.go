// Package job runs a single external test program and lets a driver advance
// it by cheap, non-blocking polling.
//
// A Job is a small state machine: Created, Running, Finished. Start spawns the
// interpreter with the test file and its arguments, Poll reports whether the
// process is still alive and, on the first call that observes its death,
// finalizes the exit code, elapsed time, output and optional header block.
// A scheduler owning many jobs round-robins Poll across them.
package job

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

var (
	ErrSpawn          = errors.New("failed to spawn job")
	ErrAlreadyStarted = errors.New("job already started")
	ErrNotStarted     = errors.New("job not started")
)

// DefaultWaitDelay bounds how long pipes stay open after the process exits,
// for children that leak their stdout to a grandchild.
const DefaultWaitDelay = 2 * time.Second

// Interpreter is the program that executes test files.
type Interpreter struct {
	Path string   `yaml:"path" toml:"path"`
	Args []string `yaml:"args,omitempty" toml:"args"`
	// HeaderAware interpreters (CGI style) print a "Name: value" block
	// terminated by a blank line before the real output.
	HeaderAware bool `yaml:"headers,omitempty" toml:"headers"`
}

// Config is the static description of a job.
type Config struct {
	ID          string
	Interpreter Interpreter
	File        string
	Args        Args
	Env         map[string]string
	// Dir defaults to the directory holding File.
	Dir string
}

// Option customizes a Job.
type Option func(*Job)

// WithEscaper sets the escaper used by CommandLine.
func WithEscaper(e Escaper) Option {
	return func(j *Job) {
		if e != nil {
			j.escape = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(j *Job) {
		if l != nil {
			j.log = l
		}
	}
}

// WithOutputLimit keeps only the last n bytes of each stream. Zero keeps
// everything.
func WithOutputLimit(n int) Option {
	return func(j *Job) {
		j.outputLimit = n
	}
}

// WithWaitDelay overrides DefaultWaitDelay.
func WithWaitDelay(d time.Duration) Option {
	return func(j *Job) {
		j.waitDelay = d
	}
}

// Job is one spawned test process plus its lifecycle bookkeeping.
type Job struct {
	id          string
	cfg         Config
	escape      Escaper
	log         log.Logger
	outputLimit int
	waitDelay   time.Duration

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	stdout    *outputBuffer
	stderr    *outputBuffer // nil unless errors are collected
	exited    chan struct{}
	startedAt time.Time
	duration  time.Duration
	exitCode  ExitCode
	output    string
	headers   map[string]string

	killed atomic.Bool
}

// New validates cfg and returns a job in StateCreated.
func New(cfg Config, opts ...Option) (*Job, error) {
	if cfg.Interpreter.Path == "" {
		return nil, fmt.Errorf("interpreter path cannot be empty")
	}
	if cfg.File == "" {
		return nil, fmt.Errorf("test file cannot be empty")
	}

	j := &Job{
		id:        cfg.ID,
		escape:    ShellEscape,
		log:       log.New(),
		waitDelay: DefaultWaitDelay,
		exitCode:  CodeNone,
	}
	if j.id == "" {
		j.id = uuid.New().String()
	}
	for _, opt := range opts {
		opt(j)
	}

	cfg.ID = j.id
	cfg.Args = slices.Clone(cfg.Args)
	cfg.Interpreter.Args = slices.Clone(cfg.Interpreter.Args)
	cfg.Env = maps.Clone(cfg.Env)
	if cfg.Env == nil {
		cfg.Env = make(map[string]string)
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Dir(cfg.File)
	}
	j.cfg = cfg
	j.log = j.log.New("job", j.id)
	return j, nil
}

// SetEnv sets an environment override. It must be called before Start.
func (j *Job) SetEnv(name, value string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateCreated {
		return ErrAlreadyStarted
	}
	j.cfg.Env[name] = value
	return nil
}

// Getenv returns an environment override.
func (j *Job) Getenv(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.cfg.Env[name]
	return v, ok
}

// Start spawns the process. In async mode it returns as soon as the process
// is running; otherwise it blocks until the process terminates (or ctx is
// done, in which case the process is killed and reaped before returning).
//
// Cancelling ctx kills a running job at any time.
func (j *Job) Start(ctx context.Context, mode Mode) error {
	j.mu.Lock()
	if j.state != StateCreated {
		j.mu.Unlock()
		return ErrAlreadyStarted
	}

	cmd := exec.CommandContext(ctx, j.cfg.Interpreter.Path, j.argv()...)
	cmd.Dir = j.cfg.Dir
	cmd.Env = j.environ()
	cmd.WaitDelay = j.waitDelay
	cmd.Cancel = func() error {
		j.killed.Store(true)
		return cmd.Process.Kill()
	}

	j.stdout = newOutputBuffer(j.outputLimit)
	if j.cfg.Interpreter.HeaderAware {
		j.stdout.keepPreamble(j.outputLimit)
	}
	cmd.Stdout = j.stdout
	if mode.has(ModeCollectErrors) {
		j.stderr = newOutputBuffer(j.outputLimit)
		cmd.Stderr = j.stderr
	}

	j.startedAt = time.Now()
	if err := cmd.Start(); err != nil {
		j.state = StateFinished
		j.duration = time.Since(j.startedAt)
		j.mu.Unlock()
		j.log.Error("Failed to spawn job", "interpreter", j.cfg.Interpreter.Path, "file", j.cfg.File, "err", err)
		return fmt.Errorf("%w %s: %w", ErrSpawn, j.cfg.File, err)
	}

	j.cmd = cmd
	j.exited = make(chan struct{})
	j.state = StateRunning
	go j.reap(cmd, j.exited)
	j.mu.Unlock()

	j.log.Debug("Job started", "pid", cmd.Process.Pid, "cmd", j.CommandLine())

	if mode.has(ModeAsync) {
		return nil
	}
	return j.Wait(ctx)
}

// reap blocks in Wait so pipes are drained and closed exactly once, then
// signals the exit.
func (j *Job) reap(cmd *exec.Cmd, exited chan<- struct{}) {
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			j.log.Debug("Job wait returned", "err", err)
		}
	}
	close(exited)
}

// Poll advances the state machine without blocking and returns the current
// state. The first call that observes the process has died finalizes the job.
func (j *Job) Poll() State {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != StateRunning {
		return j.state
	}
	select {
	case <-j.exited:
		j.finalize()
	default:
	}
	return j.state
}

// IsRunning is Poll() == StateRunning.
func (j *Job) IsRunning() bool {
	return j.Poll() == StateRunning
}

// Wait blocks until the job finishes or ctx is done. When ctx is done the
// process is killed by its command context and still reaped before Wait
// returns ctx.Err().
func (j *Job) Wait(ctx context.Context) error {
	j.mu.Lock()
	state, exited := j.state, j.exited
	j.mu.Unlock()

	switch state {
	case StateCreated:
		return ErrNotStarted
	case StateFinished:
		return nil
	}

	select {
	case <-exited:
		j.Poll()
		return nil
	case <-ctx.Done():
		_ = j.Kill()
		<-exited
		j.Poll()
		return ctx.Err()
	}
}

// Kill terminates a running process. The next Poll finalizes the job with an
// abnormal exit code and Killed reports true.
func (j *Job) Kill() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != StateRunning {
		return nil
	}
	select {
	case <-j.exited:
		return nil
	default:
	}

	j.killed.Store(true)
	if err := j.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill job %s: %w", j.id, err)
	}
	j.log.Debug("Job killed")
	return nil
}

// finalize must be called with mu held, after the reaper closed exited.
func (j *Job) finalize() {
	j.duration = time.Since(j.startedAt)
	j.exitCode = exitCodeOf(j.cmd.ProcessState)

	out := j.stdout.String()
	truncated := j.stdout.Truncated()
	if truncated {
		j.log.Warn("Job output truncated", "kept", len(out), "total", j.stdout.TotalBytes())
	}
	if j.cfg.Interpreter.HeaderAware {
		if !truncated {
			if headers, body, ok := ParseHeaders(out); ok {
				j.headers = headers
				out = body
			}
		} else if head, body, ok := j.stdout.Preamble(); ok {
			// The tail alone cannot tell headers from body.
			j.headers, _, _ = ParseHeaders(head)
			out = body
		}
	}
	j.output = out
	j.state = StateFinished

	j.log.Debug("Job finished", "exitCode", j.exitCode, "duration", j.duration, "killed", j.killed.Load(), "outputBytes", j.stdout.TotalBytes())
}

func exitCodeOf(state *os.ProcessState) ExitCode {
	if state == nil {
		return CodeNone
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitCode(128 + int(ws.Signal()))
	}
	if code := state.ExitCode(); code >= 0 {
		return ExitCode(code)
	}
	return CodeNone
}

func (j *Job) argv() []string {
	argv := make([]string, 0, len(j.cfg.Interpreter.Args)+1+len(j.cfg.Args))
	argv = append(argv, j.cfg.Interpreter.Args...)
	argv = append(argv, j.cfg.File)
	return append(argv, j.cfg.Args.Render()...)
}

func (j *Job) environ() []string {
	env := os.Environ()
	for _, name := range slices.Sorted(maps.Keys(j.cfg.Env)) {
		env = append(env, name+"="+j.cfg.Env[name])
	}
	return env
}

// CommandLine renders the spawned command with every word escaped.
func (j *Job) CommandLine() string {
	words := append([]string{j.cfg.Interpreter.Path}, j.argv()...)
	for i, w := range words {
		words[i] = j.escape(w)
	}
	return strings.Join(words, " ")
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) File() string {
	return j.cfg.File
}

func (j *Job) Args() Args {
	return slices.Clone(j.cfg.Args)
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// ExitCode is CodeNone until the job is finished.
func (j *Job) ExitCode() ExitCode {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exitCode
}

// Output returns stdout. While running it is whatever has been drained so
// far; once finished the header block (if any) has been stripped.
func (j *Job) Output() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateFinished {
		return j.output
	}
	if j.stdout == nil {
		return ""
	}
	return j.stdout.String()
}

// ErrorOutput returns stderr, and false when stderr was not collected.
func (j *Job) ErrorOutput() (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stderr == nil {
		return "", false
	}
	return j.stderr.String(), true
}

// Headers returns the parsed preamble of a header-aware interpreter.
func (j *Job) Headers() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return maps.Clone(j.headers)
}

// Duration is the wall time between Start and the Poll that observed the
// process exit. While running it is the time elapsed so far.
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateRunning {
		return time.Since(j.startedAt)
	}
	return j.duration
}

// Killed reports whether the job was terminated by Kill or by its context.
func (j *Job) Killed() bool {
	return j.killed.Load()
}
