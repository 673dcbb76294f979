// Package procgroup runs external processes as members of a named group with
// a bounded lifetime. Every process started through a Group is placed in its
// own session, and closing the Group guarantees that no member process (or
// anything it forked) survives: stragglers receive SIGTERM, then SIGKILL
// after a grace period. One Group per logical operation (a create, a GC
// pass, a sync) is the intended granularity; callers that fan out across
// hosts open one Group per host.
package procgroup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultGrace is the time between SIGTERM and SIGKILL when a process has to
// be terminated, either by a per-command timeout or by closing the group.
const DefaultGrace = 5 * time.Second

// Command describes one external process run.
//
// Argv is executed directly, never through a shell; callers that want shell
// semantics pass Shell(script) explicitly. The child inherits the parent
// environment with Env entries appended (later entries win), and runs in Dir
// when set, otherwise in the parent working directory.
type Command struct {
	Argv []string
	Dir  string
	Env  []string

	// Timeout bounds this process only; on expiry the process is terminated
	// and Run returns a TimeoutError, leaving the rest of the group alone.
	// A zero Timeout is rejected unless the command was built with
	// NoTimeout, which marks intentionally unbounded runs (interactive
	// sessions) as such.
	Timeout time.Duration

	// Check turns a non-zero exit into a CheckedExitError instead of a
	// plain Result.
	Check bool

	unbounded bool
}

// NoTimeout marks the command as intentionally unbounded. Use only for
// long-running interactive work; everything else must carry a timeout.
func (c Command) NoTimeout() Command {
	c.unbounded = true
	return c
}

// Shell wraps a script for /bin/sh so that callers asking for shell
// interpretation do so visibly in the argv they pass.
func Shell(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

// Result is the outcome of one completed process.
type Result struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string

	// Logged reports whether the group already emitted the captured output
	// to its logger, so callers do not log it a second time.
	Logged bool
}

// Success reports a zero exit code.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Group owns a set of running processes. The zero value is not usable; call
// Open.
type Group struct {
	name      string
	log       *slog.Logger
	grace     time.Duration
	logOutput bool

	mu     sync.Mutex
	procs  map[int]*exec.Cmd
	closed bool
}

// Option adjusts a Group at Open time.
type Option func(*Group)

// WithGrace overrides the SIGTERM-to-SIGKILL grace period.
func WithGrace(d time.Duration) Option {
	return func(g *Group) { g.grace = d }
}

// WithOutputLog makes the group log each command's captured output at debug
// level and mark results as Logged.
func WithOutputLog() Option {
	return func(g *Group) { g.logOutput = true }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Group) { g.log = l }
}

// Open acquires a new process group scoped to one logical operation. The
// name appears in every log line the group emits. Callers must Close the
// group when the operation ends, normally via defer.
func Open(name string, opts ...Option) *Group {
	g := &Group{
		name:  name,
		log:   slog.Default(),
		grace: DefaultGrace,
		procs: make(map[int]*exec.Cmd),
	}
	for _, o := range opts {
		o(g)
	}
	g.log = g.log.With("group", name)
	return g
}

// Name returns the operation name the group was opened with.
func (g *Group) Name() string { return g.name }

// Run spawns the command, waits for it to exit, and returns the captured
// result. The error is one of SpawnError, TimeoutError, CheckedExitError or
// CanceledError; any other error indicates misuse (missing timeout, empty
// argv).
func (g *Group) Run(ctx context.Context, c Command) (Result, error) {
	if len(c.Argv) == 0 {
		return Result{}, fmt.Errorf("procgroup %s: empty command", g.name)
	}
	if c.Timeout <= 0 && !c.unbounded {
		return Result{}, fmt.Errorf("procgroup %s: command %v has no timeout; bound it or mark it NoTimeout", g.name, c.Argv)
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	// Own session: the whole child tree is addressable as -pid.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Register under the same critical section as the start so Close either
	// sees the pid or happens strictly before the spawn.
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Result{}, &CanceledError{Argv: c.Argv, Reason: "group closed"}
	}
	if err := cmd.Start(); err != nil {
		g.mu.Unlock()
		return Result{}, &SpawnError{Argv: c.Argv, Err: err}
	}
	pid := cmd.Process.Pid
	g.procs[pid] = cmd
	g.mu.Unlock()

	g.log.Debug("process started", "argv", c.Argv, "pid", pid, "dir", c.Dir)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if c.Timeout > 0 {
		t := time.NewTimer(c.Timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	// term ends this process tree only: SIGTERM, grace, SIGKILL.
	term := func() error {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-time.After(g.grace):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			return <-done
		}
	}

	var waitErr error
	var timedOut, canceled bool
	select {
	case waitErr = <-done:
	case <-timeoutCh:
		timedOut = true
		waitErr = term()
	case <-ctx.Done():
		canceled = true
		waitErr = term()
	}

	g.mu.Lock()
	delete(g.procs, pid)
	closedWhileRunning := g.closed
	g.mu.Unlock()

	res := Result{
		Argv:     c.Argv,
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if g.logOutput {
		g.log.Debug("process finished",
			"argv", c.Argv, "pid", pid, "exit", res.ExitCode,
			"stdout", res.Stdout, "stderr", res.Stderr)
		res.Logged = true
	}

	switch {
	case timedOut:
		return res, &TimeoutError{Result: res, Timeout: c.Timeout}
	case canceled:
		return res, &CanceledError{Argv: c.Argv, Reason: "context canceled", Err: ctx.Err()}
	case closedWhileRunning && waitErr != nil:
		// The group's Close killed this process out from under us.
		return res, &CanceledError{Argv: c.Argv, Reason: "group closed"}
	}

	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return res, fmt.Errorf("procgroup %s: wait for %v: %w", g.name, c.Argv, waitErr)
		}
	}
	if c.Check && res.ExitCode != 0 {
		return res, &CheckedExitError{Result: res}
	}
	return res, nil
}

// Close terminates every process the group still owns and blocks until all
// of them are gone. Safe to call more than once.
func (g *Group) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	pids := make([]int, 0, len(g.procs))
	for pid := range g.procs {
		pids = append(pids, pid)
	}
	g.mu.Unlock()

	if len(pids) == 0 {
		return
	}
	g.log.Debug("closing group with live processes", "count", len(pids))

	for _, pid := range pids {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}
	if g.drained(g.grace) {
		return
	}
	g.mu.Lock()
	remaining := make([]int, 0, len(g.procs))
	for pid := range g.procs {
		remaining = append(remaining, pid)
	}
	g.mu.Unlock()
	for _, pid := range remaining {
		g.log.Warn("process ignored SIGTERM, sending SIGKILL", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	// SIGKILL cannot be ignored; the Run goroutines will reap shortly.
	g.drained(g.grace)
}

// drained waits up to d for the group's process table to empty.
func (g *Group) drained(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		n := len(g.procs)
		g.mu.Unlock()
		if n == 0 {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	g.mu.Lock()
	n := len(g.procs)
	g.mu.Unlock()
	return n == 0
}
