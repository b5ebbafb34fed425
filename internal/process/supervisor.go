// Package process runs external programs with merged output capture and
// bounded lifetimes.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// Command describes one external invocation.
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     map[string]string
}

// Result is what a finished (or killed) process left behind. Output holds
// stdout and stderr interleaved in arrival order.
type Result struct {
	Output   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Supervisor starts processes in their own process group so a timeout can
// take down the whole tree, including children spawned by shell wrappers
// and parallel launchers.
type Supervisor struct {
	launcher  string
	killGrace time.Duration
	logger    *slog.Logger
}

// New creates a Supervisor. launcher is the parallel launcher used by
// RunParallel (e.g. "mpirun"); killGrace is the wait between SIGTERM and SIGKILL.
func New(launcher string, killGrace time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		launcher:  launcher,
		killGrace: killGrace,
		logger:    logger,
	}
}

// Run starts c and waits for it to exit.
func (s *Supervisor) Run(ctx context.Context, c Command) (*Result, error) {
	return s.run(ctx, c, 0)
}

// RunWithTimeout starts c and waits at most d. On expiry the process group
// gets SIGTERM, then SIGKILL after the kill grace, and the returned Result
// has TimedOut set with whatever output was captured. Expiry is not an error.
func (s *Supervisor) RunWithTimeout(ctx context.Context, c Command, d time.Duration) (*Result, error) {
	return s.run(ctx, c, d)
}

// RunParallel launches c through the parallel launcher with the given rank count.
func (s *Supervisor) RunParallel(ctx context.Context, c Command, ranks int, d time.Duration) (*Result, error) {
	if ranks < 1 {
		return nil, fmt.Errorf("invalid rank count %d", ranks)
	}
	args := append([]string{"-np", strconv.Itoa(ranks), c.Program}, c.Args...)
	return s.run(ctx, Command{Program: s.launcher, Args: args, Dir: c.Dir, Env: c.Env}, d)
}

func (s *Supervisor) run(ctx context.Context, c Command, d time.Duration) (*Result, error) {
	cmd := s.command(c)

	var out bytes.Buffer
	// A single writer for both streams keeps exec on one pipe, preserving order.
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Program, err)
	}
	s.logger.Debug("process started", "program", c.Program, "pid", cmd.Process.Pid, "dir", c.Dir)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var expired <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	res := &Result{}
	var waitErr, ctxErr error
	select {
	case waitErr = <-done:
	case <-expired:
		res.TimedOut = true
		s.logger.Warn("process timed out, terminating", "program", c.Program, "pid", cmd.Process.Pid, "timeout", d)
		waitErr = s.terminate(cmd, done)
	case <-ctx.Done():
		ctxErr = ctx.Err()
		s.logger.Warn("process cancelled, terminating", "program", c.Program, "pid", cmd.Process.Pid)
		waitErr = s.terminate(cmd, done)
	}

	res.Output = out.String()
	res.Duration = time.Since(start)
	res.ExitCode = exitCode(cmd, waitErr)

	if ctxErr != nil {
		return res, fmt.Errorf("%s: %w", c.Program, ctxErr)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("wait %s: %w", c.Program, waitErr)
	}
	return res, nil
}

// terminate sends SIGTERM to the process group, escalates to SIGKILL after
// the grace period and reaps the child.
func (s *Supervisor) terminate(cmd *exec.Cmd, done <-chan error) error {
	if err := signalGroup(cmd, false); err != nil {
		s.logger.Debug("terminate signal failed", "pid", cmd.Process.Pid, "error", err)
	}

	grace := time.NewTimer(s.killGrace)
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
	}

	if err := signalGroup(cmd, true); err != nil {
		s.logger.Debug("kill signal failed", "pid", cmd.Process.Pid, "error", err)
	}
	return <-done
}

func (s *Supervisor) command(c Command) *exec.Cmd {
	cmd := exec.Command(c.Program, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	setProcessGroup(cmd)
	// Grandchildren that outlive the group kill must not hold Wait open forever.
	cmd.WaitDelay = s.killGrace
	return cmd
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	case cmd.ProcessState != nil:
		return cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Detached is a process whose output goes to a log file and which the caller
// does not wait for synchronously.
type Detached struct {
	LogPath string
	Pid     int

	done chan struct{}
	res  *Result
	err  error
}

// RunDetached starts c with stdout and stderr appended to logPath and returns
// immediately. Parent directories of logPath are created.
func (s *Supervisor) RunDetached(c Command, logPath string) (*Detached, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	cmd := s.command(c)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	start := time.Now()
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start %s: %w", c.Program, err)
	}
	s.logger.Info("detached process started", "program", c.Program, "pid", cmd.Process.Pid, "log", logPath)

	d := &Detached{LogPath: logPath, Pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		defer close(d.done)
		waitErr := cmd.Wait()
		logFile.Close()

		d.res = &Result{ExitCode: exitCode(cmd, waitErr), Duration: time.Since(start)}
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			d.err = fmt.Errorf("wait %s: %w", c.Program, waitErr)
		}
		s.logger.Info("detached process exited", "program", c.Program, "pid", d.Pid, "exit_code", d.res.ExitCode)
	}()
	return d, nil
}

// Wait blocks until the process exits or ctx is done. Cancelling ctx does
// not stop the process. The returned Result has no Output; read LogPath.
func (d *Detached) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-d.done:
		return d.res, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
