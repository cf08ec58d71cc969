package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

func (s *Session) waitChild() {
	err := s.cmd.Wait()
	s.exitCode = exitCodeOf(s.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		slog.Warn("wait child", slog.String("error", err.Error()))
	}
	slog.Debug("child exited", slog.Int("pid", s.cmd.Process.Pid), slog.Int("code", s.exitCode))
	close(s.exited)
}

// exitCodeOf maps a terminated process to a shell-style exit code: the exit
// status, or 128 plus the signal number when the child was killed.
func exitCodeOf(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// Done is closed when the child has exited and been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.exited
}

// Exited reports whether the child has exited.
func (s *Session) Exited() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// ExitCode returns the child's exit code and whether it has exited.
func (s *Session) ExitCode() (int, bool) {
	if !s.Exited() {
		return 0, false
	}
	return s.exitCode, true
}

// Terminate sends SIGTERM to a running child and escalates to SIGKILL if it
// has not exited within grace. It returns once the child has been reaped.
func (s *Session) Terminate(grace time.Duration) error {
	if s.Exited() {
		return nil
	}

	slog.Info("terminating child", slog.Int("pid", s.Pid()))
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal child: %w", err)
	}

	select {
	case <-s.exited:
		return nil
	case <-s.clock.After(grace):
	}

	slog.Warn("child ignored SIGTERM, killing", slog.Int("pid", s.Pid()), slog.Duration("grace", grace))
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill child: %w", err)
	}
	<-s.exited
	return nil
}

// SetSize sets the PTY window size.
func (s *Session) SetSize(rows, cols uint16) error {
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("set pty size: %w", err)
	}
	return nil
}

// InheritSize copies the window size of the given terminal onto the PTY.
func (s *Session) InheritSize(from *os.File) error {
	if err := pty.InheritSize(from, s.ptmx); err != nil {
		return fmt.Errorf("inherit pty size: %w", err)
	}
	return nil
}

// Size returns the PTY's current window size.
func (s *Session) Size() (rows, cols int, err error) {
	return pty.Getsize(s.ptmx)
}

// Close releases the PTY master. The reader stops and later writes return
// ErrClosed. It does not signal the child; use Terminate first.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		err = s.ptmx.Close()
	})
	return err
}
