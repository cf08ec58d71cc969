// Package pty hosts a child process on a pseudo-terminal, mirrors its output
// and watches it for readiness and quiet periods.
package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/acolita/clihost/internal/adapters/realclock"
	"github.com/acolita/clihost/internal/ports"
	"github.com/acolita/clihost/internal/prompt"
)

const (
	readChunk           = 4096
	defaultScanLimit    = 16384
	defaultReadyTimeout = 30 * time.Second
	defaultPollInterval = 50 * time.Millisecond
	defaultRows         = 24
	defaultCols         = 80
)

// ErrClosed is returned by writes issued after the PTY has been closed or the
// child has hung up.
var ErrClosed = errors.New("pty closed")

// Options configures Spawn.
type Options struct {
	Dir  string   // working directory for the child
	Env  []string // appended to the parent's environment
	Rows uint16   // initial rows (default: 24)
	Cols uint16   // initial columns (default: 80)

	Output       io.Writer            // receives a verbatim copy of child output (default: discard)
	Detector     prompt.ReadyDetector // readiness predicate (default: prompt.NewDetector())
	ReadyTimeout time.Duration        // latch ready after this long without a match
	PollInterval time.Duration        // WaitQuiet polling interval
	ScanLimit    int                  // bytes of stripped output kept for matching
	Clock        ports.Clock
}

// Session owns the PTY master and the child process attached to its slave.
type Session struct {
	argv         []string
	cmd          *exec.Cmd
	ptmx         *os.File
	out          io.Writer
	detector     prompt.ReadyDetector
	clock        ports.Clock
	readyTimeout time.Duration
	pollInterval time.Duration

	scan         *scanBuffer
	lastActivity atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once

	readerOnce   sync.Once
	readerDone   chan struct{}
	streamClosed atomic.Bool

	exited   chan struct{}
	exitCode int

	closeOnce sync.Once
	closing   chan struct{}
	closed    atomic.Bool
}

// Spawn allocates a PTY, starts argv on its slave side in a new session and
// puts the master into non-blocking mode. The child's output is not consumed
// until StartReader is called.
func Spawn(argv []string, opts Options) (*Session, error) {
	if len(argv) == 0 {
		return nil, errors.New("spawn: empty command")
	}
	applyDefaults(&opts)

	cmd := exec.Command(argv[0], argv[1:]...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = append(os.Environ(), opts.Env...)
	if os.Getenv("TERM") == "" {
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	if err := setNonblock(ptmx); err != nil {
		slog.Debug("could not mark pty master non-blocking", slog.String("error", err.Error()))
	}

	s := &Session{
		argv:         argv,
		cmd:          cmd,
		ptmx:         ptmx,
		out:          opts.Output,
		detector:     opts.Detector,
		clock:        opts.Clock,
		readyTimeout: opts.ReadyTimeout,
		pollInterval: opts.PollInterval,
		scan:         newScanBuffer(opts.ScanLimit),
		ready:        make(chan struct{}),
		readerDone:   make(chan struct{}),
		exited:       make(chan struct{}),
		closing:      make(chan struct{}),
	}
	s.touch()

	go s.waitChild()

	return s, nil
}

func applyDefaults(opts *Options) {
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.Detector == nil {
		opts.Detector = prompt.NewDetector()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = defaultScanLimit
	}
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}
}

func setNonblock(f *os.File) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	if err := rc.Control(func(fd uintptr) {
		setErr = unix.SetNonblock(int(fd), true)
	}); err != nil {
		return err
	}
	return setErr
}

// Argv returns the command the session was spawned with.
func (s *Session) Argv() []string {
	return s.argv
}

// Pid returns the child's process id.
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

// StartReader begins consuming child output. Each chunk is mirrored verbatim,
// refreshes the activity timestamp, and is ANSI-stripped into the scan buffer
// where the readiness detector looks at it. A companion timer latches the
// ready signal after the ready timeout. Calling it again is a no-op.
func (s *Session) StartReader() {
	s.readerOnce.Do(func() {
		go s.readLoop()
		go s.readyTimer()
	})
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer s.streamClosed.Store(true)

	buf := make([]byte, readChunk)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.handleOutput(buf[:n])
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			// EIO is how Linux reports the slave side hanging up.
			if !errors.Is(err, io.EOF) && !errors.Is(err, unix.EIO) && !s.closed.Load() {
				slog.Warn("pty read stopped", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Session) handleOutput(data []byte) {
	// Mirror failures must not stall the child.
	_, _ = s.out.Write(data)

	s.touch()

	text := prompt.StripANSI(strings.ToValidUTF8(string(data), "\uFFFD"))
	buffer := s.scan.Append(text)

	if !s.IsReady() && s.detector.IsReady(buffer) {
		s.markReady("pattern")
	}
}

func (s *Session) readyTimer() {
	select {
	case <-s.clock.After(s.readyTimeout):
		s.markReady("timeout")
	case <-s.ready:
	case <-s.closing:
	}
}

func (s *Session) markReady(reason string) {
	s.readyOnce.Do(func() {
		close(s.ready)
		switch reason {
		case "timeout":
			slog.Info("ready timeout expired", slog.Duration("timeout", s.readyTimeout))
		default:
			slog.Info("ready pattern matched")
		}
	})
}

func (s *Session) touch() {
	s.lastActivity.Store(s.clock.Now().UnixNano())
}

// LastActivity returns when the child last produced output.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IsReady reports whether the ready signal has been latched. Once true it
// stays true.
func (s *Session) IsReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Ready returns a channel closed when the session becomes ready.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until the ready signal is latched. It only fails when ctx
// is cancelled first.
func (s *Session) WaitReady(ctx context.Context) error {
	if s.IsReady() {
		return nil
	}
	slog.Info("waiting for ready pattern")
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitQuiet returns once no output has been seen for quiet, or once timeout
// has elapsed, whichever comes first. It only fails when ctx is cancelled.
func (s *Session) WaitQuiet(ctx context.Context, quiet, timeout time.Duration) error {
	slog.Info("waiting for quiet", slog.Duration("quiet", quiet))

	deadline := s.clock.Now().Add(timeout)
	for {
		now := s.clock.Now()
		if now.Sub(s.LastActivity()) >= quiet {
			slog.Info("output quiet", slog.Duration("quiet", quiet))
			return nil
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			slog.Info("quiet wait timed out, proceeding", slog.Duration("timeout", timeout))
			return nil
		}
		if err := s.clock.Sleep(ctx, min(s.pollInterval, remaining)); err != nil {
			return err
		}
	}
}

// StreamClosed reports whether the reader has seen EOF or a fatal read error.
func (s *Session) StreamClosed() bool {
	return s.streamClosed.Load()
}

// ReaderDone is closed once the reader goroutine has stopped.
func (s *Session) ReaderDone() <-chan struct{} {
	return s.readerDone
}
