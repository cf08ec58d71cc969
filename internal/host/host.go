package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/acolita/clihost/internal/adapters/realclock"
	"github.com/acolita/clihost/internal/adapters/realfs"
	"github.com/acolita/clihost/internal/config"
	"github.com/acolita/clihost/internal/feed"
	"github.com/acolita/clihost/internal/inject"
	"github.com/acolita/clihost/internal/ports"
	"github.com/acolita/clihost/internal/prompt"
	"github.com/acolita/clihost/internal/pty"
	"github.com/acolita/clihost/internal/recording"
	"github.com/acolita/clihost/internal/terminal"
)

const (
	terminateGrace = 5 * time.Second
	drainTimeout   = time.Second

	// ExitInterrupted is returned when the host was stopped by a signal
	// before the child reported a status.
	ExitInterrupted = 130
)

// ErrMissingCommand is returned by ChildArgv when no child command was given.
var ErrMissingCommand = errors.New("missing child command (example: clihost -- copilot)")

// ChildArgv returns the child command from the arguments left after flag
// parsing. A leading "--" is dropped.
func ChildArgv(args []string) ([]string, error) {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return nil, ErrMissingCommand
	}
	return args, nil
}

// Options configures a Host.
type Options struct {
	Config config.Config // validated
	Argv   []string      // child command
	Stdin  *os.File      // local terminal input (default: os.Stdin)
	Stdout io.Writer     // mirror of child output (default: os.Stdout)
	FS     ports.FileSystem
	Clock  ports.Clock
}

// Host owns one hosted child for the lifetime of the process.
type Host struct {
	cfg    config.Config
	argv   []string
	stdin  *os.File
	stdout io.Writer
	fs     ports.FileSystem
	clock  ports.Clock

	checkTTY func(*os.File) error
}

// New returns a host for opts.
func New(opts Options) *Host {
	h := &Host{
		cfg:      opts.Config,
		argv:     opts.Argv,
		stdin:    opts.Stdin,
		stdout:   opts.Stdout,
		fs:       opts.FS,
		clock:    opts.Clock,
		checkTTY: terminal.RequireTTY,
	}
	if h.stdin == nil {
		h.stdin = os.Stdin
	}
	if h.stdout == nil {
		h.stdout = os.Stdout
	}
	if h.fs == nil {
		h.fs = realfs.New()
	}
	if h.clock == nil {
		h.clock = realclock.New()
	}
	return h
}

// Run hosts the child until it exits, the host receives SIGINT or SIGTERM,
// or the feed consumer stops. It returns the exit code the host process
// should use. A non-nil error means the child could not be started.
func (h *Host) Run(ctx context.Context) (int, error) {
	if err := h.checkTTY(h.stdin); err != nil {
		return 1, err
	}

	detector, err := h.detector()
	if err != nil {
		return 1, err
	}

	rows, cols := terminal.Size(h.stdin)

	rec, err := h.startRecording(rows, cols)
	if err != nil {
		return 1, err
	}
	defer func() {
		if err := rec.Close(); err != nil {
			slog.Warn("failed to close recording", slog.String("error", err.Error()))
		}
	}()

	slog.Info("awaiting child process creation")
	sess, err := pty.Spawn(h.argv, pty.Options{
		Rows:         rows,
		Cols:         cols,
		Output:       h.output(rec),
		Detector:     detector,
		ReadyTimeout: h.cfg.Readiness.Timeout,
		PollInterval: h.cfg.Readiness.PollInterval,
		ScanLimit:    h.cfg.Readiness.ScanLimit,
		Clock:        h.clock,
	})
	if err != nil {
		return 1, fmt.Errorf("spawn %s: %w", h.argv[0], err)
	}
	defer sess.Close()
	slog.Info("started child", slog.Int("pid", sess.Pid()), slog.String("command", strings.Join(h.argv, " ")))

	sess.StartReader()

	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopResize := h.watchResize(sess, rec)
	defer stopResize()

	var kb *terminal.KeyboardProxy
	if h.cfg.Keyboard.Forward {
		kb = terminal.NewKeyboardProxy(h.stdin, sess, 0)
		if err := kb.Start(stopCtx); err != nil {
			slog.Warn("keyboard forwarding disabled", slog.String("error", err.Error()))
			kb = nil
		}
	}

	orch := NewOrchestrator(h.cfg, sess, h.injector(sess, rec), OrchestratorOptions{
		Dial: FeedDialer(feed.DialOptions{
			PingInterval: h.cfg.Feed.PingInterval,
			Clock:        h.clock,
		}),
		Clock: h.clock,
		PID:   os.Getpid(),
	})

	consumerCtx, cancelConsumer := context.WithCancel(stopCtx)
	defer cancelConsumer()
	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- orch.Run(consumerCtx)
	}()

	interrupted := false
	consumerStopped := false
	var consumerErr error

	select {
	case <-sess.Done():
		slog.Debug("child exited")
	case <-stopCtx.Done():
		interrupted = true
		slog.Info("stop signal received")
	case consumerErr = <-consumerDone:
		consumerStopped = true
	}

	cancelConsumer()
	if !consumerStopped {
		consumerErr = <-consumerDone
	}
	switch {
	case consumerErr == nil, errors.Is(consumerErr, context.Canceled):
	case errors.Is(consumerErr, ErrQuit):
		slog.Info("ending session on feed request")
	default:
		slog.Error("feed consumer stopped", slog.String("error", consumerErr.Error()))
	}

	if kb != nil {
		kb.Stop()
	}

	if !sess.Exited() {
		if err := sess.Terminate(terminateGrace); err != nil {
			slog.Warn("failed to terminate child", slog.String("error", err.Error()))
		}
	}

	// Let the reader mirror whatever the child printed on its way out.
	select {
	case <-sess.ReaderDone():
	case <-h.clock.After(drainTimeout):
	}

	if code, ok := sess.ExitCode(); ok {
		return code, nil
	}
	if interrupted {
		return ExitInterrupted, nil
	}
	return 1, nil
}

func (h *Host) detector() (*prompt.Detector, error) {
	primary, err := prompt.CompilePattern("ready", h.cfg.Readiness.Pattern)
	if err != nil {
		return nil, fmt.Errorf("readiness pattern: %w", err)
	}
	d := prompt.NewDetector(primary)
	for _, p := range h.cfg.Readiness.ExtraPatterns {
		if err := d.AddPatternFromConfig(p.Name, p.Regex); err != nil {
			return nil, fmt.Errorf("readiness pattern %q: %w", p.Name, err)
		}
	}
	return d, nil
}

func (h *Host) startRecording(rows, cols uint16) (*recording.Recorder, error) {
	if !h.cfg.Recording.Enabled {
		return nil, nil
	}
	rec, err := recording.NewRecorder(recording.Options{
		Dir:    h.cfg.Recording.Path,
		Argv:   h.argv,
		Width:  int(cols),
		Height: int(rows),
	}, h.fs, h.clock)
	if err != nil {
		return nil, fmt.Errorf("start recording: %w", err)
	}
	slog.Info("recording session", slog.String("path", rec.Path()))
	return rec, nil
}

func (h *Host) output(rec *recording.Recorder) io.Writer {
	if rec == nil {
		return h.stdout
	}
	return io.MultiWriter(h.stdout, rec.Output())
}

func (h *Host) injector(sess *pty.Session, rec *recording.Recorder) *inject.Injector {
	opts := inject.Options{
		Clock:      h.clock,
		EchoPrefix: h.cfg.Inject.EchoPrefix,
	}
	if h.cfg.Inject.Echo {
		opts.Echo = h.stdout
	}
	if rec != nil {
		opts.Recorder = rec
	}
	return inject.New(sess, opts)
}

// watchResize copies the local terminal size to the PTY on every SIGWINCH.
func (h *Host) watchResize(sess *pty.Session, rec *recording.Recorder) (stop func()) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-winch:
				if err := sess.InheritSize(h.stdin); err != nil {
					slog.Debug("resize failed", slog.String("error", err.Error()))
					continue
				}
				rows, cols := terminal.Size(h.stdin)
				_ = rec.RecordResize(int(cols), int(rows))
			}
		}
	}()

	return func() {
		signal.Stop(winch)
		close(done)
	}
}
