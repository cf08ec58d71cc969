// Package host runs a hosted agent session: it spawns the child on a PTY,
// proxies the local keyboard, and feeds it prompts from the event feed.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/acolita/clihost/internal/config"
	"github.com/acolita/clihost/internal/feed"
	"github.com/acolita/clihost/internal/inject"
	"github.com/acolita/clihost/internal/logging"
	"github.com/acolita/clihost/internal/ports"
	"github.com/acolita/clihost/internal/pty"
)

// ErrQuit is returned by Orchestrator.Run when the feed asks the session to
// end.
var ErrQuit = errors.New("quit requested by feed")

// errChildGone stops the orchestrator once writes show the child has hung up.
var errChildGone = errors.New("child is gone")

// State is the orchestrator's position in a connection's lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReadyWait
	StateQuietWait
	StatePreprompt
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReadyWait:
		return "ready-wait"
	case StateQuietWait:
		return "quiet-wait"
	case StatePreprompt:
		return "preprompt"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Target is the hosted child as seen by the orchestrator.
type Target interface {
	WriteBytes(ctx context.Context, data []byte) error
	WaitReady(ctx context.Context) error
	WaitQuiet(ctx context.Context, quiet, timeout time.Duration) error
	Exited() bool
}

// FeedConn is an open feed connection.
type FeedConn interface {
	SendHello(ctx context.Context, pid int) error
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// DialFunc opens a feed connection.
type DialFunc func(ctx context.Context, url string) (FeedConn, error)

// FeedDialer returns a DialFunc backed by feed.Dial.
func FeedDialer(opts feed.DialOptions) DialFunc {
	return func(ctx context.Context, url string) (FeedConn, error) {
		conn, err := feed.Dial(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Orchestrator consumes the event feed and drives the target: on the first
// connection it waits for the agent to settle and sends the preprompt, then
// turns every feed message into input.
type Orchestrator struct {
	cfg      config.Config
	target   Target
	injector *inject.Injector
	dial     DialFunc
	clock    ports.Clock
	pid      int

	startupDone bool
	state       State
	onState     func(State)
}

// OrchestratorOptions configures NewOrchestrator.
type OrchestratorOptions struct {
	Dial  DialFunc
	Clock ports.Clock
	PID   int // announced in the hello frame

	// OnState, if set, observes every state transition.
	OnState func(State)
}

// NewOrchestrator returns an orchestrator for target. Injections go through
// injector so they never interleave with each other.
func NewOrchestrator(cfg config.Config, target Target, injector *inject.Injector, opts OrchestratorOptions) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		target:   target,
		injector: injector,
		dial:     opts.Dial,
		clock:    opts.Clock,
		pid:      opts.PID,
		onState:  opts.OnState,
	}
}

// State returns the current state. It is only meaningful from the goroutine
// running Run or from OnState.
func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	o.state = s
	slog.Debug("feed state", slog.String("state", s.String()))
	if o.onState != nil {
		o.onState(s)
	}
}

// Run connects to the feed and processes it until the child exits, the feed
// sends quit (ErrQuit), ctx is cancelled, or a transport error ends the
// session because reconnecting is disabled or exit-on-error is set.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.setState(StateClosed)

	backoff := feed.NewBackoff(o.cfg.Feed.InitialBackoff, o.cfg.Feed.MaxBackoff)
	for {
		if o.target.Exited() {
			return nil
		}

		err := o.connection(ctx, backoff)
		switch {
		case err == nil, errors.Is(err, errChildGone):
			return nil
		case errors.Is(err, ErrQuit):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}

		slog.Error("websocket error", slog.String("url", o.cfg.Feed.URL), slog.String("error", err.Error()))
		if o.cfg.Feed.ExitOnError {
			return fmt.Errorf("feed failed with exit-on-error set: %w", err)
		}
		if !o.cfg.Feed.Reconnect {
			return fmt.Errorf("feed failed with reconnect disabled: %w", err)
		}
		if o.target.Exited() {
			return nil
		}

		delay := backoff.Next()
		slog.Info("reconnecting to feed", slog.Duration("delay", delay))
		if err := o.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// connection runs one connection from dial to failure.
func (o *Orchestrator) connection(ctx context.Context, backoff *feed.Backoff) error {
	o.setState(StateConnecting)
	conn, err := o.dial(ctx, o.cfg.Feed.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	backoff.Reset()
	o.setState(StateConnected)

	if err := conn.SendHello(ctx, o.pid); err != nil {
		return err
	}
	slog.Info("websocket connected", slog.String("url", o.cfg.Feed.URL))

	if !o.startupDone {
		if err := o.startup(ctx); err != nil {
			return err
		}
		o.startupDone = true
	}

	o.setState(StateStreaming)
	for {
		if o.target.Exited() {
			return nil
		}
		frame, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		if err := o.dispatch(ctx, feed.Parse(frame)); err != nil {
			return err
		}
	}
}

// startup nudges the agent, waits for it to be ready and quiet, and sends
// the preprompt. It runs once per process.
func (o *Orchestrator) startup(ctx context.Context) error {
	if keys := o.cfg.Inject.WakeKeys; keys != "" {
		if err := o.injector.WriteRaw(ctx, []byte(keys)); err != nil {
			if err := o.writeResult(ctx, err); err != nil {
				return err
			}
		} else {
			slog.Info("sent wake keys")
		}
	}

	o.setState(StateReadyWait)
	if err := o.target.WaitReady(ctx); err != nil {
		return err
	}

	o.setState(StateQuietWait)
	if err := o.target.WaitQuiet(ctx, o.cfg.Readiness.QuietThreshold, o.cfg.Readiness.QuietTimeout); err != nil {
		return err
	}

	o.setState(StatePreprompt)
	text := o.cfg.Inject.Preprompt
	if strings.TrimSpace(text) == "" {
		return nil
	}
	err := o.injector.Inject(ctx, inject.Request{
		Text:        text,
		PreDelay:    o.cfg.Inject.PrepromptDelay,
		SubmitDelay: o.cfg.Inject.SubmitDelay,
		Submit:      o.cfg.Inject.Submit,
		Label:       "preprompt",
	})
	if err != nil {
		return o.writeResult(ctx, err)
	}
	slog.Info("preprompt injected and submitted")
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, msg feed.Message) error {
	switch msg.Kind {
	case feed.KindChat:
		err := o.injector.Inject(ctx, inject.Request{
			Text:        o.cfg.Feed.ChatPrefix + msg.Text,
			SubmitDelay: o.cfg.Inject.SubmitDelay,
			Submit:      o.cfg.Inject.Submit,
		})
		if err != nil {
			return o.writeResult(ctx, err)
		}
		slog.Info("chat injected and submitted")

	case feed.KindRaw:
		if msg.Payload == "" {
			return nil
		}
		data, err := msg.Bytes()
		if err != nil {
			slog.Warn("dropping raw frame", slog.String("error", err.Error()))
			return nil
		}
		slog.Debug("writing raw bytes", slog.String("hex", logging.HexDump(data, 32)))
		return o.writeResult(ctx, o.injector.WriteRaw(ctx, data))

	case feed.KindQuit:
		slog.Info("quit requested by feed")
		return ErrQuit
	}
	return nil
}

// writeResult classifies an injection error: a hung-up child ends the
// session, cancellation propagates, anything else is logged and skipped.
func (o *Orchestrator) writeResult(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pty.ErrClosed):
		slog.Debug("write to closed pty", slog.String("error", err.Error()))
		return errChildGone
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		slog.Warn("injection failed", slog.String("error", err.Error()))
		return nil
	}
}
