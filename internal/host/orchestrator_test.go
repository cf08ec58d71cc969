package host

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/acolita/clihost/internal/adapters/realclock"
	"github.com/acolita/clihost/internal/config"
	"github.com/acolita/clihost/internal/feed"
	"github.com/acolita/clihost/internal/inject"
	"github.com/acolita/clihost/internal/pty"
	"github.com/acolita/clihost/internal/testing/fakes/fakepty"
)

// fakeTarget is a child that becomes ready when ready is closed. Its event
// log interleaves waits and writes so tests can check ordering.
type fakeTarget struct {
	*fakepty.PTY

	mu     sync.Mutex
	events []string

	ready      chan struct{}
	readyCalls atomic.Int32
	exited     atomic.Bool
}

func newFakeTarget(ready bool) *fakeTarget {
	f := &fakeTarget{PTY: fakepty.New(), ready: make(chan struct{})}
	if ready {
		close(f.ready)
	}
	f.PTY.OnWrite(func(b []byte) { f.record("write:" + string(b)) })
	return f
}

func (f *fakeTarget) record(ev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeTarget) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeTarget) WaitReady(ctx context.Context) error {
	f.readyCalls.Add(1)
	f.record("ready")
	select {
	case <-f.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTarget) WaitQuiet(ctx context.Context, quiet, timeout time.Duration) error {
	f.record("quiet")
	return ctx.Err()
}

func (f *fakeTarget) Exited() bool {
	return f.exited.Load()
}

func newTestOrchestrator(cfg config.Config, target Target, w inject.Writer) *Orchestrator {
	clock := realclock.New()
	return NewOrchestrator(cfg, target, inject.New(w, inject.Options{Clock: clock}), OrchestratorOptions{
		Dial:  FeedDialer(feed.DialOptions{PingInterval: -1}),
		Clock: clock,
		PID:   4321,
	})
}

// runAsync starts o.Run and returns a cancel func and the result channel.
func runAsync(o *Orchestrator) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	return cancel, done
}

func result(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("orchestrator did not return")
		return nil
	}
}

func TestOrchestrator_ChatMessagesSerialized(t *testing.T) {
	srv := newFeedServer(t, send(
		`{"type":"chat","text":"one"}`,
		`{"type":"chat","text":"two"}`,
	))
	target := newFakeTarget(true)
	cancel, done := runAsync(newTestOrchestrator(testConfig(srv.url), target, target))

	if !target.WaitForWrites(4, 5*time.Second) {
		t.Fatalf("writes = %q", target.Writes())
	}
	cancel()
	if err := result(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}

	got := target.Writes()
	want := []string{"lv:one", "\r", "lv:two", "\r"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("writes = %q, want %q", got, want)
	}
	if hellos := srv.Hellos(); len(hellos) != 1 || hellos[0] != `{"type":"hello","pid":4321}` {
		t.Errorf("hellos = %q", hellos)
	}
}

func TestOrchestrator_RawCursorUp(t *testing.T) {
	srv := newFeedServer(t, send(`{"type":"raw","bytes_b64":"G1tB"}`))
	target := newFakeTarget(true)
	cancel, done := runAsync(newTestOrchestrator(testConfig(srv.url), target, target))
	defer cancel()

	if !target.WaitForWrites(1, 5*time.Second) {
		t.Fatal("raw frame not written")
	}
	cancel()
	result(t, done)

	got := target.Writes()
	if len(got) != 1 || got[0] != "\x1b[A" {
		t.Errorf("writes = %q, want exactly 1b 5b 41", got)
	}
}

func TestOrchestrator_BadFramesDoNotStopTheLoop(t *testing.T) {
	srv := newFeedServer(t, send(
		`{"type":"raw","bytes_b64":"%%%"}`,
		`{"type":"raw"}`,
		`plain words`,
		`{"type":"chat","text":"after"}`,
	))
	target := newFakeTarget(true)
	cancel, done := runAsync(newTestOrchestrator(testConfig(srv.url), target, target))
	defer cancel()

	if !target.WaitForWrites(4, 5*time.Second) {
		t.Fatalf("writes = %q", target.Writes())
	}
	cancel()
	result(t, done)

	want := []string{"lv:plain words", "\r", "lv:after", "\r"}
	if got := target.Writes(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("writes = %q, want %q", got, want)
	}
}

func TestOrchestrator_Quit(t *testing.T) {
	srv := newFeedServer(t, send(`{"type":"control","cmd":"quit"}`, `{"type":"chat","text":"never"}`))
	target := newFakeTarget(true)

	var states []State
	o := newTestOrchestrator(testConfig(srv.url), target, target)
	o.onState = func(s State) { states = append(states, s) }

	_, done := runAsync(o)
	if err := result(t, done); !errors.Is(err, ErrQuit) {
		t.Fatalf("Run error = %v, want ErrQuit", err)
	}
	if len(target.Writes()) != 0 {
		t.Errorf("writes after quit: %q", target.Writes())
	}

	want := []State{StateConnecting, StateConnected, StateReadyWait, StateQuietWait, StatePreprompt, StateStreaming, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestOrchestrator_StartupSequence(t *testing.T) {
	srv := newFeedServer(t, send(`{"type":"chat","text":"x"}`))
	cfg := testConfig(srv.url)
	cfg.Inject.WakeKeys = "\r"
	cfg.Inject.Preprompt = "be brief"

	target := newFakeTarget(false)
	cancel, done := runAsync(newTestOrchestrator(cfg, target, target))
	defer cancel()

	if !target.WaitForWrites(1, 5*time.Second) {
		t.Fatal("wake keys not sent")
	}
	time.Sleep(50 * time.Millisecond)
	if got := target.Writes(); len(got) != 1 {
		t.Fatalf("wrote %q before the agent was ready", got)
	}

	close(target.ready)
	if !target.WaitForWrites(5, 5*time.Second) {
		t.Fatalf("writes = %q", target.Writes())
	}
	cancel()
	result(t, done)

	want := []string{"write:\r", "ready", "quiet", "write:be brief", "write:\r", "write:lv:x", "write:\r"}
	if got := target.Events(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("events = %q, want %q", got, want)
	}
}

func TestOrchestrator_BlankPrepromptSkipped(t *testing.T) {
	srv := newFeedServer(t, send(`{"type":"chat","text":"x"}`))
	cfg := testConfig(srv.url)
	cfg.Inject.Preprompt = "  \n\t"

	target := newFakeTarget(true)
	cancel, done := runAsync(newTestOrchestrator(cfg, target, target))
	defer cancel()

	if !target.WaitForWrites(2, 5*time.Second) {
		t.Fatalf("writes = %q", target.Writes())
	}
	cancel()
	result(t, done)

	if got := target.Writes(); got[0] != "lv:x" {
		t.Errorf("first write = %q, want the chat", got[0])
	}
}

func TestOrchestrator_UnreachableWithExitOnError(t *testing.T) {
	cfg := testConfig(closedURL())
	cfg.Feed.ExitOnError = true
	target := newFakeTarget(true)

	_, done := runAsync(newTestOrchestrator(cfg, target, target))
	err := result(t, done)
	if !errors.Is(err, feed.ErrTransport) {
		t.Fatalf("Run error = %v, want ErrTransport", err)
	}
	if n := target.readyCalls.Load(); n != 0 {
		t.Errorf("WaitReady called %d times before any connection", n)
	}
	if len(target.Writes()) != 0 {
		t.Errorf("writes = %q", target.Writes())
	}
}

func TestOrchestrator_ReconnectDisabled(t *testing.T) {
	cfg := testConfig(closedURL())
	cfg.Feed.Reconnect = false
	target := newFakeTarget(true)

	_, done := runAsync(newTestOrchestrator(cfg, target, target))
	if err := result(t, done); !errors.Is(err, feed.ErrTransport) {
		t.Fatalf("Run error = %v, want ErrTransport", err)
	}
}

func TestOrchestrator_ReconnectSkipsStartup(t *testing.T) {
	srv := newFeedServer(t, func(ctx context.Context, n int, c *websocket.Conn) {
		if n == 1 {
			return // drop the first connection right after hello
		}
		send(`{"type":"chat","text":"again"}`)(ctx, n, c)
	})
	cfg := testConfig(srv.url)
	cfg.Inject.Preprompt = "pre"

	target := newFakeTarget(true)
	cancel, done := runAsync(newTestOrchestrator(cfg, target, target))
	defer cancel()

	if !target.WaitForWrites(4, 5*time.Second) {
		t.Fatalf("writes = %q", target.Writes())
	}
	cancel()
	result(t, done)

	want := []string{"pre", "\r", "lv:again", "\r"}
	if got := target.Writes(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("writes = %q, want %q", got, want)
	}
	if n := target.readyCalls.Load(); n != 1 {
		t.Errorf("WaitReady called %d times, want 1", n)
	}
	if n := len(srv.Hellos()); n != 2 {
		t.Errorf("hellos = %d, want 2", n)
	}
}

func TestOrchestrator_ChildAlreadyExited(t *testing.T) {
	srv := newFeedServer(t, send())
	target := newFakeTarget(true)
	target.exited.Store(true)

	_, done := runAsync(newTestOrchestrator(testConfig(srv.url), target, target))
	if err := result(t, done); err != nil {
		t.Fatalf("Run error = %v, want nil", err)
	}
	if n := srv.conns.Load(); n != 0 {
		t.Errorf("dialed %d times for an exited child", n)
	}
}

func TestOrchestrator_ClosedPTYEndsSession(t *testing.T) {
	srv := newFeedServer(t, send(`{"type":"chat","text":"x"}`))
	target := newFakeTarget(true)
	w := fakepty.New().FailAfter(0, pty.ErrClosed)

	_, done := runAsync(newTestOrchestrator(testConfig(srv.url), target, w))
	if err := result(t, done); err != nil {
		t.Fatalf("Run error = %v, want nil", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateQuietWait, "quiet-wait"},
		{StateClosed, "closed"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestOrchestrator_StartsIdleAndReportsFirstConnect(t *testing.T) {
	target := newFakeTarget(true)
	o := newTestOrchestrator(testConfig(closedURL()), target, target)
	if o.State() != StateIdle {
		t.Fatalf("initial state = %v, want idle", o.State())
	}

	var states []State
	o.onState = func(s State) { states = append(states, s) }
	o.setState(StateConnecting)
	o.setState(StateConnecting)
	if len(states) != 1 || states[0] != StateConnecting {
		t.Errorf("reported states = %v, want [connecting]", states)
	}
}
