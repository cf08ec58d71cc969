// Package inject types text into the hosted agent as if a person had typed
// it and pressed the submit key.
package inject

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/acolita/clihost/internal/logging"
	"github.com/acolita/clihost/internal/ports"
)

// DefaultSubmitDelay separates the text from the submit key so the agent's
// input widget sees two distinct key events.
const DefaultSubmitDelay = 60 * time.Millisecond

// Writer is the byte sink the injector types into.
type Writer interface {
	WriteBytes(ctx context.Context, data []byte) error
}

// InputRecorder receives every injected sequence.
type InputRecorder interface {
	RecordInput(data string) error
}

// Request is one injection cycle.
type Request struct {
	Text        string
	PreDelay    time.Duration
	SubmitDelay time.Duration
	Submit      string // default "\r"
	Label       string // shown in the local echo, e.g. "preprompt"
}

// Options configures an Injector.
type Options struct {
	Clock      ports.Clock
	Echo       io.Writer // when set, injected text is echoed here with EchoPrefix
	EchoPrefix string
	Recorder   InputRecorder
}

// Injector performs injection cycles one at a time.
type Injector struct {
	mu       sync.Mutex
	w        Writer
	clock    ports.Clock
	echo     io.Writer
	prefix   string
	recorder InputRecorder
}

// New returns an injector writing to w.
func New(w Writer, opts Options) *Injector {
	return &Injector{
		w:        w,
		clock:    opts.Clock,
		echo:     opts.Echo,
		prefix:   opts.EchoPrefix,
		recorder: opts.Recorder,
	}
}

// Inject sleeps PreDelay, writes Text, sleeps SubmitDelay and writes Submit.
// Concurrent calls are serialized so the bytes of two cycles never
// interleave. Write errors are returned without retry; a cancelled ctx aborts
// the cycle between steps.
func (in *Injector) Inject(ctx context.Context, req Request) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	submit := req.Submit
	if submit == "" {
		submit = "\r"
	}

	if req.PreDelay > 0 {
		if err := in.clock.Sleep(ctx, req.PreDelay); err != nil {
			return err
		}
	}

	slog.Debug("injecting text",
		slog.Int("bytes", len(req.Text)),
		slog.String("text", logging.Truncate(req.Text, 80)))

	if req.Text != "" {
		in.echoText(req)
		if err := in.w.WriteBytes(ctx, []byte(req.Text)); err != nil {
			return fmt.Errorf("inject text: %w", err)
		}
		in.record(req.Text)
	}

	if err := in.clock.Sleep(ctx, req.SubmitDelay); err != nil {
		return err
	}

	if err := in.w.WriteBytes(ctx, []byte(submit)); err != nil {
		return fmt.Errorf("inject submit: %w", err)
	}
	in.record(submit)

	return nil
}

func (in *Injector) echoText(req Request) {
	if in.echo == nil {
		return
	}
	label := ""
	if req.Label != "" {
		label = "[" + req.Label + "]\r\n"
	}
	_, _ = fmt.Fprintf(in.echo, "\r\n%s%s%s\r\n", in.prefix, label, req.Text)
}

func (in *Injector) record(data string) {
	if in.recorder == nil {
		return
	}
	if err := in.recorder.RecordInput(data); err != nil {
		slog.Debug("record injected input", slog.String("error", err.Error()))
	}
}

// WriteRaw writes data verbatim, outside any cycle but never inside one.
func (in *Injector) WriteRaw(ctx context.Context, data []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.w.WriteBytes(ctx, data); err != nil {
		return fmt.Errorf("inject raw: %w", err)
	}
	in.record(string(data))
	return nil
}
