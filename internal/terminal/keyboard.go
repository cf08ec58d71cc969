package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/muesli/cancelreader"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	keyboardReadSize  = 4096
	defaultQueueDepth = 64
)

// Writer receives forwarded keystrokes.
type Writer interface {
	WriteBytes(ctx context.Context, data []byte) error
}

// KeyboardProxy forwards local keystrokes to the hosted child. Reads are
// queued and written by a single goroutine, so keystrokes arrive in the order
// they were typed.
type KeyboardProxy struct {
	in    *os.File
	w     Writer
	depth int

	mu      sync.Mutex
	started bool
	stopped bool
	reader  cancelreader.CancelReader
	restore func() error
	cancel  context.CancelFunc

	queue      chan []byte
	readerDone chan struct{}
	writerDone chan struct{}
}

// NewKeyboardProxy returns a proxy reading from in and writing to w. A
// queueDepth of zero picks a default.
func NewKeyboardProxy(in *os.File, w Writer, queueDepth int) *KeyboardProxy {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &KeyboardProxy{in: in, w: w, depth: queueDepth}
}

// Start puts in into cbreak/no-echo mode when it is a terminal and begins
// forwarding. It may be called once.
func (k *KeyboardProxy) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.started {
		return errors.New("keyboard proxy already started")
	}

	if fd := int(k.in.Fd()); term.IsTerminal(fd) {
		restore, err := EnterCbreak(fd)
		if err != nil {
			return fmt.Errorf("keyboard proxy: %w", err)
		}
		k.restore = restore
	}

	reader, err := cancelreader.NewReader(k.in)
	if err != nil {
		k.restoreTerminal()
		return fmt.Errorf("keyboard proxy: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	k.reader = reader
	k.cancel = cancel
	k.queue = make(chan []byte, k.depth)
	k.readerDone = make(chan struct{})
	k.writerDone = make(chan struct{})
	k.started = true

	go k.readLoop(ctx)
	go k.writeLoop(ctx)

	slog.Info("local keyboard forwarding enabled")
	return nil
}

func (k *KeyboardProxy) readLoop(ctx context.Context) {
	defer close(k.readerDone)

	buf := make([]byte, keyboardReadSize)
	for {
		n, err := k.reader.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case k.queue <- data:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
				continue
			case errors.Is(err, cancelreader.ErrCanceled):
			case errors.Is(err, io.EOF):
				slog.Debug("keyboard input closed")
			default:
				slog.Warn("keyboard read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (k *KeyboardProxy) writeLoop(ctx context.Context) {
	defer close(k.writerDone)

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-k.queue:
			if err := k.w.WriteBytes(ctx, data); err != nil && ctx.Err() == nil {
				slog.Debug("dropping keystrokes", slog.Int("bytes", len(data)), slog.String("error", err.Error()))
			}
		}
	}
}

// Stop cancels reading, waits for the forwarding goroutines, and restores the
// terminal. It is safe to call more than once, or without Start.
func (k *KeyboardProxy) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.started || k.stopped {
		return
	}
	k.stopped = true

	cancelled := k.reader.Cancel()
	k.cancel()
	<-k.writerDone
	if cancelled {
		<-k.readerDone
		k.reader.Close()
	} else {
		// The reader cannot be interrupted on this input; leave it blocked.
		slog.Debug("keyboard reader could not be cancelled")
	}

	k.restoreTerminal()
}

func (k *KeyboardProxy) restoreTerminal() {
	if k.restore == nil {
		return
	}
	if err := k.restore(); err != nil {
		slog.Warn("failed to restore terminal", slog.String("error", err.Error()))
	}
	k.restore = nil
}
