package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/acolita/clihost/internal/ports"
)

const (
	writeChunk      = 4096
	writeRetryDelay = 5 * time.Millisecond
)

// WriteBytes writes data to the child's input in order and in full. Writes
// from different goroutines must be serialized by the caller.
func (s *Session) WriteBytes(ctx context.Context, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := writeAll(ctx, s.ptmx, data, s.clock)
	if err != nil && isHangup(err) {
		return ErrClosed
	}
	return err
}

// writeAll writes data in chunks, retrying short writes, EAGAIN and EINTR
// until every byte is accepted or ctx is cancelled.
func writeAll(ctx context.Context, w io.Writer, data []byte, clock ports.Clock) error {
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := data[:min(len(data), writeChunk)]
		n, err := w.Write(chunk)
		if n > 0 {
			data = data[n:]
		}
		switch {
		case err == nil:
			if n == 0 {
				if err := clock.Sleep(ctx, writeRetryDelay); err != nil {
					return err
				}
			}
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			if err := clock.Sleep(ctx, writeRetryDelay); err != nil {
				return err
			}
		case errors.Is(err, unix.EINTR):
		default:
			return fmt.Errorf("write pty: %w", err)
		}
	}
	return nil
}

func isHangup(err error) bool {
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, unix.EIO) ||
		errors.Is(err, unix.EBADF) ||
		errors.Is(err, io.ErrClosedPipe)
}
