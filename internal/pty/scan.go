package pty

// scanBuffer is a rolling window of stripped output. It is only used for
// readiness matching and is owned by the reader goroutine.
type scanBuffer struct {
	buf   []byte
	limit int
}

func newScanBuffer(limit int) *scanBuffer {
	return &scanBuffer{
		buf:   make([]byte, 0, limit),
		limit: limit,
	}
}

// Append adds text and drops the oldest bytes beyond the limit. It returns the
// current window.
func (b *scanBuffer) Append(text string) string {
	b.buf = append(b.buf, text...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return string(b.buf)
}

// Len returns the number of bytes held.
func (b *scanBuffer) Len() int {
	return len(b.buf)
}
