// Package fakepty provides a fake PTY input side for testing code that types
// into a hosted child.
package fakepty

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("fakepty: closed")

// PTY records every WriteBytes call in order.
type PTY struct {
	mu        sync.Mutex
	cond      *sync.Cond
	writes    [][]byte
	closed    bool
	failAfter int // fail once this many writes succeeded; -1 never
	failErr   error
	onWrite   func([]byte)
}

// New creates a new fake PTY.
func New() *PTY {
	p := &PTY{failAfter: -1}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// FailAfter makes every write after the first n fail with err.
func (p *PTY) FailAfter(n int, err error) *PTY {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAfter = n
	p.failErr = err
	return p
}

// OnWrite registers a hook called with each accepted write, outside the lock.
func (p *PTY) OnWrite(fn func([]byte)) *PTY {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
	return p
}

// WriteBytes implements the writer used by the injector and keyboard proxy.
func (p *PTY) WriteBytes(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.failAfter >= 0 && len(p.writes) >= p.failAfter {
		err := p.failErr
		p.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), data...)
	p.writes = append(p.writes, cp)
	hook := p.onWrite
	p.cond.Broadcast()
	p.mu.Unlock()

	if hook != nil {
		hook(cp)
	}
	return nil
}

// Writes returns each accepted write as a string.
func (p *PTY) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	for i, w := range p.writes {
		out[i] = string(w)
	}
	return out
}

// Written returns all accepted bytes concatenated.
func (p *PTY) Written() string {
	return strings.Join(p.Writes(), "")
}

// WaitForWrites blocks until at least n writes were accepted or timeout
// expires. It reports whether n was reached.
func (p *PTY) WaitForWrites(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.writes) < n {
		if !time.Now().Before(deadline) {
			return false
		}
		p.cond.Wait()
	}
	return true
}

// Close makes later writes fail with ErrClosed.
func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}
