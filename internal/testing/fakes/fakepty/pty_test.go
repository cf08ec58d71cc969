package fakepty

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPTY_RecordsWritesInOrder(t *testing.T) {
	p := New()
	ctx := context.Background()
	for _, s := range []string{"a", "bc", "\r"} {
		if err := p.WriteBytes(ctx, []byte(s)); err != nil {
			t.Fatalf("WriteBytes(%q): %v", s, err)
		}
	}
	got := p.Writes()
	if len(got) != 3 || got[0] != "a" || got[1] != "bc" || got[2] != "\r" {
		t.Errorf("Writes() = %q", got)
	}
	if p.Written() != "abc\r" {
		t.Errorf("Written() = %q", p.Written())
	}
}

func TestPTY_CopiesData(t *testing.T) {
	p := New()
	buf := []byte("x")
	_ = p.WriteBytes(context.Background(), buf)
	buf[0] = 'y'
	if p.Written() != "x" {
		t.Error("write was not copied")
	}
}

func TestPTY_FailAfter(t *testing.T) {
	boom := errors.New("boom")
	p := New().FailAfter(1, boom)
	ctx := context.Background()
	if err := p.WriteBytes(ctx, []byte("ok")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := p.WriteBytes(ctx, []byte("no")); !errors.Is(err, boom) {
		t.Fatalf("second write = %v, want boom", err)
	}
	if p.Written() != "ok" {
		t.Errorf("Written() = %q", p.Written())
	}
}

func TestPTY_Close(t *testing.T) {
	p := New()
	p.Close()
	if err := p.WriteBytes(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after Close = %v", err)
	}
}

func TestPTY_CancelledContext(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.WriteBytes(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("write with cancelled ctx = %v", err)
	}
}

func TestPTY_WaitForWrites(t *testing.T) {
	p := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = p.WriteBytes(context.Background(), []byte("x"))
	}()
	if !p.WaitForWrites(1, 5*time.Second) {
		t.Fatal("WaitForWrites(1) timed out")
	}
	if p.WaitForWrites(2, 20*time.Millisecond) {
		t.Fatal("WaitForWrites(2) should time out")
	}
}

func TestPTY_OnWrite(t *testing.T) {
	var seen []string
	p := New().OnWrite(func(b []byte) { seen = append(seen, string(b)) })
	_ = p.WriteBytes(context.Background(), []byte("hi"))
	if len(seen) != 1 || seen[0] != "hi" {
		t.Errorf("hook saw %q", seen)
	}
}
