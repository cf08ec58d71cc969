package fakefs

import (
	"errors"
	"io/fs"
	"os"
	"testing"
)

func TestReadFile_Missing(t *testing.T) {
	f := New()
	_, err := f.ReadFile("/nope")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("ReadFile() error = %v, want ErrNotExist", err)
	}
}

func TestAddFileAndRead(t *testing.T) {
	f := New().AddFile("/etc/clihost/config.yaml", "feed:\n  url: ws://x\n")
	data, err := f.ReadFile("/etc/clihost/config.yaml")
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(data) != "feed:\n  url: ws://x\n" {
		t.Errorf("ReadFile() = %q", data)
	}
}

func TestOpenFile_WriteAndClose(t *testing.T) {
	f := New()
	if err := f.MkdirAll("/rec", 0700); err != nil {
		t.Fatal(err)
	}
	h, err := f.OpenFile("/rec/a.cast", os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		t.Fatalf("OpenFile() error: %v", err)
	}
	if _, err := h.Write([]byte("one\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Write([]byte("two\n")); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Write after Close error = %v, want ErrClosed", err)
	}

	got, _ := f.Contents("/rec/a.cast")
	if got != "one\ntwo\n" {
		t.Errorf("Contents = %q", got)
	}
}

func TestOpenFile_Excl(t *testing.T) {
	f := New().AddFile("/rec/a.cast", "x")
	_, err := f.OpenFile("/rec/a.cast", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if !errors.Is(err, fs.ErrExist) {
		t.Errorf("OpenFile(O_EXCL) error = %v, want ErrExist", err)
	}
}

func TestOpenFile_MissingDir(t *testing.T) {
	f := New()
	_, err := f.OpenFile("/missing/a.cast", os.O_CREATE|os.O_WRONLY, 0600)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("OpenFile() error = %v, want ErrNotExist", err)
	}
}

func TestEnvAndHome(t *testing.T) {
	f := New().SetEnv("CLIHOST_URL", "ws://feed").SetHomeDir("/home/op")
	if got := f.Getenv("CLIHOST_URL"); got != "ws://feed" {
		t.Errorf("Getenv() = %q", got)
	}
	if home, _ := f.UserHomeDir(); home != "/home/op" {
		t.Errorf("UserHomeDir() = %q", home)
	}
}
