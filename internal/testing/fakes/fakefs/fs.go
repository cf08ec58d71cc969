// Package fakefs provides an in-memory FileSystem implementation for testing.
package fakefs

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/acolita/clihost/internal/ports"
)

// FS is an in-memory filesystem for testing.
type FS struct {
	mu      sync.RWMutex
	files   map[string][]byte
	dirs    map[string]bool
	homeDir string
	env     map[string]string
}

// New creates a new in-memory filesystem.
func New() *FS {
	return &FS{
		files:   make(map[string][]byte),
		dirs:    map[string]bool{"/": true},
		homeDir: "/home/test",
		env:     make(map[string]string),
	}
}

// AddFile seeds a file, creating its parent directories.
func (f *FS) AddFile(name string, data string) *FS {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = filepath.Clean(name)
	f.mkdirAllLocked(filepath.Dir(name))
	f.files[name] = []byte(data)
	return f
}

// SetEnv sets an environment variable visible through Getenv.
func (f *FS) SetEnv(key, value string) *FS {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env[key] = value
	return f
}

// SetHomeDir overrides the home directory.
func (f *FS) SetHomeDir(dir string) *FS {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.homeDir = dir
	return f
}

// Contents returns the bytes stored at name, if any.
func (f *FS) Contents(name string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := f.files[filepath.Clean(name)]
	return string(data), ok
}

// Files returns the names of all files under dir.
func (f *FS) Files(dir string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	dir = filepath.Clean(dir)
	var names []string
	for name := range f.files {
		if filepath.Dir(name) == dir {
			names = append(names, name)
		}
	}
	return names
}

// ReadFile reads the named file and returns its contents.
func (f *FS) ReadFile(name string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	name = filepath.Clean(name)
	data, ok := f.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// MkdirAll creates a directory and all parent directories.
func (f *FS) MkdirAll(path string, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAllLocked(path)
	return nil
}

// mkdirAllLocked creates directories (must be called with lock held).
func (f *FS) mkdirAllLocked(path string) {
	path = filepath.Clean(path)
	current := ""
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == "" {
			current = "/"
			continue
		}
		current = filepath.Join(current, part)
		f.dirs[current] = true
	}
}

// OpenFile opens a file for writing. Only O_CREATE, O_EXCL, O_TRUNC and
// O_APPEND are honoured; reads go through ReadFile.
func (f *FS) OpenFile(name string, flag int, perm fs.FileMode) (ports.FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name = filepath.Clean(name)
	if !f.dirs[filepath.Dir(name)] {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	_, exists := f.files[name]
	switch {
	case exists && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
	case !exists && flag&os.O_CREATE == 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	case !exists || flag&os.O_TRUNC != 0:
		f.files[name] = nil
	}

	return &handle{fs: f, name: name}, nil
}

// UserHomeDir returns the fake home directory.
func (f *FS) UserHomeDir() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.homeDir, nil
}

// Getenv returns a fake environment variable.
func (f *FS) Getenv(key string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.env[key]
}

type handle struct {
	fs     *FS
	name   string
	closed bool
}

func (h *handle) Write(b []byte) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return 0, os.ErrClosed
	}
	h.fs.files[h.name] = append(h.fs.files[h.name], b...)
	return len(b), nil
}

func (h *handle) Close() error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return os.ErrClosed
	}
	h.closed = true
	return nil
}

func (h *handle) Name() string {
	return h.name
}

// Ensure FS implements ports.FileSystem.
var _ ports.FileSystem = (*FS)(nil)
