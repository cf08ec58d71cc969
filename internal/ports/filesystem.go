package ports

import (
	"io"
	"io/fs"
)

// FileSystem abstracts file operations for testing.
type FileSystem interface {
	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm fs.FileMode) error

	// OpenFile opens the named file with the given flags and permissions.
	OpenFile(name string, flag int, perm fs.FileMode) (FileHandle, error)

	// UserHomeDir returns the current user's home directory.
	UserHomeDir() (string, error)

	// Getenv retrieves the value of the environment variable named by the key.
	Getenv(key string) string
}

// FileHandle is the subset of *os.File used by writers such as the recorder.
type FileHandle interface {
	io.Writer
	io.Closer

	// Name returns the path the handle was opened with.
	Name() string
}
