// Package terminal manages the local controlling terminal: checking that one
// exists, reading its size, and proxying keystrokes to the hosted child.
package terminal

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// ErrNoTerminal is returned when the host is not attached to a terminal.
var ErrNoTerminal = errors.New("needs a real terminal")

// RequireTTY checks that a controlling terminal can be opened and that in is
// a terminal.
func RequireTTY(in *os.File) error {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open /dev/tty: %w", ErrNoTerminal, err)
	}
	tty.Close()

	if !term.IsTerminal(int(in.Fd())) {
		return fmt.Errorf("%w: %s is not a terminal", ErrNoTerminal, in.Name())
	}
	return nil
}

// Size returns the window size of f, falling back to 80x24 when it cannot be
// read.
func Size(f *os.File) (rows, cols uint16) {
	w, h, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 24, 80
	}
	return uint16(h), uint16(w)
}
