package terminal

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// EnterCbreak switches fd to character-at-a-time input without echo. ISIG is
// left on so Ctrl+C still raises SIGINT in the host. The returned function
// restores the previous settings.
func EnterCbreak(fd int) (restore func() error, err error) {
	orig, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, fmt.Errorf("get termios: %w", err)
	}

	cb := *orig
	cb.Lflag &^= unix.ECHO | unix.ICANON
	cb.Lflag |= unix.ISIG
	cb.Cc[unix.VMIN] = 1
	cb.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, ioctlSetTermiosDrain, &cb); err != nil {
		return nil, fmt.Errorf("set termios: %w", err)
	}

	return func() error {
		if err := unix.IoctlSetTermios(fd, ioctlSetTermiosDrain, orig); err != nil {
			return fmt.Errorf("restore termios: %w", err)
		}
		return nil
	}, nil
}
