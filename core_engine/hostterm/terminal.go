// Package hostterm switches the host terminal between the canonical mode the
// shell leaves it in and the character-at-a-time mode a serial console needs.
package hostterm

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNotTerminal is returned by New when the file is not a terminal.
var ErrNotTerminal = errors.New("not a terminal")

// Terminal implements devices.TerminalMode for a tty file descriptor.
// Raw mode here only disables line buffering and local echo; output
// processing and signal keys are left alone so the guest's "\n" still
// renders and Ctrl-C still reaches the emulator.
type Terminal struct {
	file  *os.File
	fd    int
	lock  sync.Mutex
	saved *term.State // State to restore, captured on the first MakeRaw
}

// New wraps f, which must be a terminal.
func New(f *os.File) (*Terminal, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("hostterm: fd %d: %w", fd, ErrNotTerminal)
	}
	return &Terminal{file: f, fd: fd}, nil
}

// MakeRaw clears ICANON and ECHO so single keystrokes are delivered at once.
func (t *Terminal) MakeRaw() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.saved == nil {
		state, err := term.GetState(t.fd)
		if err != nil {
			return fmt.Errorf("hostterm: get state: %w", err)
		}
		t.saved = state
	}

	tio, err := unix.IoctlGetTermios(t.fd, ioctlReadTermios)
	if err != nil {
		return fmt.Errorf("hostterm: get termios: %w", err)
	}
	tio.Lflag &^= unix.ICANON | unix.ECHO
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(t.fd, ioctlWriteTermios, tio); err != nil {
		return fmt.Errorf("hostterm: set termios: %w", err)
	}
	return nil
}

// Restore puts back the mode the terminal had before the first MakeRaw.
func (t *Terminal) Restore() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.saved == nil {
		return nil
	}
	if err := term.Restore(t.fd, t.saved); err != nil {
		return fmt.Errorf("hostterm: restore: %w", err)
	}
	return nil
}

// Size returns the terminal width and height in characters.
func (t *Terminal) Size() (width, height int, err error) {
	return term.GetSize(t.fd)
}
