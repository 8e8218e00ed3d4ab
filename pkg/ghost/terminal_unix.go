package ghost

import (
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// setWinsize applies a terminal resize via the pty package's ioctl wrapper
// (spec §4.7's in-band resize escape handler).
func setWinsize(f *os.File, rows, cols int) {
	if f == nil {
		return
	}
	if err := pty.Setsize(f, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		// Best-effort: a failed resize shouldn't tear down the session.
		_ = err
	}
}

// setRawTTY clears software/hardware flow control and sets CLOCAL on an
// already-open tty device (spec §4.7's "tty-device path" setup step).
func setRawTTY(f *os.File) error {
	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IXON | unix.IXOFF
	t.Cflag &^= unix.CRTSCTS
	t.Cflag |= unix.CLOCAL
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
