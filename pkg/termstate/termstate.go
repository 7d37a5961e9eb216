// Package termstate provides small termios/process-group helpers for
// terminal ownership hand-off (spec component C7). It wraps the ioctls
// the standard syscall package does not expose directly
// (TIOCGPGRP/TIOCSPGRP), using golang.org/x/sys/unix the way the rest of
// this module reaches for x/sys where the standard library falls short.
package termstate

import "golang.org/x/sys/unix"

// GetForegroundPGID returns the process group currently owning fd's
// controlling terminal (tcgetpgrp(3)).
func GetForegroundPGID(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.TIOCGPGRP)
}

// SetForegroundPGID hands fd's controlling terminal to pgid
// (tcsetpgrp(3)). ENOTTY/EACCES/ENOENT from a race with a child that has
// already exited or exec'd are the caller's to ignore per spec §4.6
// ("Race handling").
func SetForegroundPGID(fd int, pgid int) error {
	return unix.IoctlSetPointerInt(fd, unix.TIOCSPGRP, pgid)
}

// Termios is a saved terminal mode snapshot.
type Termios = unix.Termios

// Get captures fd's current termios settings.
func Get(fd int) (*Termios, error) {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Set restores a previously captured termios snapshot onto fd.
func Set(fd int, t *Termios) error {
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
