//go:build linux || darwin || freebsd

package lockfile

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func flockLock(f *os.File, exclusive, block bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if !block {
		how |= unix.LOCK_NB
	}
	return unix.Flock(int(f.Fd()), how)
}

func flockUnlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}
