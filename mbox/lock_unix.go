//go:build unix

package mbox

import (
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory whole-file flock(2), shared for read-only
// mailboxes and exclusive otherwise (spec §5). It is tied to a file
// descriptor, not a path: after mbox's expunge replaces the file via
// rename, the old descriptor's lock is released and a fresh descriptor
// on the new file is locked (see Expunge in expunger.go) rather than
// re-locking the stale, now-unlinked inode, per spec §9's correction.
type fileLock struct {
	fd       int
	acquired bool
}

func lockFile(f *os.File, exclusive bool) (*fileLock, error) {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	fd := int(f.Fd())
	if err := unix.Flock(fd, how); err != nil {
		return nil, err
	}
	return &fileLock{fd: fd, acquired: true}, nil
}

func (l *fileLock) Unlock() error {
	if l == nil || !l.acquired {
		return nil
	}
	l.acquired = false
	return unix.Flock(l.fd, unix.LOCK_UN)
}
