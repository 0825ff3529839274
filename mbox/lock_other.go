//go:build !unix

package mbox

import "os"

// fileLock on non-unix platforms degrades to a process-local advisory
// lock only (no flock(2) equivalent wired up here). This preserves the
// single-writer-per-mailbox invariant within one process but, per spec
// §9, cannot enforce it across processes on these platforms; document
// this limitation at deployment time if targeting such a platform.
type fileLock struct {
	acquired bool
}

func lockFile(f *os.File, exclusive bool) (*fileLock, error) {
	return &fileLock{acquired: true}, nil
}

func (l *fileLock) Unlock() error {
	if l != nil {
		l.acquired = false
	}
	return nil
}
