package mbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/infodancer/msgstore"
)

// Expunge physically removes every message flagged for deletion by
// rewriting the mbox file (spec §4.2 "expunge"). It creates a sibling
// temp file, streams the kept messages into it with freshly formatted
// envelope lines, atomically replaces the original, and rebuilds the
// search index from scratch (every surviving message's UID becomes its
// new sequence number). Per spec §9's correction to the reference
// implementation, the lock on the unlinked original file is released
// before the rename and a fresh lock is acquired by reopening the
// renamed file — re-locking the stale fd would lock an orphaned inode,
// not the file readers actually see.
func (mb *Mailbox) Expunge() error {
	if mb.readOnly {
		return msgstore.NewError(msgstore.KindReadOnly, "mbox.Expunge", nil)
	}

	dir := filepath.Dir(mb.path)
	tmp, err := os.CreateTemp(dir, ".mbox-tmp-*")
	if err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.Expunge", err)
	}
	tmpName := tmp.Name()
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			os.Remove(tmpName)
		}
	}()

	kept := make([]*Descriptor, 0, len(mb.descriptors))
	var offset int64
	for _, d := range mb.descriptors {
		if _, gone := mb.deleted[d.Seq]; gone {
			continue
		}
		envelope := []byte(fmt.Sprintf("From MAILER-DAEMON@localhost %s\n", formatEnvelopeDate(envelopeDateForDescriptor(mb, d))))
		if _, err := tmp.Write(envelope); err != nil {
			tmp.Close()
			return msgstore.NewError(msgstore.KindIoError, "mbox.Expunge", err)
		}
		contentStart := offset + int64(len(envelope))

		section := io.NewSectionReader(mb.file, d.Start, d.Size())
		n, err := io.Copy(tmp, section)
		if err != nil {
			tmp.Close()
			return msgstore.NewError(msgstore.KindIoError, "mbox.Expunge", err)
		}
		if n > 0 {
			if _, err := tmp.Write([]byte("\n")); err != nil {
				tmp.Close()
				return msgstore.NewError(msgstore.KindIoError, "mbox.Expunge", err)
			}
		}

		kept = append(kept, &Descriptor{
			Seq:   uint32(len(kept) + 1),
			Start: contentStart,
			End:   contentStart + n,
		})
		offset = contentStart + n + 1
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return msgstore.NewError(msgstore.KindIoError, "mbox.Expunge", err)
	}
	if err := tmp.Close(); err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.Expunge", err)
	}

	// Release the lock on the soon-to-be-unlinked file before renaming.
	if mb.lock != nil {
		mb.lock.Unlock()
	}
	mb.file.Close()

	if err := os.Rename(tmpName, mb.path); err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.Expunge", err)
	}
	cleanupTmp = false

	f, err := os.OpenFile(mb.path, os.O_RDWR, 0o600)
	if err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.Expunge", err)
	}
	lock, err := lockFile(f, true)
	if err != nil {
		f.Close()
		return msgstore.NewError(msgstore.KindIoError, "mbox.Expunge", err)
	}

	removed := len(mb.descriptors) - len(kept)
	mb.file = f
	mb.lock = lock
	mb.descriptors = kept
	mb.deleted = make(map[uint32]struct{})

	if mb.metrics != nil {
		mb.metrics.Expunged(removed)
	}
	return mb.rebuildIndex()
}

// envelopeDateForDescriptor recovers the internal date to re-stamp onto
// an expunged message's fresh envelope line, preferring the indexed
// value (cheap) over re-scanning the original envelope.
func envelopeDateForDescriptor(mb *Mailbox, d *Descriptor) time.Time {
	if e, ok := mb.index.GetBySequence(d.Seq); ok && e.InternalDateMillis != 0 {
		return time.UnixMilli(e.InternalDateMillis).UTC()
	}
	envelope, err := mb.readEnvelopeLine(d)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	millis := parseEnvelopeDate(envelope)
	if millis == 0 {
		return time.Unix(0, 0).UTC()
	}
	return time.UnixMilli(millis).UTC()
}
