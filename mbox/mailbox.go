package mbox

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/infodancer/msgstore"
	"github.com/infodancer/msgstore/mbox/gidx"
)

const indexSuffix = ".gidx"

// Mailbox owns a single mbox file: its file handle, advisory lock,
// descriptor list, deleted set, and search index reference (spec §3,
// "Mailbox"). Exactly one process-local Mailbox should be open per
// path at a time; the file lock enforces this across processes to the
// extent the platform allows (see lock_unix.go / lock_other.go).
type Mailbox struct {
	path      string
	indexPath string
	file      *os.File
	lock      *fileLock
	readOnly  bool

	descriptors []*Descriptor
	deleted     map[uint32]struct{}
	index       *gidx.Index

	appendBuf   []byte
	appending   bool
	appendFlags gidx.FlagSet
	appendDate  time.Time

	metrics Collector
}

// Open opens the mbox file at path (a read-write open creates it if
// absent; a read-only open does not), acquires
// its advisory lock, and builds or validates the descriptor list and
// search index. It reports no metrics; use OpenWithMetrics to wire a
// Collector.
func Open(path string, readOnly bool) (*Mailbox, error) {
	return OpenWithMetrics(path, readOnly, nil)
}

// OpenWithMetrics is Open with an optional Collector; a nil collector
// behaves exactly like Open.
func OpenWithMetrics(path string, readOnly bool, metrics Collector) (*Mailbox, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, msgstore.NewError(msgstore.KindIoError, "mbox.Open", err)
	}

	lock, err := lockFile(f, !readOnly)
	if err != nil {
		f.Close()
		return nil, msgstore.NewError(msgstore.KindIoError, "mbox.Open", err)
	}

	mb := &Mailbox{
		path:      path,
		indexPath: indexPathFor(path),
		file:      f,
		lock:      lock,
		readOnly:  readOnly,
		deleted:   make(map[uint32]struct{}),
		metrics:   metrics,
	}

	if err := mb.reindexFromFile(); err != nil {
		mb.lock.Unlock()
		f.Close()
		return nil, err
	}
	if err := mb.loadOrRebuildIndex(); err != nil {
		mb.lock.Unlock()
		f.Close()
		return nil, err
	}
	mb.syncDeletedFromIndex()
	return mb, nil
}

// syncDeletedFromIndex seeds the in-memory deleted set from each
// descriptor's persisted \Deleted flag, so a Delete from an earlier
// open-close cycle is still honored by this session's Expunge (spec
// §4.2: deleted messages "remain visible until Expunge" even across
// reconnects).
func (mb *Mailbox) syncDeletedFromIndex() {
	for _, d := range mb.descriptors {
		if e, ok := mb.index.GetBySequence(d.Seq); ok && e.Flags.Has(gidx.FlagDeleted) {
			mb.deleted[d.Seq] = struct{}{}
		}
	}
}

// reindexFromFile rebuilds the descriptor list from the current file
// contents (spec §4.1).
func (mb *Mailbox) reindexFromFile() error {
	size, err := mb.fileSize()
	if err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.reindex", err)
	}
	ranges, err := index(mb.file, size)
	if err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.reindex", err)
	}
	descriptors := make([]*Descriptor, 0, len(ranges))
	for i, r := range ranges {
		descriptors = append(descriptors, &Descriptor{
			Seq:   uint32(i + 1),
			Start: r.start,
			End:   r.end,
		})
	}
	mb.descriptors = descriptors
	mb.deleted = make(map[uint32]struct{})
	return nil
}

func (mb *Mailbox) fileSize() (int64, error) {
	fi, err := mb.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// loadOrRebuildIndex loads the sidecar .gidx file, validating it
// against the freshly scanned descriptor list (spec §4.3 "Validation
// at mailbox open"). Any structural problem triggers a full rebuild
// rather than surfacing an error to the caller (spec §7: CorruptIndex
// is recovered locally, logged at WARN by the caller if it wishes).
func (mb *Mailbox) loadOrRebuildIndex() error {
	idx, err := gidx.Load(mb.indexPath)
	switch {
	case err == nil:
		if idx.Len() > len(mb.descriptors) {
			return mb.rebuildIndex()
		}
		mb.index = idx
		return mb.appendMissingEntries()
	case os.IsNotExist(err):
		return mb.rebuildIndex()
	case gidx.IsCorrupt(err):
		if mb.metrics != nil {
			mb.metrics.IndexCorruptionDetected()
		}
		if uidValidity, ok := gidx.PeekUIDValidity(mb.indexPath); ok {
			return mb.rebuildIndexWithUIDValidity(uidValidity)
		}
		return mb.rebuildIndex()
	default:
		return msgstore.NewError(msgstore.KindIoError, "mbox.loadIndex", err)
	}
}

// appendMissingEntries indexes, without flags or dates, any message
// present in the file but not yet in the loaded index (spec §4.3 (b)).
func (mb *Mailbox) appendMissingEntries() error {
	existing := make(map[uint32]bool, mb.index.Len())
	for _, d := range mb.descriptors {
		if _, ok := mb.index.GetBySequence(d.Seq); ok {
			existing[d.Seq] = true
		}
	}
	for _, d := range mb.descriptors {
		if existing[d.Seq] {
			continue
		}
		e := &gidx.Entry{
			UID:            mb.index.UIDNext(),
			SequenceNumber: d.Seq,
			Size:           uint64(d.Size()),
		}
		if err := mb.index.AddEntry(e); err != nil {
			return mb.rebuildIndex()
		}
	}
	return nil
}

// rebuildIndex discards any loaded index and recomputes one entirely
// from the current descriptor list, minting a fresh uid_validity.
// Used after expunge and whenever no prior uid_validity can be
// recovered at all.
func (mb *Mailbox) rebuildIndex() error {
	return mb.rebuildIndexWithUIDValidity(mintUIDValidity())
}

// rebuildIndexWithUIDValidity recomputes the index from the current
// descriptor list under a caller-supplied uid_validity, used when a
// corrupt .gidx file's header was still readable enough to preserve
// mailbox identity across the rebuild (spec §9 open question).
func (mb *Mailbox) rebuildIndexWithUIDValidity(uidValidity uint64) error {
	idx := gidx.New(uidValidity)
	for _, d := range mb.descriptors {
		hf, _ := scanHeaderFields(io.NewSectionReader(mb.file, d.Start, d.Size()))
		envelope, err := mb.readEnvelopeLine(d)
		var dateMillis int64
		if err == nil {
			dateMillis = parseEnvelopeDate(envelope)
		}
		e := &gidx.Entry{
			UID:                idx.UIDNext(),
			SequenceNumber:     d.Seq,
			Size:               uint64(d.Size()),
			InternalDateMillis: dateMillis,
			SentDateMillis:     dateMillis,
			From:               hf.from,
			To:                 hf.to,
			Cc:                 hf.cc,
			Subject:            hf.subject,
			MessageID:          hf.messageID,
		}
		if addErr := idx.AddEntry(e); addErr != nil {
			return msgstore.NewError(msgstore.KindCorruptIndex, "mbox.rebuildIndex", addErr)
		}
	}
	mb.index = idx
	if mb.metrics != nil {
		mb.metrics.IndexRebuilt()
	}
	return nil
}

// readEnvelopeLine recovers the raw "From " envelope line immediately
// preceding d's content start.
func (mb *Mailbox) readEnvelopeLine(d *Descriptor) ([]byte, error) {
	const maxEnvelopeLine = 4096
	lineStart := d.Start - maxEnvelopeLine
	if lineStart < 0 {
		lineStart = 0
	}
	buf := make([]byte, d.Start-lineStart)
	if len(buf) == 0 {
		return nil, nil
	}
	if _, err := mb.file.ReadAt(buf, lineStart); err != nil && err != io.EOF {
		return nil, err
	}
	// buf ends with the envelope's terminating LF; strip it and take
	// everything after the previous LF (or start of buffer).
	if len(buf) > 0 && buf[len(buf)-1] == '\n' {
		buf = buf[:len(buf)-1]
	}
	if i := lastIndexByte(buf, '\n'); i >= 0 {
		buf = buf[i+1:]
	}
	return buf, nil
}

func lastIndexByte(b []byte, c byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// mintUIDValidity produces a fresh, effectively-unique uid_validity
// value when none can be recovered from an existing index (spec §9
// open question: reuse when recoverable, mint fresh otherwise).
func mintUIDValidity() uint64 {
	return uuidLowBits()
}

// MessageCount returns the number of live (non-deleted) messages.
func (mb *Mailbox) MessageCount() int {
	n := 0
	for _, d := range mb.descriptors {
		if _, gone := mb.deleted[d.Seq]; !gone {
			n++
		}
	}
	return n
}

// Size returns the total byte size of all live messages' content.
func (mb *Mailbox) Size() int64 {
	var total int64
	for _, d := range mb.descriptors {
		if _, gone := mb.deleted[d.Seq]; !gone {
			total += d.Size()
		}
	}
	return total
}

func (mb *Mailbox) descriptor(seq uint32) (*Descriptor, error) {
	if seq < 1 || int(seq) > len(mb.descriptors) {
		return nil, msgstore.NewError(msgstore.KindInvalidArgument, "mbox", fmt.Errorf("no message %d", seq))
	}
	return mb.descriptors[seq-1], nil
}

// List returns the unique ids and sizes of every live message, in
// sequence order.
// The UID string uses the cheap offset-derived placeholder rather than
// forcing an MD5 digest over every message in the mailbox; callers
// that need the stable digest-based identifier call UniqueID directly.
func (mb *Mailbox) List() []msgstore.MessageInfo {
	out := make([]msgstore.MessageInfo, 0, len(mb.descriptors))
	for _, d := range mb.descriptors {
		if _, gone := mb.deleted[d.Seq]; gone {
			continue
		}
		uid := d.uniqueID
		if uid == "" {
			uid = d.placeholderUniqueID()
		}
		out = append(out, msgstore.MessageInfo{
			UID:  uid,
			Size: d.Size(),
		})
	}
	return out
}

// SeqForUniqueID resolves a unique id (as returned by List or
// UniqueID) back to a sequence number, for backends that only carry
// the opaque string identifier.
func (mb *Mailbox) SeqForUniqueID(uid string) (uint32, bool) {
	for _, d := range mb.descriptors {
		if _, gone := mb.deleted[d.Seq]; gone {
			continue
		}
		if d.uniqueID == uid || (d.uniqueID == "" && d.placeholderUniqueID() == uid) {
			return d.Seq, true
		}
	}
	return 0, false
}

// Get returns the descriptor for sequence number seq.
func (mb *Mailbox) Get(seq uint32) (*Descriptor, error) {
	d, err := mb.descriptor(seq)
	if err != nil {
		return nil, err
	}
	if _, gone := mb.deleted[seq]; gone {
		return nil, msgstore.NewError(msgstore.KindNotFound, "mbox.Get", fmt.Errorf("message %d deleted", seq))
	}
	return d, nil
}

// GetContent returns a lazy reader over the raw RFC 822 bytes of
// message seq, with From-unescaping applied to the body (spec §4.2).
func (mb *Mailbox) GetContent(seq uint32) (io.ReadCloser, error) {
	d, err := mb.Get(seq)
	if err != nil {
		return nil, err
	}
	section := io.NewSectionReader(mb.file, d.Start, d.Size())
	return io.NopCloser(newUnescapingReader(section)), nil
}

// GetTop returns the header section plus up to bodyLines body lines,
// From-unescaped (spec §4.2).
func (mb *Mailbox) GetTop(seq uint32, bodyLines int) (io.ReadCloser, error) {
	d, err := mb.Get(seq)
	if err != nil {
		return nil, err
	}
	section := io.NewSectionReader(mb.file, d.Start, d.Size())
	data, err := extractTop(section, bodyLines)
	if err != nil {
		return nil, msgstore.NewError(msgstore.KindIoError, "mbox.GetTop", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// UniqueID returns the hex MD5 digest of message seq's raw bytes,
// computing and caching it on first call (spec §4.2).
func (mb *Mailbox) UniqueID(seq uint32) (string, error) {
	d, err := mb.Get(seq)
	if err != nil {
		return "", err
	}
	if d.uniqueID != "" {
		return d.uniqueID, nil
	}
	section := io.NewSectionReader(mb.file, d.Start, d.Size())
	h := md5.New()
	if _, err := io.Copy(h, section); err != nil {
		return "", msgstore.NewError(msgstore.KindIoError, "mbox.UniqueID", err)
	}
	d.uniqueID = hex.EncodeToString(h.Sum(nil))
	return d.uniqueID, nil
}

// Delete marks message seq for removal at the next expunge. The mark
// is persisted as the entry's \Deleted flag, not just the in-memory
// deleted set, so it survives a close/reopen before Expunge runs.
func (mb *Mailbox) Delete(seq uint32) error {
	if mb.readOnly {
		return msgstore.NewError(msgstore.KindReadOnly, "mbox.Delete", nil)
	}
	if _, err := mb.descriptor(seq); err != nil {
		return err
	}
	mb.deleted[seq] = struct{}{}
	if e, ok := mb.index.GetBySequence(seq); ok {
		_ = mb.index.UpdateFlags(e.UID, e.Flags.With(gidx.FlagDeleted))
	}
	return nil
}

// IsDeleted reports whether message seq is flagged for removal.
func (mb *Mailbox) IsDeleted(seq uint32) bool {
	_, gone := mb.deleted[seq]
	return gone
}

// UndeleteAll clears the deleted set and every entry's persisted
// \Deleted flag.
func (mb *Mailbox) UndeleteAll() {
	for seq := range mb.deleted {
		if e, ok := mb.index.GetBySequence(seq); ok {
			_ = mb.index.UpdateFlags(e.UID, e.Flags.Without(gidx.FlagDeleted))
		}
	}
	mb.deleted = make(map[uint32]struct{})
}

// Search evaluates pred over the mailbox's search index, falling back
// to a parsed context built from GetContent for criteria that need it
// (spec §4.3 "Search").
func (mb *Mailbox) Search(ctx context.Context, pred msgstore.Criteria) []uint64 {
	return mb.index.Search(ctx, pred, func(uid uint64) (io.ReadCloser, error) {
		e, ok := mb.index.GetByUID(uid)
		if !ok {
			return nil, msgstore.ErrNotFound
		}
		return mb.GetContent(e.SequenceNumber)
	})
}

// SequenceForUID resolves a search index UID, as returned by Search,
// back to the message's current sequence number.
func (mb *Mailbox) SequenceForUID(uid uint64) (uint32, bool) {
	e, ok := mb.index.GetByUID(uid)
	if !ok {
		return 0, false
	}
	return e.SequenceNumber, true
}

// Flags returns the current flag set for message seq, from the index.
func (mb *Mailbox) Flags(seq uint32) (gidx.FlagSet, error) {
	e, ok := mb.index.GetBySequence(seq)
	if !ok {
		return 0, msgstore.NewError(msgstore.KindNotFound, "mbox.Flags", nil)
	}
	return e.Flags, nil
}

// SetFlags updates the flag set for message seq in the index.
func (mb *Mailbox) SetFlags(seq uint32, flags gidx.FlagSet) error {
	e, ok := mb.index.GetBySequence(seq)
	if !ok {
		return msgstore.NewError(msgstore.KindNotFound, "mbox.SetFlags", nil)
	}
	return mb.index.UpdateFlags(e.UID, flags)
}

// Close releases the lock, persists the index if dirty, and optionally
// expunges deleted messages first.
func (mb *Mailbox) Close(doExpunge bool) error {
	if doExpunge && !mb.readOnly && len(mb.deleted) > 0 {
		if err := mb.Expunge(); err != nil {
			return err
		}
	}
	if mb.index != nil && mb.index.IsDirty() && !mb.readOnly {
		if err := mb.index.Save(mb.indexPath); err != nil {
			return msgstore.NewError(msgstore.KindIoError, "mbox.Close", err)
		}
	}
	if mb.lock != nil {
		mb.lock.Unlock()
	}
	return mb.file.Close()
}

// indexPathFor returns the conventional sidecar index path for a given
// mbox file path.
func indexPathFor(mboxPath string) string {
	return filepath.Clean(mboxPath) + indexSuffix
}
