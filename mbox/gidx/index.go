package gidx

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/infodancer/msgstore"
)

var errUIDNotFound = errors.New("gidx: no entry with that UID")

// numFlags must match len(AllFlags); it exists only because array
// sizes require a constant expression.
const numFlags = 6

// Index is the in-memory search index described in spec §3/§4.3: a
// sparse, tombstone-capable entry list plus a battery of sub-indexes
// (UID, sequence, flag, date, size, address, keyword) that make
// searches and flag/range lookups fast without re-scanning the mbox
// file.
type Index struct {
	uidValidity uint64
	uidNext     uint64
	dirty       bool

	// entries is indexed by slot; a nil element is a tombstone.
	entries []*Entry

	byUID map[uint64]int
	bySeq map[uint32]int

	flagBitmap [numFlags]map[int]struct{}

	internalDates []dateBucket
	sentDates     []dateBucket
	sizes         []sizeBucket

	fromIndex    map[string]map[int]struct{}
	toIndex      map[string]map[int]struct{}
	ccIndex      map[string]map[int]struct{}
	keywordIndex map[string]map[int]struct{}
}

type dateBucket struct {
	key   int64
	slots []int
}

type sizeBucket struct {
	key   uint64
	slots []int
}

// New creates an empty index for a freshly assigned uidValidity.
func New(uidValidity uint64) *Index {
	idx := &Index{
		uidValidity: uidValidity,
		uidNext:     1,
		byUID:       make(map[uint64]int),
		bySeq:       make(map[uint32]int),
	}
	for i := range idx.flagBitmap {
		idx.flagBitmap[i] = make(map[int]struct{})
	}
	idx.fromIndex = make(map[string]map[int]struct{})
	idx.toIndex = make(map[string]map[int]struct{})
	idx.ccIndex = make(map[string]map[int]struct{})
	idx.keywordIndex = make(map[string]map[int]struct{})
	return idx
}

// UIDValidity returns the mailbox incarnation identifier.
func (idx *Index) UIDValidity() uint64 { return idx.uidValidity }

// UIDNext returns the next UID that will be assigned.
func (idx *Index) UIDNext() uint64 { return idx.uidNext }

// IsDirty reports whether the index has unsaved changes.
func (idx *Index) IsDirty() bool { return idx.dirty }

// Len returns the number of non-tombstoned entries.
func (idx *Index) Len() int {
	n := 0
	for _, e := range idx.entries {
		if e != nil {
			n++
		}
	}
	return n
}

// AddEntry inserts a new entry. The caller is responsible for assigning
// e.UID (typically idx.UIDNext() before calling); AddEntry advances
// UIDNext so that it always remains strictly greater than every UID
// added (spec §3 invariant).
func (idx *Index) AddEntry(e *Entry) error {
	if e.UID == 0 {
		return errZeroUID
	}
	if _, exists := idx.byUID[e.UID]; exists {
		return errDuplicateUID
	}
	slot := len(idx.entries)
	idx.entries = append(idx.entries, e)
	idx.byUID[e.UID] = slot
	idx.bySeq[e.SequenceNumber] = slot
	idx.indexSlot(slot, e)
	if e.UID >= idx.uidNext {
		idx.uidNext = e.UID + 1
	}
	idx.dirty = true
	return nil
}

// RemoveEntry tombstones the entry with the given UID.
func (idx *Index) RemoveEntry(uid uint64) error {
	slot, ok := idx.byUID[uid]
	if !ok {
		return errUIDNotFound
	}
	e := idx.entries[slot]
	idx.unindexSlot(slot, e)
	idx.entries[slot] = nil
	delete(idx.byUID, uid)
	delete(idx.bySeq, e.SequenceNumber)
	idx.dirty = true
	return nil
}

// UpdateFlags replaces the flag bitset of the entry with the given UID
// and updates every flag bitmap in place.
func (idx *Index) UpdateFlags(uid uint64, flags FlagSet) error {
	slot, ok := idx.byUID[uid]
	if !ok {
		return errUIDNotFound
	}
	e := idx.entries[slot]
	old := e.Flags
	for _, f := range AllFlags {
		if old.Has(f) == flags.Has(f) {
			continue
		}
		if flags.Has(f) {
			idx.flagBitmap[f][slot] = struct{}{}
		} else {
			delete(idx.flagBitmap[f], slot)
		}
	}
	e.Flags = flags
	idx.dirty = true
	return nil
}

// GetByUID returns the entry with the given UID.
func (idx *Index) GetByUID(uid uint64) (*Entry, bool) {
	slot, ok := idx.byUID[uid]
	if !ok {
		return nil, false
	}
	return idx.entries[slot], true
}

// GetBySequence returns the entry with the given sequence number.
func (idx *Index) GetBySequence(seq uint32) (*Entry, bool) {
	slot, ok := idx.bySeq[seq]
	if !ok {
		return nil, false
	}
	return idx.entries[slot], true
}

// UIDsWithFlag returns the UIDs of every entry carrying the given flag.
func (idx *Index) UIDsWithFlag(f Flag) []uint64 {
	var out []uint64
	for slot := range idx.flagBitmap[f] {
		out = append(out, idx.entries[slot].UID)
	}
	return out
}

// UIDsInInternalDateRange returns UIDs whose internal date falls within
// [loMillis, hiMillis] inclusive.
func (idx *Index) UIDsInInternalDateRange(loMillis, hiMillis int64) []uint64 {
	return idx.uidsInDateRange(idx.internalDates, loMillis, hiMillis)
}

// UIDsInSentDateRange returns UIDs whose sent date falls within
// [loMillis, hiMillis] inclusive.
func (idx *Index) UIDsInSentDateRange(loMillis, hiMillis int64) []uint64 {
	return idx.uidsInDateRange(idx.sentDates, loMillis, hiMillis)
}

func (idx *Index) uidsInDateRange(buckets []dateBucket, lo, hi int64) []uint64 {
	i := sort.Search(len(buckets), func(i int) bool { return buckets[i].key >= lo })
	var out []uint64
	for ; i < len(buckets) && buckets[i].key <= hi; i++ {
		for _, slot := range buckets[i].slots {
			out = append(out, idx.entries[slot].UID)
		}
	}
	return out
}

// UIDsInSizeRange returns UIDs whose size falls within [lo, hi] inclusive.
func (idx *Index) UIDsInSizeRange(lo, hi uint64) []uint64 {
	i := sort.Search(len(idx.sizes), func(i int) bool { return idx.sizes[i].key >= lo })
	var out []uint64
	for ; i < len(idx.sizes) && idx.sizes[i].key <= hi; i++ {
		for _, slot := range idx.sizes[i].slots {
			out = append(out, idx.entries[slot].UID)
		}
	}
	return out
}

// Compact removes tombstones, renumbers sequence numbers 1..n in slot
// order, and rebuilds every sub-index from scratch.
func (idx *Index) Compact() {
	live := make([]*Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		if e != nil {
			live = append(live, e)
		}
	}
	fresh := New(idx.uidValidity)
	fresh.uidNext = idx.uidNext
	for i, e := range live {
		e.SequenceNumber = uint32(i + 1)
		slot := i
		fresh.entries = append(fresh.entries, e)
		fresh.byUID[e.UID] = slot
		fresh.bySeq[e.SequenceNumber] = slot
		fresh.indexSlot(slot, e)
	}
	*idx = *fresh
	idx.dirty = true
}

// Search evaluates pred against every non-tombstoned entry using an
// indexed-only MessageContext, building a parsed context via open
// (streaming the raw message through the MIME parser) only when pred
// requires fields the index doesn't carry. open may be nil if no raw
// stream source is available, in which case parsed-context criteria
// never match.
func (idx *Index) Search(ctx context.Context, pred msgstore.Criteria, open func(uid uint64) (io.ReadCloser, error)) []uint64 {
	needsParsed := false
	if fa, ok := pred.(msgstore.FieldAware); ok {
		needsParsed = fa.RequiresParsedContext()
	}

	var out []uint64
	for _, e := range idx.entries {
		if e == nil {
			continue
		}
		mc := newIndexedContext(e)
		if pred.Matches(mc) {
			out = append(out, e.UID)
			continue
		}
		if !needsParsed || open == nil {
			continue
		}
		if matchParsed(ctx, pred, e, open) {
			out = append(out, e.UID)
		}
	}
	return out
}

func (idx *Index) indexSlot(slot int, e *Entry) {
	for _, f := range AllFlags {
		if e.Flags.Has(f) {
			idx.flagBitmap[f][slot] = struct{}{}
		}
	}
	idx.internalDates = insertDateBucket(idx.internalDates, e.InternalDateMillis, slot)
	idx.sentDates = insertDateBucket(idx.sentDates, e.SentDateMillis, slot)
	idx.sizes = insertSizeBucket(idx.sizes, e.Size, slot)
	indexAddresses(idx.fromIndex, e.From, slot)
	indexAddresses(idx.toIndex, e.To, slot)
	indexAddresses(idx.ccIndex, e.Cc, slot)
	for _, kw := range e.KeywordList() {
		addToSet(idx.keywordIndex, kw, slot)
	}
}

func (idx *Index) unindexSlot(slot int, e *Entry) {
	for _, f := range AllFlags {
		delete(idx.flagBitmap[f], slot)
	}
	idx.internalDates = removeDateBucket(idx.internalDates, e.InternalDateMillis, slot)
	idx.sentDates = removeDateBucket(idx.sentDates, e.SentDateMillis, slot)
	idx.sizes = removeSizeBucket(idx.sizes, e.Size, slot)
	removeFromSet(idx.fromIndex, e.From, slot)
	removeFromSet(idx.toIndex, e.To, slot)
	removeFromSet(idx.ccIndex, e.Cc, slot)
	for _, kw := range e.KeywordList() {
		if set, ok := idx.keywordIndex[kw]; ok {
			delete(set, slot)
			if len(set) == 0 {
				delete(idx.keywordIndex, kw)
			}
		}
	}
}

func insertDateBucket(buckets []dateBucket, key int64, slot int) []dateBucket {
	i := sort.Search(len(buckets), func(i int) bool { return buckets[i].key >= key })
	if i < len(buckets) && buckets[i].key == key {
		buckets[i].slots = append(buckets[i].slots, slot)
		return buckets
	}
	buckets = append(buckets, dateBucket{})
	copy(buckets[i+1:], buckets[i:])
	buckets[i] = dateBucket{key: key, slots: []int{slot}}
	return buckets
}

func removeDateBucket(buckets []dateBucket, key int64, slot int) []dateBucket {
	i := sort.Search(len(buckets), func(i int) bool { return buckets[i].key >= key })
	if i >= len(buckets) || buckets[i].key != key {
		return buckets
	}
	buckets[i].slots = removeInt(buckets[i].slots, slot)
	if len(buckets[i].slots) == 0 {
		buckets = append(buckets[:i], buckets[i+1:]...)
	}
	return buckets
}

func insertSizeBucket(buckets []sizeBucket, key uint64, slot int) []sizeBucket {
	i := sort.Search(len(buckets), func(i int) bool { return buckets[i].key >= key })
	if i < len(buckets) && buckets[i].key == key {
		buckets[i].slots = append(buckets[i].slots, slot)
		return buckets
	}
	buckets = append(buckets, sizeBucket{})
	copy(buckets[i+1:], buckets[i:])
	buckets[i] = sizeBucket{key: key, slots: []int{slot}}
	return buckets
}

func removeSizeBucket(buckets []sizeBucket, key uint64, slot int) []sizeBucket {
	i := sort.Search(len(buckets), func(i int) bool { return buckets[i].key >= key })
	if i >= len(buckets) || buckets[i].key != key {
		return buckets
	}
	buckets[i].slots = removeInt(buckets[i].slots, slot)
	if len(buckets[i].slots) == 0 {
		buckets = append(buckets[:i], buckets[i+1:]...)
	}
	return buckets
}

func removeInt(s []int, v int) []int {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func indexAddresses(set map[string]map[int]struct{}, raw string, slot int) {
	for _, addr := range splitAddresses(raw) {
		addToSet(set, addr, slot)
	}
}

func removeFromSet(set map[string]map[int]struct{}, raw string, slot int) {
	for _, addr := range splitAddresses(raw) {
		if bucket, ok := set[addr]; ok {
			delete(bucket, slot)
			if len(bucket) == 0 {
				delete(set, addr)
			}
		}
	}
}

func addToSet(set map[string]map[int]struct{}, key string, slot int) {
	if key == "" {
		return
	}
	bucket, ok := set[key]
	if !ok {
		bucket = make(map[int]struct{})
		set[key] = bucket
	}
	bucket[slot] = struct{}{}
}

// millisFromTime converts a time.Time to the millisecond-since-epoch
// representation stored in entries.
func millisFromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

