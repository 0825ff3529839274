// Package gidx implements the sidecar search index format used by the
// mbox engine: an in-memory index with per-flag bitmaps, ordered
// date/size maps, and address/keyword sub-indexes, plus its exact
// on-disk binary layout (spec §4.3). The layout is a stability
// contract — implementers must preserve it exactly to stay compatible
// with existing ".gidx" files.
package gidx

import (
	"encoding/binary"
	"hash/crc32"
)

// Magic is the fixed 4-byte file identifier.
var Magic = [4]byte{'G', 'I', 'D', 'X'}

// Version is the current on-disk format version this package writes.
// Load rejects any version greater than this.
const Version = 1

const (
	fileHeaderSize  = 32
	entryHeaderSize = 48
	descriptorCount = 8
	descriptorSize  = 8 // u32 offset + u32 length
	entryFixedSize  = entryHeaderSize + descriptorCount*descriptorSize

	// MaxEntries bounds entry_count at load time (spec §4.3).
	MaxEntries = 10_000_000
)

// descriptor indices, in the fixed serialization order (spec §4.3).
const (
	descLocation = iota
	descFrom
	descTo
	descCc
	descBcc
	descSubject
	descMessageID
	descKeywords
)

// fileHeader mirrors the 32-byte on-disk header.
type fileHeader struct {
	Version     uint16
	Flags       uint16
	UIDValidity uint64
	UIDNext     uint64
	EntryCount  uint32
}

func encodeFileHeader(h fileHeader) []byte {
	buf := make([]byte, fileHeaderSize)
	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint64(buf[8:16], h.UIDValidity)
	binary.BigEndian.PutUint64(buf[16:24], h.UIDNext)
	binary.BigEndian.PutUint32(buf[24:28], h.EntryCount)
	crc := crc32.ChecksumIEEE(buf[0:28])
	binary.BigEndian.PutUint32(buf[28:32], crc)
	return buf
}

func decodeFileHeader(buf []byte) (fileHeader, error) {
	var h fileHeader
	if len(buf) < fileHeaderSize {
		return h, errShortHeader
	}
	if string(buf[0:4]) != string(Magic[:]) {
		return h, errBadMagic
	}
	h.Version = binary.BigEndian.Uint16(buf[4:6])
	h.Flags = binary.BigEndian.Uint16(buf[6:8])
	h.UIDValidity = binary.BigEndian.Uint64(buf[8:16])
	h.UIDNext = binary.BigEndian.Uint64(buf[16:24])
	h.EntryCount = binary.BigEndian.Uint32(buf[24:28])
	wantCRC := binary.BigEndian.Uint32(buf[28:32])
	gotCRC := crc32.ChecksumIEEE(buf[0:28])
	if wantCRC != gotCRC {
		return h, errBadHeaderCRC
	}
	return h, nil
}

// entryDescriptor is one {offset, length} pair into the variable region.
type entryDescriptor struct {
	Offset uint32
	Length uint32
}

// diskEntry mirrors the fixed 48-byte entry header plus its 8
// descriptors; the variable-length string data is handled separately
// by entry.go's marshal/unmarshal.
type diskEntry struct {
	UID                uint64
	SequenceNumber      uint32
	Size               uint64
	InternalDateMillis int64
	SentDateMillis     int64
	Flags              byte
	DescriptorCount    uint32
	VariableDataSize   uint32
	Descriptors        [descriptorCount]entryDescriptor
}

func encodeEntryHeader(e diskEntry) []byte {
	buf := make([]byte, entryFixedSize)
	binary.BigEndian.PutUint64(buf[0:8], e.UID)
	binary.BigEndian.PutUint32(buf[8:12], e.SequenceNumber)
	binary.BigEndian.PutUint64(buf[12:20], e.Size)
	binary.BigEndian.PutUint64(buf[20:28], uint64(e.InternalDateMillis))
	binary.BigEndian.PutUint64(buf[28:36], uint64(e.SentDateMillis))
	buf[36] = e.Flags
	// buf[37:40] reserved, left zero.
	binary.BigEndian.PutUint32(buf[40:44], e.DescriptorCount)
	binary.BigEndian.PutUint32(buf[44:48], e.VariableDataSize)
	off := entryHeaderSize
	for i := 0; i < descriptorCount; i++ {
		binary.BigEndian.PutUint32(buf[off:off+4], e.Descriptors[i].Offset)
		binary.BigEndian.PutUint32(buf[off+4:off+8], e.Descriptors[i].Length)
		off += descriptorSize
	}
	return buf
}

func decodeEntryHeader(buf []byte) (diskEntry, error) {
	var e diskEntry
	if len(buf) < entryFixedSize {
		return e, errShortEntry
	}
	e.UID = binary.BigEndian.Uint64(buf[0:8])
	e.SequenceNumber = binary.BigEndian.Uint32(buf[8:12])
	e.Size = binary.BigEndian.Uint64(buf[12:20])
	e.InternalDateMillis = int64(binary.BigEndian.Uint64(buf[20:28]))
	e.SentDateMillis = int64(binary.BigEndian.Uint64(buf[28:36]))
	e.Flags = buf[36]
	e.DescriptorCount = binary.BigEndian.Uint32(buf[40:44])
	e.VariableDataSize = binary.BigEndian.Uint32(buf[44:48])
	off := entryHeaderSize
	for i := 0; i < descriptorCount; i++ {
		e.Descriptors[i].Offset = binary.BigEndian.Uint32(buf[off : off+4])
		e.Descriptors[i].Length = binary.BigEndian.Uint32(buf[off+4 : off+8])
		off += descriptorSize
	}
	return e, nil
}
