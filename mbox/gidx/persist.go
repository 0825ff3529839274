package gidx

import (
	"hash/crc32"
	"os"
	"path/filepath"
)

// Save atomically writes the index to path: the file header, each
// entry in slot order (tombstones skipped), and a trailing CRC32 over
// the entire entries section. Save writes to a temp file in the same
// directory and renames over path so a concurrent reader never
// observes a partial file.
func (idx *Index) Save(path string) error {
	var entriesBuf []byte
	count := uint32(0)
	for _, e := range idx.entries {
		if e == nil {
			continue
		}
		entriesBuf = append(entriesBuf, marshalEntry(e)...)
		count++
	}

	header := encodeFileHeader(fileHeader{
		Version:     Version,
		UIDValidity: idx.uidValidity,
		UIDNext:     idx.uidNext,
		EntryCount:  count,
	})

	out := make([]byte, 0, len(header)+len(entriesBuf)+4)
	out = append(out, header...)
	out = append(out, entriesBuf...)
	crc := crc32.ChecksumIEEE(entriesBuf)
	out = append(out,
		byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".gidx-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	idx.dirty = false
	return nil
}

// Load reads and strictly validates a .gidx file: the file header's
// own CRC32, the version, the trailing CRC32 over the whole entries
// section (checked before any entry is parsed), and the per-entry
// bounds checks performed by unmarshalEntry. Any violation returns an error satisfying
// IsCorrupt, signaling the caller to rebuild the index from the mbox
// file instead of trusting a partially-read structure.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < fileHeaderSize {
		return nil, errShortHeader
	}

	header, err := decodeFileHeader(data[:fileHeaderSize])
	if err != nil {
		return nil, err
	}
	if header.Version > Version {
		return nil, errUnsupportedVersion
	}
	if header.EntryCount > MaxEntries {
		return nil, errTooManyEntries
	}

	entriesSection := data[fileHeaderSize:]
	if len(entriesSection) < 4 {
		return nil, errShortEntry
	}
	trailerOffset := len(entriesSection) - 4
	entriesBuf := entriesSection[:trailerOffset]
	trailer := entriesSection[trailerOffset:]
	gotCRC := crc32.ChecksumIEEE(entriesBuf)
	fileCRC := uint32(trailer[0])<<24 | uint32(trailer[1])<<16 | uint32(trailer[2])<<8 | uint32(trailer[3])
	if fileCRC != gotCRC {
		return nil, errBadEntriesCRC
	}

	idx := New(header.UIDValidity)
	idx.uidNext = header.UIDNext

	off := 0
	var n uint32
	for off < len(entriesBuf) && n < header.EntryCount {
		e, consumed, err := unmarshalEntry(entriesBuf[off:], header.UIDNext)
		if err != nil {
			return nil, err
		}
		if err := idx.AddEntry(e); err != nil {
			return nil, err
		}
		off += consumed
		n++
	}
	if n != header.EntryCount {
		return nil, errShortEntry
	}

	idx.dirty = false
	return idx, nil
}

// PeekUIDValidity recovers just the uid_validity from a .gidx file
// whose entries section failed strict verification, without trusting
// anything past the file header. Used when a mailbox must rebuild its
// index but the old file's header is intact enough to preserve
// identity across the rebuild rather than minting a new one. The
// second return value is false if even the header could not be
// trusted.
func PeekUIDValidity(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) < fileHeaderSize {
		return 0, false
	}
	header, err := decodeFileHeader(data[:fileHeaderSize])
	if err != nil || header.Version > Version {
		return 0, false
	}
	return header.UIDValidity, true
}
