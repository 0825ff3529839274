package gidx

import "errors"

var (
	errShortHeader           = errors.New("gidx: truncated file header")
	errBadMagic              = errors.New("gidx: bad magic")
	errBadHeaderCRC          = errors.New("gidx: file header CRC mismatch")
	errUnsupportedVersion    = errors.New("gidx: unsupported version")
	errTooManyEntries        = errors.New("gidx: entry count exceeds maximum")
	errShortEntry            = errors.New("gidx: truncated entry")
	errBadDescriptorCount    = errors.New("gidx: descriptor count must be 8")
	errZeroUID               = errors.New("gidx: entry has zero UID")
	errUIDOutOfRange         = errors.New("gidx: entry UID >= uid_next")
	errDuplicateUID          = errors.New("gidx: duplicate UID")
	errDescriptorOutOfBounds = errors.New("gidx: descriptor out of bounds")
	errBadEntriesCRC         = errors.New("gidx: entries section CRC mismatch")
)

// IsCorrupt reports whether err indicates the index file is unreadable
// or structurally invalid — the mbox engine responds to any of these by
// rebuilding from scratch (spec §4.3, §7 CorruptIndex).
func IsCorrupt(err error) bool {
	switch {
	case errors.Is(err, errShortHeader),
		errors.Is(err, errBadMagic),
		errors.Is(err, errBadHeaderCRC),
		errors.Is(err, errUnsupportedVersion),
		errors.Is(err, errTooManyEntries),
		errors.Is(err, errShortEntry),
		errors.Is(err, errBadDescriptorCount),
		errors.Is(err, errZeroUID),
		errors.Is(err, errUIDOutOfRange),
		errors.Is(err, errDuplicateUID),
		errors.Is(err, errDescriptorOutOfBounds),
		errors.Is(err, errBadEntriesCRC):
		return true
	default:
		return false
	}
}
