package gidx

import "strings"

// Flag identifies one bit in an entry's flag byte (spec §4.3).
type Flag uint8

const (
	FlagSeen Flag = iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagRecent
)

// AllFlags lists every known flag, in bit order.
var AllFlags = []Flag{FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft, FlagRecent}

func (f Flag) String() string {
	switch f {
	case FlagSeen:
		return "\\Seen"
	case FlagAnswered:
		return "\\Answered"
	case FlagFlagged:
		return "\\Flagged"
	case FlagDeleted:
		return "\\Deleted"
	case FlagDraft:
		return "\\Draft"
	case FlagRecent:
		return "\\Recent"
	default:
		return "unknown"
	}
}

// FlagSet is the one-byte bitmask of flags on an entry.
type FlagSet byte

// Has reports whether f is set.
func (s FlagSet) Has(f Flag) bool { return s&(1<<uint(f)) != 0 }

// With returns s with f set.
func (s FlagSet) With(f Flag) FlagSet { return s | (1 << uint(f)) }

// Without returns s with f cleared.
func (s FlagSet) Without(f Flag) FlagSet { return s &^ (1 << uint(f)) }

// Entry is the in-memory representation of one indexed message (spec §3).
// String properties are always lowercased, as the index stores
// case-folded copies for search; original values live only in the raw
// message.
type Entry struct {
	UID                uint64
	SequenceNumber      uint32
	Size               uint64
	InternalDateMillis int64
	SentDateMillis     int64
	Flags              FlagSet

	Location  string
	From      string
	To        string
	Cc        string
	Bcc       string
	Subject   string
	MessageID string
	// Keywords is a sorted, comma-joined set (fixed-width string
	// property on disk; see SPEC_FULL.md §12 for why this isn't a
	// repeated field).
	Keywords string
}

// KeywordList splits Keywords back into its set members.
func (e *Entry) KeywordList() []string {
	if e.Keywords == "" {
		return nil
	}
	return strings.Split(e.Keywords, ",")
}

// SetKeywordList lowercases, sorts, and joins kws into Keywords.
func (e *Entry) SetKeywordList(kws []string) {
	lowered := make([]string, len(kws))
	for i, k := range kws {
		lowered[i] = strings.ToLower(k)
	}
	sortStrings(lowered)
	e.Keywords = strings.Join(lowered, ",")
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// marshal serializes e into its disk entry header plus variable region.
func marshalEntry(e *Entry) []byte {
	fields := [descriptorCount]string{
		descLocation:  e.Location,
		descFrom:      e.From,
		descTo:        e.To,
		descCc:        e.Cc,
		descBcc:       e.Bcc,
		descSubject:   e.Subject,
		descMessageID: e.MessageID,
		descKeywords:  e.Keywords,
	}

	var variable []byte
	var descs [descriptorCount]entryDescriptor
	for i, s := range fields {
		descs[i] = entryDescriptor{Offset: uint32(len(variable)), Length: uint32(len(s))}
		variable = append(variable, s...)
	}

	de := diskEntry{
		UID:                e.UID,
		SequenceNumber:      e.SequenceNumber,
		Size:               e.Size,
		InternalDateMillis: e.InternalDateMillis,
		SentDateMillis:     e.SentDateMillis,
		Flags:              byte(e.Flags),
		DescriptorCount:    descriptorCount,
		VariableDataSize:   uint32(len(variable)),
		Descriptors:        descs,
	}

	out := encodeEntryHeader(de)
	out = append(out, variable...)
	return out
}

// unmarshalEntry parses one serialized entry starting at buf[0],
// returning the entry and the number of bytes consumed. uidNext bounds
// the accepted UID (spec §4.3 load validation).
func unmarshalEntry(buf []byte, uidNext uint64) (*Entry, int, error) {
	de, err := decodeEntryHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	if de.DescriptorCount != descriptorCount {
		return nil, 0, errBadDescriptorCount
	}
	if de.UID == 0 {
		return nil, 0, errZeroUID
	}
	if de.UID >= uidNext {
		return nil, 0, errUIDOutOfRange
	}

	total := entryFixedSize + int(de.VariableDataSize)
	if total > len(buf) {
		return nil, 0, errShortEntry
	}
	variable := buf[entryFixedSize:total]

	fields := make([]string, descriptorCount)
	for i := 0; i < descriptorCount; i++ {
		d := de.Descriptors[i]
		end := uint64(d.Offset) + uint64(d.Length)
		if end > uint64(de.VariableDataSize) {
			return nil, 0, errDescriptorOutOfBounds
		}
		fields[i] = string(variable[d.Offset : d.Offset+d.Length])
	}

	e := &Entry{
		UID:                de.UID,
		SequenceNumber:      de.SequenceNumber,
		Size:               de.Size,
		InternalDateMillis: de.InternalDateMillis,
		SentDateMillis:     de.SentDateMillis,
		Flags:              FlagSet(de.Flags),
		Location:           fields[descLocation],
		From:                fields[descFrom],
		To:                  fields[descTo],
		Cc:                  fields[descCc],
		Bcc:                 fields[descBcc],
		Subject:             fields[descSubject],
		MessageID:           fields[descMessageID],
		Keywords:            fields[descKeywords],
	}
	return e, total, nil
}
