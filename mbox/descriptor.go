package mbox

import "strconv"

// Descriptor is a single message's position within the mbox file (spec
// §3, "Message descriptor"). Start/End are absolute byte offsets into
// the RFC 822 content (envelope line and trailing separator already
// trimmed off by the indexer). Size = End - Start.
type Descriptor struct {
	// Seq is the message's 1-based sequence number. Stable for the
	// lifetime of the open mailbox; renumbered only by Expunge.
	Seq uint32
	// Start and End are the RFC 822 content bounds within the mbox file.
	Start int64
	End   int64

	// uniqueID is the cached value for Mailbox.UniqueID. Until first
	// computed it is the empty string; UniqueID then falls back to an
	// offset-derived placeholder so repeated calls before the MD5 has
	// been computed are still stable and cheap.
	uniqueID string
}

// Size returns the message's RFC 822 content length in bytes.
func (d Descriptor) Size() int64 { return d.End - d.Start }

// placeholderUniqueID is the initial, cheap-to-compute stand-in for a
// message's unique id: its start offset, formatted. Spec §4.2: "The
// computed [MD5] digest replaces the initial offset-based placeholder
// for future calls" — so this value is only ever observed before the
// first real UniqueID() call for that message.
func (d Descriptor) placeholderUniqueID() string {
	return strconv.FormatInt(d.Start, 36)
}
