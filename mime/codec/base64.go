// Package codec implements the two resumable transfer-content decoders
// the MIME parser drives on its pending-body flush path (spec §4.6):
// base64 and quoted-printable. Both take an input buffer, a bounded
// output buffer, and an end-of-stream flag, and return how much of
// each they consumed/produced — never more than the caller's bound —
// so a caller can push more input (or call again with a bigger output
// buffer) without losing decoder state. Because both operate directly
// on byte slices, which are already contiguous memory, they get the
// "array-backed fast path" spec §4.6 calls out for free; there is no
// separate buffered-reader path to fall back from.
package codec

var base64Alphabet = [256]int8{}

func init() {
	const table = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	for i := range base64Alphabet {
		base64Alphabet[i] = -1
	}
	for i := 0; i < len(table); i++ {
		base64Alphabet[table[i]] = int8(i)
	}
}

func isBase64Space(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n':
		return true
	}
	return false
}

// Base64Decoder is a resumable RFC 2045 base64 decoder.
type Base64Decoder struct {
	bitBuf   uint32
	bitCount uint
	done     bool
}

// NewBase64Decoder returns a fresh decoder.
func NewBase64Decoder() *Base64Decoder { return &Base64Decoder{} }

// Decode consumes as much of src as fits in dst, returning the number
// of input bytes consumed and output bytes written. Whitespace is
// skipped; bytes outside the alphabet are silently skipped (RFC
// 2045); '=' padding ends the stream. If dst has no room for the next
// complete output group, Decode stops without consuming the input
// byte that would have produced it, so the caller can retry with more
// room. Once padding or a prior end_of_stream has terminated the
// stream, further calls consume input without producing output.
func (d *Base64Decoder) Decode(dst, src []byte, endOfStream bool) (consumed, written int) {
	if d.done {
		return len(src), 0
	}
	i := 0
loop:
	for i < len(src) {
		c := src[i]
		switch {
		case isBase64Space(c):
			i++
		case c == '=':
			if d.bitCount == 12 || d.bitCount == 18 {
				n := d.flushPartial(dst[written:])
				if n == 0 {
					break loop
				}
				written += n
			}
			d.done = true
			i++
			break loop
		default:
			v := base64Alphabet[c]
			if v < 0 {
				i++
				continue
			}
			if d.bitCount == 18 {
				if written+3 > len(dst) {
					break loop
				}
				full := d.bitBuf<<6 | uint32(v)
				dst[written] = byte(full >> 16)
				dst[written+1] = byte(full >> 8)
				dst[written+2] = byte(full)
				written += 3
				d.bitBuf, d.bitCount = 0, 0
				i++
				continue
			}
			d.bitBuf = d.bitBuf<<6 | uint32(v)
			d.bitCount += 6
			i++
		}
	}
	if endOfStream && i >= len(src) && !d.done {
		pending := d.bitCount == 12 || d.bitCount == 18
		n := d.flushPartial(dst[written:])
		written += n
		if n > 0 || !pending {
			d.done = true
		}
	}
	return i, written
}

// flushPartial emits the final partial group (12 or 18 accumulated
// bits become 1 or 2 output bytes respectively) if dst has room,
// leaving decoder state untouched on failure so a later call with a
// larger buffer can still flush it.
func (d *Base64Decoder) flushPartial(dst []byte) int {
	switch d.bitCount {
	case 12:
		if len(dst) < 1 {
			return 0
		}
		dst[0] = byte(d.bitBuf >> 4)
		d.bitBuf, d.bitCount = 0, 0
		return 1
	case 18:
		if len(dst) < 2 {
			return 0
		}
		dst[0] = byte(d.bitBuf >> 10)
		dst[1] = byte(d.bitBuf >> 2)
		d.bitBuf, d.bitCount = 0, 0
		return 2
	default:
		return 0
	}
}
