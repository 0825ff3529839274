package headers

import (
	"encoding/base64"
	"strings"

	"github.com/infodancer/msgstore/mime/codec"
)

// DecodeEncodedWords decodes RFC 2047 encoded-words ("=?charset?Q?...?="
// or "=?charset?B?...?=") embedded in a header value. Linear whitespace
// between two adjacent encoded-words is dropped, per RFC 2047 §6.2;
// whitespace elsewhere, and any text that isn't a well-formed
// encoded-word, passes through unchanged.
func DecodeEncodedWords(s string) string {
	var out strings.Builder
	i := 0
	lastWasEncoded := false
	for i < len(s) {
		if s[i] == ' ' || s[i] == '\t' {
			j := i
			for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
				j++
			}
			if word, wlen, ok := parseEncodedWord(s[j:]); ok && lastWasEncoded {
				out.WriteString(word)
				i = j + wlen
				lastWasEncoded = true
				continue
			}
			out.WriteString(s[i:j])
			i = j
			lastWasEncoded = false
			continue
		}
		if word, wlen, ok := parseEncodedWord(s[i:]); ok {
			out.WriteString(word)
			i += wlen
			lastWasEncoded = true
			continue
		}
		out.WriteByte(s[i])
		i++
		lastWasEncoded = false
	}
	return out.String()
}

// parseEncodedWord parses a single "=?charset?enc?text?=" token at the
// start of s, returning its decoded text, its length in bytes, and
// whether a valid token was found.
func parseEncodedWord(s string) (decoded string, length int, ok bool) {
	if !strings.HasPrefix(s, "=?") {
		return "", 0, false
	}
	rest := s[2:]
	p1 := strings.IndexByte(rest, '?')
	if p1 < 0 {
		return "", 0, false
	}
	charset := rest[:p1]
	rest = rest[p1+1:]
	if len(rest) < 2 || rest[1] != '?' {
		return "", 0, false
	}
	enc := rest[0]
	rest = rest[2:]
	end := strings.Index(rest, "?=")
	if end < 0 {
		return "", 0, false
	}
	text := rest[:end]
	total := len(s) - len(rest) + end + 2

	var raw []byte
	switch enc {
	case 'Q', 'q':
		raw = decodeQEncoding(text)
	case 'B', 'b':
		decodedBytes, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return "", 0, false
		}
		raw = decodedBytes
	default:
		return "", 0, false
	}

	out, err := decodeCharset(charset, raw)
	if err != nil {
		return "", 0, false
	}
	return out, total, true
}

// decodeQEncoding decodes RFC 2047's Q-encoding: like quoted-printable
// but with "_" standing for a literal space.
func decodeQEncoding(s string) []byte {
	buf := make([]byte, len(s))
	for i := range buf {
		buf[i] = s[i]
		if buf[i] == '_' {
			buf[i] = ' '
		}
	}
	d := codec.NewQPDecoder()
	out := make([]byte, len(buf)*3+4)
	_, written := d.Decode(out, buf, true)
	return out[:written]
}
