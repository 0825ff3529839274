// Package headers implements the structured MIME header parsers spec
// §4.5 names: Content-Type, Content-Disposition, Content-Transfer-Encoding,
// Content-ID/Message-ID, and MIME-Version. Content-Type and
// Content-Disposition share the same RFC 2231 parameter grammar,
// implemented once here.
package headers

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

// Params is a parsed, lowercase-keyed parameter set. Values have
// already had RFC 2231 continuation/percent-decoding and quoted-string
// unescaping applied.
type Params map[string]string

type paramToken struct {
	name      string
	continued bool
	index     int
	extended  bool
	rawValue  string
}

// parseParams parses the "; name=value; name*=charset'lang'enc..."
// tail of a Content-Type or Content-Disposition header (the part
// after the primary token) into a Params map.
func parseParams(rest string) (Params, error) {
	tokens, err := tokenizeParams(rest)
	if err != nil {
		return nil, err
	}

	groups := map[string][]paramToken{}
	var order []string
	for _, t := range tokens {
		if _, ok := groups[t.name]; !ok {
			order = append(order, t.name)
		}
		groups[t.name] = append(groups[t.name], t)
	}

	out := make(Params, len(order))
	for _, name := range order {
		parts := groups[name]
		if len(parts) == 1 && !parts[0].continued {
			p := parts[0]
			if p.extended {
				decoded, err := decodeExtendedValue(p.rawValue)
				if err != nil {
					return nil, err
				}
				out[name] = decoded
				continue
			}
			out[name] = maybeDecodeRFC2047(p.rawValue)
			continue
		}

		sort.Slice(parts, func(i, j int) bool { return parts[i].index < parts[j].index })
		extended := len(parts) > 0 && parts[0].extended
		var raw strings.Builder
		for _, p := range parts {
			raw.WriteString(p.rawValue)
		}
		if extended {
			decoded, err := decodeExtendedValue(raw.String())
			if err != nil {
				return nil, err
			}
			out[name] = decoded
		} else {
			out[name] = maybeDecodeRFC2047(raw.String())
		}
	}
	return out, nil
}

// decodeExtendedValue decodes an RFC 2231 extended value of the form
// charset'language'percent-encoded-octets. Subsequent continuation
// segments are passed in already concatenated (still percent-encoded);
// only the first segment carries the charset'lang' prefix.
func decodeExtendedValue(v string) (string, error) {
	firstQuote := strings.IndexByte(v, '\'')
	if firstQuote < 0 {
		return percentDecodeToUTF8(v, "us-ascii")
	}
	secondQuote := strings.IndexByte(v[firstQuote+1:], '\'')
	if secondQuote < 0 {
		return percentDecodeToUTF8(v, "us-ascii")
	}
	secondQuote += firstQuote + 1
	charset := v[:firstQuote]
	encoded := v[secondQuote+1:]
	return percentDecodeToUTF8(encoded, charset)
}

func percentDecodeToUTF8(s string, charset string) (string, error) {
	raw, err := percentDecode(s)
	if err != nil {
		return "", err
	}
	return decodeCharset(charset, raw)
}

func percentDecode(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' {
			if i+2 >= len(s) {
				return nil, fmt.Errorf("headers: truncated percent-escape in %q", s)
			}
			b, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("headers: invalid percent-escape %q: %w", s[i:i+3], err)
			}
			out = append(out, byte(b))
			i += 2
			continue
		}
		out = append(out, s[i])
	}
	return out, nil
}

// decodeCharset decodes raw bytes declared to be in charset into a
// Go UTF-8 string, looking the charset name up via
// golang.org/x/text/encoding/ianaindex (any IANA-registered token) and
// falling back to charmap.ISO8859_1 when the name is unrecognized,
// matching spec §8's "ISO-8859-1 or US-ASCII tolerant decoding"
// default. An empty name, us-ascii and utf-8 return raw unchanged.
func decodeCharset(charset string, raw []byte) (string, error) {
	if charset == "" || strings.EqualFold(charset, "us-ascii") || strings.EqualFold(charset, "utf-8") {
		return string(raw), nil
	}
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		enc, err = ianaindex.IANA.Encoding(charset)
	}
	if err != nil || enc == nil {
		enc = charmap.ISO8859_1
	}
	decoded, _, err := transformBytes(enc, raw)
	if err != nil {
		return string(raw), nil
	}
	return decoded, nil
}

func transformBytes(enc encoding.Encoding, raw []byte) (string, int, error) {
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", 0, err
	}
	return string(out), len(out), nil
}

// maybeDecodeRFC2047 applies an RFC 2047 encoded-word decoding pass to
// plain (non-RFC2231) parameter values whose bytes are all ASCII, per
// spec §4.5.
func maybeDecodeRFC2047(v string) string {
	for i := 0; i < len(v); i++ {
		if v[i] >= 0x80 {
			return v
		}
	}
	return DecodeEncodedWords(v)
}

// tokenizeParams splits a "; name=value; ..." tail into individual
// name/value tokens, respecting quoted-string boundaries (a ';' or
// '=' inside a quoted value does not end the token).
func tokenizeParams(rest string) ([]paramToken, error) {
	var tokens []paramToken
	for _, raw := range splitRespectingQuotes(rest, ';') {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		eq := strings.IndexByte(raw, '=')
		if eq < 0 {
			continue
		}
		attr := strings.TrimSpace(raw[:eq])
		val := strings.TrimSpace(raw[eq+1:])

		if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
			val = unescapeQuoted(val[1 : len(val)-1])
		}

		name := attr
		extended := false
		continued := false
		index := 0
		if strings.HasSuffix(name, "*") {
			extended = true
			name = name[:len(name)-1]
		}
		if star := strings.LastIndexByte(name, '*'); star >= 0 {
			if n, err := strconv.Atoi(name[star+1:]); err == nil {
				continued = true
				index = n
				name = name[:star]
			}
		}

		tokens = append(tokens, paramToken{
			name:      strings.ToLower(name),
			continued: continued,
			index:     index,
			extended:  extended,
			rawValue:  val,
		})
	}
	return tokens, nil
}

func unescapeQuoted(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			b.WriteByte(s[i+1])
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// splitRespectingQuotes splits s on sep, treating double-quoted
// regions (with backslash escaping) as opaque.
func splitRespectingQuotes(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && inQuotes && i+1 < len(s):
			cur.WriteByte(c)
			cur.WriteByte(s[i+1])
			i++
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == sep && !inQuotes:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}
