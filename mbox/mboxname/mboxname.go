// Package mboxname implements a reversible, filesystem-safe encoding
// for arbitrary Unicode mailbox name components (spec §4.4, §6). The
// codec itself is not part of the core contract — only that Encode and
// Decode are mutual inverses over every Unicode string a user might
// supply as a folder name.
package mboxname

import (
	"fmt"
	"strconv"
	"strings"
)

const escape = '&'

// safe reports whether r may pass through Encode unescaped: printable
// ASCII minus the escape character itself and the bytes the store
// layer rejects outright (path separators, NUL, colon) whether or not
// they came from this codec.
func safe(r rune) bool {
	switch r {
	case escape, '/', '\\', 0, ':':
		return false
	}
	return r >= 0x20 && r < 0x7f
}

// Encode maps name to a filesystem-safe ASCII string. Every rune that
// is not safe is replaced by "&" followed by its hex code point and a
// "-" terminator (e.g. U+00E9 becomes "&e9-"); a literal escape
// character is doubled ("&&"). The result round-trips through Decode
// exactly.
func Encode(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == escape:
			b.WriteString("&&")
		case safe(r):
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "&%x-", r)
		}
	}
	return b.String()
}

// Decode reverses Encode. It returns an error if enc contains a
// malformed escape sequence (an "&" not immediately followed by
// another "&" or a terminated hex run).
func Decode(enc string) (string, error) {
	var b strings.Builder
	runes := []rune(enc)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != escape {
			b.WriteRune(r)
			continue
		}
		if i+1 >= len(runes) {
			return "", fmt.Errorf("mboxname: truncated escape at end of %q", enc)
		}
		if runes[i+1] == escape {
			b.WriteRune(escape)
			i++
			continue
		}
		end := i + 1
		for end < len(runes) && runes[end] != '-' {
			end++
		}
		if end >= len(runes) {
			return "", fmt.Errorf("mboxname: unterminated escape in %q", enc)
		}
		hex := string(runes[i+1 : end])
		code, err := strconv.ParseInt(hex, 16, 32)
		if err != nil {
			return "", fmt.Errorf("mboxname: invalid escape %q: %w", hex, err)
		}
		b.WriteRune(rune(code))
		i = end
	}
	return b.String(), nil
}
