package headers

import "strings"

// IsRecognizedMIMEVersion reports whether a MIME-Version header value
// is the only version this parser understands. Any other value means
// the entity should be treated as a single opaque, non-MIME body, per
// spec §4.5.
func IsRecognizedMIMEVersion(raw string) bool {
	return strings.TrimSpace(raw) == "1.0"
}
