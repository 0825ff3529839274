package headers

import (
	"fmt"
	"strings"
)

// ParseMessageID extracts the local-part and domain from a Message-ID
// or Content-ID header value of the form "<local@domain>", tolerating
// surrounding whitespace. It is also used for Content-ID, which shares
// the same msg-id grammar (RFC 2045 §7).
func ParseMessageID(raw string) (localPart, domain string, err error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < 3 || raw[0] != '<' || raw[len(raw)-1] != '>' {
		return "", "", fmt.Errorf("headers: message-id %q missing angle brackets", raw)
	}
	inner := raw[1 : len(raw)-1]
	at := strings.LastIndexByte(inner, '@')
	if at <= 0 || at == len(inner)-1 {
		return "", "", fmt.Errorf("headers: message-id %q missing local@domain", raw)
	}
	return inner[:at], inner[at+1:], nil
}
