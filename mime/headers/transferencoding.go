package headers

import "strings"

// TransferEncoding classifies a Content-Transfer-Encoding value into
// the three decode strategies the parser actually implements (spec
// §4.5): "7bit", "8bit", "binary" and any unrecognized/"x-" token all
// require no transformation (Binary); "quoted-printable" and "base64"
// each drive the matching codec.
type TransferEncoding int

const (
	Binary TransferEncoding = iota
	Base64
	QuotedPrintable
)

// ParseTransferEncoding classifies raw and returns both the
// classification and the canonicalized (trimmed, lowercased) token, the
// latter kept for logging and for round-tripping unrecognized
// extension tokens.
func ParseTransferEncoding(raw string) (TransferEncoding, string) {
	token := strings.ToLower(strings.TrimSpace(raw))
	switch token {
	case "base64":
		return Base64, token
	case "quoted-printable":
		return QuotedPrintable, token
	case "":
		return Binary, "7bit"
	default:
		return Binary, token
	}
}
