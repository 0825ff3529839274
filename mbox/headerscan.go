package mbox

import (
	"bufio"
	"io"
	"strings"
)

// headerFields is the small subset of header values the search index
// keeps as fixed string properties. Extracting them here is a literal,
// unfolded scan — no RFC 2047/2231 decoding, no charset handling. Full
// MIME-aware decoding happens in the push parser when a search
// criterion falls back to a parsed context; the index only needs
// something reasonable to match substrings against.
type headerFields struct {
	from      string
	to        string
	cc        string
	subject   string
	messageID string
}

// scanHeaderFields reads the header section of r (stopping at the
// first blank line) and extracts the handful of fields the search
// index stores directly. Values are stored lowercased, matching
// gidx.Entry's case-folded string properties (spec §4.3/§9).
func scanHeaderFields(r io.Reader) (headerFields, error) {
	var hf headerFields
	br := bufio.NewReaderSize(r, 4096)

	var name, value string
	flush := func() {
		if name == "" {
			return
		}
		v := strings.ToLower(strings.TrimSpace(value))
		switch strings.ToLower(name) {
		case "from":
			hf.from = v
		case "to":
			hf.to = v
		case "cc":
			hf.cc = v
		case "subject":
			hf.subject = v
		case "message-id":
			hf.messageID = v
		}
	}

	for {
		line, err := br.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			flush()
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && name != "" {
			value += " " + strings.TrimSpace(trimmed)
		} else {
			flush()
			idx := strings.IndexByte(trimmed, ':')
			if idx < 0 {
				name = ""
			} else {
				name = strings.TrimSpace(trimmed[:idx])
				value = strings.TrimSpace(trimmed[idx+1:])
			}
		}
		if err != nil {
			if name != "" {
				flush()
			}
			break
		}
	}
	return hf, nil
}
