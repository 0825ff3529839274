package mbox

import (
	"bytes"
	"time"
)

// envelopeDateLayout matches the locale-independent format append uses
// when writing new envelope lines: "EEE MMM ppd HH:mm:ss yyyy" with a
// space-padded day of month. Go's "_2" verb is exactly that.
const envelopeDateLayout = "Mon Jan _2 15:04:05 2006"

// formatEnvelopeDate renders t in the envelope line's date format.
func formatEnvelopeDate(t time.Time) string {
	return t.UTC().Format(envelopeDateLayout)
}

// parseEnvelopeDate recovers the internal date from a raw "From "
// envelope line, best-effort. Real-world mbox files carry a variety of
// date formats on this line; only the trailing five whitespace-
// separated fields (weekday, month, day, time, year) are meaningful
// to us, so a parse failure here just means the date is lost, not that
// indexing fails. Returns 0 if the line can't be parsed.
func parseEnvelopeDate(line []byte) int64 {
	fields := bytes.Fields(line)
	if len(fields) < 5 {
		return 0
	}
	tail := fields[len(fields)-5:]
	candidate := string(bytes.Join(tail, []byte(" ")))
	t, err := time.Parse(envelopeDateLayout, candidate)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
