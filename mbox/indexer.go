// Package mbox implements the mbox storage engine (RFC 4155): a single
// concatenated-message file, an in-memory message descriptor list built
// by a linear "From " line scan, and a sidecar search index (see the
// gidx subpackage) that makes flag and range lookups cheap without
// re-scanning the file.
package mbox

import (
	"bufio"
	"io"
)

// scanBufferSize is the chunk size used by the indexer's linear scan.
// Large enough to amortize read() syscalls, small enough to keep a
// bounded working set regardless of mailbox size.
const scanBufferSize = 64 * 1024

var fromLiteral = []byte("From ")

// rawRange is a message's raw byte range as found by the scanner: the
// position of the first byte of its "From " envelope line, and the
// position where the next envelope line begins (or EOF).
type rawRange struct {
	start int64
	end   int64
}

// scanEnvelopes performs the single linear pass described in spec §4.1:
// it tracks whether the reader is at the start of a line and how many
// bytes of the literal "From " have matched so far, recording the
// offset of each match. r is consumed from its current position, which
// must be the start of the file (offset 0) for the line-start state to
// be correct.
func scanEnvelopes(r io.Reader) ([]int64, int64, error) {
	br := bufio.NewReaderSize(r, scanBufferSize)

	var starts []int64
	var pos int64
	atLineStart := true
	matchPos := 0
	var candidateStart int64

	buf := make([]byte, scanBufferSize)
	for {
		n, err := br.Read(buf)
		for i := 0; i < n; i++ {
			b := buf[i]
			if atLineStart {
				if b == fromLiteral[matchPos] {
					if matchPos == 0 {
						candidateStart = pos
					}
					matchPos++
					if matchPos == len(fromLiteral) {
						starts = append(starts, candidateStart)
						matchPos = 0
						atLineStart = false
					}
				} else if b == '\n' {
					// "F","Fr",... fragments followed directly by LF:
					// still a line start, matchPos resets but we stay
					// at line-start for the next byte.
					matchPos = 0
				} else {
					matchPos = 0
					atLineStart = false
				}
			} else {
				if b == '\n' {
					atLineStart = true
				}
			}
			pos++
		}
		if err == io.EOF {
			return starts, pos, nil
		}
		if err != nil {
			return nil, 0, err
		}
	}
}

// trimEnvelope converts a raw (start, end) range into the RFC 822
// content range: skip the "From " envelope line (through its
// terminating LF) to find the content start, and strip one trailing
// LF (and an optional preceding CR) from end. envelope holds the raw
// envelope line bytes (without the terminating LF), for callers that
// want to recover the envelope date.
func trimEnvelope(ra io.ReaderAt, raw rawRange, fileSize int64) (start, end int64, envelope []byte, ok bool) {
	// Find the envelope line's terminating LF, scanning forward from
	// raw.start. Envelope lines are short; bound the search to avoid
	// runaway reads on a malformed file.
	const maxEnvelopeLine = 4096
	limit := raw.start + maxEnvelopeLine
	if limit > raw.end {
		limit = raw.end
	}
	buf := make([]byte, limit-raw.start)
	if len(buf) > 0 {
		if _, err := ra.ReadAt(buf, raw.start); err != nil && err != io.EOF {
			return 0, 0, nil, false
		}
	}
	lfIdx := -1
	for i, b := range buf {
		if b == '\n' {
			lfIdx = i
			break
		}
	}
	if lfIdx == -1 {
		// No LF found within the bound: the envelope line never
		// terminated (truncated file). Nothing usable.
		return 0, 0, nil, false
	}
	envelope = append([]byte(nil), buf[:lfIdx]...)
	start = raw.start + int64(lfIdx) + 1

	end = raw.end
	if end > start {
		tail := make([]byte, 2)
		readFrom := end - 2
		if readFrom < start {
			readFrom = start
			tail = tail[:end-start]
		}
		n, err := ra.ReadAt(tail, readFrom)
		if err != nil && err != io.EOF {
			return 0, 0, nil, false
		}
		tail = tail[:n]
		if len(tail) > 0 && tail[len(tail)-1] == '\n' {
			end--
			if len(tail) > 1 && tail[len(tail)-2] == '\r' {
				end--
			}
		}
	}

	if start >= end {
		return 0, 0, nil, false
	}
	return start, end, envelope, true
}

// indexedRange is a trimmed RFC 822 content range plus the internal
// date recovered from its envelope line, if parseable.
type indexedRange struct {
	start              int64
	end                int64
	envelopeDateMillis int64
}

// index runs the full indexer over ra (and its total size), returning
// trimmed RFC 822 content ranges in file order. Zero-length results
// (per spec §4.1) are skipped.
func index(ra io.ReaderAt, size int64) ([]indexedRange, error) {
	starts, scanned, err := scanEnvelopes(io.NewSectionReader(ra, 0, size))
	if err != nil {
		return nil, err
	}
	if scanned != size {
		// Reader disagreed with the reported size; still proceed using
		// what was actually scanned as the effective EOF.
		size = scanned
	}

	ranges := make([]indexedRange, 0, len(starts))
	for i, s := range starts {
		e := size
		if i+1 < len(starts) {
			e = starts[i+1]
		}
		start, end, envelope, ok := trimEnvelope(ra, rawRange{start: s, end: e}, size)
		if !ok {
			continue
		}
		ranges = append(ranges, indexedRange{
			start:              start,
			end:                end,
			envelopeDateMillis: parseEnvelopeDate(envelope),
		})
	}
	return ranges, nil
}
