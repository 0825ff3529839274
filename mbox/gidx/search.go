package gidx

import (
	"context"
	"io"
	"strings"

	"github.com/infodancer/msgstore"
)

// indexedContext implements msgstore.MessageContext using only the
// fixed properties already carried in an Entry — no raw message bytes
// are read. Criteria that only inspect flags, dates, size, or the
// indexed address/subject/keyword fields never touch the mbox file.
type indexedContext struct {
	e *Entry
}

func newIndexedContext(e *Entry) *indexedContext { return &indexedContext{e: e} }

func (c *indexedContext) UID() uint64             { return c.e.UID }
func (c *indexedContext) SequenceNumber() uint32  { return c.e.SequenceNumber }
func (c *indexedContext) Size() int64             { return int64(c.e.Size) }
func (c *indexedContext) InternalDateMillis() int64 { return c.e.InternalDateMillis }
func (c *indexedContext) SentDateMillis() int64   { return c.e.SentDateMillis }
func (c *indexedContext) HasFlag(name string) bool {
	for _, f := range AllFlags {
		if strings.EqualFold(f.String(), name) {
			return c.e.Flags.Has(f)
		}
	}
	return false
}
func (c *indexedContext) From() string      { return c.e.From }
func (c *indexedContext) To() string        { return c.e.To }
func (c *indexedContext) Cc() string        { return c.e.Cc }
func (c *indexedContext) Subject() string   { return c.e.Subject }
func (c *indexedContext) MessageID() string { return c.e.MessageID }
func (c *indexedContext) Keywords() []string { return c.e.KeywordList() }

// Header and Body are unavailable from the index alone; a FieldAware
// criteria that needs them should report RequiresParsedContext() true
// so Search falls back to matchParsed.
func (c *indexedContext) Header(string) (string, bool) { return "", false }
func (c *indexedContext) Body() (io.Reader, error)      { return nil, errNoParsedContext }

var errNoParsedContext = indexOnlyError("gidx: header/body not available from index-only context")

type indexOnlyError string

func (e indexOnlyError) Error() string { return string(e) }

// matchParsed streams the raw message for e through a parsed context
// built by the caller's open func and re-evaluates pred against it.
// This is only reached when the indexed-only pass didn't already match
// and the criteria declared it needs parsed fields (spec §6).
func matchParsed(ctx context.Context, pred msgstore.Criteria, e *Entry, open func(uid uint64) (io.ReadCloser, error)) bool {
	rc, err := open(e.UID)
	if err != nil {
		return false
	}
	defer rc.Close()

	parser, ok := pred.(msgstore.ParsingCriteria)
	if !ok {
		return false
	}
	return parser.MatchesRaw(ctx, newIndexedContext(e), rc)
}

// splitAddresses splits a comma-separated address field into
// lowercased, trimmed address tokens suitable for the from/to/cc
// sub-indexes.
func splitAddresses(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
