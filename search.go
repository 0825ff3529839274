package msgstore

import (
	"context"
	"io"
	"strings"
)

// MessageContext exposes one message's indexed properties to a
// Criteria without requiring the caller to parse the raw message.
// Header and Body are only meaningful once a parsed context has been
// built from the raw bytes (spec §6); an index-only context returns
// ("", false) and a non-nil error from them respectively.
type MessageContext interface {
	UID() uint64
	SequenceNumber() uint32
	Size() int64
	InternalDateMillis() int64
	SentDateMillis() int64
	HasFlag(name string) bool
	From() string
	To() string
	Cc() string
	Subject() string
	MessageID() string
	Keywords() []string
	Header(name string) (string, bool)
	Body() (io.Reader, error)
}

// Criteria is a predicate over a single message. Implementations should
// be side-effect free and safe to evaluate repeatedly.
type Criteria interface {
	Matches(ctx MessageContext) bool
}

// FieldAware lets a Criteria declare that it needs fields an
// index-only MessageContext cannot supply (header values beyond the
// fixed properties, or the decoded body), so the caller knows to parse
// the raw message before giving up on a non-match.
type FieldAware interface {
	RequiresParsedContext() bool
}

// ParsingCriteria is the fallback entry point a backend calls once it
// has opened the raw message for a candidate that an index-only pass
// could not resolve. raw is positioned at the start of the message.
type ParsingCriteria interface {
	Criteria
	FieldAware
	MatchesRaw(ctx context.Context, indexed MessageContext, raw io.Reader) bool
}

// Searcher is implemented by backends whose folders carry a search
// index capable of evaluating a Criteria without a full mailbox scan
// (spec §4.3). Callers type-assert for it, the same way they do for
// FolderStore; a backend without an index-backed search path simply
// doesn't implement it.
type Searcher interface {
	SearchInFolder(ctx context.Context, mailbox, folder string, pred Criteria) ([]string, error)
}

// FlagCriteria matches messages carrying (or lacking) a named flag.
type FlagCriteria struct {
	Flag   string
	Negate bool
}

func (c FlagCriteria) Matches(ctx MessageContext) bool {
	has := ctx.HasFlag(c.Flag)
	if c.Negate {
		return !has
	}
	return has
}

// SizeRangeCriteria matches messages whose size in bytes falls within
// [Min, Max]. Max <= 0 means unbounded.
type SizeRangeCriteria struct {
	Min int64
	Max int64
}

func (c SizeRangeCriteria) Matches(ctx MessageContext) bool {
	size := ctx.Size()
	if size < c.Min {
		return false
	}
	if c.Max > 0 && size > c.Max {
		return false
	}
	return true
}

// DateRangeCriteria matches messages whose internal or sent date (in
// milliseconds since the epoch) falls within [Since, Before).
// Before <= 0 means unbounded.
type DateRangeCriteria struct {
	UseSentDate bool
	Since       int64
	Before      int64
}

func (c DateRangeCriteria) Matches(ctx MessageContext) bool {
	millis := ctx.InternalDateMillis()
	if c.UseSentDate {
		millis = ctx.SentDateMillis()
	}
	if millis < c.Since {
		return false
	}
	if c.Before > 0 && millis >= c.Before {
		return false
	}
	return true
}

// AddressCriteria matches messages whose From, To, or Cc field
// contains addr as a case-insensitive substring of one comma-separated
// token.
type AddressCriteria struct {
	Field string // "from", "to", or "cc"
	Addr  string
}

func (c AddressCriteria) Matches(ctx MessageContext) bool {
	var field string
	switch strings.ToLower(c.Field) {
	case "from":
		field = ctx.From()
	case "to":
		field = ctx.To()
	case "cc":
		field = ctx.Cc()
	default:
		return false
	}
	needle := strings.ToLower(c.Addr)
	for _, tok := range strings.Split(field, ",") {
		if strings.Contains(strings.ToLower(strings.TrimSpace(tok)), needle) {
			return true
		}
	}
	return false
}

// KeywordCriteria matches messages carrying a given keyword.
type KeywordCriteria struct {
	Keyword string
}

func (c KeywordCriteria) Matches(ctx MessageContext) bool {
	needle := strings.ToLower(c.Keyword)
	for _, kw := range ctx.Keywords() {
		if kw == needle {
			return true
		}
	}
	return false
}

// HeaderCriteria matches messages carrying a header whose value
// contains Substr, case-insensitively. Any header beyond the small set
// of fixed properties the index tracks (Subject, Message-Id, From, To,
// Cc) requires a parsed context, so HeaderCriteria always reports
// RequiresParsedContext() true and implements ParsingCriteria.
type HeaderCriteria struct {
	Name   string
	Substr string
}

func (c HeaderCriteria) Matches(ctx MessageContext) bool {
	val, ok := ctx.Header(c.Name)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(val), strings.ToLower(c.Substr))
}

func (c HeaderCriteria) RequiresParsedContext() bool { return true }

func (c HeaderCriteria) MatchesRaw(_ context.Context, _ MessageContext, raw io.Reader) bool {
	headers, err := readRawHeaders(raw)
	if err != nil {
		return false
	}
	val, ok := headers[strings.ToLower(c.Name)]
	return ok && strings.Contains(strings.ToLower(val), strings.ToLower(c.Substr))
}

// BodyContainsCriteria matches messages whose decoded body contains
// Substr. It always requires a parsed context: the index never stores
// body bytes.
type BodyContainsCriteria struct {
	Substr string
}

func (c BodyContainsCriteria) Matches(ctx MessageContext) bool {
	body, err := ctx.Body()
	if err != nil {
		return false
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), strings.ToLower(c.Substr))
}

func (c BodyContainsCriteria) RequiresParsedContext() bool { return true }

func (c BodyContainsCriteria) MatchesRaw(_ context.Context, _ MessageContext, raw io.Reader) bool {
	data, err := io.ReadAll(raw)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), strings.ToLower(c.Substr))
}

// AndCriteria matches when every sub-criteria matches.
type AndCriteria []Criteria

func (c AndCriteria) Matches(ctx MessageContext) bool {
	for _, sub := range c {
		if !sub.Matches(ctx) {
			return false
		}
	}
	return true
}

func (c AndCriteria) RequiresParsedContext() bool {
	for _, sub := range c {
		if fa, ok := sub.(FieldAware); ok && fa.RequiresParsedContext() {
			return true
		}
	}
	return false
}

// OrCriteria matches when any sub-criteria matches.
type OrCriteria []Criteria

func (c OrCriteria) Matches(ctx MessageContext) bool {
	for _, sub := range c {
		if sub.Matches(ctx) {
			return true
		}
	}
	return false
}

func (c OrCriteria) RequiresParsedContext() bool {
	for _, sub := range c {
		if fa, ok := sub.(FieldAware); ok && fa.RequiresParsedContext() {
			return true
		}
	}
	return false
}

// NotCriteria negates a sub-criteria.
type NotCriteria struct {
	Criteria Criteria
}

func (c NotCriteria) Matches(ctx MessageContext) bool { return !c.Criteria.Matches(ctx) }

func (c NotCriteria) RequiresParsedContext() bool {
	fa, ok := c.Criteria.(FieldAware)
	return ok && fa.RequiresParsedContext()
}

// readRawHeaders does a minimal unfolded-header scan sufficient for
// HeaderCriteria's fallback; the full MIME parser in package mime
// handles the complete grammar used for delivery and retrieval.
func readRawHeaders(r io.Reader) (map[string]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string)
	text := string(data)
	if idx := strings.Index(text, "\n\n"); idx >= 0 {
		text = text[:idx]
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var name, value string
	flush := func() {
		if name != "" {
			key := strings.ToLower(name)
			if existing, ok := headers[key]; ok {
				headers[key] = existing + ", " + value
			} else {
				headers[key] = value
			}
		}
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && name != "" {
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			name = ""
			continue
		}
		name = strings.TrimSpace(parts[0])
		value = strings.TrimSpace(parts[1])
	}
	flush()
	return headers, nil
}
