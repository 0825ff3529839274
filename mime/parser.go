// Package mime implements a single-threaded, cooperative push parser
// for MIME entities (spec §4.5): the caller feeds arbitrary byte
// chunks via Write and the parser emits structured events to a Handler
// synchronously, on the caller's goroutine. It never performs I/O and
// has no suspension points, so it composes with any transport.
package mime

import (
	"fmt"
	"strings"

	"github.com/infodancer/msgstore"
	"github.com/infodancer/msgstore/mime/codec"
	"github.com/infodancer/msgstore/mime/headers"
)

// State is a state in the push parser's state machine.
type State int

const (
	StateInit State = iota
	StateHeader
	StateFirstBoundary
	StateBoundaryOrContent
	StateBoundaryOnly
	StateBody
	// stateDone is reached once the outermost entity has closed; any
	// further bytes are trailing epilogue, reported as unexpected
	// content with no further state transitions possible.
	stateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHeader:
		return "HEADER"
	case StateFirstBoundary:
		return "FIRST_BOUNDARY"
	case StateBoundaryOrContent:
		return "BOUNDARY_OR_CONTENT"
	case StateBoundaryOnly:
		return "BOUNDARY_ONLY"
	case StateBody:
		return "BODY"
	case stateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

const defaultMaxBufferSize = 32 * 1024

// chunkDecoder is satisfied by both codec.Base64Decoder and
// codec.QPDecoder; Binary transfer encoding needs no decoder at all.
type chunkDecoder interface {
	Decode(dst, src []byte, endOfStream bool) (consumed, written int)
}

// entityFrame tracks one currently-open MIME entity: the boundary
// value it was started with (nil for the root entity), its own
// Content-Type/transfer-encoding once headers finish, and, if it turns
// out to be a multipart container, the boundary token it pushed.
type entityFrame struct {
	paramBoundary *string
	ct            headers.ContentType
	te            headers.TransferEncoding
	decoder       chunkDecoder
}

// pendingBody holds the most recently seen, not-yet-flushed body line,
// so the parser can tell whether the line that follows it is a
// boundary and strip its trailing terminator accordingly (spec §4.5
// "Trailing CRLF handling").
type pendingBody struct {
	raw     []byte
	content []byte
	have    bool
}

// Parser is a MIME push parser. Use NewParser, then Write repeatedly
// as bytes arrive, then Close.
type Parser struct {
	handler        Handler
	allowCRLineEnd bool
	maxBufferSize  int

	state State
	loc   Locator

	buf     []byte
	started bool

	boundaryStack []string
	entityStack   []*entityFrame

	curName  string
	curValue strings.Builder
	haveCur  bool

	pending        pendingBody
	scratch        []byte
	closed         bool
	headerHandlers map[string]HeaderHandlerFunc
}

// Option configures a Parser at construction time.
type Option func(*Parser)

// WithAllowCRLineEnd enables treating a bare CR (not followed by LF)
// as a line terminator, per spec §4.5.
func WithAllowCRLineEnd(allow bool) Option {
	return func(p *Parser) { p.allowCRLineEnd = allow }
}

// WithMaxBufferSize bounds both the decoded and binary-passthrough
// chunk sizes delivered to BodyContent.
func WithMaxBufferSize(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxBufferSize = n
		}
	}
}

// HeaderHandlerFunc parses one additional header value for the entity
// currently being finalized.
type HeaderHandlerFunc func(value string) error

// WithHeaderHandler registers fn as the handler for header name,
// extending dispatchHeader's default case. This is the embedder
// extension point spec §9's inheritance note asks for: rather than
// subclassing a base parser, a caller constructing a Parser registers
// additional header handlers by name. Registering a name dispatchHeader
// already handles natively (Content-Type and friends) has no effect.
func WithHeaderHandler(name string, fn HeaderHandlerFunc) Option {
	return func(p *Parser) { p.RegisterHeaderHandler(name, fn) }
}

// RegisterHeaderHandler adds fn as the handler for header name
// (case-insensitive). It can be called after construction as well as
// via WithHeaderHandler, so an embedder can extend a live Parser.
func (p *Parser) RegisterHeaderHandler(name string, fn HeaderHandlerFunc) {
	if p.headerHandlers == nil {
		p.headerHandlers = make(map[string]HeaderHandlerFunc)
	}
	p.headerHandlers[strings.ToLower(name)] = fn
}

// NewParser returns a Parser in state INIT.
func NewParser(handler Handler, opts ...Option) *Parser {
	p := &Parser{
		handler:       handler,
		maxBufferSize: defaultMaxBufferSize,
		loc:           newLocator(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.scratch = make([]byte, p.maxBufferSize)
	handler.SetLocator(p.loc)
	return p
}

// Reset returns the parser to its initial state so it can parse a new
// entity from scratch.
func (p *Parser) Reset() {
	p.state = StateInit
	p.loc = newLocator()
	p.buf = nil
	p.started = false
	p.boundaryStack = nil
	p.entityStack = nil
	p.curName = ""
	p.curValue.Reset()
	p.haveCur = false
	p.pending = pendingBody{}
	p.closed = false
	p.handler.SetLocator(p.loc)
}

// Write feeds the next chunk of the stream to the parser. It satisfies
// io.Writer.
func (p *Parser) Write(chunk []byte) (int, error) {
	if p.closed {
		return 0, msgstore.NewError(msgstore.KindIllegalState, "mime.Parser.Write", fmt.Errorf("write after close"))
	}
	if !p.started {
		p.started = true
		if err := p.enterEntity(nil); err != nil {
			return 0, err
		}
		p.state = StateHeader
	}

	for _, b := range chunk {
		p.loc.advance(b)
	}
	p.buf = append(p.buf, chunk...)

	if err := p.drainLines(false); err != nil {
		return 0, err
	}
	return len(chunk), nil
}

// Close signals end-of-input. It finalizes any header section still
// being accumulated, flushes pending body bytes, and fails if the
// boundary stack isn't empty or a non-BODY partial line remains.
func (p *Parser) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	if !p.started {
		return nil
	}

	if err := p.drainLines(true); err != nil {
		return err
	}

	if p.state == StateHeader {
		if err := p.finalizeHeaderSection(); err != nil {
			return err
		}
	}

	switch p.state {
	case StateBody, StateBoundaryOrContent:
		if err := p.flushPending(false, true); err != nil {
			return err
		}
	}

	if len(p.buf) > 0 && p.state != StateBody {
		return p.parseErrorf("partial line at end of input in state %s", p.state)
	}

	if len(p.boundaryStack) > 0 {
		return p.parseErrorf("unclosed multipart boundary")
	}

	for len(p.entityStack) > 0 {
		frame := p.entityStack[len(p.entityStack)-1]
		p.entityStack = p.entityStack[:len(p.entityStack)-1]
		if err := p.emitEndEntity(frame.paramBoundary); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) parseErrorf(format string, args ...any) error {
	return msgstore.NewError(msgstore.KindParseError, "mime.Parser", fmt.Errorf(format+" at %d:%d", append(args, p.loc.Line, p.loc.Column)...))
}

func (p *Parser) wrapHandlerErr(err error) error {
	if err == nil {
		return nil
	}
	return msgstore.NewError(msgstore.KindHandlerError, "mime.Parser", err)
}

// drainLines repeatedly extracts complete lines from p.buf and
// processes each until no complete line remains.
func (p *Parser) drainLines(final bool) error {
	for {
		raw, content, found, needMore := p.nextLine(final)
		if needMore || !found {
			return nil
		}
		if err := p.handleLine(raw, content); err != nil {
			return err
		}
	}
}

// nextLine extracts the next terminated line from p.buf, per spec
// §4.5's line-framing rule (LF always terminates; a bare CR not
// followed by LF terminates too when allowCRLineEnd is set).
func (p *Parser) nextLine(final bool) (raw, content []byte, found, needMore bool) {
	buf := p.buf
	for i := 0; i < len(buf); i++ {
		switch buf[i] {
		case '\n':
			raw = buf[:i+1]
			content = buf[:i]
			if len(content) > 0 && content[len(content)-1] == '\r' {
				content = content[:len(content)-1]
			}
			p.buf = append([]byte(nil), buf[i+1:]...)
			return raw, content, true, false
		case '\r':
			if !p.allowCRLineEnd {
				continue
			}
			if i+1 < len(buf) {
				if buf[i+1] == '\n' {
					continue
				}
				raw = buf[:i+1]
				content = buf[:i]
				p.buf = append([]byte(nil), buf[i+1:]...)
				return raw, content, true, false
			}
			if final {
				raw = buf[:i+1]
				content = buf[:i]
				p.buf = append([]byte(nil), buf[i+1:]...)
				return raw, content, true, false
			}
			return nil, nil, false, true
		}
	}
	return nil, nil, false, false
}

func (p *Parser) handleLine(raw, content []byte) error {
	switch p.state {
	case StateHeader:
		return p.handleHeaderLine(content)
	case StateFirstBoundary, StateBoundaryOnly:
		return p.handleBoundaryOnlyLine(raw, content)
	case StateBoundaryOrContent:
		return p.handleBoundaryOrContentLine(raw, content)
	case StateBody:
		return p.handleBodyLine(raw)
	case stateDone:
		p.handler.SetLocator(p.loc)
		return p.wrapHandlerErr(p.handler.UnexpectedContent(raw))
	default:
		return p.parseErrorf("unexpected line in state %s", p.state)
	}
}

func isHorizontalWhitespace(b byte) bool { return b == ' ' || b == '\t' }

func (p *Parser) handleHeaderLine(content []byte) error {
	if len(content) == 0 {
		return p.finalizeHeaderSection()
	}
	if isHorizontalWhitespace(content[0]) {
		if !p.haveCur {
			return p.parseErrorf("header continuation with no preceding header")
		}
		p.curValue.Write(content)
		return nil
	}
	if err := p.finalizePendingHeader(); err != nil {
		return err
	}
	colon := indexByte(content, ':')
	if colon < 0 {
		return p.parseErrorf("header line missing ':'")
	}
	name := strings.TrimRight(string(content[:colon]), " \t")
	if name == "" {
		return p.parseErrorf("empty header name")
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 33 || name[i] > 126 {
			return p.parseErrorf("illegal byte in header name %q", name)
		}
	}
	value := content[colon+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	p.curName = name
	p.curValue.Reset()
	p.curValue.Write(value)
	p.haveCur = true
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (p *Parser) finalizePendingHeader() error {
	if !p.haveCur {
		return nil
	}
	name, value := p.curName, p.curValue.String()
	p.haveCur = false
	p.curName = ""
	p.curValue.Reset()
	return p.dispatchHeader(name, value)
}

func (p *Parser) currentEntity() *entityFrame {
	return p.entityStack[len(p.entityStack)-1]
}

func (p *Parser) dispatchHeader(name, value string) error {
	entity := p.currentEntity()
	p.handler.SetLocator(p.loc)
	lower := strings.ToLower(name)
	switch lower {
	case "content-type":
		ct := headers.ParseContentType(value)
		entity.ct = ct
		if _, ok := ct.Boundary(); ok && ct.IsMultipart() {
			// A multipart container's own Content-Type never reaches the
			// handler as a content_type event: it describes the entity's
			// shape (and is fully recoverable from start_entity/boundary
			// framing), not a leaf's content, so only non-container
			// entities get one (spec §4.5).
			return nil
		}
		return p.wrapHandlerErr(p.handler.ContentType(ct))
	case "content-disposition":
		cd := headers.ParseContentDisposition(value)
		return p.wrapHandlerErr(p.handler.ContentDisposition(cd))
	case "content-transfer-encoding":
		te, token := headers.ParseTransferEncoding(value)
		entity.te = te
		return p.wrapHandlerErr(p.handler.ContentTransferEncoding(token))
	case "content-id":
		return p.wrapHandlerErr(p.handler.ContentID(strings.TrimSpace(value)))
	case "content-description":
		return p.wrapHandlerErr(p.handler.ContentDescription(strings.TrimSpace(value)))
	case "mime-version":
		return p.wrapHandlerErr(p.handler.MIMEVersion(strings.TrimSpace(value)))
	default:
		if fn, ok := p.headerHandlers[lower]; ok {
			return p.wrapHandlerErr(fn(value))
		}
		return nil
	}
}

// finalizeHeaderSection ends the HEADER state: finalizes any pending
// header, emits end_headers, and transitions based on the entity's
// Content-Type.
func (p *Parser) finalizeHeaderSection() error {
	if err := p.finalizePendingHeader(); err != nil {
		return err
	}
	p.handler.SetLocator(p.loc)
	if err := p.wrapHandlerErr(p.handler.EndHeaders()); err != nil {
		return err
	}

	entity := p.currentEntity()
	if boundary, ok := entity.ct.Boundary(); ok && entity.ct.IsMultipart() {
		p.boundaryStack = append(p.boundaryStack, boundary)
		p.state = StateFirstBoundary
		return nil
	}

	entity.decoder = newChunkDecoder(entity.te)
	if len(p.boundaryStack) > 0 {
		p.state = StateBoundaryOrContent
	} else {
		p.state = StateBody
	}
	return nil
}

func newChunkDecoder(te headers.TransferEncoding) chunkDecoder {
	switch te {
	case headers.Base64:
		return codec.NewBase64Decoder()
	case headers.QuotedPrintable:
		return codec.NewQPDecoder()
	default:
		return nil
	}
}

// matchBoundary classifies content (terminator already stripped)
// against boundary b, per spec §4.5's exact boundary-detection rule.
func matchBoundary(content []byte, b string) (matched, terminating bool) {
	prefix := "--" + b
	s := string(content)
	if !strings.HasPrefix(s, prefix) {
		return false, false
	}
	suffix := s[len(prefix):]
	switch suffix {
	case "":
		return true, false
	case "--":
		return true, true
	default:
		return false, false
	}
}

func (p *Parser) handleBoundaryOnlyLine(raw, content []byte) error {
	b := p.boundaryStack[len(p.boundaryStack)-1]
	matched, terminating := matchBoundary(content, b)
	if !matched {
		p.handler.SetLocator(p.loc)
		return p.wrapHandlerErr(p.handler.UnexpectedContent(raw))
	}
	if terminating {
		return p.closeContainer(b)
	}
	return p.startChild(b)
}

func (p *Parser) handleBoundaryOrContentLine(raw, content []byte) error {
	b := p.boundaryStack[len(p.boundaryStack)-1]
	matched, terminating := matchBoundary(content, b)
	if !matched {
		return p.bufferBodyLine(raw, content)
	}

	if err := p.flushPending(true, true); err != nil {
		return err
	}
	frame := p.entityStack[len(p.entityStack)-1]
	p.entityStack = p.entityStack[:len(p.entityStack)-1]
	if err := p.emitEndEntity(frame.paramBoundary); err != nil {
		return err
	}

	if terminating {
		return p.closeContainer(b)
	}
	return p.startChild(b)
}

func (p *Parser) handleBodyLine(raw []byte) error {
	return p.bufferBodyLine(raw, raw)
}

// bufferBodyLine flushes any previously pending body line (which
// turned out not to precede a boundary) and stores raw as the new
// pending line.
func (p *Parser) bufferBodyLine(raw, content []byte) error {
	if p.pending.have {
		if err := p.flushPending(false, false); err != nil {
			return err
		}
	}
	p.pending = pendingBody{raw: append([]byte(nil), raw...), content: append([]byte(nil), content...), have: true}
	return nil
}

// flushPending emits the pending body line, if any. stripTerminator
// selects content (terminator stripped) over raw, per spec's
// before-a-boundary rule; endOfStream finalizes the active transfer
// decoder.
func (p *Parser) flushPending(stripTerminator, endOfStream bool) error {
	if !p.pending.have {
		if endOfStream {
			return p.decodeAndEmit(nil, endOfStream)
		}
		return nil
	}
	bytes := p.pending.raw
	if stripTerminator {
		bytes = p.pending.content
	}
	p.pending = pendingBody{}
	return p.decodeAndEmit(bytes, endOfStream)
}

func (p *Parser) decodeAndEmit(src []byte, endOfStream bool) error {
	entity := p.currentEntity()
	if entity.decoder == nil {
		for len(src) > 0 {
			n := len(src)
			if n > p.maxBufferSize {
				n = p.maxBufferSize
			}
			p.handler.SetLocator(p.loc)
			if err := p.wrapHandlerErr(p.handler.BodyContent(src[:n])); err != nil {
				return err
			}
			src = src[n:]
		}
		return nil
	}
	for {
		consumed, written := entity.decoder.Decode(p.scratch, src, endOfStream)
		if written > 0 {
			p.handler.SetLocator(p.loc)
			if err := p.wrapHandlerErr(p.handler.BodyContent(p.scratch[:written])); err != nil {
				return err
			}
		}
		src = src[consumed:]
		if len(src) == 0 || (consumed == 0 && written == 0) {
			return nil
		}
	}
}

func (p *Parser) enterEntity(paramBoundary *string) error {
	frame := &entityFrame{paramBoundary: paramBoundary}
	p.entityStack = append(p.entityStack, frame)
	p.handler.SetLocator(p.loc)
	return p.wrapHandlerErr(p.handler.StartEntity(paramBoundary))
}

func (p *Parser) emitEndEntity(paramBoundary *string) error {
	p.handler.SetLocator(p.loc)
	return p.wrapHandlerErr(p.handler.EndEntity(paramBoundary))
}

func (p *Parser) startChild(b string) error {
	boundary := b
	if err := p.enterEntity(&boundary); err != nil {
		return err
	}
	p.state = StateHeader
	return nil
}

// closeContainer ends the multipart container whose boundary is b: it
// is always entityStack's current top at this point (no child is
// open in FIRST_BOUNDARY/BOUNDARY_ONLY, and BOUNDARY_OR_CONTENT's
// caller already popped its open child before calling this).
func (p *Parser) closeContainer(b string) error {
	frame := p.entityStack[len(p.entityStack)-1]
	p.entityStack = p.entityStack[:len(p.entityStack)-1]
	if err := p.emitEndEntity(frame.paramBoundary); err != nil {
		return err
	}
	p.boundaryStack = p.boundaryStack[:len(p.boundaryStack)-1]
	if len(p.boundaryStack) > 0 {
		p.state = StateBoundaryOnly
	} else {
		p.state = stateDone
	}
	return nil
}
