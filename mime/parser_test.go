package mime

import (
	"errors"
	"strings"
	"testing"

	"github.com/infodancer/msgstore"
	"github.com/infodancer/msgstore/mime/headers"
)

// recordingHandler records every callback as a short string, so tests
// can assert on event order without building real business logic atop
// the parser.
type recordingHandler struct {
	events []string
	body   strings.Builder
}

func boundaryLabel(b *string) string {
	if b == nil {
		return "null"
	}
	return *b
}

func (h *recordingHandler) SetLocator(Locator) {}

func (h *recordingHandler) StartEntity(b *string) error {
	h.events = append(h.events, "start_entity("+boundaryLabel(b)+")")
	return nil
}

func (h *recordingHandler) ContentType(ct headers.ContentType) error {
	h.events = append(h.events, "content_type("+ct.Full()+")")
	return nil
}

func (h *recordingHandler) ContentDisposition(headers.Disposition) error { return nil }

func (h *recordingHandler) ContentTransferEncoding(string) error { return nil }

func (h *recordingHandler) ContentID(string) error { return nil }

func (h *recordingHandler) ContentDescription(string) error { return nil }

func (h *recordingHandler) MIMEVersion(string) error { return nil }

func (h *recordingHandler) EndHeaders() error {
	h.events = append(h.events, "end_headers")
	return nil
}

func (h *recordingHandler) BodyContent(b []byte) error {
	h.events = append(h.events, "body_content("+string(b)+")")
	h.body.Write(b)
	return nil
}

func (h *recordingHandler) UnexpectedContent(b []byte) error {
	h.events = append(h.events, "unexpected_content("+string(b)+")")
	return nil
}

func (h *recordingHandler) EndEntity(b *string) error {
	h.events = append(h.events, "end_entity("+boundaryLabel(b)+")")
	return nil
}

func joinEvents(events []string) string { return strings.Join(events, " | ") }

func TestParserNestedMultipart(t *testing.T) {
	input := "Content-Type: multipart/mixed; boundary=\"outer\"\n\n" +
		"--outer\n" +
		"Content-Type: multipart/alternative; boundary=\"inner\"\n\n" +
		"--inner\n" +
		"Content-Type: text/plain\n\n" +
		"hello\n" +
		"--inner--\n" +
		"--outer--\n"

	h := &recordingHandler{}
	p := NewParser(h)
	if _, err := p.Write([]byte(input)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := "start_entity(null) | end_headers | start_entity(outer) | end_headers | " +
		"start_entity(inner) | content_type(text/plain) | end_headers | body_content(hello) | " +
		"end_entity(inner) | end_entity(outer) | end_entity(null)"
	if got := joinEvents(h.events); got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}
}

func TestParserChunkingProducesSameEvents(t *testing.T) {
	input := "Content-Type: text/plain\n\nline one\nline two\n"

	full := &recordingHandler{}
	p1 := NewParser(full)
	p1.Write([]byte(input))
	if err := p1.Close(); err != nil {
		t.Fatal(err)
	}

	chunked := &recordingHandler{}
	p2 := NewParser(chunked)
	for i := 0; i < len(input); i++ {
		if _, err := p2.Write([]byte{input[i]}); err != nil {
			t.Fatalf("Write byte %d: %v", i, err)
		}
	}
	if err := p2.Close(); err != nil {
		t.Fatal(err)
	}

	if joinEvents(full.events) != joinEvents(chunked.events) {
		t.Fatalf("chunking changed event sequence:\nfull:    %s\nchunked: %s", joinEvents(full.events), joinEvents(chunked.events))
	}
}

func TestParserQuotedPrintableBody(t *testing.T) {
	input := "Content-Type: text/plain; charset=utf-8\nContent-Transfer-Encoding: quoted-printable\n\ncaf=C3=A9\n"
	h := &recordingHandler{}
	p := NewParser(h)
	p.Write([]byte(input))
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if h.body.String() != "caf\xc3\xa9\n" {
		t.Fatalf("got %q", h.body.String())
	}
}

func TestParserMultipartContentTypeNotEmitted(t *testing.T) {
	input := "Content-Type: multipart/mixed; boundary=\"x\"\n\n" +
		"--x\nContent-Type: text/plain\n\nbody\n--x--\n"
	h := &recordingHandler{}
	p := NewParser(h)
	p.Write([]byte(input))
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, e := range h.events {
		if strings.HasPrefix(e, "content_type(") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("got %d content_type events, want 1 (container's own Content-Type must not be emitted): %v", count, h.events)
	}
}

func TestParserRegisterHeaderHandler(t *testing.T) {
	input := "Content-Type: text/plain\nX-Priority: 1\n\nbody\n"
	h := &recordingHandler{}
	var seen string
	p := NewParser(h, WithHeaderHandler("X-Priority", func(value string) error {
		seen = value
		return nil
	}))
	if _, err := p.Write([]byte(input)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if seen != "1" {
		t.Fatalf("custom header handler saw %q, want %q", seen, "1")
	}
}

func TestParserUnclosedBoundaryFailsAtClose(t *testing.T) {
	input := "Content-Type: multipart/mixed; boundary=\"x\"\n\n--x\nContent-Type: text/plain\n\nbody\n"
	h := &recordingHandler{}
	p := NewParser(h)
	p.Write([]byte(input))
	if err := p.Close(); err == nil {
		t.Fatal("expected unclosed-boundary error")
	}
}

func TestParserPreambleIsUnexpectedContent(t *testing.T) {
	input := "Content-Type: multipart/mixed; boundary=\"x\"\n\n" +
		"garbage preamble\n" +
		"--x\nContent-Type: text/plain\n\nbody\n--x--\n"
	h := &recordingHandler{}
	p := NewParser(h)
	p.Write([]byte(input))
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range h.events {
		if strings.Contains(e, "unexpected_content(garbage preamble") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected preamble to surface as unexpected_content, got %v", h.events)
	}
}

func TestParserCRLFLineEndings(t *testing.T) {
	input := "Content-Type: text/plain\r\n\r\nhello\r\n"
	h := &recordingHandler{}
	p := NewParser(h)
	p.Write([]byte(input))
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if h.body.String() != "hello\r\n" {
		t.Fatalf("got %q", h.body.String())
	}
}

func TestParserHandlerErrorAbortsParsing(t *testing.T) {
	h := &erroringHandler{failOn: "end_headers", err: errors.New("boom")}
	p := NewParser(h)
	_, err := p.Write([]byte("Content-Type: text/plain\n\nbody\n"))
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if kind, ok := msgstore.KindOf(err); !ok || kind != msgstore.KindHandlerError {
		t.Fatalf("expected KindHandlerError, got %v (ok=%v)", kind, ok)
	}
}

type erroringHandler struct {
	recordingHandler
	failOn string
	err    error
}

func (h *erroringHandler) EndHeaders() error {
	if h.failOn == "end_headers" {
		return h.err
	}
	return h.recordingHandler.EndHeaders()
}
