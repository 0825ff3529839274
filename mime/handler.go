package mime

import "github.com/infodancer/msgstore/mime/headers"

// Handler receives parse events from Parser.Write in byte-order of the
// source stream. Every method may return an error to abort parsing;
// the error surfaces from Write wrapped as a HandlerError.
type Handler interface {
	SetLocator(loc Locator)
	StartEntity(boundary *string) error
	ContentType(ct headers.ContentType) error
	ContentDisposition(cd headers.Disposition) error
	ContentTransferEncoding(rawToken string) error
	ContentID(id string) error
	ContentDescription(text string) error
	MIMEVersion(v string) error
	EndHeaders() error
	BodyContent(b []byte) error
	UnexpectedContent(b []byte) error
	EndEntity(boundary *string) error
}

// NopHandler implements Handler with no-op methods, useful as an
// embeddable base for handlers that only care about a few callbacks.
type NopHandler struct{}

func (NopHandler) SetLocator(Locator)                         {}
func (NopHandler) StartEntity(*string) error                  { return nil }
func (NopHandler) ContentType(headers.ContentType) error      { return nil }
func (NopHandler) ContentDisposition(headers.Disposition) error { return nil }
func (NopHandler) ContentTransferEncoding(string) error       { return nil }
func (NopHandler) ContentID(string) error                     { return nil }
func (NopHandler) ContentDescription(string) error            { return nil }
func (NopHandler) MIMEVersion(string) error                   { return nil }
func (NopHandler) EndHeaders() error                           { return nil }
func (NopHandler) BodyContent([]byte) error                    { return nil }
func (NopHandler) UnexpectedContent([]byte) error               { return nil }
func (NopHandler) EndEntity(*string) error                     { return nil }
