package mbox

import (
	"bytes"
	"fmt"
	"time"

	"github.com/infodancer/msgstore"
	"github.com/infodancer/msgstore/mbox/gidx"
)

// AppendHandle tracks one in-progress append session (spec §4.2
// append_begin/append_append/append_end). A Mailbox allows only one
// outstanding append at a time.
type AppendHandle struct {
	mb *Mailbox
}

// AppendBegin starts a new append session with the given initial flags
// and internal date. A zero date means "use the current time" at
// AppendEnd.
func (mb *Mailbox) AppendBegin(flags gidx.FlagSet, date time.Time) (*AppendHandle, error) {
	if mb.readOnly {
		return nil, msgstore.NewError(msgstore.KindReadOnly, "mbox.AppendBegin", nil)
	}
	if mb.appending {
		return nil, msgstore.NewError(msgstore.KindIllegalState, "mbox.AppendBegin", fmt.Errorf("append already in progress"))
	}
	mb.appending = true
	mb.appendBuf = mb.appendBuf[:0]
	mb.appendFlags = flags
	mb.appendDate = date
	return &AppendHandle{mb: mb}, nil
}

// AppendAppend accumulates more raw message bytes into the pending
// append buffer.
func (mb *Mailbox) AppendAppend(h *AppendHandle, b []byte) error {
	if h == nil || h.mb != mb || !mb.appending {
		return msgstore.NewError(msgstore.KindIllegalState, "mbox.AppendAppend", fmt.Errorf("no append in progress"))
	}
	mb.appendBuf = append(mb.appendBuf, b...)
	return nil
}

// AppendEnd finalizes the pending message: constructs its synthetic
// envelope line, From-escapes the body, writes it to the mbox file,
// and indexes it, returning the assigned UID. A failure at any point
// clears the append buffer without adding a message (spec §4.2
// "Partial append failure leaves the append buffer cleared and no
// message added").
func (mb *Mailbox) AppendEnd(h *AppendHandle) (uint64, error) {
	if h == nil || h.mb != mb || !mb.appending {
		return 0, msgstore.NewError(msgstore.KindIllegalState, "mbox.AppendEnd", fmt.Errorf("no append in progress"))
	}
	defer func() {
		mb.appending = false
		mb.appendBuf = nil
	}()

	raw := mb.appendBuf
	hf, _ := scanHeaderFields(bytes.NewReader(raw))
	escaped := escapeMessage(raw)

	date := mb.appendDate
	if date.IsZero() {
		date = time.Now()
	}
	// The envelope sender is always MAILER-DAEMON@localhost regardless
	// of any From: header in the message body — trusting user input
	// here would let a delivered message spoof its own envelope.
	envelope := []byte(fmt.Sprintf("From MAILER-DAEMON@localhost %s\n", formatEnvelopeDate(date)))

	size, err := mb.fileSize()
	if err != nil {
		return 0, msgstore.NewError(msgstore.KindIoError, "mbox.AppendEnd", err)
	}

	var out bytes.Buffer
	if size > 0 {
		last := make([]byte, 1)
		if _, err := mb.file.ReadAt(last, size-1); err != nil {
			return 0, msgstore.NewError(msgstore.KindIoError, "mbox.AppendEnd", err)
		}
		if last[0] != '\n' {
			out.WriteByte('\n')
		}
	}
	writeOffset := size + int64(out.Len())
	envelopeStart := writeOffset
	out.Write(envelope)
	contentStart := envelopeStart + int64(len(envelope))
	out.Write(escaped)
	if len(escaped) == 0 || escaped[len(escaped)-1] != '\n' {
		out.WriteByte('\n')
	}

	if _, err := mb.file.WriteAt(out.Bytes(), size); err != nil {
		return 0, msgstore.NewError(msgstore.KindIoError, "mbox.AppendEnd", err)
	}
	if err := mb.file.Sync(); err != nil {
		return 0, msgstore.NewError(msgstore.KindIoError, "mbox.AppendEnd", err)
	}

	seq := uint32(len(mb.descriptors) + 1)
	d := &Descriptor{
		Seq:   seq,
		Start: contentStart,
		End:   contentStart + int64(len(escaped)),
	}
	mb.descriptors = append(mb.descriptors, d)

	uid := uint64(seq)
	e := &gidx.Entry{
		UID:                uid,
		SequenceNumber:     seq,
		Size:               uint64(d.Size()),
		InternalDateMillis: date.UnixMilli(),
		SentDateMillis:     date.UnixMilli(),
		From:               hf.from,
		To:                 hf.to,
		Cc:                 hf.cc,
		Subject:            hf.subject,
		MessageID:          hf.messageID,
		Flags:              mb.appendFlags,
	}
	if err := mb.index.AddEntry(e); err != nil {
		return 0, msgstore.NewError(msgstore.KindCorruptIndex, "mbox.AppendEnd", err)
	}
	return uid, nil
}

// escapeMessage applies From-escaping to every body line (the portion
// past the first blank line); header lines are left untouched.
func escapeMessage(data []byte) []byte {
	var out bytes.Buffer
	inBody := false
	start := 0
	for start < len(data) {
		nl := bytes.IndexByte(data[start:], '\n')
		var line []byte
		if nl < 0 {
			line = data[start:]
			start = len(data)
		} else {
			line = data[start : start+nl+1]
			start += nl + 1
		}
		if !inBody {
			out.Write(line)
			if isBlankLine(line) {
				inBody = true
			}
		} else {
			out.Write(escapeLine(line))
		}
	}
	return out.Bytes()
}
