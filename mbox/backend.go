package mbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/infodancer/msgstore"
)

func init() {
	msgstore.Register("mbox", openBackend)
}

// backend adapts Store and Mailbox to the msgstore.MsgStore/FolderStore/
// Searcher contracts (spec §4.4, §6). It carries only the StoreConfig:
// every call opens a fresh per-user Store and folder Mailbox, does its
// work, and closes both again, so a backend value holds no mutable
// state of its own and is safe to share across sessions — matching
// spec §5's "each mailbox open produces fresh component instances."
type backend struct {
	cfg msgstore.StoreConfig
}

func openBackend(cfg msgstore.StoreConfig) (msgstore.MsgStore, error) {
	if cfg.BasePath == "" {
		return nil, msgstore.NewError(msgstore.KindInvalidArgument, "mbox.openBackend", fmt.Errorf("empty base path"))
	}
	return &backend{cfg: cfg}, nil
}

// withFolder opens username's Store and the named folder's Mailbox,
// runs fn, then closes both. When vivify is set and folder does not
// yet exist, it is created first — used by the delivery paths, which
// should not require a prior explicit CreateFolder.
func (b *backend) withFolder(username, folder string, readOnly, vivify bool, fn func(*Mailbox) error) error {
	if folder == "" {
		folder = inboxName
	}
	store, err := OpenStore(b.cfg, username)
	if err != nil {
		return err
	}
	defer store.Close()

	mb, err := store.OpenMailbox(folder, readOnly)
	if err != nil {
		kind, ok := msgstore.KindOf(err)
		if !vivify || !ok || kind != msgstore.KindNotFound || folder == inboxName {
			return err
		}
		if cerr := store.Create(folder); cerr != nil {
			return cerr
		}
		mb, err = store.OpenMailbox(folder, readOnly)
		if err != nil {
			return err
		}
	}
	defer mb.Close(false)
	return fn(mb)
}

// List implements msgstore.MessageStore over the mailbox's INBOX.
func (b *backend) List(ctx context.Context, mailbox string) ([]msgstore.MessageInfo, error) {
	return b.ListInFolder(ctx, mailbox, inboxName)
}

func (b *backend) Retrieve(ctx context.Context, mailbox, uid string) (io.ReadCloser, error) {
	return b.RetrieveFromFolder(ctx, mailbox, inboxName, uid)
}

func (b *backend) RetrieveHeaders(ctx context.Context, mailbox, uid string, bodyLines int) (io.ReadCloser, error) {
	return b.retrieveHeadersFromFolder(ctx, mailbox, inboxName, uid, bodyLines)
}

func (b *backend) Delete(ctx context.Context, mailbox, uid string) error {
	return b.DeleteInFolder(ctx, mailbox, inboxName, uid)
}

func (b *backend) Expunge(ctx context.Context, mailbox string) error {
	return b.ExpungeFolder(ctx, mailbox, inboxName)
}

func (b *backend) Stat(ctx context.Context, mailbox string) (int, int64, error) {
	return b.StatFolder(ctx, mailbox, inboxName)
}

// Deliver appends the message to every recipient's INBOX, buffering it
// once and reusing the bytes for each recipient (spec §12: a single
// Deliver call may name more than one recipient).
func (b *backend) Deliver(_ context.Context, env msgstore.Envelope, r io.Reader) error {
	if len(env.Recipients) == 0 {
		return msgstore.NewError(msgstore.KindInvalidArgument, "mbox.Deliver", fmt.Errorf("no recipients"))
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.Deliver", err)
	}
	for _, recipient := range env.Recipients {
		if recipient == "" {
			return msgstore.NewError(msgstore.KindInvalidArgument, "mbox.Deliver", fmt.Errorf("empty recipient"))
		}
		if err := b.deliverBytes(recipient, inboxName, data); err != nil {
			return err
		}
	}
	return nil
}

func (b *backend) deliverBytes(username, folder string, data []byte) error {
	return b.withFolder(username, folder, false, true, func(mb *Mailbox) error {
		h, err := mb.AppendBegin(0, time.Time{})
		if err != nil {
			return err
		}
		if err := mb.AppendAppend(h, data); err != nil {
			return err
		}
		_, err = mb.AppendEnd(h)
		return err
	})
}

// ListFolders implements msgstore.FolderStore: every mailbox name
// reachable from the user's root, INBOX included.
func (b *backend) ListFolders(_ context.Context, mailbox string) ([]string, error) {
	store, err := OpenStore(b.cfg, mailbox)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.List("", "*")
}

func (b *backend) CreateFolder(_ context.Context, mailbox, folder string) error {
	store, err := OpenStore(b.cfg, mailbox)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Create(folder)
}

func (b *backend) DeleteFolder(_ context.Context, mailbox, folder string) error {
	store, err := OpenStore(b.cfg, mailbox)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Delete(folder)
}

func (b *backend) RenameFolder(_ context.Context, mailbox, oldFolder, newFolder string) error {
	store, err := OpenStore(b.cfg, mailbox)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Rename(oldFolder, newFolder)
}

func (b *backend) ListInFolder(_ context.Context, mailbox, folder string) ([]msgstore.MessageInfo, error) {
	var out []msgstore.MessageInfo
	err := b.withFolder(mailbox, folder, true, false, func(mb *Mailbox) error {
		out = mb.List()
		return nil
	})
	return out, err
}

func (b *backend) StatFolder(_ context.Context, mailbox, folder string) (int, int64, error) {
	var count int
	var size int64
	err := b.withFolder(mailbox, folder, true, false, func(mb *Mailbox) error {
		count = mb.MessageCount()
		size = mb.Size()
		return nil
	})
	return count, size, err
}

func (b *backend) RetrieveFromFolder(_ context.Context, mailbox, folder, uid string) (io.ReadCloser, error) {
	var data []byte
	err := b.withFolder(mailbox, folder, true, false, func(mb *Mailbox) error {
		seq, ok := mb.SeqForUniqueID(uid)
		if !ok {
			return msgstore.NewError(msgstore.KindNotFound, "mbox.Retrieve", fmt.Errorf("no such message %q", uid))
		}
		rc, err := mb.GetContent(seq)
		if err != nil {
			return err
		}
		defer rc.Close()
		buf, err := io.ReadAll(rc)
		if err != nil {
			return msgstore.NewError(msgstore.KindIoError, "mbox.Retrieve", err)
		}
		data = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *backend) retrieveHeadersFromFolder(_ context.Context, mailbox, folder, uid string, bodyLines int) (io.ReadCloser, error) {
	var data []byte
	err := b.withFolder(mailbox, folder, true, false, func(mb *Mailbox) error {
		seq, ok := mb.SeqForUniqueID(uid)
		if !ok {
			return msgstore.NewError(msgstore.KindNotFound, "mbox.RetrieveHeaders", fmt.Errorf("no such message %q", uid))
		}
		rc, err := mb.GetTop(seq, bodyLines)
		if err != nil {
			return err
		}
		defer rc.Close()
		buf, err := io.ReadAll(rc)
		if err != nil {
			return msgstore.NewError(msgstore.KindIoError, "mbox.RetrieveHeaders", err)
		}
		data = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *backend) DeleteInFolder(_ context.Context, mailbox, folder, uid string) error {
	return b.withFolder(mailbox, folder, false, false, func(mb *Mailbox) error {
		seq, ok := mb.SeqForUniqueID(uid)
		if !ok {
			return msgstore.NewError(msgstore.KindNotFound, "mbox.Delete", fmt.Errorf("no such message %q", uid))
		}
		return mb.Delete(seq)
	})
}

func (b *backend) ExpungeFolder(_ context.Context, mailbox, folder string) error {
	return b.withFolder(mailbox, folder, false, false, func(mb *Mailbox) error {
		return mb.Expunge()
	})
}

func (b *backend) DeliverToFolder(_ context.Context, mailbox, folder string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.DeliverToFolder", err)
	}
	return b.deliverBytes(mailbox, folder, data)
}

// SearchInFolder implements msgstore.Searcher, translating the search
// index's internal UIDs back to the external unique-id strings List
// and Retrieve use.
func (b *backend) SearchInFolder(ctx context.Context, mailbox, folder string, pred msgstore.Criteria) ([]string, error) {
	var out []string
	err := b.withFolder(mailbox, folder, true, false, func(mb *Mailbox) error {
		for _, uid := range mb.Search(ctx, pred) {
			seq, ok := mb.SequenceForUID(uid)
			if !ok {
				continue
			}
			d, err := mb.Get(seq)
			if err != nil {
				continue
			}
			extUID := d.uniqueID
			if extUID == "" {
				extUID = d.placeholderUniqueID()
			}
			out = append(out, extUID)
		}
		return nil
	})
	return out, err
}
