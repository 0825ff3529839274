// Package msgstore defines the storage contract consumed by mail
// session protocols (POP3/IMAP/SMTP DATA) and implemented by the mbox
// engine in the mbox subpackage. The core itself never dials a network
// socket; it is a byte-in, byte-out storage and search layer.
package msgstore

import (
	"context"
	"io"
)

// MessageInfo describes one message as seen from outside the store:
// enough to drive LIST/UIDL/STAT without opening the message body.
type MessageInfo struct {
	UID  string
	Size int64
}

// Envelope carries delivery metadata for Deliver: the sender (for
// logging/bounce purposes only — never trusted into the stored
// envelope line, see mbox's fixed MAILER-DAEMON sender) and the
// recipient mailbox names the message should be delivered to.
type Envelope struct {
	From       string
	Recipients []string
}

// MessageStore is the minimal per-mailbox contract a session protocol
// needs: list, fetch (full or headers-only), delete, expunge, stat.
// All methods operate against a single default folder (INBOX); use
// FolderStore for named-folder variants.
type MessageStore interface {
	// List returns descriptors for every message currently visible in
	// mailbox (deleted-but-not-expunged messages are omitted).
	List(ctx context.Context, mailbox string) ([]MessageInfo, error)

	// Retrieve returns the full RFC 822 bytes of the message with the
	// given UID, From-unescaped.
	Retrieve(ctx context.Context, mailbox, uid string) (io.ReadCloser, error)

	// RetrieveHeaders returns the header section plus up to bodyLines
	// lines of body (POP3 TOP semantics).
	RetrieveHeaders(ctx context.Context, mailbox, uid string, bodyLines int) (io.ReadCloser, error)

	// Delete marks the message for removal; it remains visible until
	// Expunge (or is restored by an implementation-specific undelete,
	// not part of this interface).
	Delete(ctx context.Context, mailbox, uid string) error

	// Expunge physically removes every message marked deleted.
	Expunge(ctx context.Context, mailbox string) error

	// Stat returns (message count, total size in bytes) over
	// non-deleted messages.
	Stat(ctx context.Context, mailbox string) (int, int64, error)
}

// FolderStore extends MessageStore with named-folder operations, used
// by subaddressed mailboxes (user+folder@domain) and by IMAP-capable
// sessions that need more than a single INBOX.
type FolderStore interface {
	ListFolders(ctx context.Context, mailbox string) ([]string, error)
	CreateFolder(ctx context.Context, mailbox, folder string) error
	DeleteFolder(ctx context.Context, mailbox, folder string) error
	RenameFolder(ctx context.Context, mailbox, oldFolder, newFolder string) error

	ListInFolder(ctx context.Context, mailbox, folder string) ([]MessageInfo, error)
	StatFolder(ctx context.Context, mailbox, folder string) (int, int64, error)
	RetrieveFromFolder(ctx context.Context, mailbox, folder, uid string) (io.ReadCloser, error)
	DeleteInFolder(ctx context.Context, mailbox, folder, uid string) error
	ExpungeFolder(ctx context.Context, mailbox, folder string) error
	DeliverToFolder(ctx context.Context, mailbox, folder string, r io.Reader) error
}

// Deliverer accepts new mail for one or more recipient mailboxes.
type Deliverer interface {
	Deliver(ctx context.Context, env Envelope, r io.Reader) error
}

// MsgStore is the full contract a backend registers under Open: message
// access plus delivery. Backends may additionally implement FolderStore
// and io.Closer; callers type-assert for those.
type MsgStore interface {
	MessageStore
	Deliverer
}

// StoreConfig selects and configures a backend at Open time.
type StoreConfig struct {
	// Type names the registered backend ("mbox").
	Type string
	// BasePath is the backend's root directory.
	BasePath string
	// Options carries backend-specific string settings (e.g. the mbox
	// backend's "ext" file extension), mirroring the
	// [msgstore.options] TOML sub-table convention used throughout the
	// domain config files this module's consumers already load.
	Options map[string]string
}

// OpenFunc constructs a backend from a StoreConfig. Backends register
// one via Register in an init() function, following the blank-import
// plugin convention (`_ "github.com/infodancer/msgstore/mbox"`).
type OpenFunc func(StoreConfig) (MsgStore, error)

var registry = map[string]OpenFunc{}

// Register adds a backend under name. Calling Register twice for the
// same name panics, since that can only happen from a programming
// error (two backends claiming the same Type string).
func Register(name string, fn OpenFunc) {
	if _, exists := registry[name]; exists {
		panic("msgstore: backend already registered: " + name)
	}
	registry[name] = fn
}

// Open constructs the backend named by cfg.Type.
func Open(cfg StoreConfig) (MsgStore, error) {
	fn, ok := registry[cfg.Type]
	if !ok {
		return nil, NewError(KindInvalidArgument, "msgstore.Open", errUnknownBackend(cfg.Type))
	}
	return fn(cfg)
}

type unknownBackendError string

func (e unknownBackendError) Error() string { return "unknown backend: " + string(e) }

func errUnknownBackend(name string) error { return unknownBackendError(name) }
