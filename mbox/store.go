package mbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/infodancer/msgstore"
	"github.com/infodancer/msgstore/mbox/mboxname"
)

const (
	// HierarchyDelimiter separates hierarchy components in every
	// logical mailbox name this package hands out (spec §4.4: "always
	// /").
	HierarchyDelimiter = "/"
	// defaultExtension is the mailbox file suffix when StoreConfig
	// does not override it.
	defaultExtension  = ".mbox"
	subscriptionsFile = ".subscriptions"
	inboxName         = "INBOX"
)

// Attributes describes a hierarchy node as returned by Store.Attributes.
type Attributes struct {
	// Selectable is false for a pure directory container that has no
	// mailbox file of its own (IMAP's \Noselect).
	Selectable bool
	// HasChildren reports whether the node has at least one nested
	// mailbox or directory beneath it.
	HasChildren bool
	// Size is the underlying mailbox file's byte size; zero when not
	// Selectable.
	Size int64
}

// Quota reports per-root storage usage. LimitKiB is always -1: this
// store enforces no quota ceiling (spec §4.4).
type Quota struct {
	UsageKiB int64
	LimitKiB int64
}

// Store implements the folder-tree, subscription, and naming contract
// of spec §4.4, rooted at one user's directory under a shared root.
// Like Mailbox, a Store is single-user per open; its only mutable
// state is the subscriptions set, touched only by Subscribe,
// Unsubscribe, and Close (spec §5).
type Store struct {
	userDir       string
	ext           string
	quotaRoot     string
	subscriptions map[string]struct{}
	closed        bool
}

// OpenStore opens (creating if absent) the per-user mailbox hierarchy
// rooted at filepath.Join(cfg.BasePath, username), ensuring INBOX
// exists. The subscriptions file is read if present and written on
// Close. cfg.Options["ext"] overrides the
// mailbox file extension (default ".mbox").
func OpenStore(cfg msgstore.StoreConfig, username string) (*Store, error) {
	if username == "" {
		return nil, msgstore.NewError(msgstore.KindInvalidArgument, "mbox.OpenStore", fmt.Errorf("empty username"))
	}
	ext := cfg.Options["ext"]
	if ext == "" {
		ext = defaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	userDir := filepath.Join(cfg.BasePath, mboxname.Encode(username))
	if err := os.MkdirAll(userDir, 0o700); err != nil {
		return nil, msgstore.NewError(msgstore.KindIoError, "mbox.OpenStore", err)
	}

	s := &Store{
		userDir:       userDir,
		ext:           ext,
		quotaRoot:     "user/" + username,
		subscriptions: map[string]struct{}{inboxName: {}},
	}

	inboxPath := s.mailboxPath(inboxName)
	if _, err := os.Stat(inboxPath); os.IsNotExist(err) {
		f, err := os.OpenFile(inboxPath, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, msgstore.NewError(msgstore.KindIoError, "mbox.OpenStore", err)
		}
		f.Close()
	} else if err != nil {
		return nil, msgstore.NewError(msgstore.KindIoError, "mbox.OpenStore", err)
	}

	if err := s.loadSubscriptions(); err != nil {
		return nil, err
	}
	return s, nil
}

// HierarchyDelimiter returns "/" (spec §4.4: fixed, never configurable).
func (s *Store) HierarchyDelimiter() string { return HierarchyDelimiter }

// Close persists the subscriptions file and marks the store closed.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.saveSubscriptions()
}

// canonicalName validates and normalizes a logical mailbox name:
// splits it on the hierarchy delimiter, case-folds any component that
// is INBOX (case-insensitively, at any depth — spec §4.4) to the
// canonical uppercase spelling, and rejects empty, ".", "..", or
// components containing '/', '\\', NUL, or ':'.
func canonicalName(name string) (string, error) {
	if name == "" {
		return "", msgstore.NewError(msgstore.KindInvalidArgument, "mbox.canonicalName", fmt.Errorf("empty mailbox name"))
	}
	parts := strings.Split(name, HierarchyDelimiter)
	for i, p := range parts {
		if strings.EqualFold(p, inboxName) {
			p = inboxName
		}
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, "/\\:\x00") {
			return "", msgstore.NewError(msgstore.KindInvalidArgument, "mbox.canonicalName", fmt.Errorf("invalid mailbox name component %q", p))
		}
		parts[i] = p
	}
	return strings.Join(parts, HierarchyDelimiter), nil
}

// resolvePath turns a canonical logical name into an absolute
// filesystem path for its mailbox file, verifying the result remains
// a descendant of the user directory (spec §4.4 path traversal guard).
func (s *Store) resolvePath(canonical string) (string, error) {
	parts := strings.Split(canonical, HierarchyDelimiter)
	encoded := make([]string, len(parts))
	for i, p := range parts {
		encoded[i] = mboxname.Encode(p)
	}
	rel := filepath.Join(encoded...) + s.ext
	full := filepath.Join(s.userDir, rel)

	cleanRoot := filepath.Clean(s.userDir) + string(filepath.Separator)
	if !strings.HasPrefix(full+string(filepath.Separator), cleanRoot) {
		return "", msgstore.NewError(msgstore.KindInvalidArgument, "mbox.resolvePath", fmt.Errorf("path traversal in %q", canonical))
	}
	return full, nil
}

func (s *Store) mailboxPath(name string) string {
	// Safe to ignore the error: callers only pass already-canonical,
	// hard-coded names (inboxName) here.
	path, _ := s.resolvePath(name)
	return path
}

// OpenMailbox opens the named mailbox file, rebuilding its directory
// structure if missing is not permitted — the file must already exist
// (use Create first).
func (s *Store) OpenMailbox(name string, readOnly bool) (*Mailbox, error) {
	canonical, err := canonicalName(name)
	if err != nil {
		return nil, err
	}
	path, err := s.resolvePath(canonical)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, msgstore.NewError(msgstore.KindNotFound, "mbox.OpenMailbox", fmt.Errorf("no such mailbox %q", canonical))
	}
	return Open(path, readOnly)
}

// Create makes an empty mailbox file at name, creating any
// intermediate hierarchy directories. INBOX always exists and cannot
// be created again.
func (s *Store) Create(name string) error {
	canonical, err := canonicalName(name)
	if err != nil {
		return err
	}
	if canonical == inboxName {
		return msgstore.NewError(msgstore.KindAlreadyExists, "mbox.Create", fmt.Errorf("INBOX always exists"))
	}
	path, err := s.resolvePath(canonical)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return msgstore.NewError(msgstore.KindAlreadyExists, "mbox.Create", fmt.Errorf("mailbox %q already exists", canonical))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.Create", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.Create", err)
	}
	return f.Close()
}

// Delete removes an empty mailbox file. The mailbox must be exactly
// zero bytes (spec §4.4: "RFC 3501 compatibility... avoiding silent
// data loss"). INBOX can never be deleted since it always exists.
func (s *Store) Delete(name string) error {
	canonical, err := canonicalName(name)
	if err != nil {
		return err
	}
	if canonical == inboxName {
		return msgstore.NewError(msgstore.KindInvalidArgument, "mbox.Delete", fmt.Errorf("INBOX cannot be deleted"))
	}
	path, err := s.resolvePath(canonical)
	if err != nil {
		return err
	}
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return msgstore.NewError(msgstore.KindNotFound, "mbox.Delete", fmt.Errorf("no such mailbox %q", canonical))
	} else if err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.Delete", err)
	}
	if fi.Size() != 0 {
		return msgstore.NewError(msgstore.KindNotEmpty, "mbox.Delete", fmt.Errorf("mailbox %q is not empty", canonical))
	}
	if err := os.Remove(path); err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.Delete", err)
	}
	os.Remove(path + indexSuffix)
	return nil
}

// Rename moves a mailbox from oldName to newName. Renaming INBOX
// moves its underlying file to newName and recreates an empty INBOX
// in its place, per spec §4.4. Subscription entries are left exactly
// as they are — spec §5 limits subscription-set mutation to
// Subscribe/Unsubscribe/Close, so a rename does not retarget them.
func (s *Store) Rename(oldName, newName string) error {
	oldCanon, err := canonicalName(oldName)
	if err != nil {
		return err
	}
	newCanon, err := canonicalName(newName)
	if err != nil {
		return err
	}
	if newCanon == inboxName {
		return msgstore.NewError(msgstore.KindAlreadyExists, "mbox.Rename", fmt.Errorf("INBOX always exists"))
	}
	oldPath, err := s.resolvePath(oldCanon)
	if err != nil {
		return err
	}
	newPath, err := s.resolvePath(newCanon)
	if err != nil {
		return err
	}
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		return msgstore.NewError(msgstore.KindNotFound, "mbox.Rename", fmt.Errorf("no such mailbox %q", oldCanon))
	}
	if _, err := os.Stat(newPath); err == nil {
		return msgstore.NewError(msgstore.KindAlreadyExists, "mbox.Rename", fmt.Errorf("mailbox %q already exists", newCanon))
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o700); err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.Rename", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.Rename", err)
	}
	os.Rename(oldPath+indexSuffix, newPath+indexSuffix)

	if oldCanon == inboxName {
		f, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return msgstore.NewError(msgstore.KindIoError, "mbox.Rename", err)
		}
		f.Close()
	}
	return nil
}

// Attributes reports whether name is selectable (has its own mailbox
// file) and/or has children beneath it in the hierarchy.
func (s *Store) Attributes(name string) (Attributes, error) {
	canonical, err := canonicalName(name)
	if err != nil {
		return Attributes{}, err
	}
	path, err := s.resolvePath(canonical)
	if err != nil {
		return Attributes{}, err
	}
	var attrs Attributes
	if fi, err := os.Stat(path); err == nil {
		attrs.Selectable = true
		attrs.Size = fi.Size()
	} else if !os.IsNotExist(err) {
		return Attributes{}, msgstore.NewError(msgstore.KindIoError, "mbox.Attributes", err)
	}

	dirPath := strings.TrimSuffix(path, s.ext)
	if entries, err := os.ReadDir(dirPath); err == nil {
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			attrs.HasChildren = true
			break
		}
	} else if !attrs.Selectable && os.IsNotExist(err) {
		return Attributes{}, msgstore.NewError(msgstore.KindNotFound, "mbox.Attributes", fmt.Errorf("no such mailbox %q", canonical))
	}
	return attrs, nil
}

// QuotaRoot returns the single quota root name this store's mailboxes
// all share (one per user — spec §4.4 "per-user").
func (s *Store) QuotaRoot(name string) (string, error) {
	if _, err := canonicalName(name); err != nil {
		return "", err
	}
	return s.quotaRoot, nil
}

// Quota reports usage for root, summing every mailbox file's size
// under this store. The limit is always -1 (unlimited).
func (s *Store) Quota(root string) (Quota, error) {
	if root != s.quotaRoot {
		return Quota{}, msgstore.NewError(msgstore.KindNotFound, "mbox.Quota", fmt.Errorf("unknown quota root %q", root))
	}
	var totalBytes int64
	err := filepath.WalkDir(s.userDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, s.ext) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		totalBytes += fi.Size()
		return nil
	})
	if err != nil {
		return Quota{}, msgstore.NewError(msgstore.KindIoError, "mbox.Quota", err)
	}
	return Quota{UsageKiB: totalBytes / 1024, LimitKiB: -1}, nil
}

// List returns every mailbox name reachable from reference whose full
// name matches pattern (spec §4.4 wildcard rules).
func (s *Store) List(reference, pattern string) ([]string, error) {
	return s.listMatching(reference, pattern, nil)
}

// ListSubscribed is List filtered to subscribed mailboxes. INBOX is
// always implicitly subscribed.
func (s *Store) ListSubscribed(reference, pattern string) ([]string, error) {
	return s.listMatching(reference, pattern, s.subscriptions)
}

func (s *Store) listMatching(reference, pattern string, filter map[string]struct{}) ([]string, error) {
	full := joinReferenceAndPattern(reference, pattern)
	re, err := patternToRegexp(full)
	if err != nil {
		return nil, msgstore.NewError(msgstore.KindInvalidArgument, "mbox.List", err)
	}

	var results []string
	type frame struct {
		dir    string
		prefix string
	}
	stack := []frame{{dir: s.userDir, prefix: ""}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(f.dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			rawName := e.Name()
			if strings.HasPrefix(rawName, ".") {
				continue
			}
			if e.IsDir() {
				decoded, derr := mboxname.Decode(rawName)
				if derr != nil {
					continue
				}
				stack = append(stack, frame{
					dir:    filepath.Join(f.dir, rawName),
					prefix: f.prefix + decoded + HierarchyDelimiter,
				})
				continue
			}
			if !strings.HasSuffix(rawName, s.ext) {
				continue
			}
			decoded, derr := mboxname.Decode(strings.TrimSuffix(rawName, s.ext))
			if derr != nil {
				continue
			}
			logical := f.prefix + decoded
			if filter != nil {
				if _, ok := filter[logical]; !ok {
					continue
				}
			}
			if re.MatchString(logical) {
				results = append(results, logical)
			}
		}
	}
	sort.Strings(results)
	return results, nil
}

// joinReferenceAndPattern combines an IMAP-style reference name and
// mailbox pattern into one pattern to match full logical names
// against.
func joinReferenceAndPattern(reference, pattern string) string {
	if reference == "" {
		return pattern
	}
	if pattern == "" {
		return reference
	}
	reference = strings.TrimSuffix(reference, HierarchyDelimiter)
	return reference + HierarchyDelimiter + pattern
}

// patternToRegexp translates an IMAP-style wildcard pattern ('*'
// matches anything including the hierarchy delimiter, '%' matches
// anything except it) into an anchored, case-insensitive regexp
// (spec §4.4).
func patternToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '%':
			b.WriteString("[^/]*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Subscribe adds name to the subscription set, persisting the
// subscriptions file immediately.
func (s *Store) Subscribe(name string) error {
	canonical, err := canonicalName(name)
	if err != nil {
		return err
	}
	s.subscriptions[canonical] = struct{}{}
	return s.saveSubscriptions()
}

// Unsubscribe removes name from the subscription set. INBOX is always
// subscribed and cannot be removed (spec §4.4).
func (s *Store) Unsubscribe(name string) error {
	canonical, err := canonicalName(name)
	if err != nil {
		return err
	}
	if canonical == inboxName {
		return msgstore.NewError(msgstore.KindInvalidArgument, "mbox.Unsubscribe", fmt.Errorf("INBOX is always subscribed"))
	}
	delete(s.subscriptions, canonical)
	return s.saveSubscriptions()
}

func (s *Store) subscriptionsPath() string {
	return filepath.Join(s.userDir, subscriptionsFile)
}

func (s *Store) loadSubscriptions() error {
	data, err := os.ReadFile(s.subscriptionsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.loadSubscriptions", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s.subscriptions[line] = struct{}{}
	}
	return nil
}

// saveSubscriptions writes the subscriptions file via write-to-temp +
// atomic rename, the same crash-consistency idiom used by
// gidx.Index.Save and Mailbox.Expunge.
func (s *Store) saveSubscriptions() error {
	names := make([]string, 0, len(s.subscriptions))
	for n := range s.subscriptions {
		if n == inboxName {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("# subscribed mailboxes; INBOX is always implicitly subscribed\n")
	for _, n := range names {
		b.WriteString(n)
		b.WriteString("\n")
	}

	tmp, err := os.CreateTemp(s.userDir, ".subscriptions-tmp-*")
	if err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.saveSubscriptions", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return msgstore.NewError(msgstore.KindIoError, "mbox.saveSubscriptions", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return msgstore.NewError(msgstore.KindIoError, "mbox.saveSubscriptions", err)
	}
	if err := tmp.Close(); err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.saveSubscriptions", err)
	}
	if err := os.Rename(tmpName, s.subscriptionsPath()); err != nil {
		return msgstore.NewError(msgstore.KindIoError, "mbox.saveSubscriptions", err)
	}
	return nil
}
