package mbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/infodancer/msgstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := OpenStore(msgstore.StoreConfig{BasePath: root}, "alice")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return s
}

func TestOpenStoreCreatesInboxAndSubscription(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	if _, err := os.Stat(filepath.Join(s.userDir, "INBOX.mbox")); err != nil {
		t.Fatalf("expected INBOX.mbox to exist: %v", err)
	}
	names, err := s.ListSubscribed("", "*")
	if err != nil {
		t.Fatalf("ListSubscribed: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "INBOX" {
			found = true
		}
	}
	if !found {
		t.Fatalf("INBOX not in subscribed list: %v", names)
	}
}

func TestCreateRefusesInbox(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	if err := s.Create("inbox"); err == nil {
		t.Fatalf("expected error creating INBOX")
	}
}

func TestCreateAndListNested(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	if err := s.Create("Work/Projects"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	names, err := s.List("", "*")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := map[string]bool{"INBOX": false, "Work/Projects": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("expected %q in list, got %v", n, names)
		}
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	if err := s.Create("Drafts"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create("Drafts"); err == nil {
		t.Fatalf("expected AlreadyExists on duplicate create")
	}
}

func TestDeleteRequiresEmptyMailbox(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	if err := s.Create("Trash"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	path, err := s.resolvePath("Trash")
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if err := os.WriteFile(path, []byte("From a@x Mon Jan  1 00:00:00 2025\nSubject: s\n\nbody\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := s.Delete("Trash"); err == nil {
		t.Fatalf("expected NotEmpty error deleting non-empty mailbox")
	}

	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.Delete("Trash"); err != nil {
		t.Fatalf("Delete of empty mailbox: %v", err)
	}
}

func TestDeleteInboxFails(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	if err := s.Delete("INBOX"); err == nil {
		t.Fatalf("expected error deleting INBOX")
	}
}

func TestRenameInboxRecreatesEmptyInbox(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	inboxPath, err := s.resolvePath("INBOX")
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if err := os.WriteFile(inboxPath, []byte("From a@x Mon Jan  1 00:00:00 2025\nSubject: s\n\nbody\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := s.Rename("INBOX", "Archive"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	archivePath, _ := s.resolvePath("Archive")
	fi, err := os.Stat(archivePath)
	if err != nil {
		t.Fatalf("stat archive: %v", err)
	}
	if fi.Size() == 0 {
		t.Fatalf("archived mailbox should keep its content")
	}

	fi, err = os.Stat(inboxPath)
	if err != nil {
		t.Fatalf("stat inbox: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("recreated INBOX should be empty, got size %d", fi.Size())
	}
}

func TestPathTraversalRejected(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	if err := s.Create("../../etc/passwd"); err == nil {
		t.Fatalf("expected path traversal to be rejected")
	}
}

func TestListPatternWildcards(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	for _, name := range []string{"Work/Alpha", "Work/Beta", "Personal"} {
		if err := s.Create(name); err != nil {
			t.Fatalf("Create(%q): %v", name, err)
		}
	}

	names, err := s.List("", "Work/%")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("Work/%% matched %v, want 2 entries", names)
	}

	names, err = s.List("", "*")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 4 {
		t.Fatalf("* matched %v, want 4 entries (INBOX + 3)", names)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	if err := s.Create("Lists"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Subscribe("Lists"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	names, err := s.ListSubscribed("", "*")
	if err != nil {
		t.Fatalf("ListSubscribed: %v", err)
	}
	if !contains(names, "Lists") {
		t.Fatalf("expected Lists subscribed, got %v", names)
	}

	if err := s.Unsubscribe("Lists"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	names, err = s.ListSubscribed("", "*")
	if err != nil {
		t.Fatalf("ListSubscribed: %v", err)
	}
	if contains(names, "Lists") {
		t.Fatalf("Lists still subscribed after Unsubscribe: %v", names)
	}
}

func TestUnsubscribeInboxFails(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	if err := s.Unsubscribe("INBOX"); err == nil {
		t.Fatalf("expected error unsubscribing INBOX")
	}
}

func TestQuotaUnlimited(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	root, err := s.QuotaRoot("INBOX")
	if err != nil {
		t.Fatalf("QuotaRoot: %v", err)
	}
	q, err := s.Quota(root)
	if err != nil {
		t.Fatalf("Quota: %v", err)
	}
	if q.LimitKiB != -1 {
		t.Fatalf("LimitKiB = %d, want -1", q.LimitKiB)
	}
}

func TestSubscriptionsSurviveReopen(t *testing.T) {
	root := t.TempDir()
	s, err := OpenStore(msgstore.StoreConfig{BasePath: root}, "bob")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := s.Create("Notes"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Subscribe("Notes"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenStore(msgstore.StoreConfig{BasePath: root}, "bob")
	if err != nil {
		t.Fatalf("reopen OpenStore: %v", err)
	}
	defer s2.Close()
	names, err := s2.ListSubscribed("", "*")
	if err != nil {
		t.Fatalf("ListSubscribed: %v", err)
	}
	if !contains(names, "Notes") {
		t.Fatalf("subscription did not survive reopen: %v", names)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
