package dbox

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/index"
	"github.com/rbaliyan/mailstore/index/fileindex"
)

func testClass(opts ...Option) *Class {
	return New(append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)...)
}

func testStorage(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	st, err := testClass(opts...).Create(context.Background(), t.TempDir(), "alice", 0, mailstore.LockMethodFcntl)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return st.(*Storage)
}

func TestCreateMailbox(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	if err := s.CreateMailbox(ctx, "INBOX", false); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if fi, err := os.Stat(filepath.Join(s.root, "INBOX", mailsDirName)); err != nil || !fi.IsDir() {
		t.Errorf("message directory missing: %v", err)
	}

	t.Run("assigns uid-validity exactly once", func(t *testing.T) {
		box, err := s.OpenMailbox(ctx, "INBOX", 0)
		if err != nil {
			t.Fatal(err)
		}
		defer box.Close(ctx)
		st, err := box.Status(ctx, ^mailstore.StatusItems(0))
		if err != nil {
			t.Fatal(err)
		}
		if st.UIDValidity == 0 {
			t.Error("uid-validity not assigned at creation")
		}
		if st.UIDNext != 1 {
			t.Errorf("UIDNext = %d, want 1", st.UIDNext)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		err := s.CreateMailbox(ctx, "INBOX", false)
		if !errors.Is(err, mailstore.ErrMailboxExists) {
			t.Fatalf("got %v, want ErrMailboxExists", err)
		}
		msg, isSyntax := s.LastError()
		if msg == "" || isSyntax {
			t.Errorf("error slot = (%q, %v), want a plain message", msg, isSyntax)
		}
	})

	t.Run("invalid name", func(t *testing.T) {
		err := s.CreateMailbox(ctx, "bad*name", false)
		if err == nil {
			t.Fatal("wildcard name accepted")
		}
		if _, isSyntax := s.LastError(); !isSyntax {
			t.Error("name failure must set a syntax error")
		}
	})

	t.Run("directory node", func(t *testing.T) {
		if err := s.CreateMailbox(ctx, "Archive", true); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(s.root, "Archive", mailsDirName)); !os.IsNotExist(err) {
			t.Error("directory node grew a message directory")
		}
		if _, err := s.OpenMailbox(ctx, "Archive", 0); !errors.Is(err, mailstore.ErrMailboxNotFound) {
			t.Errorf("opening a hierarchy node = %v, want ErrMailboxNotFound", err)
		}
	})
}

func TestCreateMailboxRace(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	// Simulate the losing side of a concurrent create: the header is
	// already initialized by the time our creator gets the guard.
	_, _, indexDir, err := s.mailboxPaths("Shared")
	if err != nil {
		t.Fatal(err)
	}
	idx, err := fileindex.Open(indexDir)
	if err != nil {
		t.Fatal(err)
	}
	g, err := idx.SyncBegin(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	g.Tx().UpdateHeader(index.Header{UIDValidity: 777, NextUID: 1})
	if err := g.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.CreateMailbox(ctx, "Shared", false); !errors.Is(err, mailstore.ErrMailboxExists) {
		t.Fatalf("got %v, want ErrMailboxExists for the race loser", err)
	}

	// The winner's identity survives.
	box, err := s.OpenMailbox(ctx, "Shared", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer box.Close(ctx)
	st, err := box.Status(ctx, mailstore.StatusUIDValidity)
	if err != nil {
		t.Fatal(err)
	}
	if st.UIDValidity != 777 {
		t.Errorf("UIDValidity = %d, want the first creator's 777", st.UIDValidity)
	}
}

// stubIndex scripts SyncBegin failures.
type stubIndex struct {
	beginErr error
}

func (s *stubIndex) SyncBegin(ctx context.Context, flags index.BeginFlags) (index.Guard, error) {
	return nil, s.beginErr
}

func (s *stubIndex) View(ctx context.Context) (index.View, error) { return emptyView{}, nil }
func (s *stubIndex) ResetError()                                  {}
func (s *stubIndex) Close(ctx context.Context) error              { return nil }

type emptyView struct{}

func (emptyView) Header() index.Header    { return index.Header{} }
func (emptyView) Records() []index.Record { return nil }

func TestCreateMailboxNothingToSyncPanics(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t, WithIndexOpener(func(dir string) (index.Index, error) {
		return &stubIndex{beginErr: index.ErrNothingToSync}, nil
	}))

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("nothing-to-sync during creation did not panic")
		}
		ie, ok := r.(*mailstore.InvariantError)
		if !ok {
			t.Fatalf("panic value %T, want *mailstore.InvariantError", r)
		}
		if !strings.Contains(ie.Detail, "Broken") {
			t.Errorf("panic detail %q does not name the mailbox", ie.Detail)
		}
	}()
	s.CreateMailbox(ctx, "Broken", false)
}

func TestSaveAndCommit(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)
	if err := s.CreateMailbox(ctx, "INBOX", false); err != nil {
		t.Fatal(err)
	}
	box, err := s.OpenMailbox(ctx, "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer box.Close(ctx)

	body := "From: a@example.com\r\nSubject: hello\r\n\r\nbody text\r\n"

	tx, err := box.BeginTransaction(0)
	if err != nil {
		t.Fatal(err)
	}
	save, err := tx.SaveInit(mailstore.SaveOptions{Flags: mailstore.FlagSeen}, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	ref, err := save.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if ref.UID != 0 {
		t.Errorf("UID %d assigned before commit", ref.UID)
	}
	if len(ref.GUID) != 64 {
		t.Errorf("GUID %q, want a 256-bit hex digest", ref.GUID)
	}
	if err := tx.Commit(ctx, 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if ref.UID != 1 || ref.Seq != 1 {
		t.Errorf("ref after commit = uid %d seq %d, want 1/1", ref.UID, ref.Seq)
	}

	data, err := os.ReadFile(filepath.Join(s.root, "INBOX", mailsDirName, "u.1"))
	if err != nil {
		t.Fatalf("committed message file: %v", err)
	}
	if string(data) != body {
		t.Error("message file content differs from the saved body")
	}

	st, err := box.Status(ctx, ^mailstore.StatusItems(0))
	if err != nil {
		t.Fatal(err)
	}
	if st.Messages != 1 || st.UIDNext != 2 {
		t.Errorf("status after commit: %+v", st)
	}
	if st.Unseen != 0 {
		t.Errorf("Unseen = %d for a seen message", st.Unseen)
	}

	t.Run("second save continues the uid sequence", func(t *testing.T) {
		tx, err := box.BeginTransaction(0)
		if err != nil {
			t.Fatal(err)
		}
		save, err := tx.SaveInit(mailstore.SaveOptions{}, strings.NewReader("second"))
		if err != nil {
			t.Fatal(err)
		}
		ref, err := save.Finish(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(ctx, 0); err != nil {
			t.Fatal(err)
		}
		if ref.UID != 2 || ref.Seq != 2 {
			t.Errorf("second ref = uid %d seq %d, want 2/2", ref.UID, ref.Seq)
		}
	})
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)
	if err := s.CreateMailbox(ctx, "INBOX", false); err != nil {
		t.Fatal(err)
	}
	box, err := s.OpenMailbox(ctx, "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer box.Close(ctx)

	tx, err := box.BeginTransaction(0)
	if err != nil {
		t.Fatal(err)
	}
	save, err := tx.SaveInit(mailstore.SaveOptions{}, strings.NewReader("discarded"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := save.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	tx.Rollback()

	ents, err := os.ReadDir(filepath.Join(s.root, "INBOX", mailsDirName))
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Errorf("rollback left %d files in the message directory", len(ents))
	}

	if err := tx.Commit(ctx, 0); !errors.Is(err, mailstore.ErrTransactionEnded) {
		t.Errorf("Commit after Rollback = %v, want ErrTransactionEnded", err)
	}
}

func TestOpenMailboxNotFound(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	if _, err := s.OpenMailbox(ctx, "Nope", 0); !errors.Is(err, mailstore.ErrMailboxNotFound) {
		t.Errorf("got %v, want ErrMailboxNotFound", err)
	}
	if msg, _ := s.LastError(); msg == "" {
		t.Error("error slot empty after failed open")
	}
}

func TestDeleteMailbox(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)
	for _, name := range []string{"Work", "Work/Reports"} {
		if err := s.CreateMailbox(ctx, name, false); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("parent with children becomes a hierarchy node", func(t *testing.T) {
		if err := s.DeleteMailbox(ctx, "Work"); err != nil {
			t.Fatalf("DeleteMailbox: %v", err)
		}
		if _, err := s.OpenMailbox(ctx, "Work", 0); !errors.Is(err, mailstore.ErrMailboxNotFound) {
			t.Errorf("deleted mailbox still opens: %v", err)
		}
		box, err := s.OpenMailbox(ctx, "Work/Reports", 0)
		if err != nil {
			t.Fatalf("child mailbox lost: %v", err)
		}
		box.Close(ctx)
	})

	t.Run("missing mailbox", func(t *testing.T) {
		if err := s.DeleteMailbox(ctx, "Ghost"); !errors.Is(err, mailstore.ErrMailboxNotFound) {
			t.Errorf("got %v, want ErrMailboxNotFound", err)
		}
	})
}

func TestRenameMailbox(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)
	if err := s.CreateMailbox(ctx, "Old", false); err != nil {
		t.Fatal(err)
	}

	if err := s.RenameMailbox(ctx, "Old", "New"); err != nil {
		t.Fatalf("RenameMailbox: %v", err)
	}
	if _, err := s.OpenMailbox(ctx, "Old", 0); !errors.Is(err, mailstore.ErrMailboxNotFound) {
		t.Error("old name still opens")
	}
	box, err := s.OpenMailbox(ctx, "New", 0)
	if err != nil {
		t.Fatalf("new name does not open: %v", err)
	}
	box.Close(ctx)

	t.Run("target exists", func(t *testing.T) {
		if err := s.CreateMailbox(ctx, "Other", false); err != nil {
			t.Fatal(err)
		}
		if err := s.RenameMailbox(ctx, "New", "Other"); !errors.Is(err, mailstore.ErrMailboxExists) {
			t.Errorf("got %v, want ErrMailboxExists", err)
		}
	})
}

func TestListMailboxes(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)
	for _, name := range []string{"INBOX", "Work", "Work/Reports"} {
		if err := s.CreateMailbox(ctx, name, false); err != nil {
			t.Fatal(err)
		}
	}

	lc, err := s.ListInit(ctx, "", "*", 0)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for {
		ok, err := lc.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		e, err := lc.Entry()
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, e.Name)
	}
	if err := lc.Deinit(); err != nil {
		t.Fatal(err)
	}
	if err := lc.Deinit(); !errors.Is(err, mailstore.ErrListDeinitialized) {
		t.Errorf("second Deinit = %v, want ErrListDeinitialized", err)
	}

	want := []string{"INBOX", "Work", "Work/Reports"}
	if len(names) != len(want) {
		t.Fatalf("listed %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("listed %v, want %v", names, want)
		}
	}

	t.Run("subscribed only", func(t *testing.T) {
		if err := s.SetSubscribed(ctx, "Work", true); err != nil {
			t.Fatal(err)
		}
		lc, err := s.ListInit(ctx, "", "*", mailstore.ListSubscribedOnly)
		if err != nil {
			t.Fatal(err)
		}
		defer lc.Deinit()
		count := 0
		for {
			ok, err := lc.Next(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				break
			}
			e, _ := lc.Entry()
			if e.Name != "Work" {
				t.Errorf("unexpected subscribed entry %q", e.Name)
			}
			count++
		}
		if count != 1 {
			t.Errorf("listed %d subscribed entries, want 1", count)
		}
	})
}

func TestMailboxNameStatus(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)
	if err := s.CreateMailbox(ctx, "INBOX", false); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		want mailstore.NameStatus
	}{
		{"INBOX", mailstore.NameStatusExists},
		{"Fresh", mailstore.NameStatusValid},
		{"bad*name", mailstore.NameStatusInvalid},
		{"", mailstore.NameStatusInvalid},
	}
	for _, tc := range cases {
		got, err := s.MailboxNameStatus(ctx, tc.name)
		if err != nil {
			t.Errorf("MailboxNameStatus(%q): %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("MailboxNameStatus(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAutodetect(t *testing.T) {
	ctx := context.Background()
	c := testClass()

	root := t.TempDir()
	st, err := c.Create(ctx, root, "alice", 0, mailstore.LockMethodFcntl)
	if err != nil {
		t.Fatal(err)
	}
	s := st.(*Storage)
	if err := s.CreateMailbox(ctx, "INBOX", false); err != nil {
		t.Fatal(err)
	}

	if !c.Autodetect(root, 0) {
		t.Error("root with an INBOX mailbox not detected")
	}
	if c.Autodetect(t.TempDir(), 0) {
		t.Error("empty directory detected as dbox")
	}
	if c.Autodetect("", 0) {
		t.Error("empty location detected")
	}
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)
	if err := s.CreateMailbox(ctx, "INBOX", false); err != nil {
		t.Fatal(err)
	}

	box, err := s.OpenMailbox(ctx, "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Destroy(ctx); err == nil {
		t.Error("Destroy succeeded with a mailbox still open")
	}
	if err := box.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Destroy(ctx); err != nil {
		t.Errorf("Destroy: %v", err)
	}

	if err := box.Close(ctx); !errors.Is(err, mailstore.ErrMailboxClosed) {
		t.Errorf("second Close = %v, want ErrMailboxClosed", err)
	}
}

// fakeInfo is a minimal FileInfo whose Sys() carries no platform stat,
// forcing the reaper's timestamp fallback.
type fakeInfo struct {
	mod time.Time
}

func (f fakeInfo) Name() string       { return "dir" }
func (f fakeInfo) Size() int64        { return 0 }
func (f fakeInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o700 }
func (f fakeInfo) ModTime() time.Time { return f.mod }
func (f fakeInfo) IsDir() bool        { return true }
func (f fakeInfo) Sys() any           { return nil }

func TestReaper(t *testing.T) {
	now := time.Now()
	newTestReaper := func(dirMod time.Time) *reaper {
		return &reaper{
			deleteAge: defaultTempDeleteAge,
			scanEvery: defaultTempScanEvery,
			logger:    slog.New(slog.DiscardHandler),
			now:       func() time.Time { return now },
			stat: func(string) (os.FileInfo, error) {
				return fakeInfo{mod: dirMod}, nil
			},
		}
	}

	setup := func(t *testing.T) string {
		t.Helper()
		dir := t.TempDir()
		for _, f := range []string{"temp.stale", "temp.fresh", "u.1"} {
			if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o600); err != nil {
				t.Fatal(err)
			}
		}
		old := now.Add(-48 * time.Hour)
		if err := os.Chtimes(filepath.Join(dir, "temp.stale"), old, old); err != nil {
			t.Fatal(err)
		}
		return dir
	}

	t.Run("removes only stale temp files", func(t *testing.T) {
		dir := setup(t)
		r := newTestReaper(now.Add(-24 * time.Hour))
		r.cleanup(dir, "temp.")

		if _, err := os.Stat(filepath.Join(dir, "temp.stale")); !os.IsNotExist(err) {
			t.Error("stale temp file survived")
		}
		for _, f := range []string{"temp.fresh", "u.1"} {
			if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
				t.Errorf("%s was removed: %v", f, err)
			}
		}
	})

	t.Run("recently scanned directory is skipped", func(t *testing.T) {
		dir := setup(t)
		r := newTestReaper(now.Add(-time.Hour))
		r.cleanup(dir, "temp.")

		if _, err := os.Stat(filepath.Join(dir, "temp.stale")); err != nil {
			t.Error("scan ran despite the recent timestamp")
		}
	})
}

func TestOpenMailboxErrnoMapping(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		statErr error
		want    error
		visible string
	}{
		{"missing", fs.ErrNotExist, mailstore.ErrMailboxNotFound, "Mailbox doesn't exist: INBOX"},
		{"permission", os.ErrPermission, mailstore.ErrInternal, "Internal error occurred"},
		{"io error", errors.New("input/output error"), mailstore.ErrInternal, "Internal error occurred"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := testStorage(t)
			if err := s.CreateMailbox(ctx, "INBOX", false); err != nil {
				t.Fatal(err)
			}
			s.opts.stat = func(path string) (os.FileInfo, error) {
				return nil, &fs.PathError{Op: "stat", Path: path, Err: tc.statErr}
			}

			if _, err := s.OpenMailbox(ctx, "INBOX", 0); !errors.Is(err, tc.want) {
				t.Fatalf("OpenMailbox = %v, want %v", err, tc.want)
			}
			msg, syntax := s.LastError()
			if syntax {
				t.Error("stat failure reported as a syntax error")
			}
			if !strings.HasPrefix(msg, tc.visible) {
				t.Errorf("LastError = %q, want prefix %q", msg, tc.visible)
			}
		})
	}
}
