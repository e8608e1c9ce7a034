package maildir

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mailstore "github.com/rbaliyan/mailstore"
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
	for _, sub := range []string{curDirName, newDirName, tmpDirName} {
		fi, err := os.Stat(filepath.Join(s.root, "INBOX", sub))
		if err != nil || !fi.IsDir() {
			t.Errorf("%s directory missing: %v", sub, err)
		}
	}

	if err := s.CreateMailbox(ctx, "INBOX", false); !errors.Is(err, mailstore.ErrMailboxExists) {
		t.Errorf("duplicate create = %v, want ErrMailboxExists", err)
	}

	box, err := s.OpenMailbox(ctx, "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer box.Close(ctx)
	st, err := box.Status(ctx, ^mailstore.StatusItems(0))
	if err != nil {
		t.Fatal(err)
	}
	if st.UIDValidity == 0 || st.UIDNext != 1 {
		t.Errorf("fresh mailbox status %+v", st)
	}
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

	body := "Subject: hi\r\n\r\nhello maildir\r\n"
	tx, err := box.BeginTransaction(0)
	if err != nil {
		t.Fatal(err)
	}
	save, err := tx.SaveInit(mailstore.SaveOptions{Flags: mailstore.FlagSeen | mailstore.FlagFlagged}, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	ref, err := save.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx, 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ref.UID != 1 {
		t.Errorf("UID = %d, want 1", ref.UID)
	}

	ents, err := os.ReadDir(filepath.Join(s.root, "INBOX", curDirName))
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 1 {
		t.Fatalf("cur has %d files, want 1", len(ents))
	}
	name := ents[0].Name()
	if !strings.Contains(name, ".u1.") || !strings.HasSuffix(name, ":2,FS") {
		t.Errorf("message file name %q, want uid marker and FS flag suffix", name)
	}

	// tmp must be empty after a committed save.
	if ents, err := os.ReadDir(filepath.Join(s.root, "INBOX", tmpDirName)); err != nil || len(ents) != 0 {
		t.Errorf("tmp not empty after commit: %d files", len(ents))
	}

	t.Run("read back through the record", func(t *testing.T) {
		m := box.(*mailbox)
		rec, ok := m.findRecord(1)
		if !ok {
			t.Fatal("record for uid 1 missing from the handle cache")
		}
		if !strings.HasPrefix(rec.URI, curDirName+string(os.PathSeparator)) {
			t.Errorf("record URI %q, want a cur-relative file", rec.URI)
		}
		rc, err := m.openMessage(ctx, rec)
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != body {
			t.Error("read-back body differs from the saved body")
		}
	})
}

func TestIngestNewDeliveries(t *testing.T) {
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

	// An MDA drops a delivery straight into new.
	delivery := filepath.Join(s.root, "INBOX", newDirName, "1756100000.M1P1.host")
	if err := os.WriteFile(delivery, []byte("Subject: delivered\r\n\r\nvia new\r\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	sc, err := box.SyncInit(0)
	if err != nil {
		t.Fatalf("SyncInit: %v", err)
	}
	for {
		ok, err := sc.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
	}
	st, err := sc.Deinit()
	if err != nil {
		t.Fatal(err)
	}

	if st.Messages != 1 {
		t.Errorf("Messages = %d after ingest, want 1", st.Messages)
	}
	if st.UIDNext != 2 {
		t.Errorf("UIDNext = %d, want 2", st.UIDNext)
	}
	if st.Recent != 1 {
		t.Errorf("Recent = %d, want the ingested delivery flagged recent", st.Recent)
	}

	if _, err := os.Stat(delivery); !os.IsNotExist(err) {
		t.Error("delivery still sitting in new after ingestion")
	}
	ents, err := os.ReadDir(filepath.Join(s.root, "INBOX", curDirName))
	if err != nil || len(ents) != 1 {
		t.Fatalf("cur has %d files, want the ingested delivery", len(ents))
	}

	m := box.(*mailbox)
	rec, ok := m.findRecord(1)
	if !ok {
		t.Fatal("ingested record missing")
	}
	if mailstore.MessageFlags(rec.Flags)&mailstore.FlagRecent == 0 {
		t.Error("ingested record not flagged recent")
	}
}

func TestStatusCountsNewAsRecent(t *testing.T) {
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

	if err := os.WriteFile(filepath.Join(s.root, "INBOX", newDirName, "m1"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := box.Status(ctx, mailstore.StatusRecent)
	if err != nil {
		t.Fatal(err)
	}
	if st.Recent != 1 {
		t.Errorf("Recent = %d with one undelivered file, want 1", st.Recent)
	}
}

func TestSweepTmpOnOpen(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t, WithTmpMaxAge(time.Hour))
	if err := s.CreateMailbox(ctx, "INBOX", false); err != nil {
		t.Fatal(err)
	}

	tmpDir := filepath.Join(s.root, "INBOX", tmpDirName)
	stale := filepath.Join(tmpDir, "stale")
	fresh := filepath.Join(tmpDir, "fresh")
	for _, f := range []string{stale, fresh} {
		if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	box, err := s.OpenMailbox(ctx, "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer box.Close(ctx)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale tmp file survived open")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh tmp file was removed")
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
	if err := st.(*Storage).CreateMailbox(ctx, "INBOX", false); err != nil {
		t.Fatal(err)
	}
	if !c.Autodetect(root, 0) {
		t.Error("root with an INBOX maildir not detected")
	}

	// A bare maildir: cur/new/tmp directly under the location.
	bare := t.TempDir()
	for _, sub := range []string{curDirName, newDirName, tmpDirName} {
		if err := os.Mkdir(filepath.Join(bare, sub), 0o700); err != nil {
			t.Fatal(err)
		}
	}
	if !c.Autodetect(bare, 0) {
		t.Error("bare maildir not detected")
	}

	partial := t.TempDir()
	if err := os.Mkdir(filepath.Join(partial, curDirName), 0o700); err != nil {
		t.Fatal(err)
	}
	if c.Autodetect(partial, 0) {
		t.Error("directory with only cur detected as maildir")
	}
}

func TestMessageFileName(t *testing.T) {
	ts := time.Unix(1756100000, 0)
	guid := strings.Repeat("ab", 20)

	name := messageFileName(ts, 7, guid, mailstore.FlagSeen|mailstore.FlagDeleted)
	if name != "1756100000.u7.abababababababab:2,ST" {
		t.Errorf("got %q", name)
	}

	t.Run("flag letters in ascii order", func(t *testing.T) {
		all := mailstore.FlagDraft | mailstore.FlagFlagged | mailstore.FlagAnswered |
			mailstore.FlagSeen | mailstore.FlagDeleted
		if got := flagChars(all); got != "DFRST" {
			t.Errorf("flagChars = %q, want DFRST", got)
		}
		if got := flagChars(0); got != "" {
			t.Errorf("flagChars(0) = %q", got)
		}
	})
}

func TestListSkipsInternalDirs(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)
	for _, name := range []string{"INBOX", "Work"} {
		if err := s.CreateMailbox(ctx, name, false); err != nil {
			t.Fatal(err)
		}
	}

	lc, err := s.ListInit(ctx, "", "*", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer lc.Deinit()
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
	if len(names) != 2 {
		t.Fatalf("listed %v, want exactly INBOX and Work", names)
	}
	for _, n := range names {
		if strings.Contains(n, curDirName) || strings.Contains(n, newDirName) || strings.Contains(n, tmpDirName) {
			t.Errorf("internal directory %q listed as a mailbox", n)
		}
	}
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
