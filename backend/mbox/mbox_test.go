package mbox

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
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
	st, err := testClass(opts...).Create(context.Background(), t.TempDir(), "alice", 0, mailstore.LockMethodDotlock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return st.(*Storage)
}

func saveMessage(t *testing.T, box mailstore.Mailbox, body string, opts mailstore.SaveOptions) *mailstore.MessageRef {
	t.Helper()
	ctx := context.Background()
	tx, err := box.BeginTransaction(0)
	if err != nil {
		t.Fatal(err)
	}
	save, err := tx.SaveInit(opts, strings.NewReader(body))
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
	return ref
}

func TestCreateMailbox(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	if err := s.CreateMailbox(ctx, "INBOX", false); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	boxFile, indexDir, err := s.mailboxPaths("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(boxFile)
	if err != nil || !fi.Mode().IsRegular() || fi.Size() != 0 {
		t.Errorf("mailbox file not an empty regular file: %v %v", fi, err)
	}
	if !isMboxFile(boxFile) {
		t.Error("fresh mailbox file not recognized as mbox")
	}
	if _, err := os.Stat(indexDir); err != nil {
		t.Errorf("index directory missing: %v", err)
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
	if st.UIDValidity == 0 || st.UIDNext != 1 || st.Messages != 0 {
		t.Errorf("fresh mailbox status %+v", st)
	}

	t.Run("directory holds child mailboxes", func(t *testing.T) {
		if err := s.CreateMailbox(ctx, "Work", true); err != nil {
			t.Fatalf("directory create: %v", err)
		}
		if err := s.CreateMailbox(ctx, "Work/Reports", false); err != nil {
			t.Fatalf("child create: %v", err)
		}
	})
}

func TestCreateMailboxRace(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	// Another creator already committed the mailbox identity.
	_, indexDir, err := s.mailboxPaths("Shared")
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
		t.Fatalf("race loser create = %v, want ErrMailboxExists", err)
	}

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

	body := "Subject: hi\n\nhello mbox\n"
	received := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tx, err := box.BeginTransaction(0)
	if err != nil {
		t.Fatal(err)
	}
	kw, err := tx.KeywordsCreate([]string{"$Work"})
	if err != nil {
		t.Fatal(err)
	}
	save, err := tx.SaveInit(mailstore.SaveOptions{
		Flags:          mailstore.FlagSeen,
		Keywords:       kw,
		Received:       received,
		EnvelopeSender: "bob@example.com",
	}, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	ref, err := save.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ref.UID != 0 {
		t.Errorf("UID assigned before commit: %d", ref.UID)
	}
	if err := tx.Commit(ctx, 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ref.UID != 1 || ref.Seq != 1 {
		t.Errorf("ref = UID %d Seq %d, want 1/1", ref.UID, ref.Seq)
	}

	boxFile, _, err := s.mailboxPaths("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(boxFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "From bob@example.com  Sat Mar 14 09:26:53 2026\n") {
		t.Errorf("file does not start with the envelope line: %q", string(data[:min(len(data), 60)]))
	}

	t.Run("read back through the record", func(t *testing.T) {
		m := box.(*mailbox)
		rec, ok := m.findRecord(1)
		if !ok {
			t.Fatal("record for uid 1 missing from the handle cache")
		}
		if rec.Size != int64(len(body)) {
			t.Errorf("record size %d, want %d", rec.Size, len(body))
		}
		if len(rec.Keywords) != 1 || rec.Keywords[0] != "$Work" {
			t.Errorf("record keywords %v", rec.Keywords)
		}
		if _, err := strconv.ParseInt(rec.URI, 10, 64); err != nil {
			t.Fatalf("record URI %q is not a byte offset", rec.URI)
		}
		rc, err := m.openMessage(ctx, rec)
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		got, err := io.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != body {
			t.Error("read-back body differs from the saved body")
		}
	})

	t.Run("second save appends", func(t *testing.T) {
		ref2 := saveMessage(t, box, "Subject: two\n\nsecond\n", mailstore.SaveOptions{})
		if ref2.UID != 2 || ref2.Seq != 2 {
			t.Errorf("ref = UID %d Seq %d, want 2/2", ref2.UID, ref2.Seq)
		}
		data, err := os.ReadFile(boxFile)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "\nFrom MAILER-DAEMON  ") {
			t.Error("default envelope sender missing from the second separator")
		}
		st, err := box.Status(ctx, mailstore.StatusMessages|mailstore.StatusUIDNext)
		if err != nil {
			t.Fatal(err)
		}
		if st.Messages != 2 || st.UIDNext != 3 {
			t.Errorf("status %+v after two saves", st)
		}
		if segs, err := scanSegments(boxFile); err != nil || len(segs) != 2 {
			t.Errorf("file scans as %d messages (%v), want 2", len(segs), err)
		}
	})
}

func TestSaveQuotesFromLines(t *testing.T) {
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

	body := "From the top\nplain line\n"
	ref := saveMessage(t, box, body, mailstore.SaveOptions{})

	m := box.(*mailbox)
	rec, ok := m.findRecord(ref.UID)
	if !ok {
		t.Fatal("record missing")
	}
	// Quoting is write-only: the stored body carries the extra byte.
	if rec.Size != int64(len(body))+1 {
		t.Errorf("record size %d, want %d with the quote byte", rec.Size, len(body)+1)
	}
	rc, err := m.openMessage(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != ">From the top\nplain line\n" {
		t.Errorf("stored body %q", string(got))
	}

	boxFile, _, err := s.mailboxPaths("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if segs, err := scanSegments(boxFile); err != nil || len(segs) != 1 {
		t.Errorf("quoted body split the file into %d messages (%v)", len(segs), err)
	}
}

func TestWriteMessageAndScanSegments(t *testing.T) {
	ts := time.Unix(1756100000, 0)

	t.Run("round trip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "box")
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		cw := &countingWriter{w: f}
		off1, size1, err := writeMessage(cw, 0, "a@example.com", ts, strings.NewReader("one\n"))
		if err != nil {
			t.Fatal(err)
		}
		off2, size2, err := writeMessage(cw, cw.n, "", ts, strings.NewReader("two two\n"))
		if err != nil {
			t.Fatal(err)
		}
		f.Close()

		segs, err := scanSegments(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(segs) != 2 {
			t.Fatalf("got %d segments, want 2", len(segs))
		}
		want := []segment{{off1, size1}, {off2, size2}}
		for i, w := range want {
			if segs[i] != w {
				t.Errorf("segment %d = %+v, want %+v", i, segs[i], w)
			}
		}

		rc, err := openSection(path, off2, size2)
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		got, err := io.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "two two\n" {
			t.Errorf("section read %q", string(got))
		}
	})

	t.Run("from line inside a body is not a separator", func(t *testing.T) {
		sep1 := "From alice Thu Jan  1 00:00:00 2026\n"
		body1 := "aaa\nFrom not a separator\n"
		sep2 := "From bob Thu Jan  1 00:00:00 2026\n"
		body2 := "bbb\n"
		path := filepath.Join(t.TempDir(), "box")
		if err := os.WriteFile(path, []byte(sep1+body1+"\n"+sep2+body2+"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		segs, err := scanSegments(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(segs) != 2 {
			t.Fatalf("got %d segments, want 2: %+v", len(segs), segs)
		}
		if segs[0].bodyOffset != int64(len(sep1)) || segs[0].bodySize != int64(len(body1)) {
			t.Errorf("segment 0 = %+v", segs[0])
		}
		if segs[1].bodySize != int64(len(body2)) {
			t.Errorf("segment 1 = %+v", segs[1])
		}
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "box")
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		segs, err := scanSegments(path)
		if err != nil || len(segs) != 0 {
			t.Errorf("empty file scanned as %d segments (%v)", len(segs), err)
		}
	})

	t.Run("missing final newline is supplied", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "box")
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		off, size, err := writeMessage(f, 0, "", ts, strings.NewReader("abc"))
		if err != nil {
			t.Fatal(err)
		}
		f.Close()
		if size != 4 {
			t.Errorf("body size %d, want 4 with the supplied newline", size)
		}
		rc, err := openSection(path, off, size)
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		got, _ := io.ReadAll(rc)
		if string(got) != "abc\n" {
			t.Errorf("stored body %q", string(got))
		}
	})
}

func TestAutodetect(t *testing.T) {
	c := testClass()

	dir := t.TempDir()
	mboxPath := filepath.Join(dir, "mail")
	if err := os.WriteFile(mboxPath, []byte("From alice Thu Jan  1 00:00:00 2026\nbody\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !c.Autodetect(mboxPath, 0) {
		t.Error("file with a From line not detected")
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if !c.Autodetect(empty, 0) {
		t.Error("empty file not detected")
	}

	other := filepath.Join(dir, "other")
	if err := os.WriteFile(other, []byte("Subject: not mbox\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if c.Autodetect(other, 0) {
		t.Error("non-mbox file detected")
	}

	root := t.TempDir()
	if c.Autodetect(root, 0) {
		t.Error("directory without INBOX detected")
	}
	if err := os.WriteFile(filepath.Join(root, "INBOX"), []byte("From x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !c.Autodetect(root, 0) {
		t.Error("directory with an INBOX mbox file not detected")
	}

	if c.Autodetect("", 0) || c.Autodetect(filepath.Join(dir, "missing"), 0) {
		t.Error("empty or missing location detected")
	}
}

func TestReconcileExternalAppend(t *testing.T) {
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

	// An MDA appends straight to the file.
	boxFile, _, err := s.mailboxPaths("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(boxFile, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	body := "Subject: delivered\n\nvia append\n"
	if _, _, err := writeMessage(f, 0, "mda@host", time.Now(), strings.NewReader(body)); err != nil {
		t.Fatal(err)
	}
	f.Close()

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
	if st.Messages != 1 || st.UIDNext != 2 {
		t.Errorf("status %+v after ingest, want one indexed message", st)
	}
	if st.Recent != 1 {
		t.Errorf("Recent = %d, want the delivery flagged recent", st.Recent)
	}

	m := box.(*mailbox)
	rec, ok := m.findRecord(1)
	if !ok {
		t.Fatal("ingested record missing")
	}
	if mailstore.MessageFlags(rec.Flags)&mailstore.FlagRecent == 0 {
		t.Error("ingested record not flagged recent")
	}
	rc, err := m.openMessage(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Errorf("ingested body %q", string(got))
	}
}

func TestInconsistentAfterExternalTruncate(t *testing.T) {
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
	saveMessage(t, box, "Subject: x\n\nbody\n", mailstore.SaveOptions{})

	boxFile, _, err := s.mailboxPaths("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(boxFile, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := box.SyncInit(0); !errors.Is(err, mailstore.ErrInconsistentState) {
		t.Fatalf("SyncInit = %v, want ErrInconsistentState", err)
	}
	m := box.(*mailbox)
	if !m.IsInconsistent() {
		t.Error("handle not marked inconsistent")
	}

	sc, err := box.SyncInit(mailstore.SyncFixInconsistent)
	if err != nil {
		t.Fatalf("SyncInit with fix flag: %v", err)
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
	if _, err := sc.Deinit(); err != nil {
		t.Fatal(err)
	}
	if m.IsInconsistent() {
		t.Error("fix sync did not clear the inconsistent mark")
	}
}

func TestDotlock(t *testing.T) {
	newLock := func(path string, timeout time.Duration) *dotlock {
		return &dotlock{
			path:     path,
			timeout:  timeout,
			staleAge: time.Minute,
			logger:   slog.New(slog.DiscardHandler),
			now:      time.Now,
		}
	}

	t.Run("acquire and release", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "INBOX")
		d := newLock(path, time.Second)
		if err := d.acquire(); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if _, err := os.Stat(path + lockSuffix); err != nil {
			t.Errorf("lock file missing: %v", err)
		}
		d.release()
		if _, err := os.Stat(path + lockSuffix); !os.IsNotExist(err) {
			t.Error("lock file survived release")
		}
	})

	t.Run("held lock times out", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "INBOX")
		holder := newLock(path, time.Second)
		if err := holder.acquire(); err != nil {
			t.Fatal(err)
		}
		defer holder.release()

		d := newLock(path, 120*time.Millisecond)
		err := d.acquire()
		if err == nil {
			d.release()
			t.Fatal("second acquire succeeded while the lock was held")
		}
		if !strings.Contains(err.Error(), "timed out") {
			t.Errorf("got %v, want a timeout", err)
		}
	})

	t.Run("stale lock is taken over", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "INBOX")
		lockFile := path + lockSuffix
		if err := os.WriteFile(lockFile, []byte("99999 0\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		old := time.Now().Add(-10 * time.Minute)
		if err := os.Chtimes(lockFile, old, old); err != nil {
			t.Fatal(err)
		}
		d := newLock(path, time.Second)
		if err := d.acquire(); err != nil {
			t.Fatalf("acquire over stale lock: %v", err)
		}
		d.release()
	})
}

func TestListMailboxes(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)
	for _, name := range []string{"INBOX", "Work"} {
		if err := s.CreateMailbox(ctx, name, false); err != nil {
			t.Fatal(err)
		}
	}

	collect := func(t *testing.T, flags mailstore.ListFlags) []string {
		t.Helper()
		lc, err := s.ListInit(ctx, "", "*", flags)
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
		return names
	}

	names := collect(t, 0)
	if len(names) != 2 {
		t.Fatalf("listed %v, want exactly INBOX and Work", names)
	}
	for _, n := range names {
		if strings.HasPrefix(n, "mailstore-") {
			t.Errorf("index sibling directory %q listed as a mailbox", n)
		}
	}

	t.Run("subscribed only", func(t *testing.T) {
		if err := s.SetSubscribed(ctx, "Work", true); err != nil {
			t.Fatal(err)
		}
		names := collect(t, mailstore.ListSubscribedOnly)
		if len(names) != 1 || names[0] != "Work" {
			t.Errorf("subscribed listing %v, want only Work", names)
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
		{"INBOX/child", mailstore.NameStatusNoInferiors},
		{"bad\x01name", mailstore.NameStatusInvalid},
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

func TestDeleteMailbox(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)
	if err := s.CreateMailbox(ctx, "INBOX", false); err != nil {
		t.Fatal(err)
	}

	boxFile, indexDir, err := s.mailboxPaths("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMailbox(ctx, "INBOX"); err != nil {
		t.Fatalf("DeleteMailbox: %v", err)
	}
	if _, err := os.Stat(boxFile); !os.IsNotExist(err) {
		t.Error("mailbox file survived delete")
	}
	if _, err := os.Stat(indexDir); !os.IsNotExist(err) {
		t.Error("index directory survived delete")
	}
	if err := s.DeleteMailbox(ctx, "INBOX"); !errors.Is(err, mailstore.ErrMailboxNotFound) {
		t.Errorf("second delete = %v, want ErrMailboxNotFound", err)
	}

	t.Run("directory with children", func(t *testing.T) {
		if err := s.CreateMailbox(ctx, "Work", true); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateMailbox(ctx, "Work/Reports", false); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteMailbox(ctx, "Work"); err == nil {
			t.Error("deleted a directory that still holds children")
		}
		if err := s.DeleteMailbox(ctx, "Work/Reports"); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteMailbox(ctx, "Work"); err != nil {
			t.Errorf("empty directory delete: %v", err)
		}
	})
}

func TestRenameMailbox(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)
	if err := s.CreateMailbox(ctx, "Old", false); err != nil {
		t.Fatal(err)
	}

	box, err := s.OpenMailbox(ctx, "Old", 0)
	if err != nil {
		t.Fatal(err)
	}
	saveMessage(t, box, "Subject: keep\n\nbody\n", mailstore.SaveOptions{})
	st, err := box.Status(ctx, mailstore.StatusUIDValidity)
	if err != nil {
		t.Fatal(err)
	}
	uidValidity := st.UIDValidity
	if err := box.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.RenameMailbox(ctx, "Old", "New"); err != nil {
		t.Fatalf("RenameMailbox: %v", err)
	}
	if _, err := s.OpenMailbox(ctx, "Old", 0); !errors.Is(err, mailstore.ErrMailboxNotFound) {
		t.Errorf("old name still opens: %v", err)
	}

	// The index travels with the mailbox.
	box, err = s.OpenMailbox(ctx, "New", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer box.Close(ctx)
	st, err = box.Status(ctx, ^mailstore.StatusItems(0))
	if err != nil {
		t.Fatal(err)
	}
	if st.Messages != 1 || st.UIDValidity != uidValidity {
		t.Errorf("status after rename %+v, want 1 message and uid-validity %d", st, uidValidity)
	}

	if err := s.RenameMailbox(ctx, "Missing", "Other"); !errors.Is(err, mailstore.ErrMailboxNotFound) {
		t.Errorf("rename of missing mailbox = %v, want ErrMailboxNotFound", err)
	}
	if err := s.CreateMailbox(ctx, "Taken", false); err != nil {
		t.Fatal(err)
	}
	if err := s.RenameMailbox(ctx, "New", "Taken"); !errors.Is(err, mailstore.ErrMailboxExists) {
		t.Errorf("rename onto existing mailbox = %v, want ErrMailboxExists", err)
	}
}

func TestCopy(t *testing.T) {
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

	ref := saveMessage(t, box, "Subject: orig\n\nsame bytes\n", mailstore.SaveOptions{Flags: mailstore.FlagSeen})

	tx, err := box.BeginTransaction(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Copy(ctx, *ref); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if err := tx.Commit(ctx, 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	m := box.(*mailbox)
	orig, ok := m.findRecord(1)
	if !ok {
		t.Fatal("original record missing")
	}
	dup, ok := m.findRecord(2)
	if !ok {
		t.Fatal("copied record missing")
	}
	if dup.GUID != orig.GUID {
		t.Error("copy changed the content hash")
	}
	if dup.Size != orig.Size {
		t.Errorf("copy size %d, want %d", dup.Size, orig.Size)
	}
	if mailstore.MessageFlags(dup.Flags)&mailstore.FlagSeen == 0 {
		t.Error("copy dropped the seen flag")
	}
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
	save, err := tx.SaveInit(mailstore.SaveOptions{}, strings.NewReader("Subject: no\n\ndiscarded\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := save.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	tx.Rollback()

	// The staged temp file is gone and the mailbox is untouched.
	ents, err := os.ReadDir(s.root)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), "temp.") {
			t.Errorf("staged file %q survived rollback", e.Name())
		}
	}
	boxFile, _, err := s.mailboxPaths("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(boxFile); err != nil || fi.Size() != 0 {
		t.Errorf("mailbox file modified by a rolled back transaction")
	}

	if err := tx.Commit(ctx, 0); !errors.Is(err, mailstore.ErrTransactionEnded) {
		t.Errorf("Commit after rollback = %v, want ErrTransactionEnded", err)
	}

	t.Run("empty commit", func(t *testing.T) {
		tx, err := box.BeginTransaction(0)
		if err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(ctx, 0); err != nil {
			t.Errorf("empty Commit: %v", err)
		}
	})
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
