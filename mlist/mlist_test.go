package mlist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	mailstore "github.com/rbaliyan/mailstore"
)

func newList(t *testing.T, opts ...Option) *List {
	t.Helper()
	l, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestValidateName(t *testing.T) {
	l := newList(t)

	valid := []string{
		"INBOX",
		"Archive/2026",
		"a/b/c",
		"With Space",
		"uniçøde",
	}
	for _, name := range valid {
		if err := l.ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []struct {
		name   string
		reason string
	}{
		{"", "empty"},
		{"/leading", "separator at edge"},
		{"trailing/", "separator at edge"},
		{"a//b", "empty level"},
		{"..", "traversal"},
		{"a/../b", "traversal"},
		{"a/./b", "traversal"},
		{"has\x01ctl", "control character"},
		{"tab\there", "control character"},
		{"star*", "wildcard"},
		{"per%cent", "wildcard"},
		{"temp.abc", "temp prefix"},
	}
	for _, tc := range invalid {
		err := l.ValidateName(tc.name)
		if err == nil {
			t.Errorf("ValidateName(%q) accepted, want rejection (%s)", tc.name, tc.reason)
			continue
		}
		var nerr *mailstore.NameError
		if !errors.As(err, &nerr) {
			t.Errorf("ValidateName(%q) = %T, want *mailstore.NameError", tc.name, err)
		}
	}

	t.Run("custom separator", func(t *testing.T) {
		l := newList(t, WithHierarchySep('.'))
		if err := l.ValidateName("a.b"); err != nil {
			t.Errorf("a.b with '.' separator: %v", err)
		}
		if err := l.ValidateName(".a"); err == nil {
			t.Error("leading '.' separator accepted")
		}
		// With '.' as separator a slash is just a character.
		if err := l.ValidateName("a/b"); err != nil {
			t.Errorf("a/b with '.' separator: %v", err)
		}
	})
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*", "INBOX", true},
		{"*", "a/b/c", true},
		{"%", "INBOX", true},
		{"%", "a/b", false},
		{"a/%", "a/b", true},
		{"a/%", "a/b/c", false},
		{"a/*", "a/b/c", true},
		{"*c", "a/b/c", true},
		{"INBOX", "INBOX", true},
		{"INBOX", "INBOX/child", false},
		{"IN*X", "INBOX", true},
		{"IN%X", "INBOX", true},
		{"", "", true},
		{"", "a", false},
		{"*", "", true},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "acb", false},
	}
	for _, tc := range cases {
		if got := MatchPattern(tc.pattern, tc.name, '/'); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestPath(t *testing.T) {
	l := newList(t)

	t.Run("empty name is the root", func(t *testing.T) {
		p, err := l.Path("", PathMail)
		if err != nil {
			t.Fatal(err)
		}
		if p != l.Root() {
			t.Errorf("got %q, want root %q", p, l.Root())
		}
	})

	t.Run("hierarchy maps to subdirectories", func(t *testing.T) {
		p, err := l.Path("a/b", PathMail)
		if err != nil {
			t.Fatal(err)
		}
		if want := filepath.Join(l.Root(), "a", "b"); p != want {
			t.Errorf("got %q, want %q", p, want)
		}
	})

	t.Run("invalid name is rejected", func(t *testing.T) {
		if _, err := l.Path("../escape", PathMail); err == nil {
			t.Error("traversal name resolved to a path")
		}
	})

	t.Run("index root diverts index paths only", func(t *testing.T) {
		idx := t.TempDir()
		l, err := New(t.TempDir(), WithIndexRoot(idx))
		if err != nil {
			t.Fatal(err)
		}
		p, err := l.Path("box", PathIndex)
		if err != nil {
			t.Fatal(err)
		}
		if want := filepath.Join(idx, "box"); p != want {
			t.Errorf("index path %q, want %q", p, want)
		}
		p, err = l.Path("box", PathMail)
		if err != nil {
			t.Fatal(err)
		}
		if want := filepath.Join(l.Root(), "box"); p != want {
			t.Errorf("mail path %q, want %q", p, want)
		}
	})
}

func TestNextUIDValidity(t *testing.T) {
	root := t.TempDir()
	l, err := New(root)
	if err != nil {
		t.Fatal(err)
	}

	a, err := l.NextUIDValidity()
	if err != nil {
		t.Fatalf("first allocation: %v", err)
	}
	b, err := l.NextUIDValidity()
	if err != nil {
		t.Fatalf("second allocation: %v", err)
	}
	if b <= a {
		t.Errorf("allocations not increasing: %d then %d", a, b)
	}

	// A new List over the same root reads the control file and keeps
	// the sequence monotonic.
	l2, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	c, err := l2.NextUIDValidity()
	if err != nil {
		t.Fatalf("allocation after reopen: %v", err)
	}
	if c <= b {
		t.Errorf("sequence went backwards across reopen: %d then %d", b, c)
	}

	if _, err := os.Stat(filepath.Join(root, uidValidityFile)); err != nil {
		t.Errorf("control file missing: %v", err)
	}
}

func TestSubscriptions(t *testing.T) {
	l := newList(t)

	names, err := l.Subscriptions()
	if err != nil {
		t.Fatalf("Subscriptions on fresh root: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("fresh root has subscriptions: %v", names)
	}

	for _, name := range []string{"Work", "INBOX", "Archive/2026"} {
		if err := l.SetSubscribed(name, true); err != nil {
			t.Fatalf("subscribe %q: %v", name, err)
		}
	}
	// Subscribing twice is a no-op, not a duplicate.
	if err := l.SetSubscribed("INBOX", true); err != nil {
		t.Fatal(err)
	}

	names, err = l.Subscriptions()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Archive/2026", "INBOX", "Work"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v (sorted)", names, want)
		}
	}

	ok, err := l.IsSubscribed("INBOX")
	if err != nil || !ok {
		t.Errorf("IsSubscribed(INBOX) = %v, %v", ok, err)
	}

	if err := l.SetSubscribed("INBOX", false); err != nil {
		t.Fatal(err)
	}
	ok, err = l.IsSubscribed("INBOX")
	if err != nil || ok {
		t.Errorf("IsSubscribed after unsubscribe = %v, %v", ok, err)
	}

	// Unsubscribing something never subscribed is fine.
	if err := l.SetSubscribed("Ghost", false); err != nil {
		t.Errorf("unsubscribe of unknown name: %v", err)
	}

	t.Run("invalid name rejected", func(t *testing.T) {
		if err := l.SetSubscribed("a//b", true); err == nil {
			t.Error("invalid name accepted into subscription file")
		}
	})
}

func TestEntries(t *testing.T) {
	l := newList(t)
	root := l.Root()
	for _, dir := range []string{
		"INBOX",
		"Work",
		"Work/Reports",
		"Internal",
		"temp.staging",
		"mailstore-index.INBOX",
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			t.Fatal(err)
		}
	}

	classify := func(dir string) EntryClass {
		if filepath.Base(dir) == "Internal" {
			return ClassSkip
		}
		return ClassSelectable
	}

	entries, err := l.Entries("", "*", classify)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	got := map[string]mailstore.MailboxFlags{}
	for _, e := range entries {
		got[e.Name] = e.Flags
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries %v, want INBOX, Work, Work/Reports", len(got), entries)
	}
	if _, ok := got["Internal"]; ok {
		t.Error("skipped directory was listed")
	}
	if flags := got["Work"]; flags&mailstore.MailboxChildren == 0 {
		t.Errorf("Work flags %v, want Children", flags)
	}
	if flags := got["INBOX"]; flags&mailstore.MailboxNoChildren == 0 {
		t.Errorf("INBOX flags %v, want NoChildren", flags)
	}

	t.Run("percent stops at hierarchy", func(t *testing.T) {
		entries, err := l.Entries("", "%", nil)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if e.Name == "Work/Reports" {
				t.Error("'%' matched across the hierarchy separator")
			}
		}
	})

	t.Run("reference prefixes the pattern", func(t *testing.T) {
		entries, err := l.Entries("Work/", "*", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 || entries[0].Name != "Work/Reports" {
			t.Errorf("got %v, want only Work/Reports", entries)
		}
	})
}

func TestFileEntries(t *testing.T) {
	l := newList(t)
	root := l.Root()
	if err := os.MkdirAll(filepath.Join(root, "folders"), 0o700); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"INBOX", "folders/drafts", "temp.partial", "mailstore-index.INBOX"} {
		if err := os.WriteFile(filepath.Join(root, f), []byte("From x\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.FileEntries("", "*", nil)
	if err != nil {
		t.Fatalf("FileEntries: %v", err)
	}
	got := map[string]mailstore.MailboxFlags{}
	for _, e := range entries {
		got[e.Name] = e.Flags
	}

	flags, ok := got["INBOX"]
	if !ok {
		t.Fatalf("INBOX missing from %v", entries)
	}
	if flags&mailstore.MailboxNoInferiors == 0 {
		t.Errorf("file entry flags %v, want NoInferiors", flags)
	}
	if flags, ok := got["folders"]; !ok {
		t.Error("directory node missing")
	} else if flags&mailstore.MailboxNoSelect == 0 {
		t.Errorf("directory flags %v, want NoSelect", flags)
	}
	if _, ok := got["temp.partial"]; ok {
		t.Error("temp file was listed")
	}
	if _, ok := got["mailstore-index.INBOX"]; ok {
		t.Error("index artifact was listed")
	}

	t.Run("isMailbox filter", func(t *testing.T) {
		entries, err := l.FileEntries("", "*", func(path string) bool {
			return filepath.Base(path) == "INBOX"
		})
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if e.Name == "folders/drafts" {
				t.Error("rejected file was listed as a mailbox")
			}
		}
	})

	t.Run("no-noselect drops directories", func(t *testing.T) {
		l2, err := New(root, WithNoNoselect(true))
		if err != nil {
			t.Fatal(err)
		}
		entries, err := l2.FileEntries("", "*", nil)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if e.Name == "folders" {
				t.Error("directory listed in a no-noselect namespace")
			}
		}
	})
}
