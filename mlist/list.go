package mlist

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mailstore "github.com/rbaliyan/mailstore"
)

// EntryClass is a backend's classification of one directory during a
// list walk.
type EntryClass int

const (
	// ClassSelectable is a real, openable mailbox.
	ClassSelectable EntryClass = iota
	// ClassNoSelect is a hierarchy-only node.
	ClassNoSelect
	// ClassSkip is backend-internal; it is not listed and not descended
	// into.
	ClassSkip
)

// Entries walks the mail tree and returns the entries matching the
// reference and mask, sorted by name. The mask uses IMAP list wildcards:
// '*' matches any characters, '%' matches any characters except the
// hierarchy separator. classify tells backend-internal directories and
// hierarchy-only nodes apart from real mailboxes; nil means every
// directory is a mailbox. NoSelect entries are dropped entirely in a
// no-noselect namespace.
func (l *List) Entries(ref, mask string, classify func(dir string) EntryClass) ([]mailstore.MailboxListEntry, error) {
	root, err := l.Path("", PathMail)
	if err != nil {
		return nil, err
	}
	pattern := ref + mask

	var entries []mailstore.MailboxListEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			if os.IsNotExist(werr) {
				return nil
			}
			return werr
		}
		if !d.IsDir() || path == root {
			return nil
		}
		base := d.Name()
		if l.IsTempName(base) || strings.HasPrefix(base, "mailstore-") {
			return filepath.SkipDir
		}

		class := ClassSelectable
		if classify != nil {
			class = classify(path)
		}
		if class == ClassSkip {
			return filepath.SkipDir
		}

		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		name := strings.Join(strings.Split(rel, string(os.PathSeparator)), string(l.opts.sep))

		selectable := class == ClassSelectable
		if !selectable && l.opts.noNoselect {
			return nil
		}
		if !MatchPattern(pattern, name, l.opts.sep) {
			return nil
		}

		var flags mailstore.MailboxFlags
		if !selectable {
			flags |= mailstore.MailboxNoSelect
		}
		if l.hasChildDirs(path, classify) {
			flags |= mailstore.MailboxChildren
		} else {
			flags |= mailstore.MailboxNoChildren
		}
		entries = append(entries, mailstore.MailboxListEntry{Name: name, Flags: flags})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mlist: walk mailboxes: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (l *List) hasChildDirs(dir string, classify func(dir string) EntryClass) bool {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range ents {
		if !e.IsDir() || l.IsTempName(e.Name()) || strings.HasPrefix(e.Name(), "mailstore-") {
			continue
		}
		if classify != nil && classify(filepath.Join(dir, e.Name())) == ClassSkip {
			continue
		}
		return true
	}
	return false
}

// FileEntries walks the mail tree for backends whose mailboxes are
// regular files: files accepted by isMailbox list as selectable,
// directories list as hierarchy-only nodes. The same wildcard and
// skip rules as Entries apply.
func (l *List) FileEntries(ref, mask string, isMailbox func(path string) bool) ([]mailstore.MailboxListEntry, error) {
	root, err := l.Path("", PathMail)
	if err != nil {
		return nil, err
	}
	pattern := ref + mask

	var entries []mailstore.MailboxListEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			if os.IsNotExist(werr) {
				return nil
			}
			return werr
		}
		if path == root {
			return nil
		}
		base := d.Name()
		if l.IsTempName(base) || strings.HasPrefix(base, "mailstore-") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		selectable := false
		if d.IsDir() {
			if l.opts.noNoselect {
				return nil
			}
		} else {
			if !d.Type().IsRegular() || (isMailbox != nil && !isMailbox(path)) {
				return nil
			}
			selectable = true
		}

		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		name := strings.Join(strings.Split(rel, string(os.PathSeparator)), string(l.opts.sep))
		if !MatchPattern(pattern, name, l.opts.sep) {
			return nil
		}

		var flags mailstore.MailboxFlags
		if !selectable {
			flags |= mailstore.MailboxNoSelect | mailstore.MailboxChildren
		} else {
			// A file cannot carry children below it.
			flags |= mailstore.MailboxNoInferiors | mailstore.MailboxNoChildren
		}
		entries = append(entries, mailstore.MailboxListEntry{Name: name, Flags: flags})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mlist: walk mailboxes: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// MatchPattern matches an IMAP list pattern against a mailbox name:
// '*' matches anything, '%' anything short of the hierarchy separator.
func MatchPattern(pattern, name string, sep rune) bool {
	if pattern == "" {
		return name == ""
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(name); i++ {
			if MatchPattern(pattern[1:], name[i:], sep) {
				return true
			}
		}
		return false
	case '%':
		for i := 0; i <= len(name); i++ {
			if MatchPattern(pattern[1:], name[i:], sep) {
				return true
			}
			if i < len(name) && rune(name[i]) == sep {
				return false
			}
		}
		return false
	default:
		if name == "" || name[0] != pattern[0] {
			return false
		}
		return MatchPattern(pattern[1:], name[1:], sep)
	}
}
