// Package dbox is the native storage backend: one directory per
// mailbox, one file per message, all mailbox state owned by the mail
// index. Mailbox creation and every mutation run under the index
// engine's synchronization guard, which doubles as the cross-process
// lock, so there is no separate lock file protocol for mailbox data.
package dbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/backend/internal/boxutil"
	"github.com/rbaliyan/mailstore/index"
	"github.com/rbaliyan/mailstore/mlist"
	"github.com/rbaliyan/mailstore/retry"
)

const (
	backendName = "dbox"

	// mailsDirName holds the message files inside a mailbox directory.
	// Its presence is what makes a directory a selectable mailbox.
	mailsDirName = "dbox-Mails"

	// indexDirName holds the file-backed index inside the mailbox's
	// index directory.
	indexDirName = "dbox-Index"

	// messageFilePrefix prefixes committed message files: "u.<uid>".
	messageFilePrefix = "u."

	defaultTempDeleteAge = 36 * time.Hour
	defaultTempScanEvery = 8 * time.Hour
)

// Class is the dbox backend class registered into a mailstore.Registry.
type Class struct {
	opts *options
}

var _ mailstore.BackendClass = (*Class)(nil)

// New creates the dbox backend class.
func New(opts ...Option) *Class {
	return &Class{opts: newOptions(opts...)}
}

// Name returns "dbox".
func (c *Class) Name() string { return backendName }

// Create builds a Storage rooted at the location directory. An empty
// location resolves against the configured default root, or fails when
// none is configured.
func (c *Class) Create(ctx context.Context, location, user string, flags mailstore.Flags, lock mailstore.LockMethod) (mailstore.Storage, error) {
	root := location
	if root == "" {
		if c.opts.defaultRoot == "" || user == "" {
			return nil, fmt.Errorf("dbox: no location and no default root configured")
		}
		root = filepath.Join(c.opts.defaultRoot, user)
	}

	list, err := mlist.New(root, mlist.WithLogger(c.opts.logger))
	if err != nil {
		return nil, fmt.Errorf("dbox: %w", err)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("dbox: create storage root: %w", err)
	}

	s := &Storage{
		opts:  c.opts,
		root:  root,
		user:  user,
		flags: flags,
		lock:  lock,
		list:  list,
		errs:  mailstore.NewErrorState(c.opts.logger),
	}
	if !c.opts.disableReaper {
		s.reaper = newReaper(c.opts)
	}
	return s, nil
}

// Autodetect reports whether location looks like a dbox root: a
// directory that is itself a mailbox, or contains an INBOX mailbox.
func (c *Class) Autodetect(location string, flags mailstore.Flags) bool {
	if location == "" {
		return false
	}
	for _, probe := range []string{
		filepath.Join(location, mailsDirName),
		filepath.Join(location, "INBOX", mailsDirName),
	} {
		if fi, err := c.opts.stat(probe); err == nil && fi.IsDir() {
			return true
		}
	}
	return false
}

// Storage is one live dbox storage instance.
type Storage struct {
	opts  *options
	root  string
	user  string
	flags mailstore.Flags
	lock  mailstore.LockMethod
	list  *mlist.List
	errs  *mailstore.ErrorState

	reaper *reaper

	cbMu sync.Mutex
	cb   *mailstore.Callbacks

	openBoxes atomic.Int32
	destroyed atomic.Bool
}

var _ mailstore.Storage = (*Storage)(nil)

func (s *Storage) BackendName() string              { return backendName }
func (s *Storage) User() string                     { return s.user }
func (s *Storage) Flags() mailstore.Flags           { return s.flags }
func (s *Storage) LockMethod() mailstore.LockMethod { return s.lock }
func (s *Storage) HierarchySep() rune               { return s.list.HierarchySep() }

// SetCallbacks installs protocol-layer callbacks.
func (s *Storage) SetCallbacks(cb *mailstore.Callbacks) {
	s.cbMu.Lock()
	s.cb = cb
	s.cbMu.Unlock()
}

func (s *Storage) callbacks() *mailstore.Callbacks {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	return s.cb
}

// LastError returns the current error slot content.
func (s *Storage) LastError() (string, bool) {
	return s.errs.Last()
}

// mailboxPaths resolves the three directories of one mailbox.
func (s *Storage) mailboxPaths(name string) (mailDir, mailsDir, indexDir string, err error) {
	mailDir, err = s.list.Path(name, mlist.PathMail)
	if err != nil {
		return "", "", "", err
	}
	idxBase, err := s.list.Path(name, mlist.PathIndex)
	if err != nil {
		return "", "", "", err
	}
	return mailDir, filepath.Join(mailDir, mailsDirName), filepath.Join(idxBase, indexDirName), nil
}

// isSelectable reports whether a mailbox directory is a real mailbox
// rather than a hierarchy-only node.
func (s *Storage) isSelectable(mailDir string) bool {
	fi, err := s.opts.stat(filepath.Join(mailDir, mailsDirName))
	return err == nil && fi.IsDir()
}

// setNameError stores a name-validation failure in the error slot.
func (s *Storage) setNameError(err error) error {
	var ne *mailstore.NameError
	if errors.As(err, &ne) {
		s.errs.SetSyntaxf("Invalid mailbox name: %s", ne.Reason)
	} else {
		s.errs.SetSyntax(err.Error())
	}
	return err
}

// syncBegin acquires the index guard, retrying with backoff while the
// lock is contended.
func (s *Storage) syncBegin(ctx context.Context, idx index.Index, flags index.BeginFlags) (index.Guard, error) {
	return retry.DoWithResult(ctx, s.opts.syncRetry, func(ctx context.Context) (index.Guard, error) {
		return idx.SyncBegin(ctx, flags)
	})
}

func isWouldBlock(err error) bool {
	return errors.Is(err, index.ErrWouldBlock)
}

// CreateMailbox creates a mailbox. With directory set, only a hierarchy
// node comes into being, unless the namespace forbids NoSelect entries,
// in which case a full mailbox is created instead.
//
// Creation runs under the index synchronization guard: the first creator
// to acquire it assigns the uid-validity; every later creator finds the
// header initialized and reports that the mailbox exists. The index
// engine must always have work during creation, so a nothing-to-sync
// result is an invariant violation and panics.
func (s *Storage) CreateMailbox(ctx context.Context, name string, directory bool) error {
	if err := s.list.ValidateName(name); err != nil {
		return s.setNameError(err)
	}
	mailDir, mailsDir, indexDir, err := s.mailboxPaths(name)
	if err != nil {
		return s.setNameError(err)
	}

	if directory && !s.list.NoNoselect() {
		if _, err := s.opts.stat(mailDir); err == nil {
			s.errs.Setf("Mailbox already exists: %s", name)
			return fmt.Errorf("%w: %q", mailstore.ErrMailboxExists, name)
		}
		if err := os.MkdirAll(mailDir, 0o700); err != nil {
			s.errs.SetCriticalf("mkdir(%s) failed: %v", mailDir, err)
			return fmt.Errorf("%w: create directory: %v", mailstore.ErrInternal, err)
		}
		return nil
	}

	if s.isSelectable(mailDir) {
		s.errs.Setf("Mailbox already exists: %s", name)
		return fmt.Errorf("%w: %q", mailstore.ErrMailboxExists, name)
	}
	if err := os.MkdirAll(mailsDir, 0o700); err != nil {
		s.errs.SetCriticalf("mkdir(%s) failed: %v", mailsDir, err)
		return fmt.Errorf("%w: create mailbox: %v", mailstore.ErrInternal, err)
	}

	idx, err := s.opts.indexOpener(indexDir)
	if err != nil {
		s.errs.SetCriticalf("opening index for mailbox %s failed: %v", name, err)
		return fmt.Errorf("%w: open index: %v", mailstore.ErrInternal, err)
	}
	defer idx.Close(ctx)

	uidValidity, err := s.initMailboxIndex(ctx, name, idx)
	if err != nil {
		return err
	}
	if uidValidity == 0 {
		// Another creator won the race and initialized the header.
		s.errs.Setf("Mailbox already exists: %s", name)
		return fmt.Errorf("%w: %q", mailstore.ErrMailboxExists, name)
	}

	s.publishCreated(ctx, name, uidValidity)
	return nil
}

// initMailboxIndex assigns the mailbox identity under the sync guard.
// It returns the assigned uid-validity, or zero when the header was
// already initialized by someone else.
func (s *Storage) initMailboxIndex(ctx context.Context, name string, idx index.Index) (uint32, error) {
	guard, err := s.syncBegin(ctx, idx, 0)
	if err != nil {
		if errors.Is(err, index.ErrNothingToSync) {
			panic(&mailstore.InvariantError{
				Op:     "dbox mailbox create",
				Detail: fmt.Sprintf("index reported nothing to synchronize for new mailbox %q", name),
			})
		}
		s.errs.SetCriticalf("index sync_begin failed for mailbox %s: %v", name, err)
		idx.ResetError()
		return 0, fmt.Errorf("%w: index sync: %v", mailstore.ErrInternal, err)
	}

	if hdr := guard.View().Header(); hdr.UIDValidity != 0 {
		guard.Rollback()
		return 0, nil
	}

	uidValidity, err := s.list.NextUIDValidity()
	if err != nil {
		guard.Rollback()
		s.errs.SetCriticalf("allocating uidvalidity for mailbox %s failed: %v", name, err)
		return 0, fmt.Errorf("%w: allocate uidvalidity: %v", mailstore.ErrInternal, err)
	}

	guard.Tx().UpdateHeader(index.Header{UIDValidity: uidValidity, NextUID: 1})
	if err := guard.Commit(ctx); err != nil {
		s.errs.SetCriticalf("index sync commit failed for mailbox %s: %v", name, err)
		idx.ResetError()
		return 0, fmt.Errorf("%w: index commit: %v", mailstore.ErrInternal, err)
	}
	return uidValidity, nil
}

// DeleteMailbox removes a mailbox and its messages. Child mailboxes
// survive: the directory itself stays if it still has children.
func (s *Storage) DeleteMailbox(ctx context.Context, name string) error {
	if err := s.list.ValidateName(name); err != nil {
		return s.setNameError(err)
	}
	mailDir, mailsDir, indexDir, err := s.mailboxPaths(name)
	if err != nil {
		return s.setNameError(err)
	}

	if _, err := s.opts.stat(mailDir); err != nil {
		if os.IsNotExist(err) {
			s.errs.Setf("Mailbox doesn't exist: %s", name)
			return fmt.Errorf("%w: %q", mailstore.ErrMailboxNotFound, name)
		}
		s.errs.SetCriticalf("stat(%s) failed: %v", mailDir, err)
		return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}

	if !s.isSelectable(mailDir) {
		// Hierarchy-only node: removable only when empty.
		if err := os.Remove(mailDir); err != nil {
			s.errs.Setf("Mailbox isn't selectable: %s", name)
			return fmt.Errorf("dbox: mailbox %q has child mailboxes", name)
		}
		return nil
	}

	for _, dir := range []string{mailsDir, indexDir} {
		if err := os.RemoveAll(dir); err != nil {
			s.errs.SetCriticalf("removing mailbox %s failed: %v", name, err)
			return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
		}
	}
	// Keep the directory as a hierarchy node if children remain.
	os.Remove(mailDir)

	s.publishDeleted(ctx, name)
	return nil
}

// RenameMailbox renames a mailbox; children move with it.
func (s *Storage) RenameMailbox(ctx context.Context, oldName, newName string) error {
	if err := s.list.ValidateName(oldName); err != nil {
		return s.setNameError(err)
	}
	if err := s.list.ValidateName(newName); err != nil {
		return s.setNameError(err)
	}
	oldDir, _, oldIndexDir, err := s.mailboxPaths(oldName)
	if err != nil {
		return s.setNameError(err)
	}
	newDir, _, newIndexDir, err := s.mailboxPaths(newName)
	if err != nil {
		return s.setNameError(err)
	}

	if _, err := s.opts.stat(oldDir); err != nil {
		if os.IsNotExist(err) {
			s.errs.Setf("Mailbox doesn't exist: %s", oldName)
			return fmt.Errorf("%w: %q", mailstore.ErrMailboxNotFound, oldName)
		}
		s.errs.SetCriticalf("stat(%s) failed: %v", oldDir, err)
		return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}
	if _, err := s.opts.stat(newDir); err == nil {
		s.errs.Setf("Mailbox already exists: %s", newName)
		return fmt.Errorf("%w: %q", mailstore.ErrMailboxExists, newName)
	}

	if err := os.MkdirAll(filepath.Dir(newDir), 0o700); err != nil {
		s.errs.SetCriticalf("mkdir(%s) failed: %v", filepath.Dir(newDir), err)
		return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		s.errs.SetCriticalf("rename(%s, %s) failed: %v", oldDir, newDir, err)
		return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}

	// With a separate index tree the index directory moves too. The
	// mailbox stays usable if this fails, so a failure only logs.
	if !isSubpath(oldIndexDir, oldDir) {
		if err := os.MkdirAll(filepath.Dir(newIndexDir), 0o700); err == nil {
			if err := os.Rename(oldIndexDir, newIndexDir); err != nil && !os.IsNotExist(err) {
				s.opts.logger.Error("failed to move index directory",
					"old", oldIndexDir, "new", newIndexDir, "error", err)
			}
		}
	}

	s.publishRenamed(ctx, oldName, newName)
	return nil
}

func isSubpath(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !filepath.IsAbs(rel) && (rel == "." || rel[0] != '.')
}

// SetSubscribed adds or removes a subscription. The mailbox does not
// need to exist.
func (s *Storage) SetSubscribed(ctx context.Context, name string, subscribed bool) error {
	if err := s.list.SetSubscribed(name, subscribed); err != nil {
		if errors.Is(err, mailstore.ErrInvalidMailboxName) {
			return s.setNameError(err)
		}
		s.errs.SetCriticalf("updating subscriptions failed: %v", err)
		return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}
	return nil
}

// MailboxNameStatus classifies a name for CREATE/RENAME/DELETE decisions.
func (s *Storage) MailboxNameStatus(ctx context.Context, name string) (mailstore.NameStatus, error) {
	if err := s.list.ValidateName(name); err != nil {
		return mailstore.NameStatusInvalid, nil
	}
	mailDir, _, _, err := s.mailboxPaths(name)
	if err != nil {
		return mailstore.NameStatusInvalid, nil
	}
	if s.isSelectable(mailDir) {
		return mailstore.NameStatusExists, nil
	}

	// A parent that exists as a plain file blocks children.
	parent := filepath.Dir(mailDir)
	if fi, err := s.opts.stat(parent); err == nil && !fi.IsDir() {
		return mailstore.NameStatusNoInferiors, nil
	}
	return mailstore.NameStatusValid, nil
}

// ListInit begins a mailbox listing.
func (s *Storage) ListInit(ctx context.Context, ref, mask string, flags mailstore.ListFlags) (mailstore.MailboxListContext, error) {
	var entries []mailstore.MailboxListEntry
	var err error

	if flags&mailstore.ListSubscribedOnly != 0 {
		entries, err = s.subscribedEntries(ref, mask)
	} else {
		entries, err = s.list.Entries(ref, mask, s.classifyDir)
	}
	if err != nil {
		s.errs.SetCriticalf("listing mailboxes failed: %v", err)
		return nil, fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}
	return boxutil.NewListContext(entries), nil
}

func (s *Storage) classifyDir(dir string) mlist.EntryClass {
	base := filepath.Base(dir)
	if base == mailsDirName || base == indexDirName {
		return mlist.ClassSkip
	}
	if s.isSelectable(dir) {
		return mlist.ClassSelectable
	}
	return mlist.ClassNoSelect
}

// subscribedEntries lists subscriptions matching the pattern. A
// subscription may outlive its mailbox; such entries list as NoSelect.
func (s *Storage) subscribedEntries(ref, mask string) ([]mailstore.MailboxListEntry, error) {
	names, err := s.list.Subscriptions()
	if err != nil {
		return nil, err
	}
	var entries []mailstore.MailboxListEntry
	for _, name := range names {
		if !mlist.MatchPattern(ref+mask, name, s.list.HierarchySep()) {
			continue
		}
		var flags mailstore.MailboxFlags
		if mailDir, err := s.list.Path(name, mlist.PathMail); err != nil || !s.isSelectable(mailDir) {
			flags |= mailstore.MailboxNoSelect
		}
		entries = append(entries, mailstore.MailboxListEntry{Name: name, Flags: flags})
	}
	return entries, nil
}

// OpenMailbox opens an existing mailbox. The existence check stats the
// mailbox directory and classifies the failure: missing is an ordinary
// not-found, permission trouble and anything else are critical.
func (s *Storage) OpenMailbox(ctx context.Context, name string, flags mailstore.OpenFlags) (mailstore.Mailbox, error) {
	if err := s.list.ValidateName(name); err != nil {
		return nil, s.setNameError(err)
	}
	mailDir, mailsDir, indexDir, err := s.mailboxPaths(name)
	if err != nil {
		return nil, s.setNameError(err)
	}

	if _, err := s.opts.stat(mailDir); err != nil {
		switch {
		case os.IsNotExist(err):
			s.errs.Setf("Mailbox doesn't exist: %s", name)
			return nil, fmt.Errorf("%w: %q", mailstore.ErrMailboxNotFound, name)
		case errors.Is(err, os.ErrPermission):
			s.errs.SetCriticalf("no permission to access mailbox %s: %v", name, err)
			return nil, fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
		default:
			s.errs.SetCriticalf("stat(%s) failed: %v", mailDir, err)
			return nil, fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
		}
	}
	if !s.isSelectable(mailDir) {
		s.errs.Setf("Mailbox isn't selectable: %s", name)
		return nil, fmt.Errorf("%w: %q is not selectable", mailstore.ErrMailboxNotFound, name)
	}

	if s.reaper != nil {
		s.reaper.cleanup(mailsDir, s.list.TempPrefix())
	}

	return s.openMailbox(ctx, name, mailDir, mailsDir, indexDir, flags)
}

// Destroy tears down the storage instance.
func (s *Storage) Destroy(ctx context.Context) error {
	if n := s.openBoxes.Load(); n != 0 {
		return fmt.Errorf("dbox: destroy with %d mailboxes still open", n)
	}
	s.destroyed.Store(true)
	return nil
}

func (s *Storage) publishCreated(ctx context.Context, name string, uidValidity uint32) {
	if s.opts.events == nil {
		return
	}
	if err := s.opts.events.MailboxCreated.Publish(ctx, mailstore.MailboxCreatedEvent{
		Backend:     backendName,
		User:        s.user,
		Mailbox:     name,
		UIDValidity: uidValidity,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		s.opts.logger.Error("failed to publish mailbox created event",
			"mailbox", name, "error", err)
	}
}

func (s *Storage) publishDeleted(ctx context.Context, name string) {
	if s.opts.events == nil {
		return
	}
	if err := s.opts.events.MailboxDeleted.Publish(ctx, mailstore.MailboxDeletedEvent{
		Backend:   backendName,
		User:      s.user,
		Mailbox:   name,
		DeletedAt: time.Now().UTC(),
	}); err != nil {
		s.opts.logger.Error("failed to publish mailbox deleted event",
			"mailbox", name, "error", err)
	}
}

func (s *Storage) publishRenamed(ctx context.Context, oldName, newName string) {
	if s.opts.events == nil {
		return
	}
	if err := s.opts.events.MailboxRenamed.Publish(ctx, mailstore.MailboxRenamedEvent{
		Backend:   backendName,
		User:      s.user,
		OldName:   oldName,
		NewName:   newName,
		RenamedAt: time.Now().UTC(),
	}); err != nil {
		s.opts.logger.Error("failed to publish mailbox renamed event",
			"old", oldName, "new", newName, "error", err)
	}
}

func (s *Storage) publishSaved(ctx context.Context, name string, uid uint32, size int64) {
	if s.opts.events == nil {
		return
	}
	if err := s.opts.events.MessageSaved.Publish(ctx, mailstore.MessageSavedEvent{
		Backend: backendName,
		User:    s.user,
		Mailbox: name,
		UID:     uid,
		Size:    size,
		SavedAt: time.Now().UTC(),
	}); err != nil {
		s.opts.logger.Error("failed to publish message saved event",
			"mailbox", name, "uid", uid, "error", err)
	}
}
