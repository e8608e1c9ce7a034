// Package mbox is the single-file storage backend: each mailbox is one
// file with messages separated by "From " lines. It is read-mostly;
// saves append to the file under a dotlock while the mail index keeps
// UIDs, flags and the message offsets.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/backend/internal/boxutil"
	"github.com/rbaliyan/mailstore/index"
	"github.com/rbaliyan/mailstore/mlist"
	"github.com/rbaliyan/mailstore/retry"
)

const backendName = "mbox"

// fromLinePrefix marks the start of a message in the file.
const fromLinePrefix = "From "

// Class is the mbox backend class registered into a mailstore.Registry.
type Class struct {
	opts *options
}

var _ mailstore.BackendClass = (*Class)(nil)

// New creates the mbox backend class.
func New(opts ...Option) *Class {
	return &Class{opts: newOptions(opts...)}
}

// Name returns "mbox".
func (c *Class) Name() string { return backendName }

// Create builds a Storage rooted at the location directory.
func (c *Class) Create(ctx context.Context, location, user string, flags mailstore.Flags, lock mailstore.LockMethod) (mailstore.Storage, error) {
	root := location
	if root == "" {
		if c.opts.defaultRoot == "" || user == "" {
			return nil, fmt.Errorf("mbox: no location and no default root configured")
		}
		root = filepath.Join(c.opts.defaultRoot, user)
	}

	list, err := mlist.New(root, mlist.WithLogger(c.opts.logger))
	if err != nil {
		return nil, fmt.Errorf("mbox: %w", err)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("mbox: create storage root: %w", err)
	}

	return &Storage{
		opts:  c.opts,
		root:  root,
		user:  user,
		flags: flags,
		lock:  lock,
		list:  list,
		errs:  mailstore.NewErrorState(c.opts.logger),
	}, nil
}

// Autodetect reports whether location looks like mbox data: a file
// beginning with "From ", or a directory holding such an INBOX file.
func (c *Class) Autodetect(location string, flags mailstore.Flags) bool {
	if location == "" {
		return false
	}
	if isMboxFile(location) {
		return true
	}
	if fi, err := c.opts.stat(location); err == nil && fi.IsDir() {
		return isMboxFile(filepath.Join(location, "INBOX"))
	}
	return false
}

// isMboxFile reports whether path is a file starting with the message
// separator. An empty file passes too: a freshly created mailbox has no
// messages yet.
func isMboxFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	if fi, err := f.Stat(); err != nil || fi.IsDir() {
		return false
	}
	buf := make([]byte, len(fromLinePrefix))
	n, _ := f.Read(buf)
	if n == 0 {
		return true
	}
	return strings.HasPrefix(string(buf[:n]), fromLinePrefix[:min(n, len(fromLinePrefix))])
}

// Storage is one live mbox storage instance.
type Storage struct {
	opts  *options
	root  string
	user  string
	flags mailstore.Flags
	lock  mailstore.LockMethod
	list  *mlist.List
	errs  *mailstore.ErrorState

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

// mailboxPaths resolves the mailbox file and its index directory. The
// index lives in a sibling directory whose name the list walks skip.
func (s *Storage) mailboxPaths(name string) (boxFile, indexDir string, err error) {
	boxFile, err = s.list.Path(name, mlist.PathMail)
	if err != nil {
		return "", "", err
	}
	idxBase, err := s.list.Path(name, mlist.PathIndex)
	if err != nil {
		return "", "", err
	}
	indexDir = filepath.Join(filepath.Dir(idxBase), "mailstore-index."+filepath.Base(idxBase))
	return boxFile, indexDir, nil
}

// isSelectable reports whether the mailbox path is a regular file.
func (s *Storage) isSelectable(boxFile string) bool {
	fi, err := s.opts.stat(boxFile)
	return err == nil && fi.Mode().IsRegular()
}

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

// CreateMailbox creates a mailbox file. Creation runs under the index
// synchronization guard: the first creator assigns the uid-validity,
// every later creator finds the header initialized and reports that the
// mailbox exists.
func (s *Storage) CreateMailbox(ctx context.Context, name string, directory bool) error {
	if err := s.list.ValidateName(name); err != nil {
		return s.setNameError(err)
	}
	boxFile, indexDir, err := s.mailboxPaths(name)
	if err != nil {
		return s.setNameError(err)
	}

	if directory {
		if _, err := s.opts.stat(boxFile); err == nil {
			s.errs.Setf("Mailbox already exists: %s", name)
			return fmt.Errorf("%w: %q", mailstore.ErrMailboxExists, name)
		}
		if err := os.MkdirAll(boxFile, 0o700); err != nil {
			s.errs.SetCriticalf("mkdir(%s) failed: %v", boxFile, err)
			return fmt.Errorf("%w: create directory: %v", mailstore.ErrInternal, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(boxFile), 0o700); err != nil {
		s.errs.SetCriticalf("mkdir(%s) failed: %v", filepath.Dir(boxFile), err)
		return fmt.Errorf("%w: create mailbox: %v", mailstore.ErrInternal, err)
	}
	f, err := os.OpenFile(boxFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			s.errs.Setf("Mailbox already exists: %s", name)
			return fmt.Errorf("%w: %q", mailstore.ErrMailboxExists, name)
		}
		s.errs.SetCriticalf("creating mailbox file %s failed: %v", boxFile, err)
		return fmt.Errorf("%w: create mailbox: %v", mailstore.ErrInternal, err)
	}
	f.Close()

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
		s.errs.Setf("Mailbox already exists: %s", name)
		return fmt.Errorf("%w: %q", mailstore.ErrMailboxExists, name)
	}

	s.publishCreated(ctx, name, uidValidity)
	return nil
}

// initMailboxIndex assigns the mailbox identity under the sync guard.
func (s *Storage) initMailboxIndex(ctx context.Context, name string, idx index.Index) (uint32, error) {
	guard, err := s.syncBegin(ctx, idx, 0)
	if err != nil {
		if errors.Is(err, index.ErrNothingToSync) {
			panic(&mailstore.InvariantError{
				Op:     "mbox mailbox create",
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

// DeleteMailbox removes a mailbox file and its index.
func (s *Storage) DeleteMailbox(ctx context.Context, name string) error {
	if err := s.list.ValidateName(name); err != nil {
		return s.setNameError(err)
	}
	boxFile, indexDir, err := s.mailboxPaths(name)
	if err != nil {
		return s.setNameError(err)
	}

	fi, err := s.opts.stat(boxFile)
	if err != nil {
		if os.IsNotExist(err) {
			s.errs.Setf("Mailbox doesn't exist: %s", name)
			return fmt.Errorf("%w: %q", mailstore.ErrMailboxNotFound, name)
		}
		s.errs.SetCriticalf("stat(%s) failed: %v", boxFile, err)
		return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}

	if fi.IsDir() {
		if err := os.Remove(boxFile); err != nil {
			s.errs.Setf("Mailbox isn't selectable: %s", name)
			return fmt.Errorf("mbox: mailbox %q has child mailboxes", name)
		}
		return nil
	}

	if err := os.Remove(boxFile); err != nil {
		s.errs.SetCriticalf("removing mailbox %s failed: %v", name, err)
		return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}
	if err := os.RemoveAll(indexDir); err != nil {
		s.errs.SetCriticalf("removing mailbox index %s failed: %v", name, err)
		return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}

	s.publishDeleted(ctx, name)
	return nil
}

// RenameMailbox renames a mailbox file and moves its index with it.
func (s *Storage) RenameMailbox(ctx context.Context, oldName, newName string) error {
	if err := s.list.ValidateName(oldName); err != nil {
		return s.setNameError(err)
	}
	if err := s.list.ValidateName(newName); err != nil {
		return s.setNameError(err)
	}
	oldFile, oldIndexDir, err := s.mailboxPaths(oldName)
	if err != nil {
		return s.setNameError(err)
	}
	newFile, newIndexDir, err := s.mailboxPaths(newName)
	if err != nil {
		return s.setNameError(err)
	}

	if _, err := s.opts.stat(oldFile); err != nil {
		if os.IsNotExist(err) {
			s.errs.Setf("Mailbox doesn't exist: %s", oldName)
			return fmt.Errorf("%w: %q", mailstore.ErrMailboxNotFound, oldName)
		}
		s.errs.SetCriticalf("stat(%s) failed: %v", oldFile, err)
		return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}
	if _, err := s.opts.stat(newFile); err == nil {
		s.errs.Setf("Mailbox already exists: %s", newName)
		return fmt.Errorf("%w: %q", mailstore.ErrMailboxExists, newName)
	}

	if err := os.MkdirAll(filepath.Dir(newFile), 0o700); err != nil {
		s.errs.SetCriticalf("mkdir(%s) failed: %v", filepath.Dir(newFile), err)
		return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}
	if err := os.Rename(oldFile, newFile); err != nil {
		s.errs.SetCriticalf("rename(%s, %s) failed: %v", oldFile, newFile, err)
		return fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}
	if err := os.Rename(oldIndexDir, newIndexDir); err != nil && !os.IsNotExist(err) {
		s.opts.logger.Error("failed to move index directory",
			"old", oldIndexDir, "new", newIndexDir, "error", err)
	}

	s.publishRenamed(ctx, oldName, newName)
	return nil
}

// SetSubscribed adds or removes a subscription.
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
	boxFile, _, err := s.mailboxPaths(name)
	if err != nil {
		return mailstore.NameStatusInvalid, nil
	}
	if s.isSelectable(boxFile) {
		return mailstore.NameStatusExists, nil
	}

	// A parent that exists as a mailbox file blocks children.
	parent := filepath.Dir(boxFile)
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
		entries, err = s.list.FileEntries(ref, mask, nil)
	}
	if err != nil {
		s.errs.SetCriticalf("listing mailboxes failed: %v", err)
		return nil, fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
	}
	return boxutil.NewListContext(entries), nil
}

// subscribedEntries lists subscriptions matching the pattern.
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
		if boxFile, err := s.list.Path(name, mlist.PathMail); err != nil || !s.isSelectable(boxFile) {
			flags |= mailstore.MailboxNoSelect
		}
		entries = append(entries, mailstore.MailboxListEntry{Name: name, Flags: flags})
	}
	return entries, nil
}

// OpenMailbox opens an existing mailbox.
func (s *Storage) OpenMailbox(ctx context.Context, name string, flags mailstore.OpenFlags) (mailstore.Mailbox, error) {
	if err := s.list.ValidateName(name); err != nil {
		return nil, s.setNameError(err)
	}
	boxFile, indexDir, err := s.mailboxPaths(name)
	if err != nil {
		return nil, s.setNameError(err)
	}

	fi, err := s.opts.stat(boxFile)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			s.errs.Setf("Mailbox doesn't exist: %s", name)
			return nil, fmt.Errorf("%w: %q", mailstore.ErrMailboxNotFound, name)
		case errors.Is(err, os.ErrPermission):
			s.errs.SetCriticalf("no permission to access mailbox %s: %v", name, err)
			return nil, fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
		default:
			s.errs.SetCriticalf("stat(%s) failed: %v", boxFile, err)
			return nil, fmt.Errorf("%w: %v", mailstore.ErrInternal, err)
		}
	}
	if fi.IsDir() {
		s.errs.Setf("Mailbox isn't selectable: %s", name)
		return nil, fmt.Errorf("%w: %q is not selectable", mailstore.ErrMailboxNotFound, name)
	}

	return s.openMailbox(ctx, name, boxFile, indexDir, flags)
}

// Destroy tears down the storage instance.
func (s *Storage) Destroy(ctx context.Context) error {
	if n := s.openBoxes.Load(); n != 0 {
		return fmt.Errorf("mbox: destroy with %d mailboxes still open", n)
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
