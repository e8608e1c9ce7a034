package dbox

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/backend/internal/boxutil"
	"github.com/rbaliyan/mailstore/index"
)

// transaction stages message saves against one mailbox. Nothing touches
// the index until Commit, which runs the whole batch under a single
// sync guard: UIDs are assigned there, staged files are renamed into
// place, and the index records land in the same index commit.
type transaction struct {
	box   *mailbox
	flags mailstore.TransactionFlags

	mu      sync.Mutex
	ended   bool
	pending []*saveContext
}

var _ mailstore.Transaction = (*transaction)(nil)

func (t *transaction) checkActive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return mailstore.ErrTransactionEnded
	}
	return nil
}

// KeywordsCreate resolves keyword names into a set valid within this
// transaction.
func (t *transaction) KeywordsCreate(names []string) (*mailstore.Keywords, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(names))
	kw := &mailstore.Keywords{}
	for _, name := range names {
		if name == "" || strings.ContainsAny(name, " \t\r\n") {
			return nil, fmt.Errorf("dbox: invalid keyword %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		kw.Names = append(kw.Names, name)
	}
	return kw, nil
}

// SaveInit begins a staged save. The message body goes to a temp file in
// the message directory; if the saver dies here, the temp-file reaper
// removes the leftover eventually.
func (t *transaction) SaveInit(opts mailstore.SaveOptions, input io.Reader) (mailstore.SaveContext, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if t.box.readOnly {
		t.box.storage.errs.Setf("Mailbox %s is read-only", t.box.name)
		return nil, mailstore.ErrMailboxReadOnly
	}

	tmpPath := filepath.Join(t.box.mailsDir, t.box.storage.list.TempFileName())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		t.box.storage.errs.SetCriticalf("creating temp file in mailbox %s failed: %v", t.box.name, err)
		return nil, fmt.Errorf("%w: create temp file: %v", mailstore.ErrInternal, err)
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: init hasher: %v", mailstore.ErrInternal, err)
	}

	received := opts.Received
	if received.IsZero() {
		received = time.Now().UTC()
	}

	return &saveContext{
		tx:       t,
		file:     f,
		tmpPath:  tmpPath,
		hasher:   hasher,
		input:    input,
		opts:     opts,
		received: received,
	}, nil
}

// Copy copies an existing message into this mailbox within the
// transaction. The copy keeps the source's flags, keywords, receive time
// and GUID, and gets a fresh UID at commit.
func (t *transaction) Copy(ctx context.Context, msg mailstore.MessageRef) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.box.readOnly {
		t.box.storage.errs.Setf("Mailbox %s is read-only", t.box.name)
		return mailstore.ErrMailboxReadOnly
	}

	rec, ok := t.box.findRecord(msg.UID)
	if !ok {
		t.box.storage.errs.Setf("Message %d not found in mailbox %s", msg.UID, t.box.name)
		return fmt.Errorf("%w: message uid %d", mailstore.ErrMailboxNotFound, msg.UID)
	}

	src, err := t.box.openMessage(ctx, rec)
	if err != nil {
		t.box.storage.errs.SetCriticalf("opening message %d in mailbox %s failed: %v", msg.UID, t.box.name, err)
		return fmt.Errorf("%w: open source message: %v", mailstore.ErrInternal, err)
	}
	defer src.Close()

	var kw *mailstore.Keywords
	if len(rec.Keywords) > 0 {
		kw = &mailstore.Keywords{Names: rec.Keywords}
	}
	save, err := t.SaveInit(mailstore.SaveOptions{
		Flags:    mailstore.MessageFlags(rec.Flags),
		Keywords: kw,
		Received: rec.SavedAt,
	}, src)
	if err != nil {
		return err
	}
	if err := save.Continue(); err != nil {
		save.Cancel()
		return err
	}
	if _, err := save.Finish(ctx); err != nil {
		return err
	}
	return nil
}

// SearchInit begins a search within this transaction.
func (t *transaction) SearchInit(charset string, criteria []mailstore.SearchCriterion, sort []mailstore.SortKey) (mailstore.SearchContext, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	switch strings.ToUpper(charset) {
	case "", "UTF-8", "US-ASCII":
	default:
		t.box.storage.errs.SetSyntaxf("Unsupported search charset: %s", charset)
		return nil, fmt.Errorf("dbox: unsupported charset %q", charset)
	}

	t.box.mu.Lock()
	recs := make([]index.Record, len(t.box.recs))
	copy(recs, t.box.recs)
	t.box.mu.Unlock()

	return boxutil.NewSearchContext(recs, criteria, sort, t.box.openMessage, t.box.reportCritical), nil
}

// Commit applies all staged saves under one index sync guard.
func (t *transaction) Commit(ctx context.Context, flags mailstore.SyncFlags) error {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return mailstore.ErrTransactionEnded
	}
	t.ended = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	box := t.box
	s := box.storage

	guard, err := s.syncBegin(ctx, box.idx, 0)
	if err != nil {
		discardSaves(pending)
		if errors.Is(err, index.ErrNothingToSync) {
			panic(&mailstore.InvariantError{
				Op:     "dbox transaction commit",
				Detail: fmt.Sprintf("index reported nothing to synchronize while committing saves to %q", box.name),
			})
		}
		s.errs.SetCriticalf("index sync_begin failed for mailbox %s: %v", box.name, err)
		box.idx.ResetError()
		return fmt.Errorf("%w: index sync: %v", mailstore.ErrInternal, err)
	}

	hdr := guard.View().Header()
	if hdr.UIDValidity == 0 {
		// The mailbox was opened before creation fully initialized it;
		// the first write assigns the identity.
		uidValidity, verr := s.list.NextUIDValidity()
		if verr != nil {
			guard.Rollback()
			discardSaves(pending)
			s.errs.SetCriticalf("allocating uidvalidity for mailbox %s failed: %v", box.name, verr)
			return fmt.Errorf("%w: allocate uidvalidity: %v", mailstore.ErrInternal, verr)
		}
		hdr.UIDValidity = uidValidity
		if hdr.NextUID == 0 {
			hdr.NextUID = 1
		}
	}

	var placed []string
	var externalized []string
	var newRecs []index.Record
	undo := func() {
		for _, p := range placed {
			os.Remove(p)
		}
		for _, uri := range externalized {
			if derr := s.opts.blobStore.Delete(ctx, uri); derr != nil {
				s.opts.logger.Warn("failed to delete orphaned message body",
					"uri", uri, "error", derr)
			}
		}
		discardSaves(pending)
	}

	for _, save := range pending {
		uid := hdr.NextUID
		hdr.NextUID++

		rec := index.Record{
			UID:     uid,
			Flags:   uint32(save.opts.Flags),
			GUID:    save.guid,
			Size:    save.size,
			SavedAt: save.received,
		}
		if save.opts.Keywords != nil {
			rec.Keywords = save.opts.Keywords.Names
		}

		if s.opts.blobStore != nil && s.opts.externalizeAt > 0 && save.size >= s.opts.externalizeAt {
			uri, perr := t.externalize(ctx, save, uid)
			if perr != nil {
				guard.Rollback()
				undo()
				s.errs.SetCriticalf("externalizing message in mailbox %s failed: %v", box.name, perr)
				return fmt.Errorf("%w: store message body: %v", mailstore.ErrInternal, perr)
			}
			rec.External = true
			rec.URI = uri
			externalized = append(externalized, uri)
		} else {
			dst := box.messagePath(uid)
			if rerr := os.Rename(save.tmpPath, dst); rerr != nil {
				guard.Rollback()
				undo()
				s.errs.SetCriticalf("placing message file %s failed: %v", dst, rerr)
				return fmt.Errorf("%w: place message file: %v", mailstore.ErrInternal, rerr)
			}
			placed = append(placed, dst)
		}

		save.ref.UID = uid
		guard.Tx().Append(rec)
		newRecs = append(newRecs, rec)
	}

	guard.Tx().UpdateHeader(hdr)
	if err := guard.Commit(ctx); err != nil {
		undo()
		s.errs.SetCriticalf("index sync commit failed for mailbox %s: %v", box.name, err)
		box.idx.ResetError()
		return fmt.Errorf("%w: index commit: %v", mailstore.ErrInternal, err)
	}

	box.mu.Lock()
	hdr.Messages = uint32(len(box.recs) + len(newRecs))
	box.hdr = hdr
	box.recs = append(box.recs, newRecs...)
	total := len(box.recs)
	box.mu.Unlock()

	for i, save := range pending {
		save.ref.Seq = uint32(total - len(pending) + i + 1)
		s.publishSaved(ctx, box.name, save.ref.UID, save.size)
	}
	return nil
}

// externalize pushes a staged body into the blob store and removes the
// temp file.
func (t *transaction) externalize(ctx context.Context, save *saveContext, uid uint32) (string, error) {
	f, err := os.Open(save.tmpPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := path.Join(t.box.storage.user, t.box.name, fmt.Sprintf("%s-%d", save.guid, uid))
	uri, err := t.box.storage.opts.blobStore.Put(ctx, key, "message/rfc822", f)
	if err != nil {
		return "", err
	}
	os.Remove(save.tmpPath)
	return uri, nil
}

// Rollback discards the staged saves.
func (t *transaction) Rollback() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	discardSaves(pending)
}

func discardSaves(pending []*saveContext) {
	for _, save := range pending {
		os.Remove(save.tmpPath)
	}
}

// saveContext is one staged message save.
type saveContext struct {
	tx       *transaction
	file     *os.File
	tmpPath  string
	hasher   hash.Hash
	input    io.Reader
	opts     mailstore.SaveOptions
	received time.Time

	drained  bool
	finished bool
	canceled bool
	size     int64
	guid     string
	ref      mailstore.MessageRef
}

var _ mailstore.SaveContext = (*saveContext)(nil)

// Continue drains the input into the staging file. Safe to call again
// after the input is exhausted.
func (s *saveContext) Continue() error {
	if s.finished || s.canceled {
		return mailstore.ErrSaveEnded
	}
	if s.drained {
		return nil
	}
	n, err := io.Copy(io.MultiWriter(s.file, s.hasher), s.input)
	s.size += n
	if err != nil {
		s.tx.box.storage.errs.SetCriticalf("writing message to mailbox %s failed: %v", s.tx.box.name, err)
		return fmt.Errorf("%w: write message: %v", mailstore.ErrInternal, err)
	}
	s.drained = true
	return nil
}

// Finish completes the save: the content hash becomes the message GUID
// and the save joins the transaction's pending batch. The returned
// reference gets its UID filled in when the transaction commits.
func (s *saveContext) Finish(ctx context.Context) (*mailstore.MessageRef, error) {
	if s.finished || s.canceled {
		return nil, mailstore.ErrSaveEnded
	}
	if err := s.Continue(); err != nil {
		return nil, err
	}
	if err := s.file.Close(); err != nil {
		os.Remove(s.tmpPath)
		s.canceled = true
		s.tx.box.storage.errs.SetCriticalf("closing message file in mailbox %s failed: %v", s.tx.box.name, err)
		return nil, fmt.Errorf("%w: close message file: %v", mailstore.ErrInternal, err)
	}
	s.finished = true

	s.guid = hex.EncodeToString(s.hasher.Sum(nil))
	s.ref = mailstore.MessageRef{GUID: s.guid}

	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if s.tx.ended {
		os.Remove(s.tmpPath)
		return nil, mailstore.ErrTransactionEnded
	}
	s.tx.pending = append(s.tx.pending, s)
	return &s.ref, nil
}

// Cancel aborts the save and removes the staged file.
func (s *saveContext) Cancel() {
	if s.finished || s.canceled {
		return
	}
	s.canceled = true
	s.file.Close()
	os.Remove(s.tmpPath)
}
