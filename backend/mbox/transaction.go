package mbox

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/backend/internal/boxutil"
	"github.com/rbaliyan/mailstore/index"
)

// transaction stages message saves against one mailbox. Commit appends
// the whole batch to the file under a dotlock, inside one index sync
// guard; a failed index commit truncates the file back.
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
			return nil, fmt.Errorf("mbox: invalid keyword %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		kw.Names = append(kw.Names, name)
	}
	return kw, nil
}

// SaveInit begins a staged save into a temp file next to the mailbox.
func (t *transaction) SaveInit(opts mailstore.SaveOptions, input io.Reader) (mailstore.SaveContext, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if t.box.readOnly {
		t.box.storage.errs.Setf("Mailbox %s is read-only", t.box.name)
		return nil, mailstore.ErrMailboxReadOnly
	}

	tmpPath := filepath.Join(filepath.Dir(t.box.boxFile), t.box.storage.list.TempFileName())
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		t.box.storage.errs.SetCriticalf("creating temp file for mailbox %s failed: %v", t.box.name, err)
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
// transaction.
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
		return nil, fmt.Errorf("mbox: unsupported charset %q", charset)
	}

	t.box.mu.Lock()
	recs := make([]index.Record, len(t.box.recs))
	copy(recs, t.box.recs)
	t.box.mu.Unlock()

	return boxutil.NewSearchContext(recs, criteria, sort, t.box.openMessage, t.box.reportCritical), nil
}

// Commit appends all staged saves to the file under one dotlock and one
// index sync guard.
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
				Op:     "mbox transaction commit",
				Detail: fmt.Sprintf("index reported nothing to synchronize while committing saves to %q", box.name),
			})
		}
		s.errs.SetCriticalf("index sync_begin failed for mailbox %s: %v", box.name, err)
		box.idx.ResetError()
		return fmt.Errorf("%w: index sync: %v", mailstore.ErrInternal, err)
	}

	hdr := guard.View().Header()
	if hdr.UIDValidity == 0 {
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

	lock := &dotlock{
		path:     box.boxFile,
		timeout:  s.opts.lockTimeout,
		staleAge: s.opts.lockStaleAge,
		logger:   s.opts.logger,
		now:      s.opts.now,
	}
	if err := lock.acquire(); err != nil {
		guard.Rollback()
		discardSaves(pending)
		s.errs.SetCriticalf("locking mailbox %s failed: %v", box.name, err)
		return fmt.Errorf("%w: lock mailbox: %v", mailstore.ErrInternal, err)
	}
	defer lock.release()

	f, err := os.OpenFile(box.boxFile, os.O_WRONLY, 0o600)
	if err != nil {
		guard.Rollback()
		discardSaves(pending)
		s.errs.SetCriticalf("opening mailbox file %s failed: %v", box.boxFile, err)
		return fmt.Errorf("%w: open mailbox: %v", mailstore.ErrInternal, err)
	}
	defer f.Close()

	origSize, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		guard.Rollback()
		discardSaves(pending)
		s.errs.SetCriticalf("seeking mailbox file %s failed: %v", box.boxFile, err)
		return fmt.Errorf("%w: seek mailbox: %v", mailstore.ErrInternal, err)
	}

	undo := func() {
		f.Truncate(origSize)
		discardSaves(pending)
	}

	pos := origSize
	var newRecs []index.Record
	for _, save := range pending {
		uid := hdr.NextUID
		hdr.NextUID++

		body, err := os.Open(save.tmpPath)
		if err != nil {
			guard.Rollback()
			undo()
			s.errs.SetCriticalf("reading staged message for mailbox %s failed: %v", box.name, err)
			return fmt.Errorf("%w: read staged message: %v", mailstore.ErrInternal, err)
		}
		cw := &countingWriter{w: f}
		bodyOffset, bodySize, werr := writeMessage(cw, pos, save.opts.EnvelopeSender, save.received, body)
		body.Close()
		if werr != nil {
			guard.Rollback()
			undo()
			s.errs.SetCriticalf("appending message to mailbox %s failed: %v", box.name, werr)
			return fmt.Errorf("%w: append message: %v", mailstore.ErrInternal, werr)
		}
		pos += cw.n

		rec := index.Record{
			UID:     uid,
			Flags:   uint32(save.opts.Flags),
			GUID:    save.guid,
			Size:    bodySize,
			SavedAt: save.received,
			URI:     strconv.FormatInt(bodyOffset, 10),
		}
		if save.opts.Keywords != nil {
			rec.Keywords = save.opts.Keywords.Names
		}

		save.ref.UID = uid
		guard.Tx().Append(rec)
		newRecs = append(newRecs, rec)
	}

	if err := f.Sync(); err != nil {
		guard.Rollback()
		undo()
		s.errs.SetCriticalf("syncing mailbox file %s failed: %v", box.boxFile, err)
		return fmt.Errorf("%w: sync mailbox: %v", mailstore.ErrInternal, err)
	}

	guard.Tx().UpdateHeader(hdr)
	if err := guard.Commit(ctx); err != nil {
		undo()
		s.errs.SetCriticalf("index sync commit failed for mailbox %s: %v", box.name, err)
		box.idx.ResetError()
		return fmt.Errorf("%w: index commit: %v", mailstore.ErrInternal, err)
	}
	discardSaves(pending)

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

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
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

// Continue drains the input into the staging file.
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

// Finish completes the save; the content hash becomes the message GUID.
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
		s.tx.box.storage.errs.SetCriticalf("closing staged message for mailbox %s failed: %v", s.tx.box.name, err)
		return nil, fmt.Errorf("%w: close staged message: %v", mailstore.ErrInternal, err)
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
