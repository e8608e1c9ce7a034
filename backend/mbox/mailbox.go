package mbox

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/backend/internal/boxutil"
	"github.com/rbaliyan/mailstore/index"
)

// mailbox is one open mbox mailbox handle. The index record's URI field
// carries the message body's byte offset in the file; the file is never
// rewritten, only appended to.
type mailbox struct {
	storage  *Storage
	name     string
	boxFile  string
	idx      index.Index
	open     mailstore.OpenFlags
	readOnly bool

	mu           sync.Mutex
	closed       bool
	hdr          index.Header
	recs         []index.Record
	inconsistent bool

	notifyMu   sync.Mutex
	notifyStop chan struct{}
}

var _ mailstore.Mailbox = (*mailbox)(nil)

func (s *Storage) openMailbox(ctx context.Context, name, boxFile, indexDir string, flags mailstore.OpenFlags) (mailstore.Mailbox, error) {
	idx, err := s.opts.indexOpener(indexDir)
	if err != nil {
		s.errs.SetCriticalf("opening index for mailbox %s failed: %v", name, err)
		return nil, fmt.Errorf("%w: open index: %v", mailstore.ErrInternal, err)
	}

	view, err := idx.View(ctx)
	if err != nil {
		idx.Close(ctx)
		s.errs.SetCriticalf("reading index for mailbox %s failed: %v", name, err)
		return nil, fmt.Errorf("%w: read index: %v", mailstore.ErrInternal, err)
	}

	m := &mailbox{
		storage:  s,
		name:     name,
		boxFile:  boxFile,
		idx:      idx,
		open:     flags,
		readOnly: flags&mailstore.OpenReadOnly != 0 || s.flags&mailstore.FlagReadOnly != 0,
		hdr:      view.Header(),
		recs:     view.Records(),
	}
	s.openBoxes.Add(1)
	return m, nil
}

func (m *mailbox) Name() string               { return m.name }
func (m *mailbox) Storage() mailstore.Storage { return m.storage }
func (m *mailbox) IsReadOnly() bool           { return m.readOnly }
func (m *mailbox) AllowNewKeywords() bool     { return !m.readOnly }

func (m *mailbox) Close(ctx context.Context) error {
	m.NotifyChanges(0, nil)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return mailstore.ErrMailboxClosed
	}
	m.closed = true
	m.mu.Unlock()

	m.storage.openBoxes.Add(-1)
	return m.idx.Close(ctx)
}

func (m *mailbox) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return mailstore.ErrMailboxClosed
	}
	return nil
}

// openMessage reads one message body straight out of the mailbox file.
func (m *mailbox) openMessage(ctx context.Context, rec index.Record) (io.ReadCloser, error) {
	offset, err := strconv.ParseInt(rec.URI, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("mbox: message %d has no valid offset recorded", rec.UID)
	}
	return openSection(m.boxFile, offset, rec.Size)
}

func (m *mailbox) findRecord(uid uint32) (index.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.UID == uid {
			return rec, true
		}
	}
	return index.Record{}, false
}

// Status computes the requested status items from the current index
// state.
func (m *mailbox) Status(ctx context.Context, items mailstore.StatusItems) (mailstore.Status, error) {
	if err := m.checkOpen(); err != nil {
		return mailstore.Status{}, err
	}
	view, err := m.idx.View(ctx)
	if err != nil {
		m.storage.errs.SetCriticalf("reading index for mailbox %s failed: %v", m.name, err)
		return mailstore.Status{}, fmt.Errorf("%w: read index: %v", mailstore.ErrInternal, err)
	}
	return boxutil.StatusFromView(view.Header(), view.Records(), items, m.readOnly), nil
}

// SyncInit begins a synchronization pass. Messages appended to the file
// by other deliverers are indexed first; a file shorter than the
// indexed messages marks the handle inconsistent.
func (m *mailbox) SyncInit(flags mailstore.SyncFlags) (mailstore.SyncContext, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	inconsistent := m.inconsistent
	cached := make([]index.Record, len(m.recs))
	copy(cached, m.recs)
	cachedHdr := m.hdr
	m.mu.Unlock()

	if inconsistent && flags&mailstore.SyncFixInconsistent == 0 {
		m.storage.errs.Setf("Mailbox %s is in inconsistent state, reopen required", m.name)
		return nil, mailstore.ErrInconsistentState
	}

	ctx := context.Background()
	if !m.readOnly {
		if err := m.reconcileFile(ctx, flags); err != nil {
			return nil, err
		}
	}

	view, err := m.idx.View(ctx)
	if err != nil {
		m.storage.errs.SetCriticalf("index sync failed for mailbox %s: %v", m.name, err)
		m.idx.ResetError()
		return nil, fmt.Errorf("%w: index sync: %v", mailstore.ErrInternal, err)
	}
	newHdr := view.Header()
	newRecs := view.Records()

	if cachedHdr.UIDValidity != 0 && newHdr.UIDValidity != 0 && cachedHdr.UIDValidity != newHdr.UIDValidity {
		m.mu.Lock()
		m.inconsistent = true
		m.mu.Unlock()
		if flags&mailstore.SyncFixInconsistent == 0 {
			m.storage.errs.Setf("Mailbox %s was recreated, reopen required", m.name)
			return nil, mailstore.ErrInconsistentState
		}
	}

	records, applyRecs := boxutil.DiffRecords(cached, newRecs, flags)
	fix := flags&mailstore.SyncFixInconsistent != 0
	return boxutil.NewSyncContext(records, newHdr, applyRecs, fix, m.readOnly, m.applySync), nil
}

// reconcileFile compares the file's message segments with the index.
// Extra segments at the end were appended by an external deliverer and
// get indexed; fewer segments than records means the file was rewritten
// underneath us.
func (m *mailbox) reconcileFile(ctx context.Context, flags mailstore.SyncFlags) error {
	segs, err := scanSegments(m.boxFile)
	if err != nil {
		m.storage.errs.SetCriticalf("scanning mailbox file %s failed: %v", m.boxFile, err)
		return fmt.Errorf("%w: scan mailbox: %v", mailstore.ErrInternal, err)
	}

	m.mu.Lock()
	known := len(m.recs)
	m.mu.Unlock()

	if len(segs) < known {
		m.mu.Lock()
		m.inconsistent = true
		m.mu.Unlock()
		if flags&mailstore.SyncFixInconsistent == 0 {
			m.storage.errs.Setf("Mailbox %s was modified externally, reopen required", m.name)
			return mailstore.ErrInconsistentState
		}
		return nil
	}
	if len(segs) == known {
		return nil
	}

	s := m.storage
	guard, err := s.syncBegin(ctx, m.idx, 0)
	if err != nil {
		if errors.Is(err, index.ErrNothingToSync) {
			return nil
		}
		s.errs.SetCriticalf("index sync_begin failed for mailbox %s: %v", m.name, err)
		m.idx.ResetError()
		return fmt.Errorf("%w: index sync: %v", mailstore.ErrInternal, err)
	}

	hdr := guard.View().Header()
	indexed := len(guard.View().Records())
	appended := 0
	for _, seg := range segs[indexed:] {
		guid, err := hashSection(m.boxFile, seg)
		if err != nil {
			s.opts.logger.Warn("skipping unreadable message segment",
				"path", m.boxFile, "offset", seg.bodyOffset, "error", err)
			continue
		}
		rec := index.Record{
			UID:     hdr.NextUID,
			Flags:   uint32(mailstore.FlagRecent),
			GUID:    guid,
			Size:    seg.bodySize,
			SavedAt: s.opts.now().UTC(),
			URI:     strconv.FormatInt(seg.bodyOffset, 10),
		}
		hdr.NextUID++
		guard.Tx().Append(rec)
		appended++
	}

	if appended == 0 {
		guard.Rollback()
		return nil
	}
	guard.Tx().UpdateHeader(hdr)
	if err := guard.Commit(ctx); err != nil {
		s.errs.SetCriticalf("index sync commit failed for mailbox %s: %v", m.name, err)
		m.idx.ResetError()
		return fmt.Errorf("%w: index commit: %v", mailstore.ErrInternal, err)
	}
	return nil
}

func hashSection(path string, seg segment) (string, error) {
	rc, err := openSection(path, seg.bodyOffset, seg.bodySize)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *mailbox) applySync(hdr index.Header, recs []index.Record, fix bool) {
	m.mu.Lock()
	m.hdr = hdr
	m.recs = recs
	if fix {
		m.inconsistent = false
	}
	m.mu.Unlock()
}

// NotifyChanges registers fn to be called when the mailbox changes, at
// most once per minInterval. The watcher polls the index and the file
// size; a nil fn stops it.
func (m *mailbox) NotifyChanges(minInterval time.Duration, fn mailstore.NotifyFunc) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	if m.notifyStop != nil {
		close(m.notifyStop)
		m.notifyStop = nil
	}
	if fn == nil {
		return
	}
	if minInterval <= 0 {
		minInterval = time.Second
	}

	stop := make(chan struct{})
	m.notifyStop = stop

	go func() {
		ticker := time.NewTicker(minInterval)
		defer ticker.Stop()

		m.mu.Lock()
		last := m.hdr
		lastCount := len(m.recs)
		m.mu.Unlock()
		lastSize := m.fileSize()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			view, err := m.idx.View(context.Background())
			if err != nil {
				continue
			}
			hdr := view.Header()
			count := len(view.Records())
			size := m.fileSize()
			if hdr != last || count != lastCount || size != lastSize {
				last = hdr
				lastCount = count
				lastSize = size
				fn(m)
			}
		}
	}()
}

func (m *mailbox) fileSize() int64 {
	fi, err := m.storage.opts.stat(m.boxFile)
	if err != nil {
		return -1
	}
	return fi.Size()
}

// UIDToSeqRange maps a UID range onto the current sequence numbers.
func (m *mailbox) UIDToSeqRange(uid1, uid2 uint32) (uint32, uint32, error) {
	if err := m.checkOpen(); err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seq1, seq2 := boxutil.UIDToSeqRange(m.recs, uid1, uid2)
	return seq1, seq2, nil
}

// HeaderLookupInit prepares a repeated lookup of a fixed header set.
func (m *mailbox) HeaderLookupInit(headers []string) (mailstore.HeaderLookupContext, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return boxutil.NewHeaderLookup(headers, m.findRecord, m.openMessage, m.reportCritical), nil
}

func (m *mailbox) reportCritical(format string, args ...any) {
	m.storage.errs.SetCriticalf("mailbox "+m.name+": "+format, args...)
}

// DefaultSort returns arrival order, which for mbox equals file order.
func (m *mailbox) DefaultSort() ([]mailstore.SortKey, error) {
	return []mailstore.SortKey{mailstore.SortArrival}, nil
}

// BeginTransaction starts a transaction on this mailbox.
func (m *mailbox) BeginTransaction(flags mailstore.TransactionFlags) (mailstore.Transaction, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return &transaction{box: m, flags: flags}, nil
}

func (m *mailbox) IsInconsistent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inconsistent
}
