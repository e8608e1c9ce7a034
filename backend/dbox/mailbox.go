package dbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/backend/internal/boxutil"
	"github.com/rbaliyan/mailstore/index"
)

// mailbox is one open dbox mailbox handle. It keeps a cached view of the
// index; synchronization reconciles the cache with the index state and
// reports the differences.
type mailbox struct {
	storage  *Storage
	name     string
	mailDir  string
	mailsDir string
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

func (s *Storage) openMailbox(ctx context.Context, name, mailDir, mailsDir, indexDir string, flags mailstore.OpenFlags) (mailstore.Mailbox, error) {
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
		mailDir:  mailDir,
		mailsDir: mailsDir,
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

// Close closes the handle. Change notifications stop first.
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

// messagePath is the committed message file for one UID.
func (m *mailbox) messagePath(uid uint32) string {
	return filepath.Join(m.mailsDir, fmt.Sprintf("%s%d", messageFilePrefix, uid))
}

// openMessage opens a message body, following an externalized record
// into the blob store.
func (m *mailbox) openMessage(ctx context.Context, rec index.Record) (io.ReadCloser, error) {
	if rec.External {
		if m.storage.opts.blobStore == nil {
			return nil, fmt.Errorf("dbox: message %d is external but no blob store is configured", rec.UID)
		}
		return m.storage.opts.blobStore.Load(ctx, rec.URI)
	}
	return os.Open(m.messagePath(rec.UID))
}

// findRecord locates the cached record for a UID.
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

// SyncInit begins a synchronization pass: it loads the current index
// state, diffs it against this handle's cached view, and reports the
// changes. Deinit applies the new state to the cache.
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

	view, err := m.idx.View(context.Background())
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
// most once per minInterval. The watcher polls the index; a nil fn stops
// it.
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
			if hdr != last || count != lastCount {
				last = hdr
				lastCount = count
				fn(m)
			}
		}
	}()
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

// DefaultSort returns the backend's natural order: arrival, which for
// dbox equals UID order.
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
