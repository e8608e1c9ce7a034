package maildir

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/backend/internal/boxutil"
	"github.com/rbaliyan/mailstore/index"
)

// mailbox is one open maildir mailbox handle. Messages live under cur;
// the index record's URI field carries the file name relative to the
// mailbox directory, so flags never force a rename.
type mailbox struct {
	storage  *Storage
	name     string
	mailDir  string
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

func (s *Storage) openMailbox(ctx context.Context, name, mailDir, indexDir string, flags mailstore.OpenFlags) (mailstore.Mailbox, error) {
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

func (m *mailbox) curDir() string { return filepath.Join(m.mailDir, curDirName) }
func (m *mailbox) newDir() string { return filepath.Join(m.mailDir, newDirName) }
func (m *mailbox) tmpDir() string { return filepath.Join(m.mailDir, tmpDirName) }

// openMessage opens a message body by its recorded file name.
func (m *mailbox) openMessage(ctx context.Context, rec index.Record) (io.ReadCloser, error) {
	if rec.URI == "" {
		return nil, fmt.Errorf("maildir: message %d has no file recorded", rec.UID)
	}
	return os.Open(filepath.Join(m.mailDir, rec.URI))
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
// state. Undelivered files in new count as recent on top of the flags.
func (m *mailbox) Status(ctx context.Context, items mailstore.StatusItems) (mailstore.Status, error) {
	if err := m.checkOpen(); err != nil {
		return mailstore.Status{}, err
	}
	view, err := m.idx.View(ctx)
	if err != nil {
		m.storage.errs.SetCriticalf("reading index for mailbox %s failed: %v", m.name, err)
		return mailstore.Status{}, fmt.Errorf("%w: read index: %v", mailstore.ErrInternal, err)
	}
	st := boxutil.StatusFromView(view.Header(), view.Records(), items, m.readOnly)
	if items&mailstore.StatusRecent != 0 {
		if ents, err := os.ReadDir(m.newDir()); err == nil {
			st.Recent += uint32(len(ents))
		}
	}
	return st, nil
}

// SyncInit begins a synchronization pass. New deliveries sitting in new
// are ingested first: each gets a UID under the index guard and its file
// moves into cur.
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
		if err := m.ingestNew(ctx); err != nil {
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

// ingestNew moves deliveries from new into cur, assigning UIDs under
// one index guard. An empty new directory costs one ReadDir and nothing
// else.
func (m *mailbox) ingestNew(ctx context.Context) error {
	ents, err := os.ReadDir(m.newDir())
	if err != nil || len(ents) == 0 {
		return nil
	}
	names := make([]string, 0, len(ents))
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		names = append(names, ent.Name())
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

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
	ingested := 0
	for _, name := range names {
		src := filepath.Join(m.newDir(), name)
		guid, size, err := hashFile(src)
		if err != nil {
			s.opts.logger.Warn("skipping unreadable delivery", "path", src, "error", err)
			continue
		}

		uid := hdr.NextUID
		rec := index.Record{
			UID:     uid,
			Flags:   uint32(mailstore.FlagRecent),
			GUID:    guid,
			Size:    size,
			SavedAt: s.opts.now().UTC(),
		}
		base := messageFileName(rec.SavedAt, uid, guid, mailstore.FlagRecent)
		if err := os.Rename(src, filepath.Join(m.curDir(), base)); err != nil {
			s.opts.logger.Warn("failed to move delivery into cur", "path", src, "error", err)
			continue
		}
		rec.URI = filepath.Join(curDirName, base)
		hdr.NextUID++
		guard.Tx().Append(rec)
		ingested++
	}

	if ingested == 0 {
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

func hashFile(path string) (guid string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	size, err = io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// messageFileName builds a maildir-style base name carrying the UID and
// a flag suffix.
func messageFileName(ts time.Time, uid uint32, guid string, flags mailstore.MessageFlags) string {
	short := guid
	if len(short) > 16 {
		short = short[:16]
	}
	return fmt.Sprintf("%d.u%d.%s:2,%s", ts.Unix(), uid, short, flagChars(flags))
}

// flagChars renders system flags as maildir info letters, in ASCII
// order.
func flagChars(flags mailstore.MessageFlags) string {
	var b strings.Builder
	if flags&mailstore.FlagDraft != 0 {
		b.WriteByte('D')
	}
	if flags&mailstore.FlagFlagged != 0 {
		b.WriteByte('F')
	}
	if flags&mailstore.FlagAnswered != 0 {
		b.WriteByte('R')
	}
	if flags&mailstore.FlagSeen != 0 {
		b.WriteByte('S')
	}
	if flags&mailstore.FlagDeleted != 0 {
		b.WriteByte('T')
	}
	return b.String()
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
// most once per minInterval. The watcher polls the index and the new
// directory; a nil fn stops it.
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
		lastNew := m.countNew()

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
			newCount := m.countNew()
			if hdr != last || count != lastCount || newCount != lastNew {
				last = hdr
				lastCount = count
				lastNew = newCount
				fn(m)
			}
		}
	}()
}

func (m *mailbox) countNew() int {
	ents, err := os.ReadDir(m.newDir())
	if err != nil {
		return 0
	}
	return len(ents)
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

// DefaultSort returns arrival order.
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
