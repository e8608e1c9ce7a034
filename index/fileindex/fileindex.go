// Package fileindex is a file-backed mail index. State lives in a single
// JSON document per mailbox, replaced atomically via a temp file and
// rename. Cross-process exclusion uses a lock file created with
// O_CREATE|O_EXCL; a lock left behind by a dead process is taken over
// after a staleness timeout.
package fileindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rbaliyan/mailstore/index"
)

const (
	stateFileName = "mailstore-index.json"
	lockFileName  = "mailstore-index.lock"

	defaultStaleLockAge = 2 * time.Minute
)

// state is the on-disk document.
type state struct {
	Header     index.Header   `json:"header"`
	Records    []index.Record `json:"records"`
	Generation uint64         `json:"generation"`
}

type options struct {
	logger       *slog.Logger
	staleLockAge time.Duration
	now          func() time.Time
}

// Option configures an Index.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStaleLockAge sets how old a lock file must be before it is
// considered abandoned and taken over. Default is 2 minutes.
func WithStaleLockAge(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.staleLockAge = d
		}
	}
}

// Index is a file-backed mail index for one mailbox.
type Index struct {
	dir  string
	opts *options

	mu          sync.Mutex
	guardHeld   bool
	closed      bool
	lastSyncGen uint64
	synced      bool
	stickyErr   error
}

// Open opens the index stored under dir, creating the directory if
// needed.
func Open(dir string, opts ...Option) (*Index, error) {
	o := &options{
		logger:       slog.Default(),
		staleLockAge: defaultStaleLockAge,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("fileindex: create index dir: %w", err)
	}
	return &Index{dir: dir, opts: o}, nil
}

func (idx *Index) statePath() string { return filepath.Join(idx.dir, stateFileName) }
func (idx *Index) lockPath() string  { return filepath.Join(idx.dir, lockFileName) }

// load reads the current on-disk state. A missing file is an empty,
// uninitialized index.
func (idx *Index) load() (*state, error) {
	data, err := os.ReadFile(idx.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &state{}, nil
		}
		return nil, fmt.Errorf("fileindex: read state: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrCorrupted, err)
	}
	return &st, nil
}

// acquireLock creates the lock file exclusively. A lock older than the
// staleness age is assumed abandoned, removed, and reacquired.
func (idx *Index) acquireLock() error {
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(idx.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			fmt.Fprintf(f, "pid=%d at=%s\n", os.Getpid(), idx.opts.now().UTC().Format(time.RFC3339))
			return f.Close()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("fileindex: create lock: %w", err)
		}
		fi, serr := os.Stat(idx.lockPath())
		if serr != nil {
			if os.IsNotExist(serr) && attempt == 0 {
				// Holder released between our open and stat.
				continue
			}
			return index.ErrWouldBlock
		}
		if idx.opts.now().Sub(fi.ModTime()) < idx.opts.staleLockAge || attempt > 0 {
			return index.ErrWouldBlock
		}
		idx.opts.logger.Warn("taking over stale index lock",
			"dir", idx.dir, "age", idx.opts.now().Sub(fi.ModTime()))
		if rerr := os.Remove(idx.lockPath()); rerr != nil && !os.IsNotExist(rerr) {
			return index.ErrWouldBlock
		}
	}
}

func (idx *Index) releaseLock() {
	if err := os.Remove(idx.lockPath()); err != nil && !os.IsNotExist(err) {
		idx.opts.logger.Error("failed to release index lock", "dir", idx.dir, "error", err)
	}
}

// SyncBegin acquires the exclusive guard, loading a snapshot of the
// current state. It returns index.ErrWouldBlock when another actor holds
// the lock, in this process or another.
func (idx *Index) SyncBegin(ctx context.Context, flags index.BeginFlags) (index.Guard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx.mu.Lock()
	switch {
	case idx.closed:
		idx.mu.Unlock()
		return nil, index.ErrClosed
	case idx.stickyErr != nil:
		err := idx.stickyErr
		idx.mu.Unlock()
		return nil, err
	case idx.guardHeld:
		idx.mu.Unlock()
		return nil, index.ErrWouldBlock
	}
	idx.guardHeld = true
	idx.mu.Unlock()

	release := func() {
		idx.mu.Lock()
		idx.guardHeld = false
		idx.mu.Unlock()
	}

	if err := idx.acquireLock(); err != nil {
		release()
		return nil, err
	}

	st, err := idx.load()
	if err != nil {
		idx.releaseLock()
		release()
		if errors.Is(err, index.ErrCorrupted) {
			idx.setSticky(err)
		}
		return nil, err
	}

	if flags&index.BeginOnlyIfChanged != 0 {
		idx.mu.Lock()
		unchanged := idx.synced && st.Generation == idx.lastSyncGen
		idx.mu.Unlock()
		if unchanged {
			idx.releaseLock()
			release()
			return nil, index.ErrNothingToSync
		}
	}

	return &guard{idx: idx, st: st, release: release}, nil
}

// View loads a read-only snapshot without taking the lock.
func (idx *Index) View(ctx context.Context) (index.View, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx.mu.Lock()
	if idx.closed {
		idx.mu.Unlock()
		return nil, index.ErrClosed
	}
	idx.mu.Unlock()

	st, err := idx.load()
	if err != nil {
		return nil, err
	}
	return &view{st: st}, nil
}

// ResetError clears a sticky internal error so that synchronization may
// be attempted again.
func (idx *Index) ResetError() {
	idx.mu.Lock()
	idx.stickyErr = nil
	idx.mu.Unlock()
}

func (idx *Index) setSticky(err error) {
	idx.mu.Lock()
	idx.stickyErr = err
	idx.mu.Unlock()
}

// Close releases the index handle.
func (idx *Index) Close(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.guardHeld {
		return fmt.Errorf("fileindex: close with sync guard held")
	}
	idx.closed = true
	return nil
}

type view struct {
	st *state
}

func (v *view) Header() index.Header { return v.st.Header }

func (v *view) Records() []index.Record {
	out := make([]index.Record, len(v.st.Records))
	copy(out, v.st.Records)
	return out
}

// guard is the exclusive synchronization window. Commit and Rollback
// release it; only the first release has effect.
type guard struct {
	idx     *Index
	st      *state
	release func()

	tx    tx
	ended bool
}

func (g *guard) View() index.View { return &view{st: g.st} }
func (g *guard) Tx() index.Tx     { return &g.tx }

func (g *guard) Commit(ctx context.Context) error {
	if g.ended {
		return index.ErrGuardEnded
	}
	g.ended = true
	defer g.release()
	defer g.idx.releaseLock()

	if err := ctx.Err(); err != nil {
		return err
	}

	next := g.tx.apply(g.st)
	next.Generation = g.st.Generation + 1

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("fileindex: encode state: %w", err)
	}
	tmp, err := os.CreateTemp(g.idx.dir, ".index-tmp-*")
	if err != nil {
		return fmt.Errorf("fileindex: create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fileindex: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fileindex: close temp state: %w", err)
	}
	if err := os.Rename(tmpName, g.idx.statePath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fileindex: replace state: %w", err)
	}

	g.idx.mu.Lock()
	g.idx.lastSyncGen = next.Generation
	g.idx.synced = true
	g.idx.mu.Unlock()
	return nil
}

func (g *guard) Rollback() {
	if g.ended {
		return
	}
	g.ended = true
	g.idx.releaseLock()
	g.release()
}

// tx stages mutations until commit.
type tx struct {
	header      *index.Header
	appends     []index.Record
	expunges    []uint32
	flagUpdates map[uint32]flagUpdate
}

type flagUpdate struct {
	flags    uint32
	keywords []string
}

func (t *tx) UpdateHeader(h index.Header) { t.header = &h }

func (t *tx) Append(rec index.Record) { t.appends = append(t.appends, rec) }

func (t *tx) Expunge(uid uint32) { t.expunges = append(t.expunges, uid) }

func (t *tx) UpdateFlags(uid uint32, flags uint32, keywords []string) {
	if t.flagUpdates == nil {
		t.flagUpdates = make(map[uint32]flagUpdate)
	}
	t.flagUpdates[uid] = flagUpdate{flags: flags, keywords: keywords}
}

// apply builds the post-transaction state from the snapshot.
func (t *tx) apply(st *state) *state {
	next := &state{Header: st.Header}
	if t.header != nil {
		next.Header = *t.header
	}

	expunged := make(map[uint32]bool, len(t.expunges))
	for _, uid := range t.expunges {
		expunged[uid] = true
	}

	for _, rec := range st.Records {
		if expunged[rec.UID] {
			continue
		}
		if up, ok := t.flagUpdates[rec.UID]; ok {
			rec.Flags = up.flags
			rec.Keywords = up.keywords
		}
		next.Records = append(next.Records, rec)
	}
	next.Records = append(next.Records, t.appends...)
	sort.Slice(next.Records, func(i, j int) bool {
		return next.Records[i].UID < next.Records[j].UID
	})

	next.Header.Messages = uint32(len(next.Records))
	return next
}
