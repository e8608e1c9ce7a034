// Package pgindex is a PostgreSQL-backed mail index. Each mailbox is one
// row; the synchronization guard is the row lock taken with
// SELECT ... FOR UPDATE NOWAIT, so exclusion works across processes and
// hosts sharing the database.
package pgindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rbaliyan/mailstore/index"
)

// lockNotAvailable is the PostgreSQL error code raised by NOWAIT when the
// row lock is already held.
const lockNotAvailable = "55P03"

const schema = `
CREATE TABLE IF NOT EXISTS mailstore_index (
	mailbox      TEXT PRIMARY KEY,
	uid_validity BIGINT NOT NULL DEFAULT 0,
	next_uid     BIGINT NOT NULL DEFAULT 0,
	messages     BIGINT NOT NULL DEFAULT 0,
	records      JSONB  NOT NULL DEFAULT '[]',
	generation   BIGINT NOT NULL DEFAULT 0
)`

// EnsureSchema creates the index table if it does not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pgindex: ensure schema: %w", err)
	}
	return nil
}

type row struct {
	Mailbox     string `db:"mailbox"`
	UIDValidity int64  `db:"uid_validity"`
	NextUID     int64  `db:"next_uid"`
	Messages    int64  `db:"messages"`
	Records     []byte `db:"records"`
	Generation  int64  `db:"generation"`
}

func (r *row) decode() (index.Header, []index.Record, error) {
	hdr := index.Header{
		UIDValidity: uint32(r.UIDValidity),
		NextUID:     uint32(r.NextUID),
		Messages:    uint32(r.Messages),
	}
	var recs []index.Record
	if len(r.Records) > 0 {
		if err := json.Unmarshal(r.Records, &recs); err != nil {
			return index.Header{}, nil, fmt.Errorf("%w: %v", index.ErrCorrupted, err)
		}
	}
	return hdr, recs, nil
}

type options struct {
	logger *slog.Logger
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

// Index is a PostgreSQL-backed mail index for one mailbox.
type Index struct {
	db      *sqlx.DB
	mailbox string
	opts    *options

	lastSyncGen int64
	synced      bool
	stickyErr   error
	closed      bool
}

// New creates an index handle for one mailbox. The schema must already
// exist; see EnsureSchema.
func New(db *sqlx.DB, mailbox string, opts ...Option) (*Index, error) {
	if db == nil {
		return nil, fmt.Errorf("pgindex: nil db")
	}
	if mailbox == "" {
		return nil, fmt.Errorf("pgindex: empty mailbox key")
	}
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return &Index{db: db, mailbox: mailbox, opts: o}, nil
}

// SyncBegin opens a database transaction and locks the mailbox row. A
// held row lock maps to index.ErrWouldBlock.
func (idx *Index) SyncBegin(ctx context.Context, flags index.BeginFlags) (index.Guard, error) {
	switch {
	case idx.closed:
		return nil, index.ErrClosed
	case idx.stickyErr != nil:
		return nil, idx.stickyErr
	}

	dtx, err := idx.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgindex: begin: %w", err)
	}

	if _, err := dtx.ExecContext(ctx,
		`INSERT INTO mailstore_index (mailbox) VALUES ($1) ON CONFLICT (mailbox) DO NOTHING`,
		idx.mailbox); err != nil {
		dtx.Rollback()
		// A concurrent insert holds its row lock until commit; treat the
		// conflict as contention.
		if isLockNotAvailable(err) {
			return nil, index.ErrWouldBlock
		}
		return nil, fmt.Errorf("pgindex: ensure row: %w", err)
	}

	var r row
	err = dtx.GetContext(ctx, &r,
		`SELECT mailbox, uid_validity, next_uid, messages, records, generation
		 FROM mailstore_index WHERE mailbox = $1 FOR UPDATE NOWAIT`,
		idx.mailbox)
	if err != nil {
		dtx.Rollback()
		if isLockNotAvailable(err) {
			return nil, index.ErrWouldBlock
		}
		return nil, fmt.Errorf("pgindex: lock row: %w", err)
	}

	hdr, recs, err := r.decode()
	if err != nil {
		dtx.Rollback()
		idx.stickyErr = err
		return nil, err
	}

	if flags&index.BeginOnlyIfChanged != 0 && idx.synced && r.Generation == idx.lastSyncGen {
		dtx.Rollback()
		return nil, index.ErrNothingToSync
	}

	return &guard{idx: idx, dtx: dtx, hdr: hdr, recs: recs, gen: r.Generation}, nil
}

// View reads the current row without locking it.
func (idx *Index) View(ctx context.Context) (index.View, error) {
	if idx.closed {
		return nil, index.ErrClosed
	}
	var r row
	err := idx.db.GetContext(ctx, &r,
		`SELECT mailbox, uid_validity, next_uid, messages, records, generation
		 FROM mailstore_index WHERE mailbox = $1`,
		idx.mailbox)
	if errors.Is(err, sql.ErrNoRows) {
		return &view{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgindex: read row: %w", err)
	}
	hdr, recs, err := r.decode()
	if err != nil {
		return nil, err
	}
	return &view{hdr: hdr, recs: recs}, nil
}

// ResetError clears a sticky internal error.
func (idx *Index) ResetError() { idx.stickyErr = nil }

// Close releases the index handle. The shared *sqlx.DB stays open.
func (idx *Index) Close(ctx context.Context) error {
	idx.closed = true
	return nil
}

func isLockNotAvailable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == lockNotAvailable
}

type view struct {
	hdr  index.Header
	recs []index.Record
}

func (v *view) Header() index.Header { return v.hdr }

func (v *view) Records() []index.Record {
	out := make([]index.Record, len(v.recs))
	copy(out, v.recs)
	return out
}

type guard struct {
	idx  *Index
	dtx  *sqlx.Tx
	hdr  index.Header
	recs []index.Record
	gen  int64

	tx    tx
	ended bool
}

func (g *guard) View() index.View { return &view{hdr: g.hdr, recs: g.recs} }
func (g *guard) Tx() index.Tx     { return &g.tx }

func (g *guard) Commit(ctx context.Context) error {
	if g.ended {
		return index.ErrGuardEnded
	}
	g.ended = true

	hdr, recs := g.tx.apply(g.hdr, g.recs)
	data, err := json.Marshal(recs)
	if err != nil {
		g.dtx.Rollback()
		return fmt.Errorf("pgindex: encode records: %w", err)
	}

	_, err = g.dtx.ExecContext(ctx,
		`UPDATE mailstore_index
		 SET uid_validity = $2, next_uid = $3, messages = $4, records = $5, generation = generation + 1
		 WHERE mailbox = $1`,
		g.idx.mailbox, int64(hdr.UIDValidity), int64(hdr.NextUID), int64(hdr.Messages), data)
	if err != nil {
		g.dtx.Rollback()
		return fmt.Errorf("pgindex: update row: %w", err)
	}
	if err := g.dtx.Commit(); err != nil {
		return fmt.Errorf("pgindex: commit: %w", err)
	}

	g.idx.lastSyncGen = g.gen + 1
	g.idx.synced = true
	return nil
}

func (g *guard) Rollback() {
	if g.ended {
		return
	}
	g.ended = true
	if err := g.dtx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		g.idx.opts.logger.Error("failed to roll back index transaction",
			"mailbox", g.idx.mailbox, "error", err)
	}
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
func (t *tx) Append(rec index.Record)     { t.appends = append(t.appends, rec) }
func (t *tx) Expunge(uid uint32)          { t.expunges = append(t.expunges, uid) }

func (t *tx) UpdateFlags(uid uint32, flags uint32, keywords []string) {
	if t.flagUpdates == nil {
		t.flagUpdates = make(map[uint32]flagUpdate)
	}
	t.flagUpdates[uid] = flagUpdate{flags: flags, keywords: keywords}
}

func (t *tx) apply(hdr index.Header, recs []index.Record) (index.Header, []index.Record) {
	if t.header != nil {
		hdr = *t.header
	}
	expunged := make(map[uint32]bool, len(t.expunges))
	for _, uid := range t.expunges {
		expunged[uid] = true
	}
	var out []index.Record
	for _, rec := range recs {
		if expunged[rec.UID] {
			continue
		}
		if up, ok := t.flagUpdates[rec.UID]; ok {
			rec.Flags = up.flags
			rec.Keywords = up.keywords
		}
		out = append(out, rec)
	}
	out = append(out, t.appends...)
	hdr.Messages = uint32(len(out))
	return hdr, out
}
