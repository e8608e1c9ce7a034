// Package mongoindex is a MongoDB-backed mail index. Each mailbox is one
// document; the synchronization guard is a lease stamped into the
// document with FindOneAndUpdate, so exclusion works across processes
// without a separate lock service. An expired lease is taken over by the
// next acquirer.
package mongoindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/mailstore/index"
)

const defaultLeaseTTL = 2 * time.Minute

type doc struct {
	Mailbox     string         `bson:"_id"`
	UIDValidity uint32         `bson:"uid_validity"`
	NextUID     uint32         `bson:"next_uid"`
	Messages    uint32         `bson:"messages"`
	Records     []index.Record `bson:"records"`
	Generation  int64          `bson:"generation"`
	Lock        *lease         `bson:"lock,omitempty"`
}

type lease struct {
	Owner     string    `bson:"owner"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type options struct {
	logger   *slog.Logger
	leaseTTL time.Duration
	now      func() time.Time
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

// WithLeaseTTL sets how long an acquired guard's lease lasts before
// another actor may take it over. Default is 2 minutes.
func WithLeaseTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseTTL = d
		}
	}
}

// Index is a MongoDB-backed mail index for one mailbox.
type Index struct {
	coll    *mongo.Collection
	mailbox string
	opts    *options

	lastSyncGen int64
	synced      bool
	stickyErr   error
	closed      bool
}

// New creates an index handle for one mailbox stored in coll.
func New(coll *mongo.Collection, mailbox string, opts ...Option) (*Index, error) {
	if coll == nil {
		return nil, fmt.Errorf("mongoindex: nil collection")
	}
	if mailbox == "" {
		return nil, fmt.Errorf("mongoindex: empty mailbox key")
	}
	o := &options{
		logger:   slog.Default(),
		leaseTTL: defaultLeaseTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Index{coll: coll, mailbox: mailbox, opts: o}, nil
}

// SyncBegin acquires the lease on the mailbox document, creating the
// document if it does not exist. A live lease held by someone else maps
// to index.ErrWouldBlock.
func (idx *Index) SyncBegin(ctx context.Context, flags index.BeginFlags) (index.Guard, error) {
	switch {
	case idx.closed:
		return nil, index.ErrClosed
	case idx.stickyErr != nil:
		return nil, idx.stickyErr
	}

	now := idx.opts.now()
	owner := uuid.NewString()
	filter := bson.M{
		"_id": idx.mailbox,
		"$or": bson.A{
			bson.M{"lock": bson.M{"$exists": false}},
			bson.M{"lock": nil},
			bson.M{"lock.expires_at": bson.M{"$lt": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{"lock": lease{Owner: owner, ExpiresAt: now.Add(idx.opts.leaseTTL)}},
		"$setOnInsert": bson.M{
			"uid_validity": uint32(0),
			"next_uid":     uint32(0),
			"messages":     uint32(0),
			"records":      []index.Record{},
			"generation":   int64(0),
		},
	}

	var d doc
	err := idx.coll.FindOneAndUpdate(ctx, filter, update,
		mongoopts.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(mongoopts.After),
	).Decode(&d)
	if err != nil {
		// An upsert racing a live lease fails the unique _id insert.
		if mongo.IsDuplicateKeyError(err) || errors.Is(err, mongo.ErrNoDocuments) {
			return nil, index.ErrWouldBlock
		}
		return nil, fmt.Errorf("mongoindex: acquire lease: %w", err)
	}

	release := func() {
		_, uerr := idx.coll.UpdateOne(context.WithoutCancel(ctx),
			bson.M{"_id": idx.mailbox, "lock.owner": owner},
			bson.M{"$unset": bson.M{"lock": ""}})
		if uerr != nil {
			idx.opts.logger.Error("failed to release index lease",
				"mailbox", idx.mailbox, "error", uerr)
		}
	}

	if flags&index.BeginOnlyIfChanged != 0 && idx.synced && d.Generation == idx.lastSyncGen {
		release()
		return nil, index.ErrNothingToSync
	}

	return &guard{idx: idx, d: &d, owner: owner, release: release}, nil
}

// View reads the current document without taking the lease.
func (idx *Index) View(ctx context.Context) (index.View, error) {
	if idx.closed {
		return nil, index.ErrClosed
	}
	var d doc
	err := idx.coll.FindOne(ctx, bson.M{"_id": idx.mailbox}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &view{d: &doc{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongoindex: read document: %w", err)
	}
	return &view{d: &d}, nil
}

// ResetError clears a sticky internal error.
func (idx *Index) ResetError() { idx.stickyErr = nil }

// Close releases the index handle. The shared collection stays usable.
func (idx *Index) Close(ctx context.Context) error {
	idx.closed = true
	return nil
}

type view struct {
	d *doc
}

func (v *view) Header() index.Header {
	return index.Header{
		UIDValidity: v.d.UIDValidity,
		NextUID:     v.d.NextUID,
		Messages:    v.d.Messages,
	}
}

func (v *view) Records() []index.Record {
	out := make([]index.Record, len(v.d.Records))
	copy(out, v.d.Records)
	return out
}

type guard struct {
	idx     *Index
	d       *doc
	owner   string
	release func()

	tx    tx
	ended bool
}

func (g *guard) View() index.View { return &view{d: g.d} }
func (g *guard) Tx() index.Tx     { return &g.tx }

func (g *guard) Commit(ctx context.Context) error {
	if g.ended {
		return index.ErrGuardEnded
	}
	g.ended = true

	hdr := index.Header{
		UIDValidity: g.d.UIDValidity,
		NextUID:     g.d.NextUID,
		Messages:    g.d.Messages,
	}
	hdr, recs := g.tx.apply(hdr, g.d.Records)
	if recs == nil {
		recs = []index.Record{}
	}

	res, err := g.idx.coll.UpdateOne(ctx,
		bson.M{"_id": g.idx.mailbox, "lock.owner": g.owner},
		bson.M{
			"$set": bson.M{
				"uid_validity": hdr.UIDValidity,
				"next_uid":     hdr.NextUID,
				"messages":     hdr.Messages,
				"records":      recs,
			},
			"$inc":   bson.M{"generation": int64(1)},
			"$unset": bson.M{"lock": ""},
		})
	if err != nil {
		g.release()
		return fmt.Errorf("mongoindex: commit: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongoindex: commit: lease expired before commit")
	}

	g.idx.lastSyncGen = g.d.Generation + 1
	g.idx.synced = true
	return nil
}

func (g *guard) Rollback() {
	if g.ended {
		return
	}
	g.ended = true
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
