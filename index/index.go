// Package index defines the boundary to the mail-index engine: the
// transactional service that owns a mailbox's header (uid-validity,
// next-uid) and message records.
//
// The engine's synchronization begin call doubles as a mutual-exclusion
// primitive: while a Guard is held, no other actor may mutate that
// mailbox's index. Backends rely on this to make check-then-act header
// updates (uid-validity assignment) safe across processes.
//
// Implementations are in index/fileindex, index/pgindex and
// index/mongoindex.
package index

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for index implementations.
var (
	// ErrNothingToSync is returned by SyncBegin with BeginOnlyIfChanged
	// when the index has not changed since the last synchronization.
	ErrNothingToSync = errors.New("index: nothing to synchronize")

	// ErrWouldBlock is returned when another actor holds the index
	// synchronization lock. The caller may retry with backoff.
	ErrWouldBlock = errors.New("index: sync would block")

	// ErrCorrupted is returned when the on-disk index cannot be parsed.
	ErrCorrupted = errors.New("index: corrupted")

	// ErrClosed is returned for operations on a closed index.
	ErrClosed = errors.New("index: closed")

	// ErrGuardEnded is returned when a Guard is used after Commit or
	// Rollback.
	ErrGuardEnded = errors.New("index: sync guard already ended")
)

// Header is the mailbox index header. UIDValidity zero means the header
// has never been initialized: no mailbox identity has been assigned yet.
type Header struct {
	UIDValidity uint32 `json:"uid_validity"`
	NextUID     uint32 `json:"next_uid"`
	Messages    uint32 `json:"messages"`
}

// Record is one message entry in the index.
type Record struct {
	UID      uint32    `json:"uid"`
	Flags    uint32    `json:"flags"`
	Keywords []string  `json:"keywords,omitempty"`
	GUID     string    `json:"guid,omitempty"`
	Size     int64     `json:"size"`
	SavedAt  time.Time `json:"saved_at"`
	// External marks a message whose body lives in the blob store
	// rather than in the mailbox directory; URI is the stored object.
	External bool   `json:"external,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// View is a consistent snapshot of the index.
type View interface {
	Header() Header
	Records() []Record
}

// Tx collects mutations to apply when the owning Guard commits. All
// methods only stage changes; nothing is visible to other actors until
// Commit.
type Tx interface {
	// UpdateHeader replaces the header.
	UpdateHeader(h Header)
	// Append adds a message record. Records must be appended in
	// ascending UID order.
	Append(rec Record)
	// Expunge removes the record with the given UID.
	Expunge(uid uint32)
	// UpdateFlags replaces the flags and keywords of the record with
	// the given UID.
	UpdateFlags(uid uint32, flags uint32, keywords []string)
}

// Guard is an exclusive synchronization window over one mailbox's index:
// a (view, transaction) pair obtained from SyncBegin. While held, no
// other actor may mutate the index. It is released exactly once, via
// Commit or Rollback; every acquisition must be matched by exactly one
// release, on every exit path including errors. A leaked guard stalls
// all future create and open attempts on the mailbox.
type Guard interface {
	// View returns the snapshot taken when the guard was acquired.
	View() View
	// Tx returns the transaction staging this guard's mutations.
	Tx() Tx
	// Commit durably applies the staged mutations and releases the
	// guard.
	Commit(ctx context.Context) error
	// Rollback discards the staged mutations and releases the guard.
	Rollback()
}

// BeginFlags control SyncBegin.
type BeginFlags uint32

const (
	// BeginOnlyIfChanged makes SyncBegin return ErrNothingToSync when
	// the index has not changed since it was last synchronized. Mailbox
	// creation never sets this: creating must always yield at least a
	// header initialization.
	BeginOnlyIfChanged BeginFlags = 1 << iota
)

// Index is one mailbox's index handle.
type Index interface {
	// SyncBegin acquires the exclusive synchronization guard. It
	// returns ErrWouldBlock when another actor holds the guard.
	SyncBegin(ctx context.Context, flags BeginFlags) (Guard, error)

	// View returns a read-only snapshot without acquiring the guard.
	View(ctx context.Context) (View, error)

	// ResetError clears a sticky internal error state so that future
	// synchronization attempts may proceed.
	ResetError()

	// Close releases the index handle. An acquired guard must be
	// released first.
	Close(ctx context.Context) error
}
