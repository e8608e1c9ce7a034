package mailstore

import (
	"context"
	"io"
	"time"
)

// MessageFlags are the standard per-message system flags.
type MessageFlags uint32

const (
	FlagAnswered MessageFlags = 1 << iota
	FlagFlagged
	FlagDeleted
	FlagSeen
	FlagDraft
	FlagRecent
)

// Keywords is an immutable set of user-defined message keywords, created
// against one transaction and valid only within it.
type Keywords struct {
	Names []string
}

// StatusItems select which Status fields to compute. Backends may skip
// fields that were not requested.
type StatusItems uint32

const (
	StatusMessages StatusItems = 1 << iota
	StatusRecent
	StatusUIDNext
	StatusUIDValidity
	StatusUnseen
	StatusFirstUnseenSeq
	StatusKeywords
)

// Status describes the state of an open mailbox.
type Status struct {
	Messages       uint32
	Recent         uint32
	Unseen         uint32
	UIDValidity    uint32
	UIDNext        uint32
	FirstUnseenSeq uint32
	Keywords       []string
	ReadOnly       bool
	DiskSpaceFull  bool
}

// SyncFlags control mailbox synchronization.
type SyncFlags uint32

const (
	// SyncFast allows the backend to skip expensive consistency checks.
	SyncFast SyncFlags = 1 << iota
	// SyncNoExpunges hides expunge records from this sync.
	SyncNoExpunges
	// SyncFixInconsistent rebuilds state for a handle that reported
	// IsInconsistent, instead of failing.
	SyncFixInconsistent
)

// SyncType identifies one kind of change reported during sync.
type SyncType int

const (
	SyncExpunge SyncType = iota
	SyncFlagChange
	SyncKeywordChange
)

// SyncRecord is one change reported by a sync pass, covering the message
// sequence range [Seq1, Seq2].
type SyncRecord struct {
	Type SyncType
	Seq1 uint32
	Seq2 uint32
}

// SyncContext iterates the changes of one synchronization pass. Like
// MailboxListContext it is a scoped resource: lazy, finite,
// non-restartable, Deinit exactly once on every exit path. Deinit also
// returns the mailbox status as of the end of the sync.
type SyncContext interface {
	// Next advances to the next sync record.
	Next(ctx context.Context) (bool, error)

	// Record returns the current record; ErrIteratorOutOfBounds unless
	// the preceding Next returned (true, nil).
	Record() (SyncRecord, error)

	// Deinit finishes the sync and returns the resulting status.
	Deinit() (Status, error)
}

// NotifyFunc is called when a watched mailbox changes on disk.
type NotifyFunc func(box Mailbox)

// SortKey is one element of a sort program.
type SortKey int

const (
	SortArrival SortKey = iota
	SortDate
	SortSize
	SortSubject
	SortFrom
	SortTo
	SortReverse
)

// SearchField selects what a search criterion matches against.
type SearchField int

const (
	SearchAll SearchField = iota
	SearchSeen
	SearchUnseen
	SearchDeleted
	SearchUndeleted
	SearchUIDRange
	SearchHeader
	SearchBody
	SearchSince
	SearchBefore
)

// SearchCriterion is one conjunct of a search query. Fields that do not
// apply to the selected SearchField are ignored.
type SearchCriterion struct {
	Field  SearchField
	Header string
	Value  string
	UID1   uint32
	UID2   uint32
	Time   time.Time
}

// MessageRef identifies one message within an open mailbox.
type MessageRef struct {
	UID  uint32
	Seq  uint32
	GUID string
}

// SearchContext iterates search results within one transaction. Scoped
// resource rules apply: Deinit exactly once, no use afterwards.
type SearchContext interface {
	Next(ctx context.Context) (bool, error)

	// Message returns the current match; ErrIteratorOutOfBounds unless
	// the preceding Next returned (true, nil).
	Message() (MessageRef, error)

	Deinit() error
}

// SaveOptions carry the metadata for one staged message save.
type SaveOptions struct {
	Flags    MessageFlags
	Keywords *Keywords
	// Received is the message's receive timestamp; zero means now.
	Received time.Time
	// TZOffset is the receive timestamp's timezone offset in minutes.
	TZOffset int
	// EnvelopeSender is the SMTP MAIL FROM address, if known.
	EnvelopeSender string
}

// SaveContext is one staged message save bound to a transaction:
// Continue feeds bytes from the input reader, then exactly one of Finish
// or Cancel ends the save. Cancel releases any partial on-disk artifact.
// The saved message becomes visible only when the owning transaction
// commits.
type SaveContext interface {
	// Continue copies more input into the staging area. It may be called
	// repeatedly; it returns nil once the input is exhausted.
	Continue() error

	// Finish completes the save and returns a reference to the saved
	// message, valid after the transaction commits.
	Finish(ctx context.Context) (*MessageRef, error)

	// Cancel aborts the save and removes any partial artifact.
	Cancel()
}

// TransactionFlags control transaction behavior.
type TransactionFlags uint32

const (
	// TransactionHideChanges hides this transaction's changes from its
	// own view until commit.
	TransactionHideChanges TransactionFlags = 1 << iota
	// TransactionExternal marks changes that originate outside the
	// mailbox, e.g. replication.
	TransactionExternal
)

// Transaction is one transaction on an open mailbox. It begins active and
// ends exactly once, via Commit or Rollback; save, copy and search
// operations are only valid while it is active. The caller owns the
// transaction; the Mailbox does not track it.
type Transaction interface {
	// Commit applies the transaction's changes. The sync flags control
	// the implicit sync performed while committing.
	Commit(ctx context.Context, flags SyncFlags) error

	// Rollback discards the transaction's changes and any uncommitted
	// saves.
	Rollback()

	// KeywordsCreate resolves keyword names into a Keywords set valid
	// within this transaction.
	KeywordsCreate(names []string) (*Keywords, error)

	// SearchInit begins a search over the mailbox within this
	// transaction. Sort may be nil for mailbox order.
	SearchInit(charset string, criteria []SearchCriterion, sort []SortKey) (SearchContext, error)

	// SaveInit begins a staged save of one message read from input.
	SaveInit(opts SaveOptions, input io.Reader) (SaveContext, error)

	// Copy copies an existing message into this mailbox.
	Copy(ctx context.Context, msg MessageRef) error
}

// HeaderLookupContext is a prepared lookup of a fixed header set, used to
// fetch those headers efficiently for many messages. Deinit exactly once.
type HeaderLookupContext interface {
	// Headers returns the header names this context was prepared for.
	Headers() []string

	// Lookup returns the raw values of the prepared headers for one
	// message, in Headers() order. Missing headers yield empty strings.
	Lookup(ctx context.Context, msg MessageRef) ([]string, error)

	Deinit()
}

// Mailbox is one open mailbox handle. A Mailbox is either open or closed;
// every operation after Close fails with ErrMailboxClosed. Failing
// operations set the owning storage's error slot before returning.
type Mailbox interface {
	// Name returns the mailbox name.
	Name() string

	// Storage returns the owning storage. The storage outlives the
	// mailbox; the mailbox only keeps a back-reference.
	Storage() Storage

	// Close closes the mailbox handle. Open transactions must be ended
	// first.
	Close(ctx context.Context) error

	// IsReadOnly reports whether the mailbox was opened without write
	// access.
	IsReadOnly() bool

	// AllowNewKeywords reports whether new keywords may be created.
	AllowNewKeywords() bool

	// Status computes the requested status items.
	Status(ctx context.Context, items StatusItems) (Status, error)

	// SyncInit begins a synchronization pass.
	SyncInit(flags SyncFlags) (SyncContext, error)

	// NotifyChanges registers fn to be called when the mailbox changes
	// on disk, at most once per minInterval. A nil fn deregisters.
	NotifyChanges(minInterval time.Duration, fn NotifyFunc)

	// UIDToSeqRange maps the UID range [uid1, uid2] to the sequence
	// range it currently covers. A zero seq range means no messages.
	UIDToSeqRange(uid1, uid2 uint32) (seq1, seq2 uint32, err error)

	// HeaderLookupInit prepares a repeated lookup of the given headers.
	HeaderLookupInit(headers []string) (HeaderLookupContext, error)

	// DefaultSort returns the backend's natural sort program, or nil if
	// results come in arbitrary order.
	DefaultSort() ([]SortKey, error)

	// BeginTransaction starts a new transaction on this mailbox.
	BeginTransaction(flags TransactionFlags) (Transaction, error)

	// IsInconsistent reports whether this handle's view has diverged
	// from the backend's authoritative state, e.g. through concurrent
	// external modification. When true, further mutations through this
	// handle are unsafe and the caller must reopen the mailbox.
	IsInconsistent() bool
}
