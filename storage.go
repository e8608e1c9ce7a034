package mailstore

import (
	"context"
)

// Flags control storage behavior, set once at storage creation.
type Flags uint32

const (
	// FlagFullFSAccess allows mailbox names to escape the storage root
	// and address arbitrary filesystem paths.
	FlagFullFSAccess Flags = 1 << iota
	// FlagDebug enables verbose backend logging.
	FlagDebug
	// FlagReadOnly opens all mailboxes read-only.
	FlagReadOnly
	// FlagKeepLocked keeps the mailbox locked between syncs.
	FlagKeepLocked
	// FlagSaveCRLF stores saved messages with CRLF line endings.
	FlagSaveCRLF
)

// LockMethod selects how a backend locks files it needs exclusive
// access to. Backends that lock through the index engine ignore it.
type LockMethod int

const (
	LockMethodFcntl LockMethod = iota
	LockMethodFlock
	LockMethodDotlock
)

func (m LockMethod) String() string {
	switch m {
	case LockMethodFcntl:
		return "fcntl"
	case LockMethodFlock:
		return "flock"
	case LockMethodDotlock:
		return "dotlock"
	default:
		return "unknown"
	}
}

// BackendClass describes a registered storage backend: a name the registry
// resolves case-insensitively, a constructor, and an autodetection probe.
// One BackendClass instance is registered per backend; it creates one
// Storage per (location, user) pair.
type BackendClass interface {
	// Name returns the backend identifier, e.g. "dbox" or "maildir".
	Name() string

	// Create builds a Storage for the given location string and user.
	// An empty location asks the backend to locate the user's default
	// storage; backends that cannot determine a default return an error
	// rather than guessing.
	Create(ctx context.Context, location, user string, flags Flags, lock LockMethod) (Storage, error)

	// Autodetect reports whether the location string looks like this
	// backend's format. It must not create anything.
	Autodetect(location string, flags Flags) bool
}

// ListFlags control mailbox listing.
type ListFlags uint32

const (
	// ListSubscribedOnly lists only subscribed mailboxes.
	ListSubscribedOnly ListFlags = 1 << iota
	// ListFast skips computing child information for each entry.
	ListFast
)

// MailboxFlags describe a single mailbox-list entry.
type MailboxFlags uint32

const (
	// MailboxNoSelect marks an entry that exists only as a hierarchy
	// node and cannot be opened.
	MailboxNoSelect MailboxFlags = 1 << iota
	// MailboxNoInferiors marks an entry that cannot have children.
	MailboxNoInferiors
	// MailboxChildren marks an entry known to have children.
	MailboxChildren
	// MailboxNoChildren marks an entry known to have no children.
	MailboxNoChildren
	// MailboxMarked marks an entry with recent messages.
	MailboxMarked
)

// MailboxListEntry is one result of a mailbox listing.
type MailboxListEntry struct {
	Name  string
	Flags MailboxFlags
}

// MailboxListContext iterates a mailbox listing. It is a scoped resource:
// the sequence is lazy, finite and non-restartable, and Deinit must be
// called exactly once, on every exit path, even after a mid-iteration
// error. Using the context after Deinit returns ErrListDeinitialized.
type MailboxListContext interface {
	// Next advances to the next entry.
	// Returns (true, nil) if an entry is available via Entry.
	// Returns (false, nil) when the listing is exhausted.
	// Returns (false, error) if the listing failed.
	Next(ctx context.Context) (bool, error)

	// Entry returns the current entry. It must only be called after a
	// Next that returned (true, nil); otherwise ErrIteratorOutOfBounds.
	Entry() (MailboxListEntry, error)

	// Deinit releases the context. The first call returns the final
	// status of the listing; any further use is an error.
	Deinit() error
}

// NameStatus classifies a mailbox name for the protocol layer, which uses
// it to answer CREATE/RENAME/DELETE validity questions.
type NameStatus int

const (
	// NameStatusValid means the name is usable and no mailbox exists yet.
	NameStatusValid NameStatus = iota
	// NameStatusExists means a selectable mailbox with that name exists.
	NameStatusExists
	// NameStatusInvalid means the name is syntactically invalid.
	NameStatusInvalid
	// NameStatusNoInferiors means the parent cannot have children.
	NameStatusNoInferiors
)

// Callbacks let the storage send out-of-band notices to the protocol
// layer while an operation is running. All fields are optional.
type Callbacks struct {
	// Alert delivers an urgent message that should reach the user even
	// in the middle of another response.
	Alert func(s Storage, text string)
	// NotifyOK delivers a progress notice for a long-running operation.
	NotifyOK func(box Mailbox, text string)
	// NotifyNo delivers a non-fatal failure notice.
	NotifyNo func(box Mailbox, text string)
}

// Storage is one live storage instance per (backend, location, user)
// triple. All operations dispatch to the owning backend's implementation.
//
// Error contract: every mutating operation that fails sets the storage's
// error slot before returning, and LastError is pure. A Storage must
// outlive every Mailbox opened from it.
type Storage interface {
	// BackendName returns the name of the backend that created this storage.
	BackendName() string

	// User returns the user identity this storage was created for.
	User() string

	// Flags returns the behavior flags the storage was created with.
	Flags() Flags

	// LockMethod returns the configured lock method.
	LockMethod() LockMethod

	// HierarchySep returns the mailbox hierarchy separator character.
	HierarchySep() rune

	// SetCallbacks installs protocol-layer callbacks. A nil value
	// removes them.
	SetCallbacks(cb *Callbacks)

	// LastError returns the current content of the error slot: the
	// message and whether it is a syntax error. It never mutates state.
	LastError() (message string, isSyntax bool)

	// CreateMailbox creates a new mailbox. With directory set, only the
	// hierarchy node is created, not a selectable mailbox.
	CreateMailbox(ctx context.Context, name string, directory bool) error

	// DeleteMailbox removes a mailbox and its messages.
	DeleteMailbox(ctx context.Context, name string) error

	// RenameMailbox renames a mailbox, moving its children with it.
	RenameMailbox(ctx context.Context, oldName, newName string) error

	// ListInit begins a mailbox listing matching mask relative to ref.
	ListInit(ctx context.Context, ref, mask string, flags ListFlags) (MailboxListContext, error)

	// SetSubscribed adds or removes the mailbox from the subscription list.
	SetSubscribed(ctx context.Context, name string, subscribed bool) error

	// MailboxNameStatus classifies a mailbox name.
	MailboxNameStatus(ctx context.Context, name string) (NameStatus, error)

	// OpenMailbox opens an existing mailbox.
	OpenMailbox(ctx context.Context, name string, flags OpenFlags) (Mailbox, error)

	// Destroy tears down the storage instance. All mailboxes opened from
	// it must already be closed.
	Destroy(ctx context.Context) error
}

// OpenFlags control how a mailbox is opened.
type OpenFlags uint32

const (
	// OpenReadOnly opens the mailbox without write access.
	OpenReadOnly OpenFlags = 1 << iota
	// OpenFastSync skips non-essential sync work during open.
	OpenFastSync
	// OpenNoIndexUpdates opens without writing index updates.
	OpenNoIndexUpdates
)
