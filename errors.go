package mailstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for the mailstore package.
// Use errors.Is() to check for these errors.
var (
	// ErrUnknownBackend is returned by Registry.Create when no registered
	// backend has the requested name. This is an ordinary not-found
	// condition, distinct from a backend rejecting its configuration.
	ErrUnknownBackend = errors.New("mailstore: unknown storage backend")

	// ErrNoDefaultStorage is returned by Registry.CreateDefault when no
	// registered backend could produce a default storage for the user.
	ErrNoDefaultStorage = errors.New("mailstore: no default storage found")

	// ErrNoBackendDetected is returned by Registry.CreateWithData when the
	// location has no explicit backend prefix and no backend autodetects it.
	// No backend's Create is invoked in that case.
	ErrNoBackendDetected = errors.New("mailstore: no storage backend detected for location")

	// ErrMailboxNotFound is returned when a mailbox does not exist.
	ErrMailboxNotFound = errors.New("mailstore: mailbox not found")

	// ErrMailboxExists is returned when creating a mailbox that already exists.
	ErrMailboxExists = errors.New("mailstore: mailbox already exists")

	// ErrInvalidMailboxName is returned for syntactically invalid mailbox
	// names. The message is safe to show verbatim to the remote client.
	ErrInvalidMailboxName = errors.New("mailstore: invalid mailbox name")

	// ErrMailboxClosed is returned for operations on a closed mailbox handle.
	ErrMailboxClosed = errors.New("mailstore: mailbox is closed")

	// ErrMailboxReadOnly is returned for mutations on a read-only mailbox.
	ErrMailboxReadOnly = errors.New("mailstore: mailbox is read-only")

	// ErrTransactionEnded is returned for operations on a transaction that
	// has already been committed or rolled back.
	ErrTransactionEnded = errors.New("mailstore: transaction already ended")

	// ErrSaveEnded is returned for operations on a save context that has
	// already been finished or cancelled.
	ErrSaveEnded = errors.New("mailstore: save already ended")

	// ErrListDeinitialized is returned when a list or sync iteration
	// context is used after Deinit.
	ErrListDeinitialized = errors.New("mailstore: iteration context deinitialized")

	// ErrIteratorOutOfBounds is returned when Entry(), Record() or
	// Message() is called without a preceding successful Next().
	ErrIteratorOutOfBounds = errors.New("mailstore: iterator out of bounds - call Next() first")

	// ErrInconsistentState is returned when a mailbox handle's view has
	// diverged from the backend's authoritative state. The caller must
	// close and reopen the mailbox before mutating it again.
	ErrInconsistentState = errors.New("mailstore: mailbox state is inconsistent, reopen required")

	// ErrInternal is the class of all critical errors. The client-visible
	// message is the fixed ErrorState template; the detail is only in the
	// operator log.
	ErrInternal = errors.New("mailstore: internal error")
)

// Error checking helpers.

func IsMailboxNotFound(err error) bool {
	return errors.Is(err, ErrMailboxNotFound)
}

func IsMailboxExists(err error) bool {
	return errors.Is(err, ErrMailboxExists)
}

func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}

// NameError reports a syntactically invalid mailbox name. It unwraps to
// ErrInvalidMailboxName and its message is safe to show to the client.
type NameError struct {
	Name   string
	Reason string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("mailstore: invalid mailbox name %q: %s", e.Name, e.Reason)
}

func (e *NameError) Unwrap() error {
	return ErrInvalidMailboxName
}

// InvariantError reports a protocol invariant violation, e.g. the index
// engine reporting nothing to synchronize during mailbox creation.
// These are never silently tolerated; the affected operation panics with
// an InvariantError so the violation cannot be mistaken for an ordinary
// failure and continue into double-assigning identity state.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("mailstore: invariant violation in %s: %s", e.Op, e.Detail)
}
