package mailstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for mailbox lifecycle events.
const (
	EventNameMailboxCreated = "mailstore.mailbox.created"
	EventNameMailboxDeleted = "mailstore.mailbox.deleted"
	EventNameMailboxRenamed = "mailstore.mailbox.renamed"
	EventNameMessageSaved   = "mailstore.message.saved"
)

// MailboxCreatedEvent is published when a mailbox is created and its
// identity (uid-validity) has been durably assigned.
type MailboxCreatedEvent struct {
	Backend     string    `json:"backend"`
	User        string    `json:"user"`
	Mailbox     string    `json:"mailbox"`
	UIDValidity uint32    `json:"uid_validity"`
	CreatedAt   time.Time `json:"created_at"`
}

// MailboxDeletedEvent is published when a mailbox is deleted.
type MailboxDeletedEvent struct {
	Backend   string    `json:"backend"`
	User      string    `json:"user"`
	Mailbox   string    `json:"mailbox"`
	DeletedAt time.Time `json:"deleted_at"`
}

// MailboxRenamedEvent is published when a mailbox is renamed.
type MailboxRenamedEvent struct {
	Backend   string    `json:"backend"`
	User      string    `json:"user"`
	OldName   string    `json:"old_name"`
	NewName   string    `json:"new_name"`
	RenamedAt time.Time `json:"renamed_at"`
}

// MessageSavedEvent is published when a staged save commits.
type MessageSavedEvent struct {
	Backend string    `json:"backend"`
	User    string    `json:"user"`
	Mailbox string    `json:"mailbox"`
	UID     uint32    `json:"uid"`
	Size    int64     `json:"size"`
	SavedAt time.Time `json:"saved_at"`
}

// StorageEvents provides per-registry event instances. Each registry has
// its own events bound to its own event bus, enabling independent event
// routing and parallel testing.
//
// Subscribe to events:
//
//	reg.Events().MailboxCreated.Subscribe(ctx, handler)
type StorageEvents struct {
	MailboxCreated event.Event[MailboxCreatedEvent]
	MailboxDeleted event.Event[MailboxDeletedEvent]
	MailboxRenamed event.Event[MailboxRenamedEvent]
	MessageSaved   event.Event[MessageSavedEvent]
}

// newStorageEvents creates per-registry event instances with a unique
// name prefix.
func newStorageEvents(namePrefix string) *StorageEvents {
	return &StorageEvents{
		MailboxCreated: event.New[MailboxCreatedEvent](namePrefix + "." + EventNameMailboxCreated),
		MailboxDeleted: event.New[MailboxDeletedEvent](namePrefix + "." + EventNameMailboxDeleted),
		MailboxRenamed: event.New[MailboxRenamedEvent](namePrefix + "." + EventNameMailboxRenamed),
		MessageSaved:   event.New[MessageSavedEvent](namePrefix + "." + EventNameMessageSaved),
	}
}

// registerStorageEvents registers per-registry events with the given bus.
func registerStorageEvents(ctx context.Context, bus *event.Bus, events *StorageEvents) error {
	if err := event.Register(ctx, bus, events.MailboxCreated); err != nil {
		return fmt.Errorf("register MailboxCreated: %w", err)
	}
	if err := event.Register(ctx, bus, events.MailboxDeleted); err != nil {
		return fmt.Errorf("register MailboxDeleted: %w", err)
	}
	if err := event.Register(ctx, bus, events.MailboxRenamed); err != nil {
		return fmt.Errorf("register MailboxRenamed: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageSaved); err != nil {
		return fmt.Errorf("register MessageSaved: %w", err)
	}
	return nil
}
