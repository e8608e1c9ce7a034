package mailstore

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRegistryConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("noop transport", func(t *testing.T) {
		reg := NewRegistry(WithLogger(slog.New(slog.DiscardHandler)))
		if err := reg.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := reg.Connect(ctx); err == nil {
			t.Error("second Connect succeeded")
		}

		// Events are registered but go nowhere.
		err := reg.Events().MailboxCreated.Publish(ctx, MailboxCreatedEvent{
			Backend:     "test",
			User:        "alice",
			Mailbox:     "INBOX",
			UIDValidity: 1,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			t.Errorf("Publish on noop transport: %v", err)
		}

		if err := reg.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := reg.Close(ctx); err != nil {
			t.Errorf("second Close: %v", err)
		}
	})

	t.Run("redis transport", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		reg := NewRegistry(
			WithLogger(slog.New(slog.DiscardHandler)),
			WithServiceName("mailstore-test"),
			WithRedisClient(client),
		)
		if err := reg.Connect(ctx); err != nil {
			t.Fatalf("Connect with redis: %v", err)
		}
		if err := reg.Events().MessageSaved.Publish(ctx, MessageSavedEvent{
			Backend: "test",
			User:    "alice",
			Mailbox: "INBOX",
			UID:     1,
			Size:    42,
			SavedAt: time.Now().UTC(),
		}); err != nil {
			t.Errorf("Publish through redis transport: %v", err)
		}
		if err := reg.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
	})
}

func TestEventsPointerStable(t *testing.T) {
	reg := NewRegistry(WithLogger(slog.New(slog.DiscardHandler)))
	before := reg.Events()
	if err := reg.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer reg.Close(context.Background())
	if reg.Events() != before {
		t.Error("Events pointer changed across Connect")
	}
}

func TestRegistriesGetDistinctEventNames(t *testing.T) {
	a := NewRegistry(WithLogger(slog.New(slog.DiscardHandler)))
	b := NewRegistry(WithLogger(slog.New(slog.DiscardHandler)))
	if a.busName == b.busName {
		t.Errorf("both registries use bus name %q", a.busName)
	}
}
