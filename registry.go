package mailstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"go.opentelemetry.io/otel/attribute"
)

// Registry is an explicit, ordered collection of storage backend classes.
// There is no process-wide registry; create one Registry during process
// init, register backends into it, and pass it to whatever needs to
// resolve storage locations.
//
// Registration order matters: Find returns the first name match, and
// autodetection probes backends in registration order, first match wins.
type Registry struct {
	mu      sync.Mutex
	classes []BackendClass

	opts     *options
	otel     *otelInstrumentation
	busName  string
	events   *StorageEvents
	eventBus *event.Bus
	state    int32
}

// regCounter generates unique suffixes for per-registry event names.
var regCounter int64

// NewRegistry creates an empty backend registry.
func NewRegistry(opts ...Option) *Registry {
	o := newOptions(opts...)
	r := &Registry{opts: o}

	inst, err := newOtelInstrumentation(o)
	if err != nil {
		// Metric instrument creation only fails on malformed names,
		// which would be a bug here, not a runtime condition.
		o.logger.Error("failed to init otel instrumentation", "error", err)
		inst = &otelInstrumentation{}
	}
	r.otel = inst

	busName := fmt.Sprintf("%s-%d", o.serviceName, atomic.AddInt64(&regCounter, 1))
	r.events = newStorageEvents(busName)
	r.busName = busName
	return r
}

// Events returns the registry's event instances. The pointer is stable
// from NewRegistry on, so backends may capture it before Connect;
// publishing only succeeds once Connect has registered the events.
func (r *Registry) Events() *StorageEvents {
	return r.events
}

// Connect initializes the registry's event bus and registers its events.
// Call it once during process init, before storages start publishing.
// With no event transport configured, a noop transport is used and events
// are silently dropped.
func (r *Registry) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.state, 0, 1) {
		return fmt.Errorf("mailstore: registry already connected")
	}

	var (
		bus *event.Bus
		err error
	)
	switch {
	case r.opts.eventTransport != nil:
		r.opts.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(r.busName, event.WithTransport(r.opts.eventTransport))
	case r.opts.redisClient != nil:
		r.opts.logger.Info("initializing event bus with Redis transport")
		t, terr := eventredis.New(r.opts.redisClient)
		if terr != nil {
			atomic.StoreInt32(&r.state, 0)
			return fmt.Errorf("create redis event transport: %w", terr)
		}
		bus, err = event.NewBus(r.busName, event.WithTransport(t))
	default:
		r.opts.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(r.busName, event.WithTransport(noop.New()))
	}
	if err != nil {
		atomic.StoreInt32(&r.state, 0)
		return fmt.Errorf("create event bus: %w", err)
	}

	if err := registerStorageEvents(ctx, bus, r.events); err != nil {
		bus.Close(ctx)
		atomic.StoreInt32(&r.state, 0)
		return fmt.Errorf("register events: %w", err)
	}
	r.eventBus = bus
	return nil
}

// Close tears down the registry's event bus. Registered backend classes
// stay registered; storages created from them remain usable except for
// event publishing.
func (r *Registry) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.state, 1, 0) {
		return nil
	}
	// The noop transport holds no resources; closing the bus would only
	// invalidate the registered events.
	if r.eventBus != nil && (r.opts.eventTransport != nil || r.opts.redisClient != nil) {
		if err := r.eventBus.Close(ctx); err != nil {
			return fmt.Errorf("close event bus: %w", err)
		}
	}
	return nil
}

// Register appends a backend class to the registry. Appending keeps the
// autodetection order equal to the registration order. No deduplication
// is done: re-registering a name creates a shadow entry that Find will
// never reach, because earlier entries win.
func (r *Registry) Register(c BackendClass) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes = append(r.classes, c)
}

// Unregister removes the first entry that is identical to c (same
// instance, not same name). It is a no-op if c was never registered.
func (r *Registry) Unregister(c BackendClass) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cls := range r.classes {
		if cls == c {
			r.classes = append(r.classes[:i], r.classes[i+1:]...)
			return
		}
	}
}

// Find returns the first registered backend whose name matches,
// case-insensitively.
func (r *Registry) Find(name string) (BackendClass, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.classes {
		if strings.EqualFold(c.Name(), name) {
			return c, true
		}
	}
	return nil, false
}

// snapshot returns the registered classes in order, for iteration without
// holding the lock across backend calls.
func (r *Registry) snapshot() []BackendClass {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BackendClass, len(r.classes))
	copy(out, r.classes)
	return out
}

// Create resolves name and dispatches to that backend's Create.
// An unknown name returns ErrUnknownBackend, which is an ordinary
// not-found condition: it lets the caller distinguish "no such backend"
// from "backend rejected this configuration".
func (r *Registry) Create(ctx context.Context, name, location, user string, flags Flags, lock LockMethod) (Storage, error) {
	ctx, end := r.otel.startSpan(ctx, "mailstore.registry.create",
		attribute.String("backend", name))

	c, ok := r.Find(name)
	if !ok {
		end(ErrUnknownBackend)
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	st, err := c.Create(ctx, location, user, flags, lock)
	r.otel.recordCreate(ctx, c.Name(), err)
	end(err)
	return st, err
}

// CreateDefault tries every registered backend's Create with an empty
// location, in registration order, and returns the first success.
// Backends are expected to decline quietly when they are not the right
// default, so individual failures are only logged at debug level.
func (r *Registry) CreateDefault(ctx context.Context, user string, flags Flags, lock LockMethod) (Storage, error) {
	ctx, end := r.otel.startSpan(ctx, "mailstore.registry.create_default")

	for _, c := range r.snapshot() {
		st, err := c.Create(ctx, "", user, flags, lock)
		if err == nil {
			r.otel.recordCreate(ctx, c.Name(), nil)
			end(nil)
			return st, nil
		}
		r.opts.logger.Debug("backend declined default storage",
			"backend", c.Name(), "user", user, "error", err)
	}
	end(ErrNoDefaultStorage)
	return nil, ErrNoDefaultStorage
}

// Autodetect probes every registered backend's Autodetect predicate in
// registration order and returns the first match.
func (r *Registry) Autodetect(location string, flags Flags) (BackendClass, bool) {
	for _, c := range r.snapshot() {
		if c.Autodetect(location, flags) {
			return c, true
		}
	}
	return nil, false
}

// CreateWithData is the canonical backend-selection algorithm:
//
//   - An empty location delegates to CreateDefault.
//   - A location of the form "name:rest", where name is one or more
//     ASCII letters or digits, selects the named backend explicitly and
//     passes it only the rest. The explicit name always takes priority
//     over autodetection, even if the named backend would not have
//     autodetected the location.
//   - Anything else goes through Autodetect; on a match, that backend's
//     Create receives the full, unmodified location string.
//
// When the location has no name prefix and no backend autodetects it,
// ErrNoBackendDetected is returned without invoking any backend's Create.
func (r *Registry) CreateWithData(ctx context.Context, location, user string, flags Flags, lock LockMethod) (Storage, error) {
	if location == "" {
		return r.CreateDefault(ctx, user, flags, lock)
	}

	if name, rest, ok := splitBackendPrefix(location); ok {
		return r.Create(ctx, name, rest, user, flags, lock)
	}

	c, ok := r.Autodetect(location, flags)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoBackendDetected, location)
	}
	ctx, end := r.otel.startSpan(ctx, "mailstore.registry.create",
		attribute.String("backend", c.Name()))
	st, err := c.Create(ctx, location, user, flags, lock)
	r.otel.recordCreate(ctx, c.Name(), err)
	end(err)
	return st, err
}

// splitBackendPrefix splits "name:rest" where name is a non-empty run of
// ASCII letters and digits. Locations like "/var/mail" or "~/Maildir" do
// not match and fall through to autodetection.
func splitBackendPrefix(location string) (name, rest string, ok bool) {
	i := 0
	for i < len(location) && isAlnum(location[i]) {
		i++
	}
	if i == 0 || i >= len(location) || location[i] != ':' {
		return "", "", false
	}
	return location[:i], location[i+1:], true
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
