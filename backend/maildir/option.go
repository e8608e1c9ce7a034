package maildir

import (
	"log/slog"
	"os"
	"time"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/index"
	"github.com/rbaliyan/mailstore/index/fileindex"
	"github.com/rbaliyan/mailstore/retry"
)

// IndexOpener opens the index handle for one mailbox, given its index
// directory path.
type IndexOpener func(dir string) (index.Index, error)

type options struct {
	logger *slog.Logger

	// defaultRoot, when set, lets Create resolve an empty location to
	// defaultRoot/<user>.
	defaultRoot string

	indexOpener IndexOpener

	// Files in tmp/ older than tmpMaxAge are removed on mailbox open.
	tmpMaxAge time.Duration

	events *mailstore.StorageEvents

	syncRetry retry.Config

	// Test seams.
	stat func(string) (os.FileInfo, error)
	now  func() time.Time
}

// Option configures the maildir backend class.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDefaultRoot lets the backend serve storage creation with an empty
// location: the storage root becomes dir/<user>.
func WithDefaultRoot(dir string) Option {
	return func(o *options) {
		o.defaultRoot = dir
	}
}

// WithIndexOpener sets how per-mailbox index handles are opened.
func WithIndexOpener(open IndexOpener) Option {
	return func(o *options) {
		if open != nil {
			o.indexOpener = open
		}
	}
}

// WithTmpMaxAge tunes how old a tmp/ file must be before open removes
// it. Default is 36h.
func WithTmpMaxAge(age time.Duration) Option {
	return func(o *options) {
		if age > 0 {
			o.tmpMaxAge = age
		}
	}
}

// WithEvents publishes mailbox lifecycle events through the given
// registry events.
func WithEvents(ev *mailstore.StorageEvents) Option {
	return func(o *options) {
		o.events = ev
	}
}

// WithSyncRetry tunes the backoff used when the index sync lock is
// contended.
func WithSyncRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.syncRetry = cfg
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger:      slog.Default(),
		indexOpener: defaultIndexOpener,
		tmpMaxAge:   defaultTmpMaxAge,
		syncRetry:   defaultSyncRetry(),
		stat:        os.Stat,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func defaultIndexOpener(dir string) (index.Index, error) {
	return fileindex.Open(dir)
}

func defaultSyncRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 6
	cfg.InitialBackoff = 20 * time.Millisecond
	cfg.IsRetryable = isWouldBlock
	return cfg
}
