package dbox

import (
	"log/slog"
	"os"
	"time"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/blob"
	"github.com/rbaliyan/mailstore/index"
	"github.com/rbaliyan/mailstore/index/fileindex"
	"github.com/rbaliyan/mailstore/retry"
)

// IndexOpener opens the index handle for one mailbox, given its index
// directory path. The default opens a fileindex; database-backed
// deployments plug in pgindex or mongoindex keyed by the same path.
type IndexOpener func(dir string) (index.Index, error)

type options struct {
	logger *slog.Logger

	// defaultRoot, when set, lets Create resolve an empty location to
	// defaultRoot/<user>.
	defaultRoot string

	indexOpener IndexOpener

	// Blob externalization: bodies of at least externalizeAt bytes go to
	// blobStore instead of the mailbox directory. Zero store disables it.
	blobStore     blob.Store
	externalizeAt int64

	// Temp-file reaper tuning.
	tempDeleteAge time.Duration
	tempScanEvery time.Duration
	disableReaper bool

	events *mailstore.StorageEvents

	syncRetry retry.Config

	// Test seams.
	stat func(string) (os.FileInfo, error)
	now  func() time.Time
}

// Option configures the dbox backend class.
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
// Default opens a file-backed index in the mailbox's index directory.
func WithIndexOpener(open IndexOpener) Option {
	return func(o *options) {
		if open != nil {
			o.indexOpener = open
		}
	}
}

// WithBlobStore externalizes message bodies of at least threshold bytes
// into the given blob store. The mailbox keeps only the index record.
func WithBlobStore(store blob.Store, threshold int64) Option {
	return func(o *options) {
		o.blobStore = store
		if threshold > 0 {
			o.externalizeAt = threshold
		}
	}
}

// WithTempFileAges tunes the temp-file reaper: staged files older than
// deleteAge are removed, and a directory is rescanned at most once per
// scanEvery. Defaults are 36h and 8h.
func WithTempFileAges(deleteAge, scanEvery time.Duration) Option {
	return func(o *options) {
		if deleteAge > 0 {
			o.tempDeleteAge = deleteAge
		}
		if scanEvery > 0 {
			o.tempScanEvery = scanEvery
		}
	}
}

// WithoutReaper disables temp-file reaping on mailbox open.
func WithoutReaper() Option {
	return func(o *options) {
		o.disableReaper = true
	}
}

// WithEvents publishes mailbox lifecycle events through the given
// registry events, typically reg.Events().
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
		logger:        slog.Default(),
		indexOpener:   defaultIndexOpener,
		tempDeleteAge: defaultTempDeleteAge,
		tempScanEvery: defaultTempScanEvery,
		syncRetry:     defaultSyncRetry(),
		stat:          os.Stat,
		now:           time.Now,
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
	cfg.IsRetryable = func(err error) bool {
		return isWouldBlock(err)
	}
	return cfg
}
