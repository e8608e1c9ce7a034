package mbox

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

const (
	lockSuffix = ".lock"

	defaultLockTimeout  = 10 * time.Second
	defaultLockStaleAge = 2 * time.Minute
)

// dotlock guards appends to one mbox file through a sibling lock file
// created exclusively. A lock file older than the stale age belongs to
// a dead writer and is taken over.
type dotlock struct {
	path     string
	timeout  time.Duration
	staleAge time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func (d *dotlock) lockPath() string { return d.path + lockSuffix }

func (d *dotlock) acquire() error {
	deadline := d.now().Add(d.timeout)
	for {
		f, err := os.OpenFile(d.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d %d\n", os.Getpid(), d.now().Unix())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("mbox: create lock file: %w", err)
		}

		if fi, serr := os.Stat(d.lockPath()); serr == nil && d.now().Sub(fi.ModTime()) > d.staleAge {
			d.logger.Warn("taking over stale mbox lock", "path", d.lockPath())
			os.Remove(d.lockPath())
			continue
		}

		if d.now().After(deadline) {
			return fmt.Errorf("mbox: timed out waiting for lock on %s", d.path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (d *dotlock) release() {
	if err := os.Remove(d.lockPath()); err != nil && !os.IsNotExist(err) {
		d.logger.Error("failed to release mbox lock", "path", d.lockPath(), "error", err)
	}
}
