package dbox

import (
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"
)

// reaper removes abandoned staging files from mailbox message
// directories. A crashed saver leaves its temp file behind; files older
// than the delete age cannot belong to a live save and are removed.
//
// The whole pass is best-effort: every failure is ignored beyond a log
// line. Reaping never makes an open fail.
type reaper struct {
	deleteAge time.Duration
	scanEvery time.Duration
	logger    *slog.Logger
	now       func() time.Time
	stat      func(string) (os.FileInfo, error)

	group singleflight.Group
}

func newReaper(o *options) *reaper {
	return &reaper{
		deleteAge: o.tempDeleteAge,
		scanEvery: o.tempScanEvery,
		logger:    o.logger,
		now:       o.now,
		stat:      o.stat,
	}
}

// cleanup decides from the directory's timestamps whether a scan is due
// and runs it. Concurrent opens of the same mailbox collapse into one
// scan.
//
// The gate reads the directory's atime as "last scanned" and ctime as
// "last modified": a directory whose atime is far ahead of its ctime was
// scanned recently relative to its last change, and a directory scanned
// within the scan interval is left alone.
func (r *reaper) cleanup(dir, tempPrefix string) {
	fi, err := r.stat(dir)
	if err != nil {
		return
	}
	atime, ctime := statTimes(fi)
	now := r.now()

	if atime.After(ctime.Add(r.deleteAge)) {
		return
	}
	if atime.After(now.Add(-r.scanEvery)) {
		return
	}

	r.group.Do(dir, func() (any, error) {
		r.scan(dir, tempPrefix, now)
		return nil, nil
	})
}

// scan removes temp-prefixed entries older than the delete age, then
// bumps the directory's atime so the next opens skip the scan.
func (r *reaper) scan(dir, tempPrefix string, now time.Time) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		r.logger.Debug("temp file scan failed", "dir", dir, "error", err)
		return
	}
	cutoff := now.Add(-r.deleteAge)

	for _, ent := range ents {
		name := ent.Name()
		if len(tempPrefix) == 0 || len(name) < len(tempPrefix) || name[:len(tempPrefix)] != tempPrefix {
			continue
		}
		info, err := ent.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Debug("failed to remove stale temp file", "path", path, "error", err)
			continue
		}
		r.logger.Debug("removed stale temp file", "path", path)
	}

	if fi, err := r.stat(dir); err == nil {
		if err := os.Chtimes(dir, now, fi.ModTime()); err != nil {
			r.logger.Debug("failed to update scan timestamp", "dir", dir, "error", err)
		}
	}
}

// statTimes extracts access and change times; platforms without them in
// the stat result fall back to the modification time, which only makes
// the reaper scan more often.
func statTimes(fi os.FileInfo) (atime, ctime time.Time) {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Atim.Sec, st.Atim.Nsec), time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	}
	return fi.ModTime(), fi.ModTime()
}
