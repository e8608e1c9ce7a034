package boxutil

import (
	"context"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/index"
)

// DiffRecords computes the sync records between a handle's cached view
// and the current index state, plus the record list to install as the
// new cache. With SyncNoExpunges the expunged records are withheld from
// both the report and the cache update, so a later sync reports them.
func DiffRecords(cached, current []index.Record, flags mailstore.SyncFlags) ([]mailstore.SyncRecord, []index.Record) {
	curByUID := make(map[uint32]index.Record, len(current))
	for _, rec := range current {
		curByUID[rec.UID] = rec
	}

	var out []mailstore.SyncRecord

	// Expunges report cached sequence numbers, walked from the highest
	// down so each reported seq stays valid as the earlier ones apply.
	var keep []index.Record
	for seq := len(cached); seq >= 1; seq-- {
		rec := cached[seq-1]
		if _, ok := curByUID[rec.UID]; ok {
			continue
		}
		if flags&mailstore.SyncNoExpunges != 0 {
			keep = append(keep, rec)
			continue
		}
		out = append(out, mailstore.SyncRecord{Type: mailstore.SyncExpunge, Seq1: uint32(seq), Seq2: uint32(seq)})
	}

	cachedByUID := make(map[uint32]index.Record, len(cached))
	for _, rec := range cached {
		cachedByUID[rec.UID] = rec
	}
	for i, rec := range current {
		old, ok := cachedByUID[rec.UID]
		if !ok {
			continue
		}
		seq := uint32(i + 1)
		if old.Flags != rec.Flags {
			out = append(out, mailstore.SyncRecord{Type: mailstore.SyncFlagChange, Seq1: seq, Seq2: seq})
		}
		if !equalKeywords(old.Keywords, rec.Keywords) {
			out = append(out, mailstore.SyncRecord{Type: mailstore.SyncKeywordChange, Seq1: seq, Seq2: seq})
		}
	}

	apply := current
	if len(keep) > 0 {
		apply = mergeByUID(current, keep)
	}
	return out, apply
}

func equalKeywords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mergeByUID merges withheld expunged records back into the record
// list, keeping UID order.
func mergeByUID(current, keep []index.Record) []index.Record {
	byUID := make(map[uint32]bool, len(current))
	out := make([]index.Record, 0, len(current)+len(keep))
	out = append(out, current...)
	for _, rec := range current {
		byUID[rec.UID] = true
	}
	for _, rec := range keep {
		if !byUID[rec.UID] {
			out = append(out, rec)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UID < out[j-1].UID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// SyncApply installs the synchronized state into the handle's cache.
type SyncApply func(hdr index.Header, recs []index.Record, fix bool)

// SyncContext iterates the changes of one sync pass and applies the new
// state on Deinit.
type SyncContext struct {
	records  []mailstore.SyncRecord
	newHdr   index.Header
	newRecs  []index.Record
	fix      bool
	readOnly bool
	apply    SyncApply

	pos      int
	valid    bool
	deinited bool
}

var _ mailstore.SyncContext = (*SyncContext)(nil)

// NewSyncContext builds a sync iteration over the given change records.
func NewSyncContext(records []mailstore.SyncRecord, hdr index.Header, recs []index.Record, fix, readOnly bool, apply SyncApply) *SyncContext {
	return &SyncContext{
		records:  records,
		newHdr:   hdr,
		newRecs:  recs,
		fix:      fix,
		readOnly: readOnly,
		apply:    apply,
	}
}

func (s *SyncContext) Next(ctx context.Context) (bool, error) {
	if s.deinited {
		return false, mailstore.ErrListDeinitialized
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.valid {
		s.pos++
	}
	s.valid = s.pos < len(s.records)
	return s.valid, nil
}

func (s *SyncContext) Record() (mailstore.SyncRecord, error) {
	if s.deinited {
		return mailstore.SyncRecord{}, mailstore.ErrListDeinitialized
	}
	if !s.valid {
		return mailstore.SyncRecord{}, mailstore.ErrIteratorOutOfBounds
	}
	return s.records[s.pos], nil
}

func (s *SyncContext) Deinit() (mailstore.Status, error) {
	if s.deinited {
		return mailstore.Status{}, mailstore.ErrListDeinitialized
	}
	s.deinited = true
	s.apply(s.newHdr, s.newRecs, s.fix)
	return StatusFromView(s.newHdr, s.newRecs, ^mailstore.StatusItems(0), s.readOnly), nil
}
