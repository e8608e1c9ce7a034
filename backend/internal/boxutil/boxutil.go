// Package boxutil carries the mailbox logic shared by the index-backed
// backends: status computation, sync diffing, search evaluation, header
// lookups and the scoped iterator contexts. Backends contribute their
// file layout; everything derived from index records lives here.
package boxutil

import (
	"context"
	"io"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/index"
)

// MessageOpener opens the body of one message record.
type MessageOpener func(ctx context.Context, rec index.Record) (io.ReadCloser, error)

// RecordFinder locates the record for a UID in the handle's cached view.
type RecordFinder func(uid uint32) (index.Record, bool)

// Reporter stores a critical error in the owning storage's error slot.
type Reporter func(format string, args ...any)

// StatusFromView computes a mailbox status from an index view.
func StatusFromView(hdr index.Header, recs []index.Record, items mailstore.StatusItems, readOnly bool) mailstore.Status {
	st := mailstore.Status{
		Messages:    hdr.Messages,
		UIDValidity: hdr.UIDValidity,
		UIDNext:     hdr.NextUID,
		ReadOnly:    readOnly,
	}
	if items&(mailstore.StatusRecent|mailstore.StatusUnseen|mailstore.StatusFirstUnseenSeq|mailstore.StatusKeywords) == 0 {
		return st
	}

	seen := make(map[string]bool)
	for i, rec := range recs {
		flags := mailstore.MessageFlags(rec.Flags)
		if flags&mailstore.FlagRecent != 0 {
			st.Recent++
		}
		if flags&mailstore.FlagSeen == 0 {
			st.Unseen++
			if st.FirstUnseenSeq == 0 {
				st.FirstUnseenSeq = uint32(i + 1)
			}
		}
		if items&mailstore.StatusKeywords != 0 {
			for _, kw := range rec.Keywords {
				if !seen[kw] {
					seen[kw] = true
					st.Keywords = append(st.Keywords, kw)
				}
			}
		}
	}
	return st
}

// UIDToSeqRange maps a UID range onto sequence numbers in recs.
func UIDToSeqRange(recs []index.Record, uid1, uid2 uint32) (seq1, seq2 uint32) {
	for i, rec := range recs {
		if rec.UID < uid1 || rec.UID > uid2 {
			continue
		}
		if seq1 == 0 {
			seq1 = uint32(i + 1)
		}
		seq2 = uint32(i + 1)
	}
	return seq1, seq2
}

// ListContext iterates a precomputed listing with the scoped-resource
// discipline: Deinit exactly once, nothing valid afterwards.
type ListContext struct {
	entries  []mailstore.MailboxListEntry
	pos      int
	valid    bool
	deinited bool
}

var _ mailstore.MailboxListContext = (*ListContext)(nil)

// NewListContext wraps a precomputed entry list.
func NewListContext(entries []mailstore.MailboxListEntry) *ListContext {
	return &ListContext{entries: entries}
}

func (l *ListContext) Next(ctx context.Context) (bool, error) {
	if l.deinited {
		return false, mailstore.ErrListDeinitialized
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if l.valid {
		l.pos++
	}
	l.valid = l.pos < len(l.entries)
	return l.valid, nil
}

func (l *ListContext) Entry() (mailstore.MailboxListEntry, error) {
	if l.deinited {
		return mailstore.MailboxListEntry{}, mailstore.ErrListDeinitialized
	}
	if !l.valid {
		return mailstore.MailboxListEntry{}, mailstore.ErrIteratorOutOfBounds
	}
	return l.entries[l.pos], nil
}

func (l *ListContext) Deinit() error {
	if l.deinited {
		return mailstore.ErrListDeinitialized
	}
	l.deinited = true
	return nil
}
