package boxutil

import (
	"context"
	"errors"
	"testing"
	"time"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/index"
)

func rec(uid uint32, flags mailstore.MessageFlags, keywords ...string) index.Record {
	return index.Record{UID: uid, Flags: uint32(flags), Keywords: keywords, SavedAt: time.Now()}
}

func TestStatusFromView(t *testing.T) {
	hdr := index.Header{UIDValidity: 99, NextUID: 6, Messages: 4}
	recs := []index.Record{
		rec(1, mailstore.FlagSeen),
		rec(2, 0, "$Work"),
		rec(3, mailstore.FlagSeen|mailstore.FlagRecent),
		rec(5, mailstore.FlagRecent, "$Work", "$Todo"),
	}

	st := StatusFromView(hdr, recs, ^mailstore.StatusItems(0), true)
	if st.Messages != 4 || st.UIDValidity != 99 || st.UIDNext != 6 {
		t.Errorf("header fields: %+v", st)
	}
	if !st.ReadOnly {
		t.Error("ReadOnly not carried through")
	}
	if st.Recent != 2 {
		t.Errorf("Recent = %d, want 2", st.Recent)
	}
	if st.Unseen != 2 {
		t.Errorf("Unseen = %d, want 2", st.Unseen)
	}
	if st.FirstUnseenSeq != 2 {
		t.Errorf("FirstUnseenSeq = %d, want 2", st.FirstUnseenSeq)
	}
	if len(st.Keywords) != 2 {
		t.Errorf("Keywords = %v, want deduplicated $Work and $Todo", st.Keywords)
	}

	t.Run("header-only items skip the record walk", func(t *testing.T) {
		st := StatusFromView(hdr, recs, mailstore.StatusMessages|mailstore.StatusUIDNext, false)
		if st.Recent != 0 || st.Unseen != 0 || st.Keywords != nil {
			t.Errorf("derived fields computed without being asked: %+v", st)
		}
		if st.Messages != 4 {
			t.Errorf("Messages = %d", st.Messages)
		}
	})
}

func TestUIDToSeqRange(t *testing.T) {
	recs := []index.Record{rec(2, 0), rec(5, 0), rec(9, 0), rec(12, 0)}

	cases := []struct {
		uid1, uid2 uint32
		seq1, seq2 uint32
	}{
		{1, 20, 1, 4},
		{5, 9, 2, 3},
		{5, 5, 2, 2},
		{3, 4, 0, 0}, // gap, nothing in range
		{13, 20, 0, 0},
		{9, 5, 0, 0}, // inverted range
	}
	for _, tc := range cases {
		s1, s2 := UIDToSeqRange(recs, tc.uid1, tc.uid2)
		if s1 != tc.seq1 || s2 != tc.seq2 {
			t.Errorf("UIDToSeqRange(%d, %d) = (%d, %d), want (%d, %d)",
				tc.uid1, tc.uid2, s1, s2, tc.seq1, tc.seq2)
		}
	}
}

func TestDiffRecords(t *testing.T) {
	t.Run("expunges report highest sequence first", func(t *testing.T) {
		cached := []index.Record{rec(1, 0), rec(2, 0), rec(3, 0), rec(4, 0)}
		current := []index.Record{rec(1, 0), rec(3, 0)}

		out, apply := DiffRecords(cached, current, 0)
		if len(out) != 2 {
			t.Fatalf("got %d sync records, want 2 expunges: %+v", len(out), out)
		}
		if out[0].Type != mailstore.SyncExpunge || out[0].Seq1 != 4 {
			t.Errorf("first expunge %+v, want seq 4", out[0])
		}
		if out[1].Type != mailstore.SyncExpunge || out[1].Seq1 != 2 {
			t.Errorf("second expunge %+v, want seq 2", out[1])
		}
		if len(apply) != 2 {
			t.Errorf("cache update has %d records, want 2", len(apply))
		}
	})

	t.Run("flag and keyword changes report current sequences", func(t *testing.T) {
		cached := []index.Record{rec(1, 0), rec(2, mailstore.FlagSeen, "$A")}
		current := []index.Record{rec(1, mailstore.FlagSeen), rec(2, mailstore.FlagSeen, "$B")}

		out, _ := DiffRecords(cached, current, 0)
		if len(out) != 2 {
			t.Fatalf("got %+v, want one flag change and one keyword change", out)
		}
		if out[0].Type != mailstore.SyncFlagChange || out[0].Seq1 != 1 {
			t.Errorf("flag change %+v", out[0])
		}
		if out[1].Type != mailstore.SyncKeywordChange || out[1].Seq1 != 2 {
			t.Errorf("keyword change %+v", out[1])
		}
	})

	t.Run("new records report nothing", func(t *testing.T) {
		cached := []index.Record{rec(1, 0)}
		current := []index.Record{rec(1, 0), rec(2, 0)}

		out, apply := DiffRecords(cached, current, 0)
		if len(out) != 0 {
			t.Errorf("appends produced sync records: %+v", out)
		}
		if len(apply) != 2 {
			t.Errorf("cache update has %d records, want 2", len(apply))
		}
	})

	t.Run("no-expunges withholds from report and cache", func(t *testing.T) {
		cached := []index.Record{rec(1, 0), rec(2, 0), rec(3, 0)}
		current := []index.Record{rec(1, 0), rec(3, 0)}

		out, apply := DiffRecords(cached, current, mailstore.SyncNoExpunges)
		for _, sr := range out {
			if sr.Type == mailstore.SyncExpunge {
				t.Errorf("expunge reported despite SyncNoExpunges: %+v", sr)
			}
		}
		if len(apply) != 3 {
			t.Fatalf("cache update has %d records, want the expunged one retained", len(apply))
		}
		for i, want := range []uint32{1, 2, 3} {
			if apply[i].UID != want {
				t.Errorf("cache record %d UID = %d, want %d (UID order)", i, apply[i].UID, want)
			}
		}

		// The next sync without the flag reports the withheld expunge.
		out, apply = DiffRecords(apply, current, 0)
		if len(out) != 1 || out[0].Type != mailstore.SyncExpunge || out[0].Seq1 != 2 {
			t.Errorf("withheld expunge not reported later: %+v", out)
		}
		if len(apply) != 2 {
			t.Errorf("final cache has %d records, want 2", len(apply))
		}
	})
}

func TestListContext(t *testing.T) {
	ctx := context.Background()
	entries := []mailstore.MailboxListEntry{
		{Name: "INBOX"},
		{Name: "Work"},
	}

	t.Run("iterates in order", func(t *testing.T) {
		lc := NewListContext(entries)
		var names []string
		for {
			ok, err := lc.Next(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				break
			}
			e, err := lc.Entry()
			if err != nil {
				t.Fatal(err)
			}
			names = append(names, e.Name)
		}
		if len(names) != 2 || names[0] != "INBOX" || names[1] != "Work" {
			t.Errorf("got %v", names)
		}
		if err := lc.Deinit(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("entry before first next", func(t *testing.T) {
		lc := NewListContext(entries)
		if _, err := lc.Entry(); !errors.Is(err, mailstore.ErrIteratorOutOfBounds) {
			t.Errorf("got %v, want ErrIteratorOutOfBounds", err)
		}
	})

	t.Run("deinit exactly once", func(t *testing.T) {
		lc := NewListContext(entries)
		if err := lc.Deinit(); err != nil {
			t.Fatal(err)
		}
		if err := lc.Deinit(); !errors.Is(err, mailstore.ErrListDeinitialized) {
			t.Errorf("second Deinit = %v, want ErrListDeinitialized", err)
		}
		if _, err := lc.Next(ctx); !errors.Is(err, mailstore.ErrListDeinitialized) {
			t.Errorf("Next after Deinit = %v, want ErrListDeinitialized", err)
		}
	})
}

func TestSyncContext(t *testing.T) {
	ctx := context.Background()
	hdr := index.Header{UIDValidity: 5, NextUID: 3, Messages: 2}
	recs := []index.Record{rec(1, mailstore.FlagSeen), rec(2, 0)}
	changes := []mailstore.SyncRecord{
		{Type: mailstore.SyncExpunge, Seq1: 3, Seq2: 3},
		{Type: mailstore.SyncFlagChange, Seq1: 1, Seq2: 1},
	}

	applied := false
	sc := NewSyncContext(changes, hdr, recs, true, false, func(h index.Header, r []index.Record, fix bool) {
		applied = true
		if h.UIDValidity != 5 || len(r) != 2 || !fix {
			t.Errorf("apply got (%+v, %d records, fix=%v)", h, len(r), fix)
		}
	})

	var seen []mailstore.SyncRecord
	for {
		ok, err := sc.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		sr, err := sc.Record()
		if err != nil {
			t.Fatal(err)
		}
		seen = append(seen, sr)
	}
	if len(seen) != 2 {
		t.Fatalf("iterated %d records, want 2", len(seen))
	}
	if applied {
		t.Fatal("apply ran before Deinit")
	}

	st, err := sc.Deinit()
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Error("apply did not run on Deinit")
	}
	if st.Messages != 2 || st.Unseen != 1 {
		t.Errorf("status %+v", st)
	}

	if _, err := sc.Deinit(); !errors.Is(err, mailstore.ErrListDeinitialized) {
		t.Errorf("second Deinit = %v, want ErrListDeinitialized", err)
	}
}
