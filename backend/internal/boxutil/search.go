package boxutil

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"sort"
	"strings"

	mailstore "github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/index"
)

// SearchContext evaluates a search over a record snapshot. Evaluation is
// deferred to the first Next so message bodies are only read under the
// caller's context.
type SearchContext struct {
	recs     []index.Record
	criteria []mailstore.SearchCriterion
	sortKeys []mailstore.SortKey
	open     MessageOpener
	report   Reporter

	evaluated bool
	matches   []searchMatch
	pos       int
	valid     bool
	deinited  bool
}

type searchMatch struct {
	ref mailstore.MessageRef
	rec index.Record

	// Sort inputs, filled only when the sort program needs them.
	date    string
	subject string
	from    string
	to      string
}

var _ mailstore.SearchContext = (*SearchContext)(nil)

// NewSearchContext builds a search over a record snapshot.
func NewSearchContext(recs []index.Record, criteria []mailstore.SearchCriterion, sortKeys []mailstore.SortKey, open MessageOpener, report Reporter) *SearchContext {
	return &SearchContext{
		recs:     recs,
		criteria: criteria,
		sortKeys: sortKeys,
		open:     open,
		report:   report,
	}
}

func (sc *SearchContext) Next(ctx context.Context) (bool, error) {
	if sc.deinited {
		return false, mailstore.ErrListDeinitialized
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !sc.evaluated {
		if err := sc.evaluate(ctx); err != nil {
			return false, err
		}
	}
	if sc.valid {
		sc.pos++
	}
	sc.valid = sc.pos < len(sc.matches)
	return sc.valid, nil
}

func (sc *SearchContext) Message() (mailstore.MessageRef, error) {
	if sc.deinited {
		return mailstore.MessageRef{}, mailstore.ErrListDeinitialized
	}
	if !sc.valid {
		return mailstore.MessageRef{}, mailstore.ErrIteratorOutOfBounds
	}
	return sc.matches[sc.pos].ref, nil
}

func (sc *SearchContext) Deinit() error {
	if sc.deinited {
		return mailstore.ErrListDeinitialized
	}
	sc.deinited = true
	return nil
}

func (sc *SearchContext) evaluate(ctx context.Context) error {
	sc.evaluated = true
	needsHeaders := sc.needsHeaders()

	for i, rec := range sc.recs {
		ok, hdrs, err := sc.matchRecord(ctx, rec)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		m := searchMatch{
			ref: mailstore.MessageRef{UID: rec.UID, Seq: uint32(i + 1), GUID: rec.GUID},
			rec: rec,
		}
		if needsHeaders {
			if hdrs == nil {
				hdrs, err = sc.readHeaders(ctx, rec)
				if err != nil {
					return err
				}
			}
			m.date = hdrs["Date"]
			m.subject = hdrs["Subject"]
			m.from = hdrs["From"]
			m.to = hdrs["To"]
		}
		sc.matches = append(sc.matches, m)
	}

	sc.sortMatches()
	return nil
}

func (sc *SearchContext) needsHeaders() bool {
	for _, key := range sc.sortKeys {
		switch key {
		case mailstore.SortDate, mailstore.SortSubject, mailstore.SortFrom, mailstore.SortTo:
			return true
		}
	}
	return false
}

// matchRecord checks every criterion; parsed headers are returned when a
// header criterion forced a read, so the caller can reuse them.
func (sc *SearchContext) matchRecord(ctx context.Context, rec index.Record) (bool, map[string]string, error) {
	flags := mailstore.MessageFlags(rec.Flags)
	var hdrs map[string]string

	for _, crit := range sc.criteria {
		switch crit.Field {
		case mailstore.SearchAll:

		case mailstore.SearchSeen:
			if flags&mailstore.FlagSeen == 0 {
				return false, hdrs, nil
			}
		case mailstore.SearchUnseen:
			if flags&mailstore.FlagSeen != 0 {
				return false, hdrs, nil
			}
		case mailstore.SearchDeleted:
			if flags&mailstore.FlagDeleted == 0 {
				return false, hdrs, nil
			}
		case mailstore.SearchUndeleted:
			if flags&mailstore.FlagDeleted != 0 {
				return false, hdrs, nil
			}
		case mailstore.SearchUIDRange:
			if rec.UID < crit.UID1 || rec.UID > crit.UID2 {
				return false, hdrs, nil
			}
		case mailstore.SearchSince:
			if rec.SavedAt.Before(crit.Time) {
				return false, hdrs, nil
			}
		case mailstore.SearchBefore:
			if !rec.SavedAt.Before(crit.Time) {
				return false, hdrs, nil
			}
		case mailstore.SearchHeader:
			if hdrs == nil {
				var err error
				hdrs, err = sc.readHeaders(ctx, rec)
				if err != nil {
					return false, nil, err
				}
			}
			val := hdrs[CanonicalHeader(crit.Header)]
			if !strings.Contains(strings.ToLower(val), strings.ToLower(crit.Value)) {
				return false, hdrs, nil
			}
		case mailstore.SearchBody:
			ok, err := sc.bodyContains(ctx, rec, crit.Value)
			if err != nil {
				return false, hdrs, err
			}
			if !ok {
				return false, hdrs, nil
			}
		default:
			return false, hdrs, fmt.Errorf("boxutil: unsupported search field %d", crit.Field)
		}
	}
	return true, hdrs, nil
}

func (sc *SearchContext) readHeaders(ctx context.Context, rec index.Record) (map[string]string, error) {
	rc, err := sc.open(ctx, rec)
	if err != nil {
		sc.report("opening message %d failed: %v", rec.UID, err)
		return nil, fmt.Errorf("%w: open message: %v", mailstore.ErrInternal, err)
	}
	defer rc.Close()
	hdrs, err := ParseHeaders(rc)
	if err != nil {
		sc.report("parsing message %d failed: %v", rec.UID, err)
		return nil, fmt.Errorf("%w: parse message: %v", mailstore.ErrInternal, err)
	}
	return hdrs, nil
}

func (sc *SearchContext) bodyContains(ctx context.Context, rec index.Record, value string) (bool, error) {
	rc, err := sc.open(ctx, rec)
	if err != nil {
		sc.report("opening message %d failed: %v", rec.UID, err)
		return false, fmt.Errorf("%w: open message: %v", mailstore.ErrInternal, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		sc.report("reading message %d failed: %v", rec.UID, err)
		return false, fmt.Errorf("%w: read message: %v", mailstore.ErrInternal, err)
	}
	return strings.Contains(strings.ToLower(string(content)), strings.ToLower(value)), nil
}

// sortMatches applies the sort program. A REVERSE key flips the
// direction of the key that follows it.
func (sc *SearchContext) sortMatches() {
	keys := sc.sortKeys
	if len(keys) == 0 {
		return
	}

	sort.SliceStable(sc.matches, func(i, j int) bool {
		a, b := sc.matches[i], sc.matches[j]
		reverse := false
		for _, key := range keys {
			if key == mailstore.SortReverse {
				reverse = true
				continue
			}
			c := compareMatches(a, b, key)
			if reverse {
				c = -c
			}
			reverse = false
			if c != 0 {
				return c < 0
			}
		}
		return a.ref.UID < b.ref.UID
	})
}

func compareMatches(a, b searchMatch, key mailstore.SortKey) int {
	switch key {
	case mailstore.SortArrival:
		return a.rec.SavedAt.Compare(b.rec.SavedAt)
	case mailstore.SortDate:
		at, aerr := mail.ParseDate(a.date)
		bt, berr := mail.ParseDate(b.date)
		if aerr != nil {
			at = a.rec.SavedAt
		}
		if berr != nil {
			bt = b.rec.SavedAt
		}
		return at.Compare(bt)
	case mailstore.SortSize:
		switch {
		case a.rec.Size < b.rec.Size:
			return -1
		case a.rec.Size > b.rec.Size:
			return 1
		}
		return 0
	case mailstore.SortSubject:
		return strings.Compare(normalizeSubject(a.subject), normalizeSubject(b.subject))
	case mailstore.SortFrom:
		return strings.Compare(addressKey(a.from), addressKey(b.from))
	case mailstore.SortTo:
		return strings.Compare(addressKey(a.to), addressKey(b.to))
	}
	return 0
}

// normalizeSubject strips reply and forward prefixes for sorting.
func normalizeSubject(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for {
		trimmed := s
		for _, prefix := range []string{"re:", "fwd:", "fw:"} {
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		}
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

// addressKey extracts the first address for sorting.
func addressKey(s string) string {
	addrs, err := mail.ParseAddressList(s)
	if err != nil || len(addrs) == 0 {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return strings.ToLower(addrs[0].Address)
}
