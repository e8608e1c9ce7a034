package boxutil

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/textproto"

	mailstore "github.com/rbaliyan/mailstore"
)

// ParseHeaders reads the header block of a message into a map keyed by
// canonical header name. Only the first value of a repeated header is
// kept.
func ParseHeaders(r io.Reader) (map[string]string, error) {
	tp := textproto.NewReader(bufio.NewReader(r))
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, err
	}
	out := make(map[string]string, len(hdr))
	for k, v := range hdr {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out, nil
}

// CanonicalHeader canonicalizes a header name for map lookups.
func CanonicalHeader(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// HeaderLookup is a prepared lookup of a fixed header set over a
// mailbox's cached records.
type HeaderLookup struct {
	names    []string
	find     RecordFinder
	open     MessageOpener
	report   Reporter
	deinited bool
}

var _ mailstore.HeaderLookupContext = (*HeaderLookup)(nil)

// NewHeaderLookup prepares a lookup of the given headers.
func NewHeaderLookup(headers []string, find RecordFinder, open MessageOpener, report Reporter) *HeaderLookup {
	names := make([]string, len(headers))
	copy(names, headers)
	return &HeaderLookup{names: names, find: find, open: open, report: report}
}

func (h *HeaderLookup) Headers() []string { return h.names }

func (h *HeaderLookup) Lookup(ctx context.Context, msg mailstore.MessageRef) ([]string, error) {
	if h.deinited {
		return nil, mailstore.ErrListDeinitialized
	}
	rec, ok := h.find(msg.UID)
	if !ok {
		return nil, fmt.Errorf("%w: uid %d", mailstore.ErrMailboxNotFound, msg.UID)
	}
	rc, err := h.open(ctx, rec)
	if err != nil {
		h.report("opening message %d failed: %v", msg.UID, err)
		return nil, fmt.Errorf("%w: open message: %v", mailstore.ErrInternal, err)
	}
	defer rc.Close()

	parsed, err := ParseHeaders(rc)
	if err != nil {
		h.report("parsing message %d failed: %v", msg.UID, err)
		return nil, fmt.Errorf("%w: parse message: %v", mailstore.ErrInternal, err)
	}

	out := make([]string, len(h.names))
	for i, name := range h.names {
		out[i] = parsed[CanonicalHeader(name)]
	}
	return out, nil
}

func (h *HeaderLookup) Deinit() {
	h.deinited = true
}
