// Package mlist is the mailbox-list collaborator shared by the
// filesystem backends. It owns the mapping from mailbox names to
// filesystem paths for the three path kinds (mail data, index data,
// control data), the global temp-file prefix, mailbox name validation,
// the subscription file, and uid-validity allocation.
package mlist

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	mailstore "github.com/rbaliyan/mailstore"
)

// PathKind selects which directory tree a mailbox path is resolved in.
type PathKind int

const (
	// PathMail is the message data tree.
	PathMail PathKind = iota
	// PathIndex is the index tree. Defaults to the mail tree.
	PathIndex
	// PathControl is the control-data tree (subscriptions, uid-validity).
	// Defaults to the mail tree.
	PathControl
)

const (
	defaultTempPrefix       = "temp."
	defaultSubscriptionFile = "subscriptions"
	uidValidityFile         = "mailstore-uidvalidity"
)

type options struct {
	logger           *slog.Logger
	indexRoot        string
	controlRoot      string
	tempPrefix       string
	subscriptionFile string
	mailboxDirName   string
	sep              rune
	noNoselect       bool
}

// Option configures a List.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithIndexRoot stores index data under a separate tree, typically on
// faster or more volatile storage than the mail data.
func WithIndexRoot(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.indexRoot = dir
		}
	}
}

// WithControlRoot stores control data under a separate tree.
func WithControlRoot(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.controlRoot = dir
		}
	}
}

// WithTempPrefix sets the global temp-file prefix. Default is "temp.".
func WithTempPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.tempPrefix = prefix
		}
	}
}

// WithSubscriptionFileName sets the subscription file name. Default is
// "subscriptions".
func WithSubscriptionFileName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.subscriptionFile = name
		}
	}
}

// WithMailboxDirName nests every mailbox under a fixed directory name
// inside the root, keeping mailbox directories apart from control files.
func WithMailboxDirName(name string) Option {
	return func(o *options) {
		o.mailboxDirName = name
	}
}

// WithHierarchySep sets the mailbox hierarchy separator. Default is '/'.
func WithHierarchySep(sep rune) Option {
	return func(o *options) {
		if sep != 0 {
			o.sep = sep
		}
	}
}

// WithNoNoselect makes every directory a selectable mailbox: creating a
// "directory" creates a real mailbox, and listings never report
// NoSelect entries.
func WithNoNoselect(v bool) Option {
	return func(o *options) {
		o.noNoselect = v
	}
}

// List resolves mailbox names for one user's namespace.
type List struct {
	root string
	opts *options

	mu              sync.Mutex
	lastUIDValidity uint32
}

// New creates a mailbox list rooted at dir.
func New(root string, opts ...Option) (*List, error) {
	if root == "" {
		return nil, fmt.Errorf("mlist: empty root")
	}
	o := &options{
		logger:           slog.Default(),
		tempPrefix:       defaultTempPrefix,
		subscriptionFile: defaultSubscriptionFile,
		sep:              '/',
	}
	for _, opt := range opts {
		opt(o)
	}
	return &List{root: root, opts: o}, nil
}

// Root returns the mail data root.
func (l *List) Root() string { return l.root }

// HierarchySep returns the mailbox hierarchy separator.
func (l *List) HierarchySep() rune { return l.opts.sep }

// NoNoselect reports whether the namespace forbids NoSelect entries.
func (l *List) NoNoselect() bool { return l.opts.noNoselect }

// TempPrefix returns the global temp-file prefix. Any directory entry
// with this prefix is a staging file that may be reaped once old enough.
func (l *List) TempPrefix() string { return l.opts.tempPrefix }

// IsTempName reports whether base carries the temp-file prefix.
func (l *List) IsTempName(base string) bool {
	return strings.HasPrefix(base, l.opts.tempPrefix)
}

// TempFileName returns a fresh unique temp file base name.
func (l *List) TempFileName() string {
	return l.opts.tempPrefix + uuid.NewString()
}

func (l *List) rootFor(kind PathKind) string {
	switch kind {
	case PathIndex:
		if l.opts.indexRoot != "" {
			return l.opts.indexRoot
		}
	case PathControl:
		if l.opts.controlRoot != "" {
			return l.opts.controlRoot
		}
	}
	return l.root
}

// Path resolves a mailbox name to a filesystem directory of the given
// kind. An empty name resolves to the tree root.
func (l *List) Path(name string, kind PathKind) (string, error) {
	root := l.rootFor(kind)
	if l.opts.mailboxDirName != "" && kind == PathMail {
		root = filepath.Join(root, l.opts.mailboxDirName)
	}
	if name == "" {
		return root, nil
	}
	if err := l.ValidateName(name); err != nil {
		return "", err
	}
	parts := strings.Split(name, string(l.opts.sep))
	return filepath.Join(append([]string{root}, parts...)...), nil
}

// ValidateName checks a mailbox name against the namespace rules.
func (l *List) ValidateName(name string) error {
	if name == "" {
		return &mailstore.NameError{Name: name, Reason: "empty name"}
	}
	if len(name) > 255 {
		return &mailstore.NameError{Name: name, Reason: "name too long"}
	}
	sep := string(l.opts.sep)
	if strings.HasPrefix(name, sep) || strings.HasSuffix(name, sep) {
		return &mailstore.NameError{Name: name, Reason: "name begins or ends with hierarchy separator"}
	}
	for _, part := range strings.Split(name, sep) {
		switch part {
		case "":
			return &mailstore.NameError{Name: name, Reason: "empty hierarchy level"}
		case ".", "..":
			return &mailstore.NameError{Name: name, Reason: "name traverses directories"}
		}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return &mailstore.NameError{Name: name, Reason: "name contains control characters"}
		}
		if r == '*' || r == '%' {
			return &mailstore.NameError{Name: name, Reason: "name contains list wildcards"}
		}
	}
	if l.IsTempName(name) {
		return &mailstore.NameError{Name: name, Reason: "name uses reserved temp prefix"}
	}
	return nil
}

// NextUIDValidity allocates a uid-validity value: strictly increasing
// across the namespace, seeded from the wall clock, persisted in a
// control file so restarts keep the sequence monotonic.
func (l *List) NextUIDValidity() (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := l.rootFor(PathControl)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("mlist: create control dir: %w", err)
	}
	path := filepath.Join(dir, uidValidityFile)

	var prev uint32
	if data, err := os.ReadFile(path); err == nil {
		if v, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32); perr == nil {
			prev = uint32(v)
		}
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("mlist: read uidvalidity: %w", err)
	}
	if prev < l.lastUIDValidity {
		prev = l.lastUIDValidity
	}

	next := uint32(time.Now().Unix())
	if next <= prev {
		next = prev + 1
	}

	tmp, err := os.CreateTemp(dir, l.opts.tempPrefix+"uidvalidity-*")
	if err != nil {
		return 0, fmt.Errorf("mlist: create uidvalidity temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := fmt.Fprintf(tmp, "%d\n", next); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("mlist: write uidvalidity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("mlist: close uidvalidity temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("mlist: replace uidvalidity: %w", err)
	}

	l.lastUIDValidity = next
	return next, nil
}

func (l *List) subscriptionPath() string {
	return filepath.Join(l.rootFor(PathControl), l.opts.subscriptionFile)
}

// Subscriptions returns the subscribed mailbox names, sorted.
func (l *List) Subscriptions() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readSubscriptions()
}

func (l *List) readSubscriptions() ([]string, error) {
	f, err := os.Open(l.subscriptionPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mlist: open subscriptions: %w", err)
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("mlist: read subscriptions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// SetSubscribed adds or removes a subscription. Rewrites are atomic via
// a temp file and rename; setting an existing state again is a no-op.
func (l *List) SetSubscribed(name string, subscribed bool) error {
	if err := l.ValidateName(name); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	names, err := l.readSubscriptions()
	if err != nil {
		return err
	}
	have := false
	for _, n := range names {
		if n == name {
			have = true
			break
		}
	}
	if have == subscribed {
		return nil
	}
	if subscribed {
		names = append(names, name)
		sort.Strings(names)
	} else {
		out := names[:0]
		for _, n := range names {
			if n != name {
				out = append(out, n)
			}
		}
		names = out
	}

	dir := l.rootFor(PathControl)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mlist: create control dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, l.opts.tempPrefix+"subscriptions-*")
	if err != nil {
		return fmt.Errorf("mlist: create subscriptions temp: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, n := range names {
		fmt.Fprintln(w, n)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("mlist: write subscriptions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("mlist: close subscriptions temp: %w", err)
	}
	if err := os.Rename(tmpName, l.subscriptionPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("mlist: replace subscriptions: %w", err)
	}
	return nil
}

// IsSubscribed reports whether name is in the subscription file.
func (l *List) IsSubscribed(name string) (bool, error) {
	names, err := l.Subscriptions()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}
