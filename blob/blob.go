// Package blob defines external message-body storage. Backends may push
// large message bodies out of the mailbox directory into a blob store
// and keep only an index record pointing at the stored object.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a URI does not resolve to a stored object.
var ErrNotFound = errors.New("blob: object not found")

// Store stores message bodies outside the mailbox directory.
//
// Put returns a URI identifying the stored object; the caller persists
// the URI and passes it back to Load and Delete. URIs are scheme-tagged
// (file://, s3://, gs://) so a store can reject URIs it did not issue.
type Store interface {
	// Put stores content under the given key and returns the object URI.
	Put(ctx context.Context, key, contentType string, content io.Reader) (string, error)

	// Load returns a reader for a stored object.
	Load(ctx context.Context, uri string) (io.ReadCloser, error)

	// Delete removes a stored object. Deleting an object that is already
	// gone is not an error.
	Delete(ctx context.Context, uri string) error
}
