// Package fs provides a filesystem-backed blob store, for single-host
// deployments where externalized message bodies live on a separate
// volume rather than in object storage.
package fs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rbaliyan/mailstore/blob"
)

type options struct {
	logger *slog.Logger
}

// Option configures the store.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Store implements blob.Store on a local directory tree.
type Store struct {
	root   string
	logger *slog.Logger
}

var _ blob.Store = (*Store)(nil)

// New creates a store rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("fs: empty root")
	}
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("fs: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("fs: create root: %w", err)
	}
	return &Store{root: abs, logger: o.logger}, nil
}

// Put writes content to root/key via a temp file and rename.
func (s *Store) Put(ctx context.Context, key, contentType string, content io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.keyPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("fs: create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-tmp-*")
	if err != nil {
		return "", fmt.Errorf("fs: create temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("fs: write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("fs: close temp object: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("fs: place object: %w", err)
	}

	s.logger.Debug("stored blob", "path", path)
	return "file://" + path, nil
}

// Load opens a stored object.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.uriPath(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, uri)
		}
		return nil, fmt.Errorf("fs: open object: %w", err)
	}
	return f, nil
}

// Delete removes a stored object.
func (s *Store) Delete(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.uriPath(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fs: delete object: %w", err)
	}
	return nil
}

func (s *Store) keyPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("fs: empty key")
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("fs: key escapes root: %q", key)
	}
	return path, nil
}

func (s *Store) uriPath(uri string) (string, error) {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return "", fmt.Errorf("fs: invalid uri: %s", uri)
	}
	if !strings.HasPrefix(path, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("fs: uri outside store root: %s", uri)
	}
	return path, nil
}
