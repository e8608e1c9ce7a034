// Package gcs provides a Google Cloud Storage-backed blob store for
// externalized message bodies.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/rbaliyan/mailstore/blob"
)

// Store implements blob.Store using Google Cloud Storage.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ blob.Store = (*Store)(nil)

// New creates a GCS blob store.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		prefix: "messages",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bucket == "" {
		return nil, fmt.Errorf("gcs: bucket is required")
	}

	clientOpts, err := buildClientOptions(o)
	if err != nil {
		return nil, fmt.Errorf("gcs: build client options: %w", err)
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: create client: %w", err)
	}

	return &Store{
		client: client,
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

// buildClientOptions resolves credentials: explicit JSON, a credentials
// file, an API key, or Application Default Credentials.
func buildClientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption

	switch {
	case o.credentialsJSON != nil:
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
			CredentialsJSON: o.credentialsJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from json: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.credentialsFile != "":
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from file: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.apiKey != "":
		opts = append(opts, option.WithAPIKey(o.apiKey))
	}

	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}
	return opts, nil
}

// Put uploads content under prefix/key and returns a gs:// URI.
func (s *Store) Put(ctx context.Context, key, contentType string, content io.Reader) (string, error) {
	if key == "" {
		return "", fmt.Errorf("gcs: empty key")
	}
	objKey := path.Join(s.prefix, key)

	w := s.client.Bucket(s.bucket).Object(objKey).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, content); err != nil {
		w.Close()
		return "", fmt.Errorf("gcs: write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs: close writer: %w", err)
	}

	s.logger.Debug("stored blob in gcs", "bucket", s.bucket, "key", objKey)
	return fmt.Sprintf("gs://%s/%s", s.bucket, objKey), nil
}

// Load returns a reader for a stored object.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, uri)
		}
		return nil, fmt.Errorf("gcs: open object: %w", err)
	}
	return r, nil
}

// Delete removes a stored object.
func (s *Store) Delete(ctx context.Context, uri string) error {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return err
	}
	if err := s.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("gcs: delete object: %w", err)
	}
	s.logger.Debug("deleted blob from gcs", "bucket", bucket, "key", key)
	return nil
}

// Close closes the GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}

// parseURI splits a gs://bucket/key URI.
func parseURI(uri string) (bucket, key string, err error) {
	const scheme = "gs://"
	if len(uri) <= len(scheme) || uri[:len(scheme)] != scheme {
		return "", "", fmt.Errorf("gcs: invalid uri: %s", uri)
	}
	rest := uri[len(scheme):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("gcs: invalid uri (no key): %s", uri)
}
