package gcs

import (
	"log/slog"
)

// options holds GCS store configuration.
type options struct {
	bucket string
	prefix string

	// Credential sources, checked in this order. With none set,
	// Application Default Credentials are used.
	credentialsJSON []byte
	credentialsFile string
	apiKey          string

	// Custom endpoint for emulators.
	endpoint string

	logger *slog.Logger
}

// Option configures the GCS store.
type Option func(*options)

// WithBucket sets the GCS bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets the key prefix for stored message bodies. Default is
// "messages".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithCredentialsJSON authenticates with a service account key in JSON
// form.
func WithCredentialsJSON(data []byte) Option {
	return func(o *options) {
		o.credentialsJSON = data
	}
}

// WithCredentialsFile authenticates with a service account key file.
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithAPIKey authenticates with an API key. Limited functionality; not
// recommended for production.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithEndpoint sets a custom endpoint, e.g. a local emulator.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
