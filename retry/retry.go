// Package retry provides exponential backoff for contended operations,
// primarily index synchronization attempts that fail because another
// actor holds the sync lock.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first
	// (default: 4).
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt
	// (default: 50ms).
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration (default: 5s).
	MaxBackoff time.Duration

	// Multiplier grows the backoff after each attempt (default: 2.0).
	Multiplier float64

	// Jitter randomizes each backoff by +/- this fraction, between 0
	// and 1 (default: 0.1). Keeps lock contenders from retrying in
	// lockstep.
	Jitter float64

	// IsRetryable decides whether an error is worth another attempt.
	// If nil, DefaultIsRetryable is used.
	IsRetryable func(error) bool
}

// DefaultConfig returns a Config with the defaults filled in.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    4,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		IsRetryable:    DefaultIsRetryable,
	}
}

// Sentinel errors.
var (
	// ErrNotRetryable classifies a failure that stopped the attempts.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrExhausted classifies a failure after the last attempt.
	ErrExhausted = errors.New("retry: attempts exhausted")
)

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts are exhausted, or the context ends. The returned error wraps
// the last failure.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = applyDefaults(cfg)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return &Error{Cause: lastErr, Attempts: attempt - 1, Class: err}
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.IsRetryable(err) {
			return &Error{Cause: err, Attempts: attempt, Class: ErrNotRetryable}
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return &Error{Cause: lastErr, Attempts: attempt, Class: ctx.Err()}
		case <-time.After(backoff(cfg, attempt)):
		}
	}
	return &Error{Cause: lastErr, Attempts: cfg.MaxAttempts, Class: ErrExhausted}
}

// DoWithResult runs fn with retries and returns its result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// Error describes a failed retry run.
type Error struct {
	// Cause is the last error fn returned.
	Cause error
	// Attempts is how many times fn ran.
	Attempts int
	// Class is ErrExhausted, ErrNotRetryable, or a context error.
	Class error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts (%v): %v", e.Attempts, e.Class, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	return errors.Is(e.Class, target) || errors.Is(e.Cause, target)
}

func backoff(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		spread := d * cfg.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	return time.Duration(d)
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	return cfg
}

// DefaultIsRetryable honors an error's Retryable() marker and otherwise
// retries everything except explicit non-retryable errors.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotRetryable) {
		return false
	}
	var marked interface{ Retryable() bool }
	if errors.As(err, &marked) {
		return marked.Retryable()
	}
	return true
}

// MarkNotRetryable wraps err so Do stops immediately.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{cause: err, retryable: false}
}

// MarkRetryable wraps err so Do keeps trying.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{cause: err, retryable: true}
}

type markedError struct {
	cause     error
	retryable bool
}

func (e *markedError) Error() string   { return e.cause.Error() }
func (e *markedError) Unwrap() error   { return e.cause }
func (e *markedError) Retryable() bool { return e.retryable }
