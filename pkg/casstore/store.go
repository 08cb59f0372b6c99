package casstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backend performs the atomic primitive the Store is built on.
//
// Swap must compare the stored version with expectedVersion and write content only
// if they match, as one atomic step. The empty version stands for "absent".
// On mismatch it returns a *ConflictError; any other failure should wrap ErrIO.
type Backend interface {
	Load(ctx context.Context, key string) (*Record, error)
	Swap(ctx context.Context, key, expectedVersion string, content []Item) (*Record, error)
	Close() error
}

// Options tunes the retry schedule of merging writes.
type Options struct {
	MaxAttempts int           // Total compare-and-set attempts for merging writes (default 10)
	BaseDelay   time.Duration // Delay before the second attempt, doubled each time (default 5ms)
	MaxDelay    time.Duration // Upper bound on a single delay (default 1s)
}

const (
	defaultMaxAttempts = 10
	defaultBaseDelay   = 5 * time.Millisecond
	defaultMaxDelay    = time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	return o
}

// Stats are cumulative counters since the Store was created.
type Stats struct {
	Writes    int64 `json:"writes"`
	Conflicts int64 `json:"conflicts"`
	Merges    int64 `json:"merges"`
	Failures  int64 `json:"failures"`
}

// Store implements read and compare-and-set writes on top of a Backend.
// It is safe for concurrent use.
type Store struct {
	backend Backend
	opts    Options

	writes    atomic.Int64
	conflicts atomic.Int64
	merges    atomic.Int64
	failures  atomic.Int64
}

// New creates a Store over backend.
func New(backend Backend, opts Options) *Store {
	return &Store{
		backend: backend,
		opts:    opts.withDefaults(),
	}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the backend. Implements io.Closer.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Read returns the record stored under key, or ErrNotFound.
func (s *Store) Read(ctx context.Context, key string) (*Record, error) {
	return s.backend.Load(ctx, key)
}

// WriteCAS writes content under key if the stored version equals expectedVersion
// (the empty string for a key that does not exist yet).
//
// Without a merger a stale version fails immediately with a *ConflictError and the
// caller decides what to do. With a merger the current content is reloaded, merged
// with the pending content and the write is retried against the new version, with
// exponentially growing delays, up to Options.MaxAttempts attempts in total.
func (s *Store) WriteCAS(ctx context.Context, key string, content []Item, expectedVersion string, merger Merger) (*WriteResult, error) {
	for _, it := range content {
		if err := it.Validate(); err != nil {
			return nil, err
		}
	}

	var (
		pending  = content
		expected = expectedVersion
		attempts int
		merged   bool
		result   *WriteResult
	)

	op := func() error {
		attempts++

		rec, err := s.backend.Swap(ctx, key, expected, pending)
		if err == nil {
			result = &WriteResult{
				Version:  rec.Version,
				Content:  rec.Content,
				Attempts: attempts,
				Merged:   merged,
			}
			return nil
		}

		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return backoff.Permanent(err)
		}
		s.conflicts.Add(1)

		if merger == nil {
			return backoff.Permanent(err)
		}

		current, err := s.backend.Load(ctx, key)
		switch {
		case IsNotFound(err):
			current = &Record{Key: key}
		case err != nil:
			return backoff.Permanent(err)
		}

		pending = merger.Merge(current.Content, pending)
		expected = current.Version
		merged = true
		s.merges.Add(1)

		return conflict
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.opts.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if IsConflict(err) {
			if merger == nil {
				return nil, err
			}
			s.failures.Add(1)
			return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrWriteFailed, key, attempts, err)
		}
		if errors.Is(err, ErrIO) {
			s.failures.Add(1)
		}
		return nil, err
	}

	s.writes.Add(1)
	return result, nil
}

func (s *Store) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = s.opts.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Writes:    s.writes.Load(),
		Conflicts: s.conflicts.Load(),
		Merges:    s.merges.Load(),
		Failures:  s.failures.Load(),
	}
}
