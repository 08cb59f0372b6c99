// Package commit batches log items into fewer physical store writes.
//
// A Buffer accumulates items handed to Add and commits them through an injected
// CommitFunc. A background loop checks the flush triggers every CheckInterval:
//
//   - the buffer holds MaxBatchSize items
//   - the oldest buffered item is MaxLatency old
//   - the buffer holds MinBatchSize items and no Add arrived for SettleInterval
//
// Every item of a batch shares the batch outcome. Stop performs a final flush so
// nothing accepted by Add is dropped on a controlled shutdown.
package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/warren/internal/logger"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/pkg/casstore"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by Add after Stop.
	ErrStopped = errors.New("commit buffer stopped")

	// ErrCommitFailed wraps the commit function error delivered to every ack of a failed batch.
	ErrCommitFailed = errors.New("commit failed")
)

// CommitFunc persists one batch. Items arrive in Add order.
type CommitFunc func(ctx context.Context, items []casstore.Item) error

// Options tunes the flush triggers. Zero values take the defaults.
type Options struct {
	MaxBatchSize   int           `yaml:"max_batch_size"`
	MinBatchSize   int           `yaml:"min_batch_size"`
	MaxLatency     time.Duration `yaml:"max_latency"`
	SettleInterval time.Duration `yaml:"settle_interval"`
	CheckInterval  time.Duration `yaml:"check_interval"`
}

// DefaultOptions returns the default trigger settings.
func DefaultOptions() Options {
	return Options{
		MaxBatchSize:   100,
		MinBatchSize:   10,
		MaxLatency:     100 * time.Millisecond,
		SettleInterval: 20 * time.Millisecond,
		CheckInterval:  10 * time.Millisecond,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = d.MaxBatchSize
	}
	if o.MinBatchSize <= 0 {
		o.MinBatchSize = d.MinBatchSize
	}
	if o.MaxLatency <= 0 {
		o.MaxLatency = d.MaxLatency
	}
	if o.SettleInterval <= 0 {
		o.SettleInterval = d.SettleInterval
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = d.CheckInterval
	}
	return o
}

// Validate rejects settings that cannot be satisfied.
func (o Options) Validate() error {
	if o.MinBatchSize > o.MaxBatchSize {
		return fmt.Errorf("min_batch_size (%d) cannot exceed max_batch_size (%d)", o.MinBatchSize, o.MaxBatchSize)
	}
	if o.CheckInterval > o.MaxLatency {
		return fmt.Errorf("check_interval (%s) cannot exceed max_latency (%s)", o.CheckInterval, o.MaxLatency)
	}
	return nil
}

// Stats is a snapshot of buffer activity.
type Stats struct {
	Pending  int   `json:"pending"`
	Batches  int64 `json:"batches"`
	Items    int64 `json:"items"`
	Failures int64 `json:"failures"`
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock sets the clock used for trigger evaluation.
func WithClock(c clockwork.Clock) Option {
	return func(b *Buffer) { b.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Buffer) { b.logger = logger.OrNop(l) }
}

// WithMetrics records batch sizes and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

type entry struct {
	item  casstore.Item
	ack   *Ack
	added time.Time
}

// Buffer is a group-commit buffer. Create with New.
type Buffer struct {
	commit  CommitFunc
	opts    Options
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending []entry
	oldest  time.Time
	lastAdd time.Time
	started bool
	stopped bool

	// flushMu keeps one commit in flight so batches persist in Add order.
	flushMu sync.Mutex

	wake     chan struct{}
	quit     chan struct{}
	loopDone chan struct{}

	stopOnce sync.Once
	stopErr  error

	batches  atomic.Int64
	items    atomic.Int64
	failures atomic.Int64
}

// New creates a buffer around commit. The options must pass Validate after defaults.
func New(commit CommitFunc, opts Options, options ...Option) (*Buffer, error) {
	if commit == nil {
		return nil, errors.New("commit function cannot be nil")
	}
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	b := &Buffer{
		commit:   commit,
		opts:     opts,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range options {
		o(b)
	}
	return b, nil
}

// Start launches the flush loop. Commits issued by the loop use ctx.
func (b *Buffer) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.loop(ctx)
}

// Add buffers item and returns its ack.
func (b *Buffer) Add(item casstore.Item) (*Ack, error) {
	ack := newAck()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrStopped
	}
	now := b.clock.Now()
	if len(b.pending) == 0 {
		b.oldest = now
	}
	b.lastAdd = now
	b.pending = append(b.pending, entry{item: item, ack: ack, added: now})
	full := len(b.pending) >= b.opts.MaxBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return ack, nil
}

// Len returns the number of buffered items.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stats returns a snapshot of buffer activity.
func (b *Buffer) Stats() Stats {
	return Stats{
		Pending:  b.Len(),
		Batches:  b.batches.Load(),
		Items:    b.items.Load(),
		Failures: b.failures.Load(),
	}
}

// Flush commits everything buffered, in batches of at most MaxBatchSize.
// It returns the first commit error.
func (b *Buffer) Flush(ctx context.Context) error {
	var firstErr error
	for {
		n, err := b.flushOnce(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if n == 0 {
			return firstErr
		}
	}
}

// Stop rejects further Adds, stops the loop and flushes what is left.
// Calling Stop again returns the result of the first call.
func (b *Buffer) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		started := b.started
		b.mu.Unlock()

		close(b.quit)
		if started {
			select {
			case <-b.loopDone:
			case <-ctx.Done():
				b.stopErr = ctx.Err()
				b.abandon(ctx.Err())
				return
			}
		}
		b.stopErr = b.Flush(ctx)
		b.logger.Debug("Commit buffer stopped",
			logger.Event("commit_buffer_stopped"),
			zap.Int64("batches", b.batches.Load()))
	})
	return b.stopErr
}

// abandon fails every buffered ack. Items already handed to an in-flight commit
// are resolved by that commit.
func (b *Buffer) abandon(cause error) {
	b.mu.Lock()
	dropped := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(dropped) == 0 {
		return
	}
	b.failures.Add(1)
	err := fmt.Errorf("%w: stopped before final flush: %w", ErrCommitFailed, cause)
	b.logger.Warn("Commit buffer stopped with items pending",
		logger.Event("commit_buffer_abandoned"),
		logger.BatchSize(len(dropped)),
		zap.Error(err))
	for _, e := range dropped {
		e.ack.resolve(err)
	}
}

func (b *Buffer) loop(ctx context.Context) {
	defer close(b.loopDone)

	ticker := b.clock.NewTicker(b.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-b.wake:
		}

		for b.shouldFlush(b.clock.Now()) {
			if _, err := b.flushOnce(ctx); err != nil {
				break
			}
		}
	}
}

func (b *Buffer) shouldFlush(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.pending)
	switch {
	case n == 0:
		return false
	case n >= b.opts.MaxBatchSize:
		return true
	case now.Sub(b.oldest) >= b.opts.MaxLatency:
		return true
	case n >= b.opts.MinBatchSize && now.Sub(b.lastAdd) >= b.opts.SettleInterval:
		return true
	}
	return false
}

// flushOnce commits up to MaxBatchSize items and resolves their acks.
func (b *Buffer) flushOnce(ctx context.Context) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	n := len(b.pending)
	if n == 0 {
		b.mu.Unlock()
		return 0, nil
	}
	if n > b.opts.MaxBatchSize {
		n = b.opts.MaxBatchSize
	}
	batch := make([]entry, n)
	copy(batch, b.pending[:n])
	rest := len(b.pending) - n
	copy(b.pending, b.pending[n:])
	for i := rest; i < len(b.pending); i++ {
		b.pending[i] = entry{}
	}
	b.pending = b.pending[:rest]
	if rest > 0 {
		b.oldest = b.pending[0].added
	}
	b.mu.Unlock()

	items := make([]casstore.Item, n)
	for i, e := range batch {
		items[i] = e.item
	}

	start := b.clock.Now()
	err := b.commit(ctx, items)
	took := b.clock.Since(start)
	b.metrics.BatchCommitted(n, took, err)

	if err != nil {
		b.failures.Add(1)
		err = fmt.Errorf("%w: %w", ErrCommitFailed, err)
		b.logger.Warn("Batch commit failed",
			logger.Event("batch_commit_failed"),
			logger.BatchSize(n),
			zap.Error(err))
	} else {
		b.batches.Add(1)
		b.items.Add(int64(n))
		b.logger.Debug("Batch committed",
			logger.Event("batch_committed"),
			logger.BatchSize(n),
			zap.Duration("took", took))
	}

	for _, e := range batch {
		e.ack.resolve(err)
	}
	return n, err
}
