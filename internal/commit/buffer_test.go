package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/warren/pkg/casstore"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder is a CommitFunc that remembers every batch.
type recorder struct {
	mu      sync.Mutex
	batches [][]casstore.Item
	fail    error
}

func (r *recorder) commit(_ context.Context, items []casstore.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	cp := append([]casstore.Item(nil), items...)
	r.batches = append(r.batches, cp)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.batches {
		for _, it := range b {
			out = append(out, it.ID)
		}
	}
	return out
}

func item(i int) casstore.Item {
	return casstore.Item{ID: fmt.Sprintf("m%d", i), Timestamp: int64(i), Seq: int64(i)}
}

func newBuffer(t *testing.T, rec *recorder, opts Options) *Buffer {
	t.Helper()
	b, err := New(rec.commit, opts, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return b
}

func TestNew_Validation(t *testing.T) {
	rec := &recorder{}

	_, err := New(nil, Options{})
	assert.Error(t, err)

	_, err = New(rec.commit, Options{MaxBatchSize: 5, MinBatchSize: 10})
	assert.ErrorContains(t, err, "min_batch_size")

	_, err = New(rec.commit, Options{MaxLatency: 5 * time.Millisecond, CheckInterval: 50 * time.Millisecond})
	assert.ErrorContains(t, err, "check_interval")

	b, err := New(rec.commit, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), b.opts)
}

func TestFlush_MaxBatchSizeFlushesImmediately(t *testing.T) {
	rec := &recorder{}
	b := newBuffer(t, rec, Options{
		MaxBatchSize:   5,
		MinBatchSize:   5,
		MaxLatency:     time.Hour,
		SettleInterval: time.Hour,
		CheckInterval:  time.Minute,
	})
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(ctx)

	var acks []*Ack
	for i := 1; i <= 5; i++ {
		ack, err := b.Add(item(i))
		require.NoError(t, err)
		acks = append(acks, ack)
	}

	for _, ack := range acks {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		require.NoError(t, ack.Wait(waitCtx))
		cancel()
	}
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, rec.ids())
}

func TestFlush_MaxLatencyWithoutMinBatch(t *testing.T) {
	rec := &recorder{}
	b := newBuffer(t, rec, Options{
		MaxBatchSize:   100,
		MinBatchSize:   50,
		MaxLatency:     30 * time.Millisecond,
		SettleInterval: time.Hour,
		CheckInterval:  5 * time.Millisecond,
	})
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(ctx)

	start := time.Now()
	ack, err := b.Add(item(1))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, ack.Wait(waitCtx))

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestShouldFlush_Triggers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	b, err := New(rec.commit, Options{
		MaxBatchSize:   4,
		MinBatchSize:   2,
		MaxLatency:     100 * time.Millisecond,
		SettleInterval: 20 * time.Millisecond,
		CheckInterval:  10 * time.Millisecond,
	}, WithClock(clock))
	require.NoError(t, err)

	assert.False(t, b.shouldFlush(clock.Now()), "empty buffer never flushes")

	_, err = b.Add(item(1))
	require.NoError(t, err)
	clock.Advance(50 * time.Millisecond)
	assert.False(t, b.shouldFlush(clock.Now()), "below min and below max latency")

	_, err = b.Add(item(2))
	require.NoError(t, err)
	clock.Advance(10 * time.Millisecond)
	assert.False(t, b.shouldFlush(clock.Now()), "min reached but still settling")

	clock.Advance(10 * time.Millisecond)
	assert.True(t, b.shouldFlush(clock.Now()), "min reached and settled")

	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 1, rec.count())

	_, err = b.Add(item(3))
	require.NoError(t, err)
	clock.Advance(99 * time.Millisecond)
	assert.False(t, b.shouldFlush(clock.Now()))
	clock.Advance(time.Millisecond)
	assert.True(t, b.shouldFlush(clock.Now()), "oldest item reached max latency")
}

func TestShouldFlush_SettleMeasuredFromLastAdd(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	b, err := New(rec.commit, Options{
		MaxBatchSize:   100,
		MinBatchSize:   2,
		MaxLatency:     time.Second,
		SettleInterval: 20 * time.Millisecond,
		CheckInterval:  10 * time.Millisecond,
	}, WithClock(clock))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := b.Add(item(i))
		require.NoError(t, err)
		clock.Advance(15 * time.Millisecond)
		assert.False(t, b.shouldFlush(clock.Now()), "adds keep arriving within the settle interval")
	}
	clock.Advance(5 * time.Millisecond)
	assert.True(t, b.shouldFlush(clock.Now()))
}

func TestFlush_FailureFailsWholeBatch(t *testing.T) {
	boom := errors.New("disk on fire")
	rec := &recorder{fail: boom}
	b := newBuffer(t, rec, Options{})

	var acks []*Ack
	for i := 1; i <= 3; i++ {
		ack, err := b.Add(item(i))
		require.NoError(t, err)
		acks = append(acks, ack)
	}

	err := b.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, boom)

	for _, ack := range acks {
		select {
		case <-ack.Done():
		default:
			t.Fatal("ack not resolved after failed flush")
		}
		assert.ErrorIs(t, ack.Err(), ErrCommitFailed)
	}
	assert.Equal(t, int64(1), b.Stats().Failures)
	assert.Equal(t, 0, b.Len())
}

func TestFlush_SplitsIntoMaxSizedBatches(t *testing.T) {
	rec := &recorder{}
	b := newBuffer(t, rec, Options{MaxBatchSize: 3, MinBatchSize: 1})

	for i := 1; i <= 7; i++ {
		_, err := b.Add(item(i))
		require.NoError(t, err)
	}
	require.NoError(t, b.Flush(context.Background()))

	assert.Equal(t, 3, rec.count())
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"}, rec.ids())

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.Batches)
	assert.Equal(t, int64(7), stats.Items)
}

func TestStop_FinalFlushAndRejectsAdds(t *testing.T) {
	rec := &recorder{}
	b := newBuffer(t, rec, Options{
		MaxBatchSize:   100,
		MinBatchSize:   100,
		MaxLatency:     time.Hour,
		SettleInterval: time.Hour,
		CheckInterval:  time.Minute,
	})
	ctx := context.Background()
	b.Start(ctx)

	ack, err := b.Add(item(1))
	require.NoError(t, err)
	assert.Nil(t, ack.Err(), "unresolved ack reports no error")

	require.NoError(t, b.Stop(ctx))
	assert.NoError(t, ack.Err())
	assert.Equal(t, []string{"m1"}, rec.ids())

	_, err = b.Add(item(2))
	assert.ErrorIs(t, err, ErrStopped)

	assert.NoError(t, b.Stop(ctx), "second stop is a no-op")
}

func TestStop_WithoutStart(t *testing.T) {
	rec := &recorder{}
	b := newBuffer(t, rec, Options{})

	_, err := b.Add(item(1))
	require.NoError(t, err)
	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, 1, rec.count())
}

func TestStop_ExpiredContextFailsPendingAcks(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	commit := func(ctx context.Context, items []casstore.Item) error {
		entered <- struct{}{}
		<-release
		return nil
	}
	b, err := New(commit, Options{
		MaxBatchSize:   1,
		MinBatchSize:   1,
		MaxLatency:     time.Hour,
		SettleInterval: time.Hour,
		CheckInterval:  time.Minute,
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	b.Start(context.Background())

	inFlight, err := b.Add(item(1))
	require.NoError(t, err)
	<-entered

	pending, err := b.Add(item(2))
	require.NoError(t, err)

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Stop(expired), context.Canceled)

	select {
	case <-pending.Done():
	default:
		t.Fatal("buffered ack left unresolved after Stop")
	}
	assert.ErrorIs(t, pending.Err(), ErrCommitFailed)
	assert.ErrorIs(t, pending.Err(), context.Canceled)
	assert.Equal(t, 0, b.Len())

	close(release)
	waitCtx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	assert.NoError(t, inFlight.Wait(waitCtx), "the in-flight batch still completes")
}

func TestFlushOnce_LeftoverKeepsItsAge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	b, err := New(rec.commit, Options{
		MaxBatchSize:   3,
		MinBatchSize:   3,
		MaxLatency:     150 * time.Millisecond,
		SettleInterval: 20 * time.Millisecond,
		CheckInterval:  10 * time.Millisecond,
	}, WithClock(clock))
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		_, err := b.Add(item(i))
		require.NoError(t, err)
	}
	clock.Advance(100 * time.Millisecond)
	n, err := b.flushOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, b.Len())

	clock.Advance(40 * time.Millisecond)
	assert.False(t, b.shouldFlush(clock.Now()))
	clock.Advance(20 * time.Millisecond)
	assert.True(t, b.shouldFlush(clock.Now()), "the leftover item was buffered since the first Add")
}

func TestConcurrentAdds_AllCommittedInOrderPerProducer(t *testing.T) {
	rec := &recorder{}
	b := newBuffer(t, rec, Options{
		MaxBatchSize:   8,
		MinBatchSize:   2,
		MaxLatency:     20 * time.Millisecond,
		SettleInterval: 5 * time.Millisecond,
		CheckInterval:  2 * time.Millisecond,
	})
	ctx := context.Background()
	b.Start(ctx)

	const producers, perProducer = 4, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				ack, err := b.Add(casstore.Item{ID: fmt.Sprintf("p%d-%03d", p, i)})
				if !assert.NoError(t, err) {
					return
				}
				waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				assert.NoError(t, ack.Wait(waitCtx))
				cancel()
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, b.Stop(ctx))

	ids := rec.ids()
	assert.Len(t, ids, producers*perProducer)

	last := map[byte]string{}
	for _, id := range ids {
		p := id[1]
		assert.Less(t, last[p], id, "producer %c committed out of order", p)
		last[p] = id
	}
}

func TestAck_WaitHonoursContext(t *testing.T) {
	ack := newAck()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ack.Wait(ctx), context.Canceled)

	ack.resolve(nil)
	ack.resolve(errors.New("ignored"))
	assert.NoError(t, ack.Wait(context.Background()))
}
