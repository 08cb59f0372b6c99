package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/warren/internal/commit"
	"github.com/dyluth/warren/internal/coordinator"
	"github.com/dyluth/warren/pkg/casstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fastCommit flushes quickly so tests do not wait on default latencies.
var fastCommit = commit.Options{
	MaxBatchSize:   50,
	MinBatchSize:   1,
	MaxLatency:     10 * time.Millisecond,
	SettleInterval: 2 * time.Millisecond,
	CheckInterval:  2 * time.Millisecond,
}

// recordingProcessor echoes payloads and remembers the order of calls.
type recordingProcessor struct {
	mu    sync.Mutex
	seqs  []int64
	fail  map[string]error
	panic map[string]bool
	gate  chan struct{}
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{fail: map[string]error{}, panic: map[string]bool{}}
}

func (p *recordingProcessor) Process(ctx context.Context, qm *QueuedMessage) ([]byte, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	p.seqs = append(p.seqs, qm.Seq)
	err := p.fail[qm.Message.ID]
	boom := p.panic[qm.Message.ID]
	p.mu.Unlock()

	if boom {
		panic("processor exploded")
	}
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`{"echo":%q}`, qm.Message.ID)), nil
}

func (p *recordingProcessor) order() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.seqs...)
}

func setupStore(t *testing.T) *casstore.Store {
	t.Helper()
	backend, err := casstore.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	return casstore.New(backend, casstore.Options{})
}

func setupBroker(t *testing.T, room string, proc Processor, store *casstore.Store, opts Options) *Broker {
	t.Helper()
	coord, err := coordinator.New(coordinator.Options{})
	require.NoError(t, err)

	if opts.Commit == (commit.Options{}) {
		opts.Commit = fastCommit
	}
	b, err := New(room, Deps{
		Processor:   proc,
		Coordinator: coord,
		Store:       store,
		Instance:    "test",
		Logger:      zaptest.NewLogger(t),
	}, opts)
	require.NoError(t, err)
	return b
}

func msg(room, id string) *Message {
	return &Message{ID: id, RoomID: room, Sender: "alice", Payload: json.RawMessage(`{"text":"hi"}`)}
}

func waitAll(t *testing.T, receipts ...*Receipt) []error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make([]error, len(receipts))
	for i, r := range receipts {
		errs[i] = r.Wait(ctx)
		require.NotErrorIs(t, errs[i], context.DeadlineExceeded, "receipt %d never resolved", r.Seq)
	}
	return errs
}

func readLog(t *testing.T, store *casstore.Store, room string) []*ResultRecord {
	t.Helper()
	log, err := ReadRoomLog(context.Background(), store, room)
	require.NoError(t, err)
	require.NotEmpty(t, log.Version)
	return log.Records
}

func TestReadRoomLog_UnwrittenRoomIsEmpty(t *testing.T) {
	log, err := ReadRoomLog(context.Background(), setupStore(t), "never")
	require.NoError(t, err)
	assert.Empty(t, log.Records)
	assert.Empty(t, log.Version)

	_, err = ReadRoomLog(context.Background(), setupStore(t), "")
	assert.ErrorIs(t, err, ErrNoRoomID)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", Deps{Processor: newRecordingProcessor()}, Options{})
	assert.ErrorIs(t, err, ErrNoRoomID)

	_, err = New("general", Deps{}, Options{})
	assert.Error(t, err)

	_, err = New("general", Deps{Processor: newRecordingProcessor(), Store: setupStore(t)},
		Options{Commit: commit.Options{MinBatchSize: 10, MaxBatchSize: 5}})
	assert.Error(t, err)
}

func TestEnqueue_AssignsSequenceFromOne(t *testing.T) {
	b := setupBroker(t, "general", newRecordingProcessor(), nil, Options{})

	for i := int64(1); i <= 3; i++ {
		r, err := b.Enqueue(msg("general", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		assert.Equal(t, i, r.Seq)
		assert.Equal(t, "general", r.RoomID)
	}
	assert.Equal(t, StateCreated, b.State())
	assert.Equal(t, 3, b.Stats().QueueDepth)
	assert.Equal(t, int64(3), b.LastSeq())
}

func TestEnqueue_AssignsMissingMessageID(t *testing.T) {
	b := setupBroker(t, "general", newRecordingProcessor(), nil, Options{})

	r, err := b.Enqueue(&Message{RoomID: "general"})
	require.NoError(t, err)
	assert.Len(t, r.MessageID, 36)
}

// Scenario: three producers post A, B and C concurrently to "general"; the log
// holds them in sequence order.
func TestBroker_ConcurrentProducersPersistInSequenceOrder(t *testing.T) {
	store := setupStore(t)
	proc := newRecordingProcessor()
	b := setupBroker(t, "general", proc, store, Options{})
	ctx := context.Background()
	b.Start(ctx)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		receipts []*Receipt
		start    = make(chan struct{})
	)
	for _, id := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			r, err := b.Enqueue(msg("general", id))
			if assert.NoError(t, err) {
				mu.Lock()
				receipts = append(receipts, r)
				mu.Unlock()
			}
		}(id)
	}
	close(start)
	wg.Wait()
	require.Len(t, receipts, 3)

	for _, err := range waitAll(t, receipts...) {
		require.NoError(t, err)
	}

	bySeq := map[int64]string{}
	for _, r := range receipts {
		bySeq[r.Seq] = r.MessageID
	}
	require.Len(t, bySeq, 3, "sequence numbers are unique")

	log := readLog(t, store, "general")
	require.Len(t, log, 3)
	for i, rec := range log {
		assert.Equal(t, int64(i+1), rec.Seq)
		assert.Equal(t, bySeq[rec.Seq], rec.MessageID)
		assert.JSONEq(t, fmt.Sprintf(`{"echo":%q}`, rec.MessageID), string(rec.Result))
		assert.Equal(t, b.Owner(), rec.ClaimedBy)
	}
	assert.Equal(t, []int64{1, 2, 3}, proc.order())

	require.NoError(t, b.Stop(ctx, PolicyDrain))
}

func TestBroker_StrictFIFO(t *testing.T) {
	proc := newRecordingProcessor()
	b := setupBroker(t, "general", proc, setupStore(t), Options{})
	ctx := context.Background()
	b.Start(ctx)

	var receipts []*Receipt
	for i := 0; i < 200; i++ {
		r, err := b.Enqueue(msg("general", fmt.Sprintf("m%03d", i)))
		require.NoError(t, err)
		receipts = append(receipts, r)
	}
	waitAll(t, receipts...)

	order := proc.order()
	require.Len(t, order, 200)
	for i, seq := range order {
		assert.Equal(t, int64(i+1), seq)
	}
	require.NoError(t, b.Stop(ctx, PolicyDrain))
}

func TestBroker_FailureIsolation(t *testing.T) {
	store := setupStore(t)
	proc := newRecordingProcessor()
	proc.fail["bad"] = errors.New("agent crashed")
	proc.panic["worse"] = true
	b := setupBroker(t, "general", proc, store, Options{})
	ctx := context.Background()
	b.Start(ctx)

	var receipts []*Receipt
	for _, id := range []string{"ok1", "bad", "worse", "ok2"} {
		r, err := b.Enqueue(msg("general", id))
		require.NoError(t, err)
		receipts = append(receipts, r)
	}
	errs := waitAll(t, receipts...)

	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrProcessingFailed)
	assert.ErrorContains(t, errs[1], "agent crashed")
	assert.ErrorIs(t, errs[2], ErrProcessingFailed)
	assert.ErrorContains(t, errs[2], "panic")
	assert.NoError(t, errs[3])

	stats := b.Stats()
	assert.Equal(t, int64(4), stats.Received)
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(2), stats.Failed)

	log := readLog(t, store, "general")
	require.Len(t, log, 2, "failed messages are not persisted")
	assert.Equal(t, "ok1", log[0].MessageID)
	assert.Equal(t, "ok2", log[1].MessageID)

	coord := b.deps.Coordinator
	task, ok := coord.Get(coordinator.TaskID("general", 2))
	require.True(t, ok)
	assert.Equal(t, coordinator.StatusFailed, task.Status)
	task, _ = coord.Get(coordinator.TaskID("general", 4))
	assert.Equal(t, coordinator.StatusCompleted, task.Status)

	require.NoError(t, b.Stop(ctx, PolicyDrain))
}

// Scenario: enqueueing past the bound fails fast and leaves the queue intact.
func TestBroker_QueueFullDoesNotBlockOrCorrupt(t *testing.T) {
	proc := newRecordingProcessor()
	proc.gate = make(chan struct{})
	b := setupBroker(t, "general", proc, nil, Options{QueueSize: 2})
	ctx := context.Background()
	b.Start(ctx)

	first, err := b.Enqueue(msg("general", "m1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Stats().QueueDepth == 0 }, time.Second, time.Millisecond,
		"consumer picks up the first message and blocks in the processor")

	r2, err := b.Enqueue(msg("general", "m2"))
	require.NoError(t, err)
	r3, err := b.Enqueue(msg("general", "m3"))
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Enqueue(msg("general", "m4"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, 2, stats.QueueDepth)
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(3), stats.LastSeq, "rejected message does not consume a sequence number")

	close(proc.gate)
	waitAll(t, first, r2, r3)

	r5, err := b.Enqueue(msg("general", "m5"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), r5.Seq)
	waitAll(t, r5)

	assert.Equal(t, []int64{1, 2, 3, 4}, proc.order())
	require.NoError(t, b.Stop(ctx, PolicyDrain))
}

func TestStop_DrainProcessesQueueAndFlushes(t *testing.T) {
	store := setupStore(t)
	proc := newRecordingProcessor()
	b := setupBroker(t, "general", proc, store, Options{
		Commit: commit.Options{
			MaxBatchSize:   1000,
			MinBatchSize:   1000,
			MaxLatency:     time.Hour,
			SettleInterval: time.Hour,
			CheckInterval:  time.Minute,
		},
	})

	var receipts []*Receipt
	for i := 0; i < 10; i++ {
		r, err := b.Enqueue(msg("general", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		receipts = append(receipts, r)
	}

	// Never started: Stop starts the consumer so the queue drains.
	require.NoError(t, b.Stop(context.Background(), PolicyDrain))
	assert.Equal(t, StateStopped, b.State())

	for _, r := range receipts {
		select {
		case <-r.Done():
		default:
			t.Fatalf("receipt %d unresolved after stop", r.Seq)
		}
		assert.NoError(t, r.Err())
	}
	assert.Len(t, readLog(t, store, "general"), 10, "final flush persisted everything")

	_, err := b.Enqueue(msg("general", "late"))
	assert.ErrorIs(t, err, ErrBrokerStopped)

	select {
	case <-b.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestStop_CancelResolvesQueuedReceipts(t *testing.T) {
	proc := newRecordingProcessor()
	proc.gate = make(chan struct{})
	b := setupBroker(t, "general", proc, nil, Options{})
	ctx := context.Background()
	b.Start(ctx)

	inFlight, err := b.Enqueue(msg("general", "m1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)

	var queued []*Receipt
	for i := 2; i <= 4; i++ {
		r, err := b.Enqueue(msg("general", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		queued = append(queued, r)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop(ctx, PolicyCancel) }()

	require.Eventually(t, func() bool {
		select {
		case <-b.quit:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	close(proc.gate)
	require.NoError(t, <-stopped)

	assert.NoError(t, inFlight.Err(), "the current message finishes")
	for _, r := range queued {
		assert.ErrorIs(t, r.Err(), ErrBrokerStopped)
	}
	assert.Equal(t, int64(3), b.Stats().Cancelled)
	assert.Equal(t, []int64{1}, proc.order())
}

func TestStop_ContextCancelsInFlightProcessing(t *testing.T) {
	proc := newRecordingProcessor()
	proc.gate = make(chan struct{})
	b := setupBroker(t, "general", proc, nil, Options{})
	b.Start(context.Background())

	r, err := b.Enqueue(msg("general", "m1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Stop(ctx, PolicyDrain)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, r.Err(), ErrProcessingFailed)
}

func TestBroker_ProcessTimeout(t *testing.T) {
	proc := ProcessorFunc(func(ctx context.Context, _ *QueuedMessage) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	b := setupBroker(t, "general", proc, nil, Options{ProcessTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	b.Start(ctx)

	r, err := b.Enqueue(msg("general", "slow"))
	require.NoError(t, err)
	errs := waitAll(t, r)
	assert.ErrorIs(t, errs[0], ErrProcessingFailed)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)

	require.NoError(t, b.Stop(ctx, PolicyDrain))
}

// failingBackend rejects every write with an I/O error.
type failingBackend struct{}

func (failingBackend) Load(context.Context, string) (*casstore.Record, error) {
	return nil, casstore.ErrNotFound
}

func (failingBackend) Swap(context.Context, string, string, []casstore.Item) (*casstore.Record, error) {
	return nil, fmt.Errorf("%w: disk gone", casstore.ErrIO)
}

func (failingBackend) Close() error { return nil }

func TestBroker_CommitFailureReachesReceipt(t *testing.T) {
	store := casstore.New(failingBackend{}, casstore.Options{})
	b := setupBroker(t, "general", newRecordingProcessor(), store, Options{})
	ctx := context.Background()
	b.Start(ctx)

	r1, err := b.Enqueue(msg("general", "m1"))
	require.NoError(t, err)
	r2, err := b.Enqueue(msg("general", "m2"))
	require.NoError(t, err)

	for _, err := range waitAll(t, r1, r2) {
		assert.ErrorIs(t, err, ErrCommitFailed)
		assert.ErrorIs(t, err, casstore.ErrIO)
	}

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Processed, "processing succeeded")
	assert.Equal(t, int64(2), stats.CommitFailed)

	_ = b.Stop(ctx, PolicyDrain)
}

func TestBroker_ReplayedMessageIDKeepsOneResult(t *testing.T) {
	store := setupStore(t)
	b := setupBroker(t, "general", newRecordingProcessor(), store, Options{})
	ctx := context.Background()
	b.Start(ctx)

	first, err := b.Enqueue(msg("general", "same-id"))
	require.NoError(t, err)
	assert.NoError(t, waitAll(t, first)[0])

	replay, err := b.Enqueue(msg("general", "same-id"))
	require.NoError(t, err)
	assert.NoError(t, waitAll(t, replay)[0])

	log := readLog(t, store, "general")
	require.Len(t, log, 1)
	assert.Equal(t, "same-id", log[0].MessageID)
	assert.Equal(t, int64(1), log[0].Seq, "the first result wins")

	require.NoError(t, b.Stop(ctx, PolicyDrain))
}

func TestBroker_WithoutStoreResolvesAfterProcessing(t *testing.T) {
	b := setupBroker(t, "general", newRecordingProcessor(), nil, Options{})
	ctx := context.Background()
	b.Start(ctx)

	r, err := b.Enqueue(msg("general", "m1"))
	require.NoError(t, err)
	assert.NoError(t, waitAll(t, r)[0])
	require.NoError(t, b.Stop(ctx, PolicyDrain))
}

func TestBroker_Idle(t *testing.T) {
	b := setupBroker(t, "general", newRecordingProcessor(), nil, Options{})
	assert.True(t, b.Idle(time.Now().Add(time.Second)))
	assert.False(t, b.Idle(time.Now().Add(-time.Hour)), "recent activity")

	_, err := b.Enqueue(msg("general", "m1"))
	require.NoError(t, err)
	assert.False(t, b.Idle(time.Now().Add(time.Hour)), "queue not empty")
}

func TestShutdownPolicy_Validate(t *testing.T) {
	assert.NoError(t, PolicyDrain.Validate())
	assert.NoError(t, PolicyCancel.Validate())
	assert.Error(t, ShutdownPolicy("discard").Validate())
}

func TestResultItem_NonJSONResultIsQuoted(t *testing.T) {
	qm := &QueuedMessage{RoomID: "general", Seq: 7, Message: Message{ID: "m7"}, ReceivedAt: time.UnixMilli(1000)}
	it, err := resultItem(qm, []byte("plain text"))
	require.NoError(t, err)
	assert.Equal(t, "m7", it.ID)
	assert.Equal(t, int64(1000), it.Timestamp)
	assert.Equal(t, int64(7), it.Seq)

	rec, err := DecodeResult(it)
	require.NoError(t, err)
	assert.Equal(t, `"plain text"`, string(rec.Result))
}
