// Package broker implements per-room FIFO lanes.
//
// A Broker owns one room: a bounded queue, the room's sequence counter and a single
// consumer goroutine, so messages of a room are processed strictly one at a time in
// sequence order while different rooms run in parallel. Each message is claimed as
// a coordinator task, handed to the injected Processor, and its result is appended
// to the room log through a group-commit buffer backed by the CAS store.
//
// A Manager maps room IDs to brokers, creating them on first use and evicting idle
// ones.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/warren/internal/commit"
	"github.com/dyluth/warren/internal/coordinator"
	"github.com/dyluth/warren/internal/logger"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/pkg/casstore"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// State is the lifecycle state of a broker.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ShutdownPolicy decides what happens to queued messages on Stop.
type ShutdownPolicy string

const (
	// PolicyDrain processes every queued message before stopping.
	PolicyDrain ShutdownPolicy = "drain"

	// PolicyCancel resolves queued messages with ErrBrokerStopped.
	PolicyCancel ShutdownPolicy = "cancel"
)

// Validate checks that p is a known policy.
func (p ShutdownPolicy) Validate() error {
	switch p {
	case PolicyDrain, PolicyCancel:
		return nil
	default:
		return fmt.Errorf("unknown shutdown policy: %q", p)
	}
}

// Options tunes a broker. Zero values take the defaults.
type Options struct {
	// QueueSize bounds the room queue. Default: 1000.
	QueueSize int `yaml:"queue_size"`

	// PollInterval is the consumer's idle wake-up for liveness bookkeeping. It is not
	// a timeout on any message. Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ProcessTimeout bounds one Processor call. Zero means no limit.
	ProcessTimeout time.Duration `yaml:"process_timeout"`

	// Commit configures the room's group-commit buffer.
	Commit commit.Options `yaml:"commit"`
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	o.Commit = o.Commit.WithDefaults()
	return o
}

// Deps are the collaborators shared by every broker of a manager.
type Deps struct {
	// Processor handles messages. Required.
	Processor Processor

	// Coordinator tracks task ownership. Optional.
	Coordinator *coordinator.Coordinator

	// Store persists results under room:<id>. Optional; without it receipts resolve
	// as soon as processing succeeds.
	Store *casstore.Store

	// Instance prefixes the broker owner IDs.
	Instance string

	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	d.Logger = logger.OrNop(d.Logger)
	if d.Instance == "" {
		d.Instance = "warren"
	}
	return d
}

// Stats is a snapshot of one broker.
type Stats struct {
	RoomID       string    `json:"room_id"`
	State        State     `json:"state"`
	Running      bool      `json:"running"`
	QueueDepth   int       `json:"queue_depth"`
	Received     int64     `json:"received"`
	Processed    int64     `json:"processed"`
	Failed       int64     `json:"failed"`
	Cancelled    int64     `json:"cancelled"`
	CommitFailed int64     `json:"commit_failed"`
	LastSeq      int64     `json:"last_seq"`
	LastActivity time.Time `json:"last_activity"`
}

type queued struct {
	msg     *QueuedMessage
	receipt *Receipt
}

type pendingAck struct {
	ack     *commit.Ack
	receipt *Receipt
	seq     int64
}

// Broker is a single-room FIFO lane. Create with New.
type Broker struct {
	roomID string
	owner  string
	deps   Deps
	opts   Options

	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	buffer *commit.Buffer

	// mu guards state and seq, and makes seq assignment and the queue send one step.
	mu     sync.Mutex
	state  State
	seq    int64
	policy ShutdownPolicy

	queue chan queued
	acks  chan pendingAck

	// prev is the done channel of the broker this one replaced.
	prev <-chan struct{}

	quit        chan struct{}
	loopDone    chan struct{}
	watcherDone chan struct{}
	done        chan struct{}
	cancel      context.CancelFunc

	stopOnce sync.Once
	stopErr  error

	received     atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
	cancelled    atomic.Int64
	commitFailed atomic.Int64
	inFlight     atomic.Bool
	lastActivity atomic.Int64
}

// New creates a broker for roomID in the created state.
func New(roomID string, deps Deps, opts Options) (*Broker, error) {
	if roomID == "" {
		return nil, ErrNoRoomID
	}
	if deps.Processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	deps = deps.withDefaults()
	opts = opts.withDefaults()

	b := &Broker{
		roomID:      roomID,
		owner:       fmt.Sprintf("%s/%s/%s", deps.Instance, roomID, uuid.NewString()[:8]),
		deps:        deps,
		opts:        opts,
		clock:       deps.Clock,
		logger:      deps.Logger.With(logger.RoomID(roomID)),
		metrics:     deps.Metrics,
		state:       StateCreated,
		queue:       make(chan queued, opts.QueueSize),
		acks:        make(chan pendingAck, opts.QueueSize),
		quit:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		watcherDone: make(chan struct{}),
		done:        make(chan struct{}),
	}
	b.lastActivity.Store(b.clock.Now().UnixNano())

	if deps.Store != nil {
		committer := newRoomCommitter(deps.Store, roomID)
		buf, err := commit.New(committer.commit, opts.Commit,
			commit.WithClock(deps.Clock),
			commit.WithLogger(b.logger),
			commit.WithMetrics(deps.Metrics))
		if err != nil {
			return nil, fmt.Errorf("invalid commit options: %w", err)
		}
		b.buffer = buf
	}
	return b, nil
}

// RoomID returns the broker's room.
func (b *Broker) RoomID() string {
	return b.roomID
}

// Owner returns the coordinator owner ID used by this broker.
func (b *Broker) Owner() string {
	return b.owner
}

// Start launches the consumer. ctx bounds processing: cancelling it cancels the
// in-flight Processor call but does not stop the broker; use Stop for that.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startLocked(ctx)
}

func (b *Broker) startLocked(ctx context.Context) {
	if b.state != StateCreated {
		return
	}
	b.state = StateRunning

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	if b.buffer != nil {
		b.buffer.Start(runCtx)
	}
	go b.watchAcks()
	go b.run(runCtx)

	b.logger.Debug("Room broker started", logger.Event("broker_started"), logger.Owner(b.owner))
}

// Enqueue accepts msg with the room's next sequence number. It never blocks: a full
// queue returns ErrQueueFull and leaves the queue and the counter untouched.
func (b *Broker) Enqueue(msg *Message) (*Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateStopping || b.state == StateStopped {
		return nil, ErrBrokerStopped
	}

	now := b.clock.Now()
	seq := b.seq + 1
	qm := &QueuedMessage{
		RoomID:     b.roomID,
		Seq:        seq,
		Message:    *msg,
		ReceivedAt: now,
	}
	qm.Message.RoomID = b.roomID
	if qm.Message.ID == "" {
		qm.Message.ID = uuid.NewString()
	}
	r := newReceipt(b.roomID, seq, qm.Message.ID)

	select {
	case b.queue <- queued{msg: qm, receipt: r}:
	default:
		return nil, ErrQueueFull
	}

	b.seq = seq
	b.received.Add(1)
	b.lastActivity.Store(now.UnixNano())
	b.metrics.MessageReceived(b.roomID, len(b.queue))
	b.logger.Debug("Message enqueued",
		logger.Event("message_enqueued"),
		logger.Seq(seq),
		logger.MessageID(qm.Message.ID))
	return r, nil
}

// Stop stops accepting messages, lets the current message finish, handles the
// remaining queue according to policy and flushes buffered results. If ctx ends
// first the in-flight Processor call is cancelled and ctx.Err is returned.
// Only the first call's policy applies; later calls return its result.
func (b *Broker) Stop(ctx context.Context, policy ShutdownPolicy) error {
	if policy == "" {
		policy = PolicyDrain
	}
	b.stopOnce.Do(func() {
		b.mu.Lock()
		if b.state == StateCreated {
			b.startLocked(context.Background())
		}
		if b.state != StateStopping {
			b.state = StateStopping
			b.policy = policy
		}
		b.mu.Unlock()

		b.stopErr = b.shutdown(ctx)

		b.mu.Lock()
		b.state = StateStopped
		b.mu.Unlock()
		close(b.done)

		b.logger.Info("Room broker stopped",
			logger.Event("broker_stopped"),
			zap.String("policy", string(b.policy)),
			zap.Int64("processed", b.processed.Load()),
			zap.Int64("failed", b.failed.Load()),
			zap.Int64("cancelled", b.cancelled.Load()))
	})
	return b.stopErr
}

func (b *Broker) shutdown(ctx context.Context) error {
	var errs []error

	close(b.quit)
	select {
	case <-b.loopDone:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
		b.cancel()
		<-b.loopDone
	}

	// The consumer is the only sender on acks.
	close(b.acks)
	if b.buffer != nil {
		if err := b.buffer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	select {
	case <-b.watcherDone:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	b.cancel()
	if b.deps.Coordinator != nil {
		b.deps.Coordinator.Release(b.owner)
	}
	return errors.Join(errs...)
}

// retire moves the broker to stopping if it has been idle since the given time.
// Enqueue is rejected from then on, so the returned sequence number is final.
func (b *Broker) retire(since time.Time) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateRunning || !b.idleLocked(since) {
		return 0, false
	}
	b.state = StateStopping
	b.policy = PolicyDrain
	return b.seq, true
}

// Idle reports whether the queue is empty, nothing is being processed and there
// has been no activity since the given time.
func (b *Broker) Idle(since time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.idleLocked(since)
}

func (b *Broker) idleLocked(since time.Time) bool {
	return len(b.queue) == 0 &&
		!b.inFlight.Load() &&
		time.Unix(0, b.lastActivity.Load()).Before(since)
}

// State returns the lifecycle state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastSeq returns the last assigned sequence number.
func (b *Broker) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Done is closed once Stop has completed.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	state, seq := b.state, b.seq
	b.mu.Unlock()

	return Stats{
		RoomID:       b.roomID,
		State:        state,
		Running:      state == StateRunning,
		QueueDepth:   len(b.queue),
		Received:     b.received.Load(),
		Processed:    b.processed.Load(),
		Failed:       b.failed.Load(),
		Cancelled:    b.cancelled.Load(),
		CommitFailed: b.commitFailed.Load(),
		LastSeq:      seq,
		LastActivity: time.Unix(0, b.lastActivity.Load()),
	}
}

func (b *Broker) run(ctx context.Context) {
	defer close(b.loopDone)

	if b.prev != nil {
		// The replaced broker may still be draining lower sequence numbers.
		select {
		case <-b.prev:
		case <-b.quit:
		}
	}

	ticker := b.clock.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Notice a stop even while messages keep arriving.
		select {
		case <-b.quit:
			b.finishQueue(ctx)
			return
		default:
		}

		select {
		case q := <-b.queue:
			b.handle(ctx, q)
		case <-b.quit:
			b.finishQueue(ctx)
			return
		case <-ticker.Chan():
			if b.deps.Coordinator != nil {
				b.deps.Coordinator.Heartbeat(b.owner)
			}
		}
	}
}

// finishQueue empties the queue according to the shutdown policy.
func (b *Broker) finishQueue(ctx context.Context) {
	b.mu.Lock()
	policy := b.policy
	b.mu.Unlock()

	for {
		select {
		case q := <-b.queue:
			if policy == PolicyCancel {
				b.cancelled.Add(1)
				q.receipt.resolve(ErrBrokerStopped)
				continue
			}
			b.handle(ctx, q)
		default:
			return
		}
	}
}

func (b *Broker) handle(ctx context.Context, q queued) {
	b.inFlight.Store(true)
	defer func() {
		b.inFlight.Store(false)
		b.lastActivity.Store(b.clock.Now().UnixNano())
	}()

	qm := q.msg
	taskID := coordinator.TaskID(b.roomID, qm.Seq)
	coord := b.deps.Coordinator
	log := b.logger.With(logger.Seq(qm.Seq), logger.MessageID(qm.Message.ID))

	if coord != nil {
		if _, err := coord.ClaimTask(taskID, b.owner); err != nil {
			b.fail(q, log, fmt.Errorf("claim %s: %w", taskID, err))
			return
		}
		if err := coord.StartTask(taskID, b.owner); err != nil {
			b.fail(q, log, fmt.Errorf("start %s: %w", taskID, err))
			return
		}
	}

	qm.ClaimedAt = b.clock.Now()
	qm.ClaimedBy = b.owner

	stopHeartbeat := b.heartbeat(ctx)
	result, err := b.process(ctx, qm)
	stopHeartbeat()
	qm.ProcessedAt = b.clock.Now()
	took := qm.ProcessedAt.Sub(qm.ClaimedAt)

	if err != nil {
		if coord != nil {
			if ferr := coord.FailTask(taskID, b.owner, err.Error()); ferr != nil {
				log.Warn("Failed to record task failure", logger.TaskID(taskID), zap.Error(ferr))
			}
		}
		b.metrics.MessageDone(b.roomID, len(b.queue), took, err)
		b.fail(q, log, err)
		return
	}

	if coord != nil {
		if cerr := coord.CompleteTask(taskID, b.owner, result); cerr != nil {
			log.Warn("Failed to record task completion", logger.TaskID(taskID), zap.Error(cerr))
		}
	}
	b.processed.Add(1)
	b.metrics.MessageDone(b.roomID, len(b.queue), took, nil)
	log.Debug("Message processed", logger.Event("message_processed"), zap.Duration("took", took))

	if b.buffer == nil {
		q.receipt.resolve(nil)
		return
	}

	item, err := resultItem(qm, result)
	if err != nil {
		b.commitFailed.Add(1)
		log.Error("Failed to build result item", zap.Error(err))
		q.receipt.resolve(fmt.Errorf("%w: %w", ErrCommitFailed, err))
		return
	}
	ack, err := b.buffer.Add(item)
	if err != nil {
		b.commitFailed.Add(1)
		q.receipt.resolve(fmt.Errorf("%w: %w", ErrCommitFailed, err))
		return
	}
	b.acks <- pendingAck{ack: ack, receipt: q.receipt, seq: qm.Seq}
}

func (b *Broker) fail(q queued, log *zap.Logger, err error) {
	b.failed.Add(1)
	log.Warn("Message processing failed",
		logger.Event("message_failed"),
		zap.Error(err))
	q.receipt.resolve(fmt.Errorf("%w: %w", ErrProcessingFailed, err))
}

// process calls the Processor with the process timeout and turns a panic into an error.
func (b *Broker) process(ctx context.Context, qm *QueuedMessage) (result []byte, err error) {
	if b.opts.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.ProcessTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return b.deps.Processor.Process(ctx, qm)
}

// heartbeat keeps the broker's owner record fresh while a message is processed.
func (b *Broker) heartbeat(ctx context.Context) (stop func()) {
	coord := b.deps.Coordinator
	if coord == nil {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := b.clock.NewTicker(coord.Options().HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.Chan():
				coord.Heartbeat(b.owner)
			}
		}
	}()
	return func() {
		cancel()
		<-finished
	}
}

// watchAcks resolves receipts as their commit acks complete. Acks arrive in
// sequence order and batches commit in that order.
func (b *Broker) watchAcks() {
	defer close(b.watcherDone)
	for p := range b.acks {
		<-p.ack.Done()
		if err := p.ack.Err(); err != nil {
			b.commitFailed.Add(1)
			b.logger.Error("Result commit failed",
				logger.Event("commit_failed"),
				logger.Seq(p.seq),
				zap.Error(err))
			p.receipt.resolve(err)
			continue
		}
		p.receipt.resolve(nil)
	}
}
