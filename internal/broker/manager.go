package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ManagerOptions tunes a Manager.
type ManagerOptions struct {
	// Broker is applied to every broker the manager creates.
	Broker Options `yaml:",inline"`

	// ShutdownPolicy is used by StopAll. Default: drain.
	ShutdownPolicy ShutdownPolicy `yaml:"shutdown_policy"`

	// IdleTimeout is how long a broker must be idle before eviction. Zero disables eviction.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// EvictInterval is how often Run looks for idle brokers. Default: IdleTimeout / 2.
	EvictInterval time.Duration `yaml:"evict_interval"`
}

// routeAttempts bounds retries when a broker is retired between lookup and enqueue.
const routeAttempts = 3

// Manager owns the room → broker map. It is safe for concurrent use.
type Manager struct {
	deps Deps
	opts ManagerOptions

	// ctx outlives individual requests; brokers run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	brokers  map[string]*Broker
	lastSeq  map[string]int64
	retiring map[string]<-chan struct{}
	stopped  bool
}

// NewManager creates a manager. Brokers are created lazily by RouteMessage.
func NewManager(deps Deps, opts ManagerOptions) (*Manager, error) {
	if deps.Processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if opts.ShutdownPolicy == "" {
		opts.ShutdownPolicy = PolicyDrain
	}
	if err := opts.ShutdownPolicy.Validate(); err != nil {
		return nil, err
	}
	if opts.IdleTimeout > 0 && opts.EvictInterval <= 0 {
		opts.EvictInterval = opts.IdleTimeout / 2
	}
	deps = deps.withDefaults()
	opts.Broker = opts.Broker.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		brokers:  make(map[string]*Broker),
		lastSeq:  make(map[string]int64),
		retiring: make(map[string]<-chan struct{}),
	}, nil
}

// RouteMessage enqueues msg on its room's broker, creating the broker on first use.
// A message without an ID is given one. The returned receipt resolves when the
// message's outcome is final.
func (m *Manager) RouteMessage(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg == nil || msg.RoomID == "" {
		m.deps.Metrics.MessageRejected("no_room_id")
		return nil, ErrNoRoomID
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	for attempt := 0; attempt < routeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := m.broker(msg.RoomID)
		if err != nil {
			return nil, err
		}

		// Enqueue happens outside the manager lock.
		r, err := b.Enqueue(msg)
		switch {
		case err == nil:
			return r, nil
		case errors.Is(err, ErrBrokerStopped):
			// Retired by eviction after the lookup; the next lookup creates a successor.
			continue
		case errors.Is(err, ErrQueueFull):
			m.deps.Metrics.MessageRejected("queue_full")
			m.deps.Logger.Warn("Room queue full",
				logger.Event("queue_full"),
				logger.RoomID(msg.RoomID),
				logger.MessageID(msg.ID))
			return nil, fmt.Errorf("%w: room %s", ErrQueueFull, msg.RoomID)
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: room %s kept retiring", ErrBrokerStopped, msg.RoomID)
}

// broker returns the running broker for roomID, creating it when absent.
func (m *Manager) broker(roomID string) (*Broker, error) {
	m.mu.RLock()
	b, ok := m.brokers[roomID]
	stopped := m.stopped
	m.mu.RUnlock()
	if stopped {
		return nil, ErrManagerStopped
	}
	if ok && b.State() == StateRunning {
		return b, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrManagerStopped
	}
	old, ok := m.brokers[roomID]
	if ok && old.State() == StateRunning {
		return old, nil
	}

	b, err := New(roomID, m.deps, m.opts.Broker)
	if err != nil {
		return nil, err
	}
	b.seq = m.lastSeq[roomID]
	b.prev = m.retiring[roomID]
	if ok {
		// Stopped outside the manager; its sequence is final.
		b.seq = old.LastSeq()
		b.prev = old.Done()
	}
	b.Start(m.ctx)

	m.brokers[roomID] = b
	m.deps.Metrics.BrokerAdded()
	m.deps.Logger.Info("Room broker created",
		logger.Event("broker_created"),
		logger.RoomID(roomID),
		logger.Seq(b.seq))
	return b, nil
}

// StopAll stops every broker in parallel using the configured shutdown policy and
// rejects further routing. Calling it again is a no-op.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	brokers := make([]*Broker, 0, len(m.brokers))
	for _, b := range m.brokers {
		brokers = append(brokers, b)
	}
	retiring := make([]<-chan struct{}, 0, len(m.retiring))
	for _, done := range m.retiring {
		retiring = append(retiring, done)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, b := range brokers {
		b := b
		g.Go(func() error {
			if err := b.Stop(ctx, m.opts.ShutdownPolicy); err != nil {
				return fmt.Errorf("room %s: %w", b.RoomID(), err)
			}
			m.deps.Metrics.BrokerRemoved(b.RoomID())
			return nil
		})
	}
	err := g.Wait()

	// Evictions in progress finish on their own; wait for them too.
	for _, done := range retiring {
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}
	m.cancel()

	m.deps.Logger.Info("All room brokers stopped",
		logger.Event("brokers_stopped"),
		zap.Int("count", len(brokers)),
		zap.String("policy", string(m.opts.ShutdownPolicy)))
	return err
}

// EvictIdle stops and removes brokers idle for at least IdleTimeout. Each evicted
// broker drains before it is considered gone. It returns the evicted room IDs.
func (m *Manager) EvictIdle(ctx context.Context) []string {
	if m.opts.IdleTimeout <= 0 {
		return nil
	}
	since := m.deps.Clock.Now().Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	var evicted []*Broker
	for room, b := range m.brokers {
		seq, ok := b.retire(since)
		if !ok {
			continue
		}
		delete(m.brokers, room)
		m.lastSeq[room] = seq
		m.retiring[room] = b.Done()
		evicted = append(evicted, b)
	}
	m.mu.Unlock()

	rooms := make([]string, 0, len(evicted))
	for _, b := range evicted {
		if err := b.Stop(ctx, PolicyDrain); err != nil {
			m.deps.Logger.Warn("Idle broker did not stop cleanly",
				logger.RoomID(b.RoomID()),
				zap.Error(err))
		}
		m.deps.Metrics.BrokerRemoved(b.RoomID())

		m.mu.Lock()
		if m.retiring[b.RoomID()] == b.Done() {
			delete(m.retiring, b.RoomID())
		}
		m.mu.Unlock()

		rooms = append(rooms, b.RoomID())
		m.deps.Logger.Info("Idle room broker evicted",
			logger.Event("broker_evicted"),
			logger.RoomID(b.RoomID()))
	}
	sort.Strings(rooms)
	return rooms
}

// Run evicts idle brokers every EvictInterval until ctx ends. With eviction
// disabled it just waits for ctx.
func (m *Manager) Run(ctx context.Context) error {
	if m.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := m.deps.Clock.NewTicker(m.opts.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.EvictIdle(ctx)
		}
	}
}

// Stats returns per-room broker stats keyed by room ID.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.brokers))
	for room, b := range m.brokers {
		out[room] = b.Stats()
	}
	return out
}

// Rooms returns the IDs of rooms with a live broker, sorted.
func (m *Manager) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]string, 0, len(m.brokers))
	for room := range m.brokers {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Broker returns the live broker of a room.
func (m *Manager) Broker(roomID string) (*Broker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.brokers[roomID]
	return b, ok
}
