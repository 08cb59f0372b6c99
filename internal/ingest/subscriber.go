// Package ingest feeds messages published on Redis into the room brokers.
//
// Producers PUBLISH broker.Message JSON on warren:<instance>:inbound. Messages that
// cannot be accepted, or that are accepted but never become durable, are reported
// on warren:<instance>:rejections so the producer learns about backpressure.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/warren/internal/broker"
	"github.com/dyluth/warren/internal/logger"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultDedupeWindow is how long a message ID is remembered.
const DefaultDedupeWindow = 5 * time.Minute

// InboundChannel returns the channel producers publish messages on.
func InboundChannel(instance string) string {
	return fmt.Sprintf("warren:%s:inbound", instance)
}

// RejectionsChannel returns the channel rejections are published on.
func RejectionsChannel(instance string) string {
	return fmt.Sprintf("warren:%s:rejections", instance)
}

// Reason classifies a rejection.
type Reason string

const (
	ReasonInvalidJSON      Reason = "invalid_json"
	ReasonNoRoomID         Reason = "no_room_id"
	ReasonQueueFull        Reason = "queue_full"
	ReasonStopped          Reason = "stopped"
	ReasonRoutingError     Reason = "routing_error"
	ReasonProcessingFailed Reason = "processing_failed"
	ReasonCommitFailed     Reason = "commit_failed"
)

// Rejection is the event published when a message does not make it into a room log.
type Rejection struct {
	MessageID string    `json:"message_id,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	Reason    Reason    `json:"reason"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// Router accepts messages for their rooms. *broker.Manager implements it.
type Router interface {
	RouteMessage(ctx context.Context, msg *broker.Message) (*broker.Receipt, error)
}

// Options tunes a Subscriber.
type Options struct {
	// Instance namespaces the channels.
	Instance string `yaml:"-"`

	// DedupeWindow suppresses a message ID seen again within the window. Default 5m.
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

// Stats are cumulative subscriber counters.
type Stats struct {
	Received   int64 `json:"received"`
	Routed     int64 `json:"routed"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Subscriber) { s.logger = logger.OrNop(l) }
}

// WithMetrics records rejections in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Subscriber) { s.metrics = m }
}

// WithClock sets the clock used for rejection timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Subscriber) { s.clock = c }
}

// Subscriber routes inbound pub/sub messages. Run it once.
type Subscriber struct {
	rdb    *redis.Client
	router Router
	opts   Options

	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock

	seen      *gocache.Cache
	ready     chan struct{}
	readyOnce sync.Once
	watchers  sync.WaitGroup

	received   atomic.Int64
	routed     atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
}

// NewSubscriber creates a subscriber for opts.Instance.
func NewSubscriber(rdb *redis.Client, router Router, opts Options, options ...Option) (*Subscriber, error) {
	if rdb == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if router == nil {
		return nil, errors.New("router cannot be nil")
	}
	if opts.Instance == "" {
		return nil, errors.New("instance name cannot be empty")
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = DefaultDedupeWindow
	}

	s := &Subscriber{
		rdb:    rdb,
		router: router,
		opts:   opts,
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
		seen:   gocache.New(opts.DedupeWindow, opts.DedupeWindow),
		ready:  make(chan struct{}),
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Ready is closed once the subscription is confirmed by Redis.
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// Run subscribes and routes messages until ctx ends or the subscription closes.
// Outcome watchers outlive Run; call Wait after the brokers are stopped.
func (s *Subscriber) Run(ctx context.Context) error {
	channel := InboundChannel(s.opts.Instance)
	pubsub := s.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("Subscribed to inbound messages",
		logger.Event("ingest_subscribed"),
		zap.String("channel", channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, payload string) {
	s.received.Add(1)

	var msg broker.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.metrics.MessageRejected(string(ReasonInvalidJSON))
		s.reject(ctx, Rejection{
			Reason: ReasonInvalidJSON,
			Error:  fmt.Sprintf("failed to unmarshal message: %v", err),
		})
		return
	}

	if msg.ID != "" {
		if err := s.seen.Add(msg.ID, struct{}{}, gocache.DefaultExpiration); err != nil {
			s.duplicates.Add(1)
			s.logger.Debug("Duplicate message suppressed",
				logger.Event("message_duplicate"),
				logger.MessageID(msg.ID),
				logger.RoomID(msg.RoomID))
			return
		}
	}

	r, err := s.router.RouteMessage(ctx, &msg)
	if err != nil {
		// Let the producer retry the same ID.
		s.seen.Delete(msg.ID)
		s.reject(ctx, Rejection{
			MessageID: msg.ID,
			RoomID:    msg.RoomID,
			Reason:    classify(err),
			Error:     err.Error(),
		})
		return
	}
	s.routed.Add(1)

	s.watchers.Add(1)
	go s.watch(r)
}

// Wait blocks until every accepted message's outcome has been reported or ctx ends.
// Receipts resolve when their broker stops, so stop the router first.
func (s *Subscriber) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outcome watchers still pending: %w", ctx.Err())
	}
}

// watch reports accepted messages whose outcome is a failure. It ignores the Run
// context: outcomes resolved during shutdown are still reported.
func (s *Subscriber) watch(r *broker.Receipt) {
	defer s.watchers.Done()

	<-r.Done()
	err := r.Err()
	if err == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.reject(pubCtx, Rejection{
		MessageID: r.MessageID,
		RoomID:    r.RoomID,
		Seq:       r.Seq,
		Reason:    classify(err),
		Error:     err.Error(),
	})
}

func (s *Subscriber) reject(ctx context.Context, rej Rejection) {
	s.rejected.Add(1)
	rej.At = s.clock.Now().UTC()

	s.logger.Warn("Message rejected",
		logger.Event("message_rejected"),
		logger.MessageID(rej.MessageID),
		logger.RoomID(rej.RoomID),
		zap.String("reason", string(rej.Reason)),
		zap.String("error", rej.Error))

	data, err := json.Marshal(rej)
	if err != nil {
		s.logger.Error("Failed to marshal rejection", zap.Error(err))
		return
	}
	if err := s.rdb.Publish(ctx, RejectionsChannel(s.opts.Instance), data).Err(); err != nil {
		s.logger.Warn("Failed to publish rejection", zap.Error(err))
	}
}

// Stats returns the subscriber counters.
func (s *Subscriber) Stats() Stats {
	return Stats{
		Received:   s.received.Load(),
		Routed:     s.routed.Load(),
		Duplicates: s.duplicates.Load(),
		Rejected:   s.rejected.Load(),
	}
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, broker.ErrNoRoomID):
		return ReasonNoRoomID
	case errors.Is(err, broker.ErrQueueFull):
		return ReasonQueueFull
	case errors.Is(err, broker.ErrManagerStopped), errors.Is(err, broker.ErrBrokerStopped):
		return ReasonStopped
	case errors.Is(err, broker.ErrProcessingFailed):
		return ReasonProcessingFailed
	case errors.Is(err, broker.ErrCommitFailed):
		return ReasonCommitFailed
	default:
		return ReasonRoutingError
	}
}

// Publish sends msg to an instance's inbound channel. It returns the number of
// subscribers that received it.
func Publish(ctx context.Context, rdb *redis.Client, instance string, msg *broker.Message) (int64, error) {
	if msg == nil || msg.RoomID == "" {
		return 0, broker.ErrNoRoomID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}
	n, err := rdb.Publish(ctx, InboundChannel(instance), data).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}
	return n, nil
}

// SubscribeRejections returns a subscription to an instance's rejection events,
// confirmed before it is returned. The caller closes it.
func SubscribeRejections(ctx context.Context, rdb *redis.Client, instance string) (*redis.PubSub, error) {
	pubsub := rdb.Subscribe(ctx, RejectionsChannel(instance))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to rejections: %w", err)
	}
	return pubsub, nil
}
