// Package coordinator tracks single ownership of in-flight work.
//
// Every room message becomes a Task that moves through
//
//	pending → claimed → running → completed | failed
//
// Owners prove liveness with Heartbeat. A claimed or running task whose owner has
// been silent for longer than HeartbeatTimeout can be stolen by another claimant,
// and the monitor (Sweep, driven by Run) puts it back to pending. Each such
// reassignment is counted; a task reassigned more than MaxReassignments times is
// failed as poison instead of looping forever. Terminal tasks are removed once
// they are older than Retention.
//
// All time-dependent decisions read the injected clockwork.Clock.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/logger"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Options tunes liveness detection and retention. Zero values take the defaults.
type Options struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	Retention         time.Duration `yaml:"retention"`
	MaxReassignments  int           `yaml:"max_reassignments"`
}

// DefaultOptions returns the default liveness settings.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		Retention:         time.Hour,
		MaxReassignments:  3,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.MaxReassignments <= 0 {
		o.MaxReassignments = d.MaxReassignments
	}
	return o
}

// Validate rejects settings under which live owners would be reassigned.
func (o Options) Validate() error {
	if o.HeartbeatTimeout <= o.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout (%s) must exceed heartbeat_interval (%s)", o.HeartbeatTimeout, o.HeartbeatInterval)
	}
	return nil
}

// Stats is a snapshot of the task table.
type Stats struct {
	ByStatus      map[Status]int `json:"by_status"`
	Tasks         int            `json:"tasks"`
	ActiveOwners  int            `json:"active_owners"`
	Reassignments int64          `json:"reassignments"`
	Poisoned      []string       `json:"poisoned,omitempty"`
}

// SweepResult reports what one monitor cycle changed.
type SweepResult struct {
	Reassigned   []string
	Poisoned     []string
	Collected    int
	PrunedOwners int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for liveness decisions.
func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(co *Coordinator) { co.logger = logger.OrNop(l) }
}

// WithMetrics records transitions and reassignments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// Coordinator owns the task table. It is safe for concurrent use.
type Coordinator struct {
	opts    Options
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	tasks         map[string]*Task
	owners        map[string]time.Time
	reassignments int64
}

// New creates a coordinator.
func New(opts Options, options ...Option) (*Coordinator, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		opts:   opts,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
		tasks:  make(map[string]*Task),
		owners: make(map[string]time.Time),
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// Options returns the effective settings.
func (c *Coordinator) Options() Options {
	return c.opts
}

// ClaimTask gives owner the task, creating it when unknown.
//
// Claiming a task the caller already owns is a no-op. A task held by another owner
// is stolen only when that owner's heartbeat is stale; otherwise ErrAlreadyClaimed
// is returned. Completed and failed tasks return ErrTaskFinished.
func (c *Coordinator) ClaimTask(taskID, owner string) (Task, error) {
	if owner == "" {
		return Task{}, fmt.Errorf("owner cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	t, ok := c.tasks[taskID]
	if !ok {
		roomID, seq, err := ParseTaskID(taskID)
		if err != nil {
			return Task{}, err
		}
		t = &Task{ID: taskID, RoomID: roomID, Seq: seq, Status: StatusPending, CreatedAt: now}
		c.tasks[taskID] = t
	}

	switch {
	case t.Status.Terminal():
		return c.snapshot(t), fmt.Errorf("%w: %s is %s", ErrTaskFinished, taskID, t.Status)

	case t.Status.Owned() && t.Owner == owner:
		return c.snapshot(t), nil

	case t.Status.Owned():
		if !c.stale(t, now) {
			return c.snapshot(t), fmt.Errorf("%w: %s held by %s", ErrAlreadyClaimed, taskID, t.Owner)
		}
		previous := t.Owner
		if c.reassign(t, now) {
			return c.snapshot(t), fmt.Errorf("%w: %w", ErrTaskFinished, ErrPoisonTask)
		}
		c.logger.Info("Task stolen from stale owner",
			logger.Event("task_stolen"),
			logger.TaskID(taskID),
			zap.String("previous_owner", previous),
			logger.Owner(owner),
			zap.Int("reassignments", t.Reassignments))
	}

	t.Status = StatusClaimed
	t.Owner = owner
	t.ClaimedAt = now
	t.UpdatedAt = now
	t.StartedAt = time.Time{}
	c.owners[owner] = now
	c.metrics.TaskTransition(string(StatusClaimed))

	return c.snapshot(t), nil
}

// StartTask moves a claimed task to running.
func (c *Coordinator) StartTask(taskID, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.owned(taskID, owner)
	if err != nil {
		return err
	}
	if t.Status != StatusClaimed {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.Status, StatusRunning)
	}
	now := c.clock.Now()
	t.Status = StatusRunning
	t.StartedAt = now
	t.UpdatedAt = now
	c.metrics.TaskTransition(string(StatusRunning))
	return nil
}

// CompleteTask moves a running task to completed and stores its result.
func (c *Coordinator) CompleteTask(taskID, owner string, result []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.owned(taskID, owner)
	if err != nil {
		return err
	}
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.Status, StatusCompleted)
	}
	c.finish(t, StatusCompleted)
	if result != nil {
		t.Result = append([]byte(nil), result...)
	}
	return nil
}

// FailTask moves a claimed or running task to failed.
func (c *Coordinator) FailTask(taskID, owner, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.owned(taskID, owner)
	if err != nil {
		return err
	}
	if !t.Status.Owned() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.Status, StatusFailed)
	}
	c.finish(t, StatusFailed)
	t.Error = reason
	return nil
}

// Heartbeat records that owner is alive.
func (c *Coordinator) Heartbeat(owner string) {
	c.mu.Lock()
	c.owners[owner] = c.clock.Now()
	c.mu.Unlock()
}

// Release forgets owner's liveness record. Tasks it still holds become stealable
// once HeartbeatTimeout has passed since they were claimed.
func (c *Coordinator) Release(owner string) {
	c.mu.Lock()
	delete(c.owners, owner)
	c.mu.Unlock()
}

// Get returns a copy of a task.
func (c *Coordinator) Get(taskID string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return c.snapshot(t), true
}

// Sweep runs one monitor cycle at the current clock time.
func (c *Coordinator) Sweep() SweepResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var res SweepResult
	busy := make(map[string]bool)

	for id, t := range c.tasks {
		switch {
		case t.Status.Owned() && c.stale(t, now):
			previous := t.Owner
			if c.reassign(t, now) {
				res.Poisoned = append(res.Poisoned, id)
				continue
			}
			res.Reassigned = append(res.Reassigned, id)
			c.logger.Warn("Task reassigned from stale owner",
				logger.Event("task_reassigned"),
				logger.TaskID(id),
				logger.Owner(previous),
				zap.Int("reassignments", t.Reassignments))

		case t.Status.Owned():
			busy[t.Owner] = true

		case t.Status.Terminal() && now.Sub(t.FinishedAt) > c.opts.Retention:
			delete(c.tasks, id)
			res.Collected++

		case t.Status == StatusPending && now.Sub(t.UpdatedAt) > c.opts.Retention:
			// Nobody came back for it.
			delete(c.tasks, id)
			res.Collected++
		}
	}

	for owner, seen := range c.owners {
		if !busy[owner] && now.Sub(seen) > c.opts.HeartbeatTimeout {
			delete(c.owners, owner)
			res.PrunedOwners++
		}
	}

	sort.Strings(res.Reassigned)
	sort.Strings(res.Poisoned)
	if res.Collected > 0 {
		c.logger.Debug("Collected finished tasks",
			logger.Event("tasks_collected"),
			zap.Int("count", res.Collected))
	}
	return res
}

// Run sweeps every HeartbeatInterval until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			c.Sweep()
		}
	}
}

// Stats returns a snapshot of the task table.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	s := Stats{
		ByStatus:      make(map[Status]int),
		Tasks:         len(c.tasks),
		Reassignments: c.reassignments,
	}
	for _, t := range c.tasks {
		s.ByStatus[t.Status]++
		if t.Poisoned {
			s.Poisoned = append(s.Poisoned, t.ID)
		}
	}
	for _, seen := range c.owners {
		if now.Sub(seen) <= c.opts.HeartbeatTimeout {
			s.ActiveOwners++
		}
	}
	sort.Strings(s.Poisoned)
	return s
}

// owned returns the task if owner holds it. Caller holds c.mu.
func (c *Coordinator) owned(taskID, owner string) (*Task, error) {
	t, ok := c.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Owner != owner {
		return nil, fmt.Errorf("%w: %s held by %q", ErrNotOwner, taskID, t.Owner)
	}
	return t, nil
}

// stale reports whether the owner of t has been silent past HeartbeatTimeout.
// A fresh claim counts as a heartbeat. Caller holds c.mu.
func (c *Coordinator) stale(t *Task, now time.Time) bool {
	last := t.ClaimedAt
	if seen, ok := c.owners[t.Owner]; ok && seen.After(last) {
		last = seen
	}
	return now.Sub(last) > c.opts.HeartbeatTimeout
}

// reassign takes t away from its owner. It returns true when the task exceeded
// MaxReassignments and was failed as poison. Caller holds c.mu.
func (c *Coordinator) reassign(t *Task, now time.Time) bool {
	t.Reassignments++
	c.reassignments++
	c.metrics.TaskReassigned()

	if t.Reassignments > c.opts.MaxReassignments {
		c.finish(t, StatusFailed)
		t.Error = ErrPoisonTask.Error()
		t.Poisoned = true
		c.metrics.TaskPoisoned()
		c.logger.Error("Task failed as poison",
			logger.Event("task_poisoned"),
			logger.TaskID(t.ID),
			logger.Owner(t.Owner),
			zap.Int("reassignments", t.Reassignments))
		return true
	}

	t.Status = StatusPending
	t.Owner = ""
	t.ClaimedAt = time.Time{}
	t.StartedAt = time.Time{}
	t.UpdatedAt = now
	c.metrics.TaskTransition(string(StatusPending))
	return false
}

// finish moves t to a terminal status. Caller holds c.mu.
func (c *Coordinator) finish(t *Task, status Status) {
	now := c.clock.Now()
	t.Status = status
	t.FinishedAt = now
	t.UpdatedAt = now
	c.metrics.TaskTransition(string(status))
}

// snapshot copies t and fills its owner's last heartbeat. Caller holds c.mu.
func (c *Coordinator) snapshot(t *Task) Task {
	s := t.clone()
	if t.Owner != "" {
		s.LastHeartbeat = c.owners[t.Owner]
	}
	return s
}
