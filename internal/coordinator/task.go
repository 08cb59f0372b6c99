package coordinator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTaskNotFound is returned for an unknown task ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAlreadyClaimed is returned when another live owner holds the task.
	ErrAlreadyClaimed = errors.New("task already claimed")

	// ErrTaskFinished is returned when claiming a completed or failed task.
	ErrTaskFinished = errors.New("task already finished")

	// ErrNotOwner is returned when a caller other than the current owner attempts a transition.
	ErrNotOwner = errors.New("caller does not own task")

	// ErrInvalidTransition is returned for a transition the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrPoisonTask is the failure reason of a task reassigned more than MaxReassignments times.
	ErrPoisonTask = errors.New("task exceeded reassignment limit")
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending indicates the task waits for an owner.
	StatusPending Status = "pending"

	// StatusClaimed indicates an owner holds the task but has not started it.
	StatusClaimed Status = "claimed"

	// StatusRunning indicates the owner is processing the task.
	StatusRunning Status = "running"

	// StatusCompleted indicates the task finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the task finished with an error.
	StatusFailed Status = "failed"
)

// Validate checks that s is a known status.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusClaimed, StatusRunning, StatusCompleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown task status: %q", s)
	}
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Owned reports whether a task in status s has an owner.
func (s Status) Owned() bool {
	return s == StatusClaimed || s == StatusRunning
}

// Task is one unit of processing work tied to a room message.
type Task struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
	Seq    int64  `json:"seq"`

	Owner  string `json:"owner,omitempty"`
	Status Status `json:"status"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ClaimedAt     time.Time `json:"claimed_at,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`

	// Reassignments counts how often the task was taken from a stale owner.
	Reassignments int  `json:"reassignments"`
	Poisoned      bool `json:"poisoned,omitempty"`

	Result []byte `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TaskID derives the task ID of a room message.
func TaskID(roomID string, seq int64) string {
	return roomID + "#" + strconv.FormatInt(seq, 10)
}

// ParseTaskID splits a task ID built by TaskID.
func ParseTaskID(id string) (roomID string, seq int64, err error) {
	i := strings.LastIndexByte(id, '#')
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid task ID %q: missing room", id)
	}
	seq, err = strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("invalid task ID %q: bad sequence", id)
	}
	return id[:i], seq, nil
}

func (t *Task) clone() Task {
	c := *t
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	return c
}
