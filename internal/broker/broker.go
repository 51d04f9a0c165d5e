// Package broker abstracts the message queue that connects the conductor to
// its players: delayed enqueue onto per-host queues, blocking dequeue on the
// worker side, and a task status backend keyed by task id.
package broker

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a queued task. The vocabulary and the
// rollup priority below are shared by the broker, the run store, and the
// conductor's aggregation.
type State string

const (
	StatePending  State = "PENDING"
	StateDeferred State = "DEFERRED" // waiting on a dependency before being queued
	StateQueued   State = "QUEUED"
	StateStarted  State = "STARTED"
	StateRetry    State = "RETRY"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// statePriority orders states for rollups, lowest to highest. A composite
// (measure, run) takes the highest-priority state among its parts, so a
// single FAILURE dominates and SUCCESS only survives if nothing else is
// happening.
var statePriority = map[State]int{
	StateSuccess:  0,
	StatePending:  1,
	StateDeferred: 2,
	StateQueued:   3,
	StateStarted:  4,
	StateProgress: 5,
	StateRetry:    6,
	StateFailure:  7,
}

// Priority returns the rollup priority of s. Unknown states sort between
// PENDING and DEFERRED so a corrupt value never masks a failure.
func (s State) Priority() int {
	if p, ok := statePriority[s]; ok {
		return p
	}
	return 1
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// ErrUnavailable indicates the broker could not be reached. It is surfaced
// to the launch caller untouched; retry policy lives above this layer.
var ErrUnavailable = errors.New("broker unavailable")

// ErrNoTask indicates no status is recorded for a task id.
var ErrNoTask = errors.New("no such task")

// Dispatch is one unit of work: a named task with args, bound for one
// queue. ID may be supplied by the caller (the conductor generates task ids
// a priori so run state can reference them before submission); Enqueue
// fills it in otherwise.
type Dispatch struct {
	ID    string        `json:"id"`
	Task  string        `json:"task"`
	Args  []any         `json:"args"`
	Queue string        `json:"queue"`
	Delay time.Duration `json:"-"`
}

// Status is the broker-side view of one task.
type Status struct {
	State  State  `json:"state"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Queue is the broker client contract. Producers use Enqueue and
// TaskStatus; workers use Dequeue, SetStarted, and SetResult; the worker
// pool supervisor uses Depth.
type Queue interface {
	// Enqueue submits d to its queue, honoring d.Delay (the task becomes
	// visible to consumers only after the delay elapses). Returns the task
	// id. Broker failures wrap ErrUnavailable.
	Enqueue(ctx context.Context, d Dispatch) (string, error)

	// TaskStatus fetches the recorded status for a task id. A task that was
	// never seen reports ErrNoTask.
	TaskStatus(ctx context.Context, id string) (Status, error)

	// Dequeue blocks up to wait for the next visible task on queue.
	// Returns nil with no error when the wait elapses empty.
	Dequeue(ctx context.Context, queue string, wait time.Duration) (*Dispatch, error)

	// SetStarted marks a task as picked up by a worker.
	SetStarted(ctx context.Context, id string) error

	// SetResult records a terminal status. The first terminal write wins;
	// duplicates are silently dropped so redelivery cannot corrupt state.
	SetResult(ctx context.Context, id string, st Status) error

	// Depth reports the number of visible tasks waiting on queue.
	Depth(ctx context.Context, queue string) (int64, error)

	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error

	Close() error
}
