package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

func newTaskID() string { return uuid.NewString() }

type memItem struct {
	dispatch  Dispatch
	visibleAt time.Time
}

// MemoryQueue is an in-process Queue used by tests and by SKIP_REDIS mode.
// Delay semantics match RedisQueue: a delayed dispatch is invisible to
// Dequeue and Depth until its visible-at passes.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]memItem
	status map[string]Status

	// FailEnqueue makes every Enqueue report ErrUnavailable; tests use it
	// to exercise partial-launch behavior.
	FailEnqueue bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string][]memItem),
		status: make(map[string]Status),
	}
}

func (q *MemoryQueue) Close() error                   { return nil }
func (q *MemoryQueue) Ping(ctx context.Context) error { return nil }

func (q *MemoryQueue) Enqueue(ctx context.Context, d Dispatch) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.FailEnqueue {
		return "", fmt.Errorf("%w: enqueue %s: injected failure", ErrUnavailable, d.Queue)
	}
	if d.ID == "" {
		d.ID = newTaskID()
	}
	q.status[d.ID] = Status{State: StateQueued}
	q.queues[d.Queue] = append(q.queues[d.Queue], memItem{
		dispatch:  d,
		visibleAt: time.Now().Add(d.Delay),
	})
	return d.ID, nil
}

// pop removes and returns the first visible item, preserving order for the
// rest.
func (q *MemoryQueue) pop(queue string) *Dispatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	items := q.queues[queue]
	for i, it := range items {
		if it.visibleAt.After(now) {
			continue
		}
		q.queues[queue] = append(items[:i:i], items[i+1:]...)
		d := it.dispatch
		return &d
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Dispatch, error) {
	deadline := time.Now().Add(wait)
	for {
		if d := q.pop(queue); d != nil {
			return d, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) SetStarted(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if st, ok := q.status[id]; !ok || !st.State.Terminal() {
		q.status[id] = Status{State: StateStarted}
	}
	return nil
}

func (q *MemoryQueue) SetResult(ctx context.Context, id string, st Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if prev, ok := q.status[id]; ok && prev.State.Terminal() {
		return nil
	}
	q.status[id] = st
	return nil
}

func (q *MemoryQueue) TaskStatus(ctx context.Context, id string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.status[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrNoTask, id)
	}
	return st, nil
}

func (q *MemoryQueue) Depth(ctx context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var n int64
	for _, it := range q.queues[queue] {
		if !it.visibleAt.After(now) {
			n++
		}
	}
	return n, nil
}
