// Package player runs the worker side of the orchestra: a pool of
// goroutines consuming one host's dispatch queue, resolving task names
// against the registry at execution time, and reporting results back
// through the broker.
package player

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/johann-project/johann-go/internal/broker"
	"github.com/johann-project/johann-go/internal/tasks"
)

const (
	dequeueWait   = 2 * time.Second
	scaleInterval = 5 * time.Second
)

// Pool consumes a single queue with between min and max workers. The
// supervisor grows the pool when the queue backs up and shrinks it back to
// min when the backlog drains.
type Pool struct {
	queue  string
	broker broker.Queue
	reg    *tasks.Registry
	min    int
	max    int
	logger *log.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a pool for queue. Bounds are clamped so min >= 1 and
// max >= min.
func NewPool(queue string, b broker.Queue, reg *tasks.Registry, min, max int) *Pool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &Pool{
		queue:  queue,
		broker: b,
		reg:    reg,
		min:    min,
		max:    max,
		logger: log.New(os.Stdout, "[Player] ", log.LstdFlags|log.Lshortfile),
	}
}

// Run blocks until ctx is canceled, supervising the worker pool. All
// workers have drained their in-flight task when Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Printf("consuming queue %q with %d-%d workers", p.queue, p.min, p.max)
	p.resize(ctx, p.min)

	ticker := time.NewTicker(scaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.resize(ctx, 0)
			p.wg.Wait()
			p.logger.Printf("queue %q drained, pool stopped", p.queue)
			return ctx.Err()
		case <-ticker.C:
			depth, err := p.broker.Depth(ctx, p.queue)
			if err != nil {
				p.logger.Printf("depth probe failed for %q: %v", p.queue, err)
				continue
			}
			// one extra worker per backlogged task, capped at max
			desired := p.min + int(depth)
			if desired > p.max {
				desired = p.max
			}
			p.resize(ctx, desired)
		}
	}
}

// resize adjusts the running worker count to n. Shrinking cancels the
// newest workers; each finishes its in-flight task before exiting.
func (p *Pool) resize(ctx context.Context, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.cancels) < n {
		wctx, cancel := context.WithCancel(ctx)
		p.cancels = append(p.cancels, cancel)
		id := len(p.cancels)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(wctx, id)
		}()
	}
	for len(p.cancels) > n {
		last := len(p.cancels) - 1
		p.cancels[last]()
		p.cancels = p.cancels[:last]
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		d, err := p.broker.Dequeue(ctx, p.queue, dequeueWait)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Printf("worker %d: dequeue failed: %v", id, err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if d == nil {
			continue
		}
		p.execute(ctx, id, d)
	}
}

// execute runs one dispatch to completion and reports the outcome. A task
// name the registry cannot resolve fails that dispatch only; the worker
// keeps consuming.
func (p *Pool) execute(ctx context.Context, id int, d *broker.Dispatch) {
	if err := p.broker.SetStarted(ctx, d.ID); err != nil {
		p.logger.Printf("worker %d: mark started %s: %v", id, d.ID, err)
	}

	handler, err := p.reg.Resolve(d.Task)
	if errors.Is(err, tasks.ErrNotRegistered) {
		p.logger.Printf("worker %d: task %q not registered (dispatch %s)", id, d.Task, d.ID)
		p.report(ctx, d.ID, broker.Status{
			State: broker.StateFailure,
			Error: fmt.Sprintf("task %q is not registered on this player", d.Task),
		})
		return
	}
	if err != nil {
		p.report(ctx, d.ID, broker.Status{State: broker.StateFailure, Error: err.Error()})
		return
	}

	result, err := p.runHandler(ctx, handler, tasks.Invocation{TaskID: d.ID, Queue: d.Queue, Args: d.Args})
	if err != nil {
		p.logger.Printf("worker %d: task %s (%s) failed: %v", id, d.Task, d.ID, err)
		p.report(ctx, d.ID, broker.Status{State: broker.StateFailure, Error: err.Error()})
		return
	}
	p.report(ctx, d.ID, broker.Status{State: broker.StateSuccess, Result: result})
}

// runHandler executes one handler, converting a panic into a FAILURE for
// that dispatch so a misbehaving task cannot take the worker down with it.
func (p *Pool) runHandler(ctx context.Context, h tasks.Handler, inv tasks.Invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return h(ctx, inv)
}

// report writes the terminal status, retrying transient broker failures. A
// result that cannot be delivered after the retries are exhausted is logged
// and dropped; the conductor sees the task as never finishing.
func (p *Pool) report(ctx context.Context, taskID string, st broker.Status) {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.broker.SetResult(ctx, taskID, st); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		p.logger.Printf("failed to report result for %s: %v", taskID, err)
	}
}
