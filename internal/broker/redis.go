package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// Redis key layout, namespaced so multiple deployments can share a server:
//
//	johann:q:<queue>      list of ready task payloads (JSON)
//	johann:sched:<queue>  zset of delayed payloads scored by visible-at (unix)
//	johann:task:<id>      hash: state, result, error, terminal marker
const keyPrefix = "johann"

func queueKey(queue string) string { return keyPrefix + ":q:" + queue }
func schedKey(queue string) string { return keyPrefix + ":sched:" + queue }
func taskKey(id string) string     { return keyPrefix + ":task:" + id }

// RedisQueue implements Queue on a Redis server, standing in for the
// original deployment's Celery/Redis pairing. Delay is honored by parking
// payloads in a per-queue sorted set; consumers promote due entries before
// each blocking pop, so each (queue, delay) pair is independent.
type RedisQueue struct {
	rdb *redis.Client
}

// RedisOptions configures NewRedisQueue.
type RedisOptions struct {
	Addr string
	DB   int
}

// NewRedisQueue connects to Redis and verifies the connection, retrying
// with exponential backoff so a conductor racing its Redis container at
// startup does not die immediately.
func NewRedisQueue(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})

	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, opts.Addr, err)
	}

	return &RedisQueue{rdb: rdb}, nil
}

func (q *RedisQueue) Close() error { return q.rdb.Close() }

func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, d Dispatch) (string, error) {
	if d.ID == "" {
		d.ID = newTaskID()
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal dispatch: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(d.ID), "state", string(StateQueued), "queue", d.Queue)
	if d.Delay > 0 {
		pipe.ZAdd(ctx, schedKey(d.Queue), redis.Z{
			Score:  float64(time.Now().Add(d.Delay).UnixMilli()),
			Member: payload,
		})
	} else {
		pipe.LPush(ctx, queueKey(d.Queue), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: enqueue %s: %v", ErrUnavailable, d.Queue, err)
	}
	return d.ID, nil
}

// promoteDue moves every scheduled payload whose visible-at has passed onto
// the ready list. Racing consumers are harmless: ZRem returns how many
// members this caller actually removed, and only removed members are pushed.
func (q *RedisQueue) promoteDue(ctx context.Context, queue string) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.rdb.ZRangeByScore(ctx, schedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, payload := range due {
		removed, err := q.rdb.ZRem(ctx, schedKey(queue), payload).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if removed == 0 {
			continue // another consumer won the race
		}
		if err := q.rdb.LPush(ctx, queueKey(queue), payload).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Dispatch, error) {
	if err := q.promoteDue(ctx, queue); err != nil {
		return nil, err
	}

	res, err := q.rdb.BRPop(ctx, wait, queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var d Dispatch
	if err := json.Unmarshal([]byte(res[1]), &d); err != nil {
		return nil, fmt.Errorf("unmarshal dispatch: %w", err)
	}
	return &d, nil
}

func (q *RedisQueue) SetStarted(ctx context.Context, id string) error {
	// a redelivered task must not regress an already-settled status
	settled, err := q.rdb.HExists(ctx, taskKey(id), "terminal").Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if settled {
		return nil
	}
	if err := q.rdb.HSet(ctx, taskKey(id), "state", string(StateStarted)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) SetResult(ctx context.Context, id string, st Status) error {
	// HSetNX of the terminal marker makes first-terminal-write atomic:
	// whichever worker sets it first owns the result.
	won, err := q.rdb.HSetNX(ctx, taskKey(id), "terminal", "1").Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !won {
		return nil
	}

	fields := []any{"state", string(st.State), "error", st.Error}
	if st.Result != nil {
		result, err := json.Marshal(st.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		fields = append(fields, "result", string(result))
	}
	if err := q.rdb.HSet(ctx, taskKey(id), fields...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) TaskStatus(ctx context.Context, id string) (Status, error) {
	vals, err := q.rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(vals) == 0 {
		return Status{}, fmt.Errorf("%w: %s", ErrNoTask, id)
	}

	st := Status{State: State(vals["state"]), Error: vals["error"]}
	if raw, ok := vals["result"]; ok && raw != "" {
		var result any
		if err := json.Unmarshal([]byte(raw), &result); err == nil {
			st.Result = result
		}
	}
	return st, nil
}

func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}
