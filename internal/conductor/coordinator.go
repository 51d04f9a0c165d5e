// Package conductor coordinates runs: it fans a Score out into per-host
// dispatches over the broker, watches their status until every dispatch
// settles, and serves aggregated rollups.
package conductor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johann-project/johann-go/internal/broker"
	"github.com/johann-project/johann-go/internal/score"
	"github.com/johann-project/johann-go/internal/store"
)

// enqueueConcurrency bounds the launch fan-out so a large orchestra does not
// open unbounded broker connections at once.
const enqueueConcurrency = 8

// PartialLaunchError reports a launch that submitted only part of its
// dispatches before the broker failed. The run and its dispatch rows exist
// and stay queryable; submitted dispatches are not rolled back.
type PartialLaunchError struct {
	RunID     string
	Submitted int
	Total     int
	Err       error
}

func (e *PartialLaunchError) Error() string {
	return fmt.Sprintf("run %s: submitted %d of %d dispatches: %v",
		e.RunID, e.Submitted, e.Total, e.Err)
}

func (e *PartialLaunchError) Unwrap() error { return e.Err }

// plannedDispatch is one (measure, player, host) unit with its task id
// assigned up front, before anything touches the broker.
type plannedDispatch struct {
	taskID  string
	measure *score.Measure
	player  string
	host    string
}

// Conductor owns run lifecycle: launch, watch, aggregate.
type Conductor struct {
	scores *score.Registry
	hosts  *score.Hosts
	broker broker.Queue
	db     store.DB
	poll   time.Duration
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Conductor. poll is the watcher tick interval; zero means
// one second.
func New(scores *score.Registry, hosts *score.Hosts, q broker.Queue, db store.DB, poll time.Duration) *Conductor {
	if poll <= 0 {
		poll = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conductor{
		scores: scores,
		hosts:  hosts,
		broker: q,
		db:     db,
		poll:   poll,
		logger: log.New(os.Stdout, "[Conductor] ", log.LstdFlags|log.Lshortfile),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close stops every run watcher and waits for them to exit.
func (c *Conductor) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// newRunID builds a sortable, collision-proof run id: a second-granularity
// UTC timestamp plus a uuid fragment, so two launches inside the same second
// never share an id.
func newRunID(now time.Time) string {
	return now.UTC().Format("20060102150405") + "-" + uuid.NewString()[:8]
}

// Launch starts a run of the named score. Host overrides replace the score's
// per-player hostname lists; every override host must be registered.
//
// All dispatch rows are written with their a-priori task ids before the
// first enqueue, so a partially submitted run is fully queryable. Non-
// deferred dispatches are then enqueued concurrently; the first broker
// failure cancels the remaining submissions and surfaces a
// PartialLaunchError alongside the created run.
func (c *Conductor) Launch(ctx context.Context, scoreName string, overrides map[string][]string) (*store.Run, error) {
	s, err := c.scores.Get(scoreName)
	if err != nil {
		return nil, err
	}

	for player, hostnames := range overrides {
		if _, ok := s.Players[player]; !ok {
			return nil, fmt.Errorf("%w: host override for player %q not in score %s",
				score.ErrPlayerNotFound, player, s.Name)
		}
		for _, h := range hostnames {
			if !c.hosts.Has(h) {
				return nil, fmt.Errorf("%w: override host %q for player %q",
					score.ErrHostNotFound, h, player)
			}
		}
	}

	plan := buildPlan(s, overrides)

	now := time.Now().UTC()
	run := &store.Run{
		ID:        newRunID(now),
		Score:     s.Name,
		State:     store.RunCreated,
		CreatedAt: now,
	}
	if err := c.db.CreateRun(run); err != nil {
		return nil, fmt.Errorf("launch %s: %w", s.Name, err)
	}
	c.logger.Printf("run %s: launching score %s (%d dispatches)", run.ID, s.Name, len(plan))

	for _, p := range plan {
		st := broker.StatePending
		if p.measure.Deferred() {
			st = broker.StateDeferred
		}
		err := c.db.RecordDispatch(&store.Dispatch{
			TaskID:  p.taskID,
			RunID:   run.ID,
			Measure: p.measure.Name,
			Player:  p.player,
			Host:    p.host,
			State:   st,
		})
		if err != nil {
			return nil, fmt.Errorf("launch %s: %w", run.ID, err)
		}
	}

	if err := c.db.SetRunState(run.ID, store.RunDispatching); err != nil {
		return nil, fmt.Errorf("launch %s: %w", run.ID, err)
	}
	run.State = store.RunDispatching

	var submitted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enqueueConcurrency)
	immediate := 0
	for _, p := range plan {
		if p.measure.Deferred() {
			continue
		}
		immediate++
		p := p
		g.Go(func() error {
			_, err := c.broker.Enqueue(gctx, broker.Dispatch{
				ID:    p.taskID,
				Task:  p.measure.TaskName,
				Args:  p.measure.Args,
				Queue: p.host,
				Delay: p.measure.Delay(),
			})
			if err != nil {
				return err
			}
			submitted.Add(1)
			if _, err := c.db.UpdateDispatch(p.taskID, broker.StateQueued, "", ""); err != nil {
				c.logger.Printf("run %s: record queued %s: %v", run.ID, p.taskID, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Printf("run %s: partial launch, %d/%d submitted: %v",
			run.ID, submitted.Load(), immediate, err)
		c.startWatcher(run.ID, s, plan)
		return run, &PartialLaunchError{
			RunID:     run.ID,
			Submitted: int(submitted.Load()),
			Total:     immediate,
			Err:       err,
		}
	}

	if err := c.db.SetRunState(run.ID, store.RunDispatched); err != nil {
		return nil, fmt.Errorf("launch %s: %w", run.ID, err)
	}
	run.State = store.RunDispatched
	c.logger.Printf("run %s: dispatched %d tasks, %d deferred",
		run.ID, immediate, len(plan)-immediate)

	c.startWatcher(run.ID, s, plan)
	return run, nil
}

// buildPlan expands a score into planned dispatches in document order:
// measures, then each measure's players, then each player's hosts. A player
// resolving to zero hosts contributes nothing.
func buildPlan(s *score.Score, overrides map[string][]string) []plannedDispatch {
	var plan []plannedDispatch
	for _, m := range s.Measures {
		for _, pn := range m.PlayerNames {
			hostnames := s.Players[pn].Hostnames
			if o, ok := overrides[pn]; ok {
				hostnames = o
			}
			for _, h := range hostnames {
				plan = append(plan, plannedDispatch{
					taskID:  uuid.NewString(),
					measure: m,
					player:  pn,
					host:    h,
				})
			}
		}
	}
	return plan
}

func (c *Conductor) startWatcher(runID string, s *score.Score, plan []plannedDispatch) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watch(c.ctx, runID, s, plan)
	}()
}
