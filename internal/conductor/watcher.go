package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/johann-project/johann-go/internal/broker"
	"github.com/johann-project/johann-go/internal/score"
)

// watch polls broker status for a run's dispatches until every one settles,
// releasing dependency-sequenced measures along the way. Store writes go
// through the first-terminal-write upsert, so a duplicate or late delivery
// observed here can never flip a settled dispatch.
func (c *Conductor) watch(ctx context.Context, runID string, s *score.Score, plan []plannedDispatch) {
	// last state seen per task id; the store row tracks this but keeping it
	// local avoids a read query every tick
	states := make(map[string]broker.State, len(plan))
	for _, p := range plan {
		if p.measure.Deferred() {
			states[p.taskID] = broker.StateDeferred
		} else {
			states[p.taskID] = broker.StatePending
		}
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("run %s: watcher stopped with dispatches in flight", runID)
			return
		case <-ticker.C:
		}

		c.pollStatuses(ctx, runID, plan, states)
		c.releaseDeferred(ctx, runID, s, plan, states)

		if done, state := runOutcome(plan, states); done {
			now := time.Now().UTC()
			if err := c.db.FinishRun(runID, string(state), now); err != nil {
				c.logger.Printf("run %s: finish: %v", runID, err)
				continue
			}
			c.logger.Printf("run %s: finished %s", runID, state)
			return
		}
	}
}

// pollStatuses pulls broker status for every dispatch that has been
// submitted but not settled. A task the broker has never seen (ErrNoTask)
// is simply not ready yet.
func (c *Conductor) pollStatuses(ctx context.Context, runID string, plan []plannedDispatch, states map[string]broker.State) {
	for _, p := range plan {
		cur := states[p.taskID]
		if cur.Terminal() || cur == broker.StateDeferred {
			continue
		}

		st, err := c.broker.TaskStatus(ctx, p.taskID)
		if err != nil {
			if !errors.Is(err, broker.ErrNoTask) {
				c.logger.Printf("run %s: status poll %s: %v", runID, p.taskID, err)
			}
			continue
		}
		if st.State == cur {
			continue
		}

		result := ""
		if st.Result != nil {
			if b, err := json.Marshal(st.Result); err == nil {
				result = string(b)
			}
		}
		if _, err := c.db.UpdateDispatch(p.taskID, st.State, result, st.Error); err != nil {
			c.logger.Printf("run %s: apply status %s: %v", runID, p.taskID, err)
			continue
		}
		states[p.taskID] = st.State
	}
}

// releaseDeferred enqueues dependency-sequenced measures whose dependencies
// have all settled, or fails them when a dependency failed and the measure
// is not dependency_proof.
func (c *Conductor) releaseDeferred(ctx context.Context, runID string, s *score.Score, plan []plannedDispatch, states map[string]broker.State) {
	for _, m := range s.Measures {
		if !m.Deferred() {
			continue
		}
		if !measurePending(m.Name, plan, states) {
			continue
		}

		settled, failedDep := dependenciesSettled(m, plan, states)
		if !settled {
			continue
		}

		if failedDep != "" && !m.DependencyProof {
			c.logger.Printf("run %s: failing measure %s, dependency %s failed", runID, m.Name, failedDep)
			c.failMeasure(runID, m.Name, failedDep, plan, states)
			continue
		}

		c.logger.Printf("run %s: dependencies of %s settled, dispatching", runID, m.Name)
		for _, p := range plan {
			if p.measure.Name != m.Name || states[p.taskID] != broker.StateDeferred {
				continue
			}
			_, err := c.broker.Enqueue(ctx, broker.Dispatch{
				ID:    p.taskID,
				Task:  p.measure.TaskName,
				Args:  p.measure.Args,
				Queue: p.host,
				Delay: p.measure.Delay(),
			})
			if err != nil {
				// left DEFERRED; retried next tick
				c.logger.Printf("run %s: deferred enqueue %s: %v", runID, p.taskID, err)
				continue
			}
			if _, err := c.db.UpdateDispatch(p.taskID, broker.StateQueued, "", ""); err != nil {
				c.logger.Printf("run %s: record queued %s: %v", runID, p.taskID, err)
			}
			states[p.taskID] = broker.StateQueued
		}
	}
}

// measurePending reports whether any dispatch of the measure is still
// DEFERRED (not yet released or failed).
func measurePending(measure string, plan []plannedDispatch, states map[string]broker.State) bool {
	for _, p := range plan {
		if p.measure.Name == measure && states[p.taskID] == broker.StateDeferred {
			return true
		}
	}
	return false
}

// dependenciesSettled reports whether every dispatch of every dependency of
// m is terminal, and names a failed dependency if one exists. A dependency
// that expanded to zero dispatches is vacuously settled and successful.
func dependenciesSettled(m *score.Measure, plan []plannedDispatch, states map[string]broker.State) (settled bool, failedDep string) {
	for _, dep := range m.DependsOn {
		for _, p := range plan {
			if p.measure.Name != dep {
				continue
			}
			st := states[p.taskID]
			if !st.Terminal() {
				return false, ""
			}
			if st == broker.StateFailure {
				failedDep = dep
			}
		}
	}
	return true, failedDep
}

func (c *Conductor) failMeasure(runID, measure, failedDep string, plan []plannedDispatch, states map[string]broker.State) {
	msg := fmt.Sprintf("dependency failed (%s)", failedDep)
	for _, p := range plan {
		if p.measure.Name != measure || states[p.taskID] != broker.StateDeferred {
			continue
		}
		if _, err := c.db.UpdateDispatch(p.taskID, broker.StateFailure, "", msg); err != nil {
			c.logger.Printf("run %s: fail dispatch %s: %v", runID, p.taskID, err)
			continue
		}
		states[p.taskID] = broker.StateFailure
	}
}

// runOutcome reports whether every dispatch is terminal and, if so, the
// run's final state. A run with zero dispatches settles immediately as
// SUCCESS.
func runOutcome(plan []plannedDispatch, states map[string]broker.State) (bool, broker.State) {
	outcome := broker.StateSuccess
	for _, p := range plan {
		st := states[p.taskID]
		if !st.Terminal() {
			return false, ""
		}
		if st == broker.StateFailure {
			outcome = broker.StateFailure
		}
	}
	return true, outcome
}
