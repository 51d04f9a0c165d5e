package conductor

import (
	"errors"
	"fmt"
	"time"

	"github.com/johann-project/johann-go/internal/broker"
	"github.com/johann-project/johann-go/internal/store"
)

// ErrMeasureNotFound indicates a status query for a measure the run's score
// does not define.
var ErrMeasureNotFound = errors.New("measure not found")

// RunStatus is the aggregated view of one run: the overall rollup plus one
// block per measure in score document order.
type RunStatus struct {
	RunID      string          `json:"run_id"`
	Score      string          `json:"score"`
	State      string          `json:"state"`
	Status     broker.State    `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Measures   []MeasureStatus `json:"measures"`
}

// MeasureStatus is one measure's rollup with its per-host dispatches.
type MeasureStatus struct {
	Measure    string           `json:"measure"`
	Status     broker.State     `json:"status"`
	Dispatches []store.Dispatch `json:"dispatches"`
}

// Rollup collapses dispatch states into one: the highest-priority state
// present, so any FAILURE dominates and SUCCESS only survives when every
// dispatch succeeded. No dispatches rolls up as PENDING.
func Rollup(dispatches []store.Dispatch) broker.State {
	rolled := broker.StatePending
	for i, d := range dispatches {
		if i == 0 || d.State.Priority() > rolled.Priority() {
			rolled = d.State
		}
	}
	return rolled
}

// RunStatus returns the full aggregated status of a run.
func (c *Conductor) RunStatus(runID string) (*RunStatus, error) {
	run, err := c.db.GetRun(runID)
	if err != nil {
		return nil, err
	}
	dispatches, err := c.db.ListDispatches(runID)
	if err != nil {
		return nil, fmt.Errorf("status of run %s: %w", runID, err)
	}

	rs := &RunStatus{
		RunID:      run.ID,
		Score:      run.Score,
		State:      run.State,
		Status:     Rollup(dispatches),
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.FinishedAt,
	}
	// a finished run with no dispatches settled vacuously
	if len(dispatches) == 0 && run.FinishedAt != nil {
		rs.Status = broker.State(run.State)
	}

	// group by measure, preserving insertion (document) order
	index := make(map[string]int)
	for _, d := range dispatches {
		i, ok := index[d.Measure]
		if !ok {
			i = len(rs.Measures)
			index[d.Measure] = i
			rs.Measures = append(rs.Measures, MeasureStatus{Measure: d.Measure})
		}
		rs.Measures[i].Dispatches = append(rs.Measures[i].Dispatches, d)
	}
	for i := range rs.Measures {
		rs.Measures[i].Status = Rollup(rs.Measures[i].Dispatches)
	}
	return rs, nil
}

// MeasureStatus returns one measure's per-host states within a run.
func (c *Conductor) MeasureStatus(runID, measure string) (*MeasureStatus, error) {
	run, err := c.db.GetRun(runID)
	if err != nil {
		return nil, err
	}
	s, err := c.scores.Get(run.Score)
	if err != nil {
		return nil, err
	}
	if s.Measure(measure) == nil {
		return nil, fmt.Errorf("%w: %q in score %s", ErrMeasureNotFound, measure, run.Score)
	}

	dispatches, err := c.db.ListMeasureDispatches(runID, measure)
	if err != nil {
		return nil, fmt.Errorf("status of measure %s in run %s: %w", measure, runID, err)
	}
	return &MeasureStatus{
		Measure:    measure,
		Status:     Rollup(dispatches),
		Dispatches: dispatches,
	}, nil
}

// ScoreStatus is the short latest-run summary of a score.
type ScoreStatus struct {
	Score  string       `json:"name"`
	RunID  string       `json:"run_id,omitempty"`
	Status broker.State `json:"status"`
}

// LatestScoreStatus summarizes the most recent run of a score. A score that
// exists but was never launched reports PENDING with no run id.
func (c *Conductor) LatestScoreStatus(scoreName string) (*ScoreStatus, error) {
	if _, err := c.scores.Get(scoreName); err != nil {
		return nil, err
	}

	run, err := c.db.LatestRunForScore(scoreName)
	if errors.Is(err, store.ErrRunNotFound) {
		return &ScoreStatus{Score: scoreName, Status: broker.StatePending}, nil
	}
	if err != nil {
		return nil, err
	}

	rs, err := c.RunStatus(run.ID)
	if err != nil {
		return nil, err
	}
	return &ScoreStatus{Score: scoreName, RunID: run.ID, Status: rs.Status}, nil
}
