// Package store persists run state: one row per launched run plus one row
// per dispatch, written by the run coordinator at submission time and
// updated by the status watcher as results arrive.
package store

import (
	"time"

	"github.com/johann-project/johann-go/internal/broker"
)

// Run submission states. Completion states (SUCCESS/FAILURE) are written by
// the watcher once every dispatch is terminal; aggregation before that is
// computed from the dispatch rows.
const (
	RunCreated     = "CREATED"
	RunDispatching = "DISPATCHING"
	RunDispatched  = "DISPATCHED"
)

// Run is one launched execution instance of a Score.
type Run struct {
	ID         string     `json:"run_id"`
	Score      string     `json:"score"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Dispatch is the persisted record of one (measure, player, host) unit of
// work within a run, keyed by its broker task id.
type Dispatch struct {
	TaskID    string       `json:"task_id"`
	RunID     string       `json:"run_id"`
	Measure   string       `json:"measure"`
	Player    string       `json:"player"`
	Host      string       `json:"host"`
	State     broker.State `json:"state"`
	Result    string       `json:"result,omitempty"` // JSON-encoded task result
	Error     string       `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DB is the run-state persistence contract.
type DB interface {
	// CreateRun inserts a new run row.
	CreateRun(run *Run) error

	// GetRun fetches a run by id. Missing runs report ErrRunNotFound.
	GetRun(id string) (*Run, error)

	// SetRunState advances the run submission state.
	SetRunState(id, state string) error

	// FinishRun records the terminal state and finish time of a run.
	FinishRun(id, state string, finishedAt time.Time) error

	// LatestRunForScore returns the most recently created run of a score,
	// or ErrRunNotFound when the score has never been launched.
	LatestRunForScore(score string) (*Run, error)

	// RecordDispatch inserts one dispatch row.
	RecordDispatch(d *Dispatch) error

	// UpdateDispatch applies a status update keyed by task id. The first
	// terminal write wins: updates against an already-terminal row are
	// dropped. Reports whether the write applied.
	UpdateDispatch(taskID string, state broker.State, result, errMsg string) (bool, error)

	// ListDispatches returns every dispatch of a run, in insertion order
	// (measure document order, then host).
	ListDispatches(runID string) ([]Dispatch, error)

	// ListMeasureDispatches returns the dispatches of one measure in a run.
	ListMeasureDispatches(runID, measure string) ([]Dispatch, error)

	Close() error
}
