package store

import (
	"errors"
	"testing"
	"time"

	"github.com/johann-project/johann-go/internal/broker"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()

	db, err := NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := newTestDB(t)

	created := time.Date(2021, 3, 14, 9, 26, 53, 0, time.UTC)
	run := &Run{
		ID:        "20210314092653-deadbeef",
		Score:     "test_johann_pushing",
		State:     RunCreated,
		CreatedAt: created,
	}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}

	got, err := db.GetRun(run.ID)
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	if got.Score != "test_johann_pushing" || got.State != RunCreated {
		t.Errorf("Unexpected run row: %+v", got)
	}
	if got.FinishedAt != nil {
		t.Errorf("New run should not have a finish time, got %v", got.FinishedAt)
	}

	if err := db.SetRunState(run.ID, RunDispatching); err != nil {
		t.Fatalf("Failed to set run state: %v", err)
	}
	got, _ = db.GetRun(run.ID)
	if got.State != RunDispatching {
		t.Errorf("Expected state %s, got %s", RunDispatching, got.State)
	}

	finished := created.Add(90 * time.Second)
	if err := db.FinishRun(run.ID, string(broker.StateSuccess), finished); err != nil {
		t.Fatalf("Failed to finish run: %v", err)
	}
	got, _ = db.GetRun(run.ID)
	if got.State != string(broker.StateSuccess) {
		t.Errorf("Expected terminal state SUCCESS, got %s", got.State)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("Expected finish time %v, got %v", finished, got.FinishedAt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetRun("no-such-run")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

func TestLatestRunForScore(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2021, 3, 14, 9, 0, 0, 0, time.UTC)
	runs := []*Run{
		{ID: "run-old", Score: "pushing", State: RunDispatched, CreatedAt: base},
		{ID: "run-new", Score: "pushing", State: RunCreated, CreatedAt: base.Add(time.Hour)},
		{ID: "run-other", Score: "probing", State: RunCreated, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, r := range runs {
		if err := db.CreateRun(r); err != nil {
			t.Fatalf("Failed to create run %s: %v", r.ID, err)
		}
	}

	latest, err := db.LatestRunForScore("pushing")
	if err != nil {
		t.Fatalf("LatestRunForScore failed: %v", err)
	}
	if latest.ID != "run-new" {
		t.Errorf("Expected run-new, got %s", latest.ID)
	}

	_, err = db.LatestRunForScore("never_launched")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound for unlaunched score, got %v", err)
	}
}

func TestDispatchesPreserveInsertionOrder(t *testing.T) {
	db := newTestDB(t)

	run := &Run{ID: "run1", Score: "pushing", State: RunCreated, CreatedAt: time.Now().UTC()}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}

	dispatches := []*Dispatch{
		{TaskID: "t1", RunID: "run1", Measure: "ls_root", Player: "docker_targets", Host: "blank_3.6_buster", State: broker.StatePending},
		{TaskID: "t2", RunID: "run1", Measure: "ls_root", Player: "docker_targets", Host: "blank_3.7_buster", State: broker.StatePending},
		{TaskID: "t3", RunID: "run1", Measure: "cleanup", Player: "docker_targets", Host: "blank_3.6_buster", State: broker.StateDeferred},
	}
	for _, d := range dispatches {
		if err := db.RecordDispatch(d); err != nil {
			t.Fatalf("Failed to record dispatch %s: %v", d.TaskID, err)
		}
	}

	all, err := db.ListDispatches("run1")
	if err != nil {
		t.Fatalf("ListDispatches failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 dispatches, got %d", len(all))
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if all[i].TaskID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, all[i].TaskID)
		}
	}

	measure, err := db.ListMeasureDispatches("run1", "ls_root")
	if err != nil {
		t.Fatalf("ListMeasureDispatches failed: %v", err)
	}
	if len(measure) != 2 {
		t.Errorf("Expected 2 ls_root dispatches, got %d", len(measure))
	}
}

func TestUpdateDispatchFirstTerminalWriteWins(t *testing.T) {
	db := newTestDB(t)

	run := &Run{ID: "run1", Score: "pushing", State: RunCreated, CreatedAt: time.Now().UTC()}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	d := &Dispatch{TaskID: "t1", RunID: "run1", Measure: "m", Player: "p", Host: "h", State: broker.StatePending}
	if err := db.RecordDispatch(d); err != nil {
		t.Fatalf("Failed to record dispatch: %v", err)
	}

	applied, err := db.UpdateDispatch("t1", broker.StateStarted, "", "")
	if err != nil || !applied {
		t.Fatalf("Expected STARTED update to apply, got applied=%v err=%v", applied, err)
	}

	applied, err = db.UpdateDispatch("t1", broker.StateSuccess, `{"returncode":0}`, "")
	if err != nil || !applied {
		t.Fatalf("Expected SUCCESS update to apply, got applied=%v err=%v", applied, err)
	}

	// late duplicate delivery must be dropped
	applied, err = db.UpdateDispatch("t1", broker.StateFailure, "", "boom")
	if err != nil {
		t.Fatalf("UpdateDispatch failed: %v", err)
	}
	if applied {
		t.Error("Update against a terminal row should not apply")
	}

	all, _ := db.ListDispatches("run1")
	if all[0].State != broker.StateSuccess {
		t.Errorf("Expected state SUCCESS to stick, got %s", all[0].State)
	}
	if all[0].Result != `{"returncode":0}` {
		t.Errorf("Result overwritten: %q", all[0].Result)
	}

	// updates against unknown task ids apply to nothing
	applied, err = db.UpdateDispatch("ghost", broker.StateSuccess, "", "")
	if err != nil {
		t.Fatalf("UpdateDispatch failed: %v", err)
	}
	if applied {
		t.Error("Update for unknown task id should not apply")
	}
}
