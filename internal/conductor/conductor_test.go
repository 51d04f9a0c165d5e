package conductor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/johann-project/johann-go/internal/broker"
	"github.com/johann-project/johann-go/internal/score"
	"github.com/johann-project/johann-go/internal/store"
)

const pushingYAML = `
name: test_johann_pushing
category: testing
description: push johann code to blank targets and poke around
players:
  docker_targets:
    image: johann_player
    hosts:
      - blank_3.6_buster
      - blank_3.7_buster
measures:
  - name: ls_root
    players:
      - docker_targets
    start_delay: 0
    task: run_shell_command
    args:
      - "ls -la /"
`

type testHarness struct {
	conductor *Conductor
	queue     *broker.MemoryQueue
	db        *store.SQLiteDB
	scores    *score.Registry
	hosts     *score.Hosts
}

func newHarness(t *testing.T, docs ...string) *testHarness {
	t.Helper()

	scores := score.NewRegistry()
	hosts := score.NewHosts()
	for _, doc := range docs {
		s, err := score.Load([]byte(doc))
		if err != nil {
			t.Fatalf("Failed to load score: %v", err)
		}
		scores.Put(s)
		for _, p := range s.Players {
			for _, h := range p.Hostnames {
				hosts.Put(score.Host{Name: h, Image: p.Image})
			}
		}
	}

	db, err := store.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q := broker.NewMemoryQueue()
	c := New(scores, hosts, q, db, 10*time.Millisecond)
	t.Cleanup(func() { c.Close() })

	return &testHarness{conductor: c, queue: q, db: db, scores: scores, hosts: hosts}
}

// drainQueue consumes a queue in the background, settling every dispatch
// with the given terminal status.
func (h *testHarness) drainQueue(ctx context.Context, queue string, st broker.Status) {
	go func() {
		for {
			d, err := h.queue.Dequeue(ctx, queue, 50*time.Millisecond)
			if ctx.Err() != nil || err != nil {
				return
			}
			if d == nil {
				continue
			}
			h.queue.SetStarted(ctx, d.ID)
			h.queue.SetResult(ctx, d.ID, st)
		}
	}()
}

func (h *testHarness) waitFinished(t *testing.T, runID string) *store.Run {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.db.GetRun(runID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.FinishedAt != nil {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never finished", runID)
	return nil
}

func TestLaunchCreatesOneDispatchPerHost(t *testing.T) {
	h := newHarness(t, pushingYAML)

	run, err := h.conductor.Launch(context.Background(), "test_johann_pushing", nil)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if run.State != store.RunDispatched {
		t.Errorf("Expected state %s, got %s", store.RunDispatched, run.State)
	}

	dispatches, err := h.db.ListDispatches(run.ID)
	if err != nil {
		t.Fatalf("ListDispatches failed: %v", err)
	}
	if len(dispatches) != 2 {
		t.Fatalf("Expected 2 dispatches (one per host), got %d", len(dispatches))
	}
	if dispatches[0].TaskID == dispatches[1].TaskID {
		t.Error("Dispatches must carry distinct task ids")
	}
	hosts := map[string]bool{}
	for _, d := range dispatches {
		hosts[d.Host] = true
		if d.Measure != "ls_root" || d.Player != "docker_targets" {
			t.Errorf("Unexpected dispatch row: %+v", d)
		}
	}
	if !hosts["blank_3.6_buster"] || !hosts["blank_3.7_buster"] {
		t.Errorf("Expected one dispatch per host, got %v", hosts)
	}
}

func TestLaunchDeliversArgsToWorkers(t *testing.T) {
	h := newHarness(t, pushingYAML)
	ctx := context.Background()

	if _, err := h.conductor.Launch(ctx, "test_johann_pushing", nil); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	for _, queue := range []string{"blank_3.6_buster", "blank_3.7_buster"} {
		d, err := h.queue.Dequeue(ctx, queue, time.Second)
		if err != nil || d == nil {
			t.Fatalf("No dispatch on queue %s: %v", queue, err)
		}
		if d.Task != "run_shell_command" {
			t.Errorf("Queue %s: expected task run_shell_command, got %q", queue, d.Task)
		}
		if len(d.Args) != 1 || d.Args[0] != "ls -la /" {
			t.Errorf("Queue %s: args not preserved: %v", queue, d.Args)
		}
	}
}

func TestLaunchUnknownScore(t *testing.T) {
	h := newHarness(t, pushingYAML)

	_, err := h.conductor.Launch(context.Background(), "no_such_score", nil)
	if !errors.Is(err, score.ErrScoreNotFound) {
		t.Fatalf("Expected ErrScoreNotFound, got %v", err)
	}

	// a rejected launch must leave no run behind
	if _, err := h.db.LatestRunForScore("no_such_score"); !errors.Is(err, store.ErrRunNotFound) {
		t.Errorf("Expected no run state for the failed launch, got %v", err)
	}
}

func TestLaunchEmptyHostsProceeds(t *testing.T) {
	doc := `
name: hostless
players:
  lonely: {hosts: []}
measures:
  - {name: m1, players: [lonely], start_delay: 0, task: sleep, args: [1]}
`
	h := newHarness(t, doc)

	run, err := h.conductor.Launch(context.Background(), "hostless", nil)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	dispatches, _ := h.db.ListDispatches(run.ID)
	if len(dispatches) != 0 {
		t.Errorf("Expected zero dispatches, got %d", len(dispatches))
	}

	// nothing to wait on: the run settles vacuously
	finished := h.waitFinished(t, run.ID)
	if finished.State != string(broker.StateSuccess) {
		t.Errorf("Expected SUCCESS, got %s", finished.State)
	}
}

func TestLaunchPartialFailureStaysQueryable(t *testing.T) {
	h := newHarness(t, pushingYAML)
	h.queue.FailEnqueue = true

	run, err := h.conductor.Launch(context.Background(), "test_johann_pushing", nil)
	if err == nil {
		t.Fatal("Expected a launch error")
	}

	var partial *PartialLaunchError
	if !errors.As(err, &partial) {
		t.Fatalf("Expected PartialLaunchError, got %T: %v", err, err)
	}
	if !errors.Is(err, broker.ErrUnavailable) {
		t.Errorf("Expected the error to wrap ErrUnavailable, got %v", err)
	}
	if partial.Submitted != 0 || partial.Total != 2 {
		t.Errorf("Expected 0/2 submitted, got %d/%d", partial.Submitted, partial.Total)
	}

	// the run row and its dispatch rows exist despite the failure
	if run == nil {
		t.Fatal("Expected the created run back alongside the error")
	}
	got, err := h.db.GetRun(run.ID)
	if err != nil {
		t.Fatalf("Run not queryable after partial launch: %v", err)
	}
	if got.State != store.RunDispatching {
		t.Errorf("Expected run left in %s, got %s", store.RunDispatching, got.State)
	}
	dispatches, _ := h.db.ListDispatches(run.ID)
	if len(dispatches) != 2 {
		t.Errorf("Expected 2 recorded dispatches, got %d", len(dispatches))
	}
}

func TestLaunchOverridesValidated(t *testing.T) {
	h := newHarness(t, pushingYAML)
	ctx := context.Background()

	_, err := h.conductor.Launch(ctx, "test_johann_pushing",
		map[string][]string{"ghost_player": {"blank_3.6_buster"}})
	if !errors.Is(err, score.ErrPlayerNotFound) {
		t.Errorf("Expected ErrPlayerNotFound, got %v", err)
	}

	_, err = h.conductor.Launch(ctx, "test_johann_pushing",
		map[string][]string{"docker_targets": {"unregistered_host"}})
	if !errors.Is(err, score.ErrHostNotFound) {
		t.Errorf("Expected ErrHostNotFound, got %v", err)
	}
}

func TestLaunchWithOverridesRedirectsDispatch(t *testing.T) {
	h := newHarness(t, pushingYAML)
	h.hosts.Put(score.Host{Name: "replacement_host"})
	ctx := context.Background()

	run, err := h.conductor.Launch(ctx, "test_johann_pushing",
		map[string][]string{"docker_targets": {"replacement_host"}})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	dispatches, _ := h.db.ListDispatches(run.ID)
	if len(dispatches) != 1 || dispatches[0].Host != "replacement_host" {
		t.Errorf("Expected a single dispatch to replacement_host, got %+v", dispatches)
	}
}

func TestRunFinishesWithRollup(t *testing.T) {
	h := newHarness(t, pushingYAML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ok := broker.Status{State: broker.StateSuccess, Result: map[string]any{"returncode": 0}}
	h.drainQueue(ctx, "blank_3.6_buster", ok)
	h.drainQueue(ctx, "blank_3.7_buster", broker.Status{State: broker.StateFailure, Error: "exit 2"})

	run, err := h.conductor.Launch(ctx, "test_johann_pushing", nil)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	finished := h.waitFinished(t, run.ID)
	if finished.State != string(broker.StateFailure) {
		t.Errorf("Expected run FAILURE (one host failed), got %s", finished.State)
	}

	rs, err := h.conductor.RunStatus(run.ID)
	if err != nil {
		t.Fatalf("RunStatus failed: %v", err)
	}
	if rs.Status != broker.StateFailure {
		t.Errorf("Expected rollup FAILURE, got %s", rs.Status)
	}
	if len(rs.Measures) != 1 || rs.Measures[0].Measure != "ls_root" {
		t.Fatalf("Unexpected measure grouping: %+v", rs.Measures)
	}
	if rs.Measures[0].Status != broker.StateFailure {
		t.Errorf("Expected measure rollup FAILURE, got %s", rs.Measures[0].Status)
	}

	ms, err := h.conductor.MeasureStatus(run.ID, "ls_root")
	if err != nil {
		t.Fatalf("MeasureStatus failed: %v", err)
	}
	if len(ms.Dispatches) != 2 {
		t.Errorf("Expected 2 per-host dispatches, got %d", len(ms.Dispatches))
	}

	if _, err := h.conductor.MeasureStatus(run.ID, "no_such_measure"); !errors.Is(err, ErrMeasureNotFound) {
		t.Errorf("Expected ErrMeasureNotFound, got %v", err)
	}
}

const dependentYAML = `
name: sequenced
players:
  p: {hosts: [h1]}
measures:
  - {name: setup, players: [p], start_delay: 0, task: noop, args: []}
  - {name: payload, players: [p], depends_on: [setup], task: noop, args: []}
`

const proofYAML = `
name: sequenced_proof
players:
  p: {hosts: [h1]}
measures:
  - {name: setup, players: [p], start_delay: 0, task: doomed, args: []}
  - {name: payload, players: [p], depends_on: [setup], dependency_proof: true, task: noop, args: []}
`

func TestDeferredMeasureDispatchesAfterDependency(t *testing.T) {
	h := newHarness(t, dependentYAML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.drainQueue(ctx, "h1", broker.Status{State: broker.StateSuccess})

	run, err := h.conductor.Launch(ctx, "sequenced", nil)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	// the dependent measure starts DEFERRED
	ms, _ := h.conductor.MeasureStatus(run.ID, "payload")
	if len(ms.Dispatches) != 1 || ms.Dispatches[0].State != broker.StateDeferred {
		t.Fatalf("Expected payload to start DEFERRED, got %+v", ms.Dispatches)
	}

	finished := h.waitFinished(t, run.ID)
	if finished.State != string(broker.StateSuccess) {
		t.Errorf("Expected SUCCESS, got %s", finished.State)
	}
	ms, _ = h.conductor.MeasureStatus(run.ID, "payload")
	if ms.Status != broker.StateSuccess {
		t.Errorf("Expected payload SUCCESS after dependency settled, got %s", ms.Status)
	}
}

func TestDependencyFailurePropagates(t *testing.T) {
	h := newHarness(t, dependentYAML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.drainQueue(ctx, "h1", broker.Status{State: broker.StateFailure, Error: "boom"})

	run, err := h.conductor.Launch(ctx, "sequenced", nil)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	h.waitFinished(t, run.ID)

	ms, _ := h.conductor.MeasureStatus(run.ID, "payload")
	if ms.Status != broker.StateFailure {
		t.Fatalf("Expected payload FAILURE, got %s", ms.Status)
	}
	if !strings.Contains(ms.Dispatches[0].Error, "dependency failed (setup)") {
		t.Errorf("Expected dependency failure message, got %q", ms.Dispatches[0].Error)
	}
}

func TestDependencyProofSurvivesFailure(t *testing.T) {
	h := newHarness(t, proofYAML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// setup fails, but payload is dependency_proof and still runs
	go func() {
		for {
			d, err := h.queue.Dequeue(ctx, "h1", 50*time.Millisecond)
			if ctx.Err() != nil || err != nil {
				return
			}
			if d == nil {
				continue
			}
			st := broker.Status{State: broker.StateSuccess}
			if d.Task == "doomed" {
				st = broker.Status{State: broker.StateFailure, Error: "boom"}
			}
			h.queue.SetResult(ctx, d.ID, st)
		}
	}()

	run, err := h.conductor.Launch(ctx, "sequenced_proof", nil)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	finished := h.waitFinished(t, run.ID)
	if finished.State != string(broker.StateFailure) {
		t.Errorf("Expected run FAILURE from setup, got %s", finished.State)
	}

	ms, _ := h.conductor.MeasureStatus(run.ID, "payload")
	if ms.Status != broker.StateSuccess {
		t.Errorf("Expected dependency_proof payload to run and succeed, got %s", ms.Status)
	}
}

func TestRunIDsUniqueWithinOneSecond(t *testing.T) {
	now := time.Date(2021, 3, 14, 9, 26, 53, 0, time.UTC)
	a := newRunID(now)
	b := newRunID(now)

	if a == b {
		t.Errorf("Two launches in the same second collided: %s", a)
	}
	if !strings.HasPrefix(a, "20210314092653-") {
		t.Errorf("Expected timestamp prefix, got %s", a)
	}
}

func TestRollupPriorities(t *testing.T) {
	mk := func(states ...broker.State) []store.Dispatch {
		ds := make([]store.Dispatch, len(states))
		for i, s := range states {
			ds[i].State = s
		}
		return ds
	}

	tests := []struct {
		name string
		in   []store.Dispatch
		want broker.State
	}{
		{"empty", nil, broker.StatePending},
		{"all success", mk(broker.StateSuccess, broker.StateSuccess), broker.StateSuccess},
		{"failure dominates", mk(broker.StateSuccess, broker.StateFailure, broker.StateStarted), broker.StateFailure},
		{"started over queued", mk(broker.StateQueued, broker.StateStarted), broker.StateStarted},
		{"retry over progress", mk(broker.StateProgress, broker.StateRetry), broker.StateRetry},
		{"pending over success", mk(broker.StateSuccess, broker.StatePending), broker.StatePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rollup(tt.in); got != tt.want {
				t.Errorf("Rollup = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLatestScoreStatus(t *testing.T) {
	h := newHarness(t, pushingYAML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// never launched: PENDING with no run id
	st, err := h.conductor.LatestScoreStatus("test_johann_pushing")
	if err != nil {
		t.Fatalf("LatestScoreStatus failed: %v", err)
	}
	if st.Status != broker.StatePending || st.RunID != "" {
		t.Errorf("Unlaunched score: expected bare PENDING, got %+v", st)
	}

	if _, err := h.conductor.LatestScoreStatus("no_such_score"); !errors.Is(err, score.ErrScoreNotFound) {
		t.Errorf("Expected ErrScoreNotFound, got %v", err)
	}

	ok := broker.Status{State: broker.StateSuccess}
	h.drainQueue(ctx, "blank_3.6_buster", ok)
	h.drainQueue(ctx, "blank_3.7_buster", ok)

	run, err := h.conductor.Launch(ctx, "test_johann_pushing", nil)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	h.waitFinished(t, run.ID)

	st, err = h.conductor.LatestScoreStatus("test_johann_pushing")
	if err != nil {
		t.Fatalf("LatestScoreStatus failed: %v", err)
	}
	if st.RunID != run.ID || st.Status != broker.StateSuccess {
		t.Errorf("Expected latest run %s SUCCESS, got %+v", run.ID, st)
	}
}
