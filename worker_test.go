package queuectl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// stringLogger collects log lines so tests stay quiet.
type stringLogger struct {
	mu    sync.Mutex
	Lines []string
}

func (l *stringLogger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Lines = append(l.Lines, fmt.Sprintf(format, v...))
}

// scriptedRunner returns canned results per command, in order. It lets the
// worker tests steer execution outcomes without spawning real processes.
type scriptedRunner struct {
	mu      sync.Mutex
	results []*RunResult
	calls   int
}

func (r *scriptedRunner) Run(ctx context.Context, command string) *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls >= len(r.results) {
		return &RunResult{Stdout: "default"}
	}
	res := r.results[r.calls]
	r.calls++
	return res
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

// TestWorkerHappyPath runs a real shell command end to end: enqueue, let
// one worker claim and execute it, then assert the terminal row.
func TestWorkerHappyPath(t *testing.T) {
	ctx := context.Background()
	succeeded := make(chan struct{}, 1)
	m := New(SetConfig(testConfig()), SetLogger(&stringLogger{}))
	m.testJobSucceeded = func() { succeeded <- struct{}{} }
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	if _, err := m.Enqueue(ctx, &EnqueueRequest{ID: "a", Command: "echo hi"}); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	w := NewWorker(m, SetWorkerID("w1"))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-succeeded:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete in time")
	}
	w.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	got, err := m.Lookup(ctx, "a")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.State, Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := got.Output, "hi"; have != want {
		t.Fatalf("Output = %q, want %q", have, want)
	}
	if have, want := got.Attempts, 0; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if got.Locked() {
		t.Fatalf("job still locked by %q", got.LockedBy)
	}
}

// TestWorkerRetriesThenSucceeds scripts two failures followed by a
// success and asserts the attempt accounting: failed executions
// increment the counter, the successful one does not.
func TestWorkerRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	succeeded := make(chan struct{}, 1)

	cfg := testConfig()
	m := New(SetConfig(cfg), SetLogger(&stringLogger{}))
	m.nowFn = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		// Advance the clock past any backoff on every observation, so the
		// retries become eligible without real sleeping.
		now = now.Add(time.Minute)
		return now
	}
	m.testJobSucceeded = func() { succeeded <- struct{}{} }

	retries := 3
	if _, err := m.Enqueue(ctx, &EnqueueRequest{ID: "flaky", Command: "flaky-command", MaxRetries: &retries}); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	runner := &scriptedRunner{results: []*RunResult{
		{ExitCode: 1, Stderr: "boom"},
		{ExitCode: 1, Stderr: "boom again"},
		{Stdout: "finally"},
	}}
	w := NewWorker(m, SetWorkerID("w1"), SetRunner(runner))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-succeeded:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete in time")
	}
	w.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	got, err := m.Lookup(ctx, "flaky")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.State, Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := got.Attempts, 2; have != want {
		t.Fatalf("Attempts = %d, want %d (only failed executions count)", have, want)
	}
	if have, want := got.Output, "finally"; have != want {
		t.Fatalf("Output = %q, want %q", have, want)
	}
}

// TestWorkerExhaustsToDLQ scripts persistent failure and asserts the job
// dies on the (max_retries+1)-th execution.
func TestWorkerExhaustsToDLQ(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	died := make(chan struct{}, 1)

	m := New(SetConfig(testConfig()), SetLogger(&stringLogger{}))
	m.nowFn = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
	m.testJobDied = func() { died <- struct{}{} }

	retries := 2
	if _, err := m.Enqueue(ctx, &EnqueueRequest{ID: "doomed", Command: "always-fails", MaxRetries: &retries}); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	runner := &scriptedRunner{results: []*RunResult{
		{ExitCode: 1, Stderr: "err 1"},
		{ExitCode: 1, Stderr: "err 2"},
		{ExitCode: 1, Stderr: "err 3"},
	}}
	w := NewWorker(m, SetWorkerID("w1"), SetRunner(runner))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-died:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not reach the DLQ in time")
	}
	w.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	got, err := m.Lookup(ctx, "doomed")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.State, Dead; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := got.Attempts, 3; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if have, want := got.Error, "err 3"; have != want {
		t.Fatalf("Error = %q, want %q", have, want)
	}
	if have, want := runner.calls, 3; have != want {
		t.Fatalf("executions = %d, want %d", have, want)
	}
}

// TestWorkerParallelNonOverlap runs several workers against one store and
// checks that every job completes exactly once.
func TestWorkerParallelNonOverlap(t *testing.T) {
	ctx := context.Background()
	succeeded := make(chan struct{}, 16)
	m := New(SetConfig(testConfig()), SetLogger(&stringLogger{}))
	m.testJobSucceeded = func() { succeeded <- struct{}{} }

	const jobs = 6
	ids := []string{"j0", "j1", "j2", "j3", "j4", "j5"}
	for _, id := range ids {
		if _, err := m.Enqueue(ctx, &EnqueueRequest{ID: id, Command: "echo " + id}); err != nil {
			t.Fatalf("Enqueue failed with %v", err)
		}
	}

	var workers []*Worker
	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		w := NewWorker(m)
		workers = append(workers, w)
		go func(w *Worker) { done <- w.Run(ctx) }(w)
	}

	for i := 0; i < jobs; i++ {
		select {
		case <-succeeded:
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d of %d jobs completed in time", i, jobs)
		}
	}
	for _, w := range workers {
		w.Stop()
	}
	for range workers {
		if err := <-done; err != nil {
			t.Fatalf("Run returned %v", err)
		}
	}

	for _, id := range ids {
		got, err := m.Lookup(ctx, id)
		if err != nil {
			t.Fatalf("Lookup failed with %v", err)
		}
		if have, want := got.State, Completed; have != want {
			t.Fatalf("job %s: State = %q, want %q", id, have, want)
		}
		if have, want := got.Output, id; have != want {
			t.Fatalf("job %s: Output = %q, want %q", id, have, want)
		}
		if have, want := got.Attempts, 0; have != want {
			t.Fatalf("job %s: Attempts = %d, want %d (no double execution)", id, have, want)
		}
	}
}

// TestWorkerDrainFinishesInFlightJob checks graceful shutdown: a stop
// request during execution does not kill the child, and the outcome is
// still reported.
func TestWorkerDrainFinishesInFlightJob(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	succeeded := make(chan struct{}, 1)

	m := New(SetConfig(testConfig()), SetLogger(&stringLogger{}))
	m.testJobSucceeded = func() { succeeded <- struct{}{} }
	if _, err := m.Enqueue(ctx, &EnqueueRequest{ID: "slow", Command: "slow-command"}); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	runner := runnerFunc(func(rctx context.Context, command string) *RunResult {
		close(started)
		select {
		case <-release:
			return &RunResult{Stdout: "done"}
		case <-rctx.Done():
			return &RunResult{ExitCode: -1, Killed: true}
		}
	})
	w := NewWorker(m, SetWorkerID("w1"), SetRunner(runner))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	w.Stop() // drain request while the job is in flight
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain in time")
	}
	select {
	case <-succeeded:
	default:
		t.Fatal("in-flight job was not reported before exit")
	}

	got, err := m.Lookup(ctx, "slow")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.State, Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
}

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, command string) *RunResult

func (f runnerFunc) Run(ctx context.Context, command string) *RunResult {
	return f(ctx, command)
}

// TestWorkerAbortKillsInFlightJob checks the escalation path: Abort
// cancels the child and the interrupted execution is reported as a
// failure.
func TestWorkerAbortKillsInFlightJob(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	failed := make(chan struct{}, 1)

	m := New(SetConfig(testConfig()), SetLogger(&stringLogger{}))
	m.testJobFailed = func() { failed <- struct{}{} }
	if _, err := m.Enqueue(ctx, &EnqueueRequest{ID: "stuck", Command: "stuck-command"}); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	runner := runnerFunc(func(rctx context.Context, command string) *RunResult {
		close(started)
		<-rctx.Done()
		return &RunResult{ExitCode: -1, Killed: true}
	})
	w := NewWorker(m, SetWorkerID("w1"), SetRunner(runner))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	w.Stop()
	w.Abort()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit in time")
	}
	select {
	case <-failed:
	default:
		t.Fatal("aborted job was not reported as failed")
	}

	got, err := m.Lookup(ctx, "stuck")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.State, Failed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if !strings.Contains(got.Error, "killed") {
		t.Fatalf("Error = %q, want a kill diagnostic", got.Error)
	}
}

// TestWorkerDiscardsLockLostOutcome simulates a reaped claim: the
// worker's report must be discarded without disturbing the new state.
func TestWorkerDiscardsLockLostOutcome(t *testing.T) {
	ctx := context.Background()
	logger := &stringLogger{}
	m := New(SetConfig(testConfig()), SetLogger(logger))

	if _, err := m.Enqueue(ctx, &EnqueueRequest{ID: "a", Command: "true"}); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	job, err := m.Claim(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("Claim = %v, %v", job, err)
	}

	// Steal the lock, as the reaper would after a crash.
	if err := m.st.UpdateLocked(ctx, "a", "w1", &JobUpdate{State: Failed, Error: "stale lock reclaimed"}); err != nil {
		t.Fatalf("UpdateLocked failed with %v", err)
	}

	if err := m.ReportSuccess(ctx, job, "too late"); !errors.Is(err, ErrLockLost) {
		t.Fatalf("ReportSuccess = %v, want ErrLockLost", err)
	}
	got, err := m.Lookup(ctx, "a")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.State, Failed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if got.Output != "" {
		t.Fatalf("Output = %q, want empty (late result discarded)", got.Output)
	}
}
