// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package queuectl

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingID is returned by Enqueue when no job identifier is given.
	ErrMissingID = errors.New("queuectl: missing job id")

	// ErrMissingCommand is returned by Enqueue when no command is given.
	ErrMissingCommand = errors.New("queuectl: missing job command")

	// ErrNegativeRetries is returned by Enqueue when a negative retry
	// ceiling is given.
	ErrNegativeRetries = errors.New("queuectl: max retries must not be negative")
)

func nop() {}

// Manager enforces the job state machine. It is the only component that
// transitions job state; workers and the control plane both go through it.
// Create a new manager via New.
type Manager struct {
	logger  Logger
	st      Store // persistent storage
	cfg     Config
	backoff BackoffFunc
	nowFn   func() time.Time

	testJobEnqueued  func() // testing hook
	testJobClaimed   func() // testing hook
	testJobSucceeded func() // testing hook
	testJobFailed    func() // testing hook
	testJobDied      func() // testing hook
	testJobReaped    func() // testing hook
}

// New creates a new manager. Pass options to New to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:           stdLogger{},
		st:               NewInMemoryStore(),
		cfg:              DefaultConfig(),
		nowFn:            func() time.Time { return time.Now().UTC() },
		testJobEnqueued:  nop,
		testJobClaimed:   nop,
		testJobSucceeded: nop,
		testJobFailed:    nop,
		testJobDied:      nop,
		testJobReaped:    nop,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.backoff == nil {
		m.backoff = ExponentialBackoff(m.cfg.BackoffBase)
	}
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// SetStore specifies the backing Store implementation for the manager.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetConfig specifies the configuration. The zero value is not usable;
// start from DefaultConfig.
func SetConfig(cfg Config) ManagerOption {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// SetBackoffFunc specifies the backoff function that returns the time span
// between retries of failed jobs. Exponential backoff on the configured
// base is used by default.
func SetBackoffFunc(fn BackoffFunc) ManagerOption {
	return func(m *Manager) {
		m.backoff = fn
	}
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start initializes the backing store. It must be called once before the
// manager is used.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.cfg.Validate(); err != nil {
		return err
	}
	return m.st.Start(ctx)
}

// -- Enqueue --

// EnqueueRequest is the payload consumed from the control-plane caller.
type EnqueueRequest struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	MaxRetries *int   `json:"max_retries,omitempty"` // nil means the configured default
}

// Enqueue adds a new job in the pending state. If Enqueue returns nil, the
// caller can be sure the job is stored in the backing store and will be
// picked up by a worker at a later time.
func (m *Manager) Enqueue(ctx context.Context, req *EnqueueRequest) (*Job, error) {
	if req.ID == "" {
		return nil, ErrMissingID
	}
	if req.Command == "" {
		return nil, ErrMissingCommand
	}
	maxRetries := m.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, ErrNegativeRetries
		}
		maxRetries = *req.MaxRetries
	}
	now := m.nowFn()
	job := &Job{
		ID:         req.ID,
		Command:    req.Command,
		State:      Pending,
		Attempts:   0,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.st.Create(ctx, job); err != nil {
		return nil, err
	}
	m.testJobEnqueued() // testing hook
	return job, nil
}

// -- Claim and report --

// Claim atomically picks the oldest eligible job for the given worker and
// moves it into the processing state. It returns nil for both the job and
// the error when no job is eligible.
func (m *Manager) Claim(ctx context.Context, workerID string) (*Job, error) {
	now := m.nowFn()
	job, err := m.st.Claim(ctx, workerID, now, now.Add(-m.cfg.StaleLockThreshold))
	if err != nil {
		return nil, err
	}
	if job != nil {
		m.testJobClaimed() // testing hook
	}
	return job, nil
}

// ReportSuccess moves a processing job to completed, storing the captured
// output. The update is conditional on the worker still holding the job's
// lock; if the lock has been reaped in the meantime, ErrLockLost is
// returned and the outcome must be discarded.
func (m *Manager) ReportSuccess(ctx context.Context, job *Job, output string) error {
	err := m.st.UpdateLocked(ctx, job.ID, job.LockedBy, &JobUpdate{
		State:    Completed,
		Attempts: job.Attempts,
		Output:   output,
	})
	if err != nil {
		return err
	}
	m.testJobSucceeded() // testing hook
	return nil
}

// ReportFailure records a failed execution. The attempt counter is
// incremented; if it still fits under the job's retry ceiling, the job
// moves to failed with a retry deadline computed from the backoff
// function, otherwise it moves to the dead letter queue. Like
// ReportSuccess, the update is conditional on the lock being held.
func (m *Manager) ReportFailure(ctx context.Context, job *Job, message string) error {
	attempts := job.Attempts + 1
	if attempts > job.MaxRetries {
		err := m.st.UpdateLocked(ctx, job.ID, job.LockedBy, &JobUpdate{
			State:    Dead,
			Attempts: attempts,
			Error:    message,
		})
		if err != nil {
			return err
		}
		m.testJobDied() // testing hook
		return nil
	}
	err := m.st.UpdateLocked(ctx, job.ID, job.LockedBy, &JobUpdate{
		State:       Failed,
		Attempts:    attempts,
		Error:       message,
		NextRetryAt: m.nowFn().Add(m.backoff(attempts)),
	})
	if err != nil {
		return err
	}
	m.testJobFailed() // testing hook
	return nil
}

// -- Stale-lock reaper --

// ReapStale moves processing jobs whose lock is older than the stale-lock
// threshold back to failed, immediately eligible for another execution.
// The attempt counter is left unchanged: a worker crash is not the job's
// fault. Each transition is conditional on the observed lock holder, so
// concurrent reapers and late reports cannot double-apply. ReapStale
// returns the number of jobs reclaimed.
func (m *Manager) ReapStale(ctx context.Context) (int, error) {
	now := m.nowFn()
	stale, err := m.st.ListStale(ctx, now.Add(-m.cfg.StaleLockThreshold))
	if err != nil {
		return 0, err
	}
	var reaped int
	for _, job := range stale {
		err := m.st.UpdateLocked(ctx, job.ID, job.LockedBy, &JobUpdate{
			State:       Failed,
			Attempts:    job.Attempts,
			Error:       "stale lock reclaimed",
			NextRetryAt: now,
		})
		if errors.Is(err, ErrLockLost) {
			// Lost the race against another reaper or a late report.
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++
		m.testJobReaped() // testing hook
	}
	return reaped, nil
}

// -- Lookup, List, Stats and DLQ --

// Lookup returns the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (m *Manager) Lookup(ctx context.Context, id string) (*Job, error) {
	return m.st.Lookup(ctx, id)
}

// List returns all jobs matching the parameters in the request, newest
// first.
func (m *Manager) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return m.st.List(ctx, req)
}

// Stats returns current statistics about the job queue.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	return m.st.Stats(ctx)
}

// DeadLetters returns the jobs in the dead letter queue, newest first.
func (m *Manager) DeadLetters(ctx context.Context) ([]*Job, error) {
	rsp, err := m.st.List(ctx, &ListRequest{State: Dead})
	if err != nil {
		return nil, err
	}
	return rsp.Jobs, nil
}

// RetryDeadLetter moves a dead job back to pending so that it runs fresh:
// attempts are reset to zero and the previous run's error, output and
// retry deadline are cleared. It returns ErrNotFound for unknown jobs and
// ErrNotInDLQ for jobs that are not dead.
func (m *Manager) RetryDeadLetter(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrNotFound)
	}
	return m.st.ResetForRetry(ctx, id)
}
