// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package queuectl

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound must be returned from Store implementations when a certain
	// job could not be found in the specific data store.
	ErrNotFound = errors.New("queuectl: job not found")

	// ErrDuplicateID must be returned from Store implementations when a job
	// with the same identifier already exists.
	ErrDuplicateID = errors.New("queuectl: job id already exists")

	// ErrLockLost must be returned from Store implementations when a
	// conditional update finds that the caller no longer holds the job's
	// lock, typically because the stale-lock reaper reclaimed it.
	ErrLockLost = errors.New("queuectl: job lock no longer held")

	// ErrNotInDLQ is returned when a dead-letter retry is requested for a
	// job that is not in the dead state.
	ErrNotInDLQ = errors.New("queuectl: job is not in the dead letter queue")
)

// Store implements persistent storage of jobs.
//
// Implementations must make Claim and UpdateLocked atomic: no two callers
// may ever observe the same row as claimed, and a conditional update must
// apply if and only if the expected lock holder still holds the lock.
type Store interface {
	// Start is called once before the store is used. This is the place to
	// create schemas and indexes.
	Start(ctx context.Context) error

	// Create adds a job to the store. It returns ErrDuplicateID if a job
	// with the same identifier exists.
	Create(ctx context.Context, job *Job) error

	// Lookup returns the details of a job by its identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Lookup(ctx context.Context, id string) (*Job, error)

	// List returns jobs filtered by the ListRequest, ordered by creation
	// time, newest first.
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)

	// Claim atomically picks the oldest eligible job and locks it for the
	// given worker. A job is eligible when it is pending or failed, its
	// retry deadline (if any) has passed, and it is either unlocked or its
	// lock is older than staleCutoff. The claimed job is moved into the
	// processing state.
	//
	// If no job is eligible, the store must return nil for both the job
	// and the error.
	Claim(ctx context.Context, workerID string, now, staleCutoff time.Time) (*Job, error)

	// UpdateLocked applies the update to the job if and only if the job is
	// still locked by lockedBy; otherwise it returns ErrLockLost. The lock
	// columns are always cleared as part of the update.
	UpdateLocked(ctx context.Context, id, lockedBy string, update *JobUpdate) error

	// ListStale returns all processing jobs whose lock is older than the
	// cutoff. It is used by the stale-lock reaper.
	ListStale(ctx context.Context, cutoff time.Time) ([]*Job, error)

	// ResetForRetry moves a dead job back to pending, resetting attempts
	// and clearing the previous run's error, output and retry deadline.
	// It returns ErrNotFound for unknown jobs and ErrNotInDLQ for jobs
	// that are not dead.
	ResetForRetry(ctx context.Context, id string) error

	// Stats returns the number of jobs per state.
	Stats(ctx context.Context) (*Stats, error)
}

// JobUpdate describes the fields written when a job leaves the processing
// state. The lock columns are cleared implicitly.
type JobUpdate struct {
	State       string    // new state
	Attempts    int       // absolute attempt count after the transition
	Error       string    // captured standard error, empty to clear
	Output      string    // captured standard output, empty to clear
	NextRetryAt time.Time // retry deadline, zero to clear
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	State string // filter by job state, empty for all
	Limit int    // maximum number of jobs to return, 0 for no limit
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total int    // total number of jobs matching the filter, ignoring Limit
	Jobs  []*Job // list of jobs
}
