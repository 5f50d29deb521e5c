// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package queuectl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface. Do not use in production.
type InMemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[string]*Job),
	}
}

// Start the store.
func (st *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// Create adds a new job.
func (st *InMemoryStore) Create(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.jobs[job.ID]; found {
		return ErrDuplicateID
	}
	cp := *job
	st.jobs[job.ID] = &cp
	return nil
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(ctx context.Context, id string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// List finds matching jobs, newest first.
func (st *InMemoryStore) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	rsp := &ListResponse{}
	for _, job := range st.jobs {
		if req.State != "" && job.State != req.State {
			continue
		}
		rsp.Total++
		cp := *job
		rsp.Jobs = append(rsp.Jobs, &cp)
	}
	sort.Slice(rsp.Jobs, func(i, j int) bool {
		if !rsp.Jobs[i].CreatedAt.Equal(rsp.Jobs[j].CreatedAt) {
			return rsp.Jobs[i].CreatedAt.After(rsp.Jobs[j].CreatedAt)
		}
		return rsp.Jobs[i].ID > rsp.Jobs[j].ID
	})
	if req.Limit > 0 && len(rsp.Jobs) > req.Limit {
		rsp.Jobs = rsp.Jobs[:req.Limit]
	}
	return rsp, nil
}

// Claim picks the oldest eligible job and locks it for the given worker.
func (st *InMemoryStore) Claim(ctx context.Context, workerID string, now, staleCutoff time.Time) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var next *Job
	for _, job := range st.jobs {
		if !eligible(job, now, staleCutoff) {
			continue
		}
		if next == nil || job.CreatedAt.Before(next.CreatedAt) ||
			(job.CreatedAt.Equal(next.CreatedAt) && job.ID < next.ID) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = Processing
	next.LockedBy = workerID
	next.LockedAt = now
	next.UpdatedAt = now
	cp := *next
	return &cp, nil
}

func eligible(job *Job, now, staleCutoff time.Time) bool {
	if job.State != Pending && job.State != Failed {
		return false
	}
	if !job.NextRetryAt.IsZero() && job.NextRetryAt.After(now) {
		return false
	}
	if job.LockedBy != "" && !job.LockedAt.Before(staleCutoff) {
		return false
	}
	return true
}

// UpdateLocked applies the update iff the job is still locked by lockedBy.
func (st *InMemoryStore) UpdateLocked(ctx context.Context, id, lockedBy string, update *JobUpdate) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return ErrNotFound
	}
	if lockedBy == "" || job.LockedBy != lockedBy {
		return ErrLockLost
	}
	job.State = update.State
	job.Attempts = update.Attempts
	job.Error = update.Error
	job.Output = update.Output
	job.NextRetryAt = update.NextRetryAt
	job.LockedBy = ""
	job.LockedAt = time.Time{}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// ListStale returns processing jobs whose lock is older than the cutoff.
func (st *InMemoryStore) ListStale(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var stale []*Job
	for _, job := range st.jobs {
		if job.State == Processing && job.LockedBy != "" && job.LockedAt.Before(cutoff) {
			cp := *job
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LockedAt.Before(stale[j].LockedAt)
	})
	return stale, nil
}

// ResetForRetry moves a dead job back to pending.
func (st *InMemoryStore) ResetForRetry(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return ErrNotFound
	}
	if job.State != Dead {
		return ErrNotInDLQ
	}
	job.State = Pending
	job.Attempts = 0
	job.Error = ""
	job.Output = ""
	job.NextRetryAt = time.Time{}
	job.LockedBy = ""
	job.LockedAt = time.Time{}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// Stats returns statistics about the jobs in the store.
func (st *InMemoryStore) Stats(ctx context.Context) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, job := range st.jobs {
		stats.Add(job.State, 1)
	}
	return stats, nil
}
