// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package queuectl

import "time"

const (
	// Pending jobs are waiting to be picked up by a worker.
	Pending string = "pending"
	// Processing is the state of jobs currently claimed by a worker.
	Processing string = "processing"
	// Completed without errors.
	Completed string = "completed"
	// Failed and waiting for the next retry.
	Failed string = "failed"
	// Dead jobs exhausted their retry budget and rest in the dead letter queue.
	Dead string = "dead"
)

// Job is a shell command that needs to be executed.
type Job struct {
	ID          string    `json:"id"`                      // client-supplied identifier, unique
	Command     string    `json:"command"`                 // command handed verbatim to the shell
	State       string    `json:"state"`                   // current state
	Attempts    int       `json:"attempts"`                // number of failed executions so far
	MaxRetries  int       `json:"max_retries"`             // ceiling on Attempts before the job is dead
	CreatedAt   time.Time `json:"created_at"`              // time when Enqueue was called
	UpdatedAt   time.Time `json:"updated_at"`              // time of the last mutation
	LockedBy    string    `json:"locked_by,omitempty"`     // identity of the claiming worker, empty when unlocked
	LockedAt    time.Time `json:"locked_at,omitempty"`     // time the claim was taken, zero when unlocked
	NextRetryAt time.Time `json:"next_retry_at,omitempty"` // when a failed job becomes eligible again, zero otherwise
	Error       string    `json:"error,omitempty"`         // captured standard error of the last failed run
	Output      string    `json:"output,omitempty"`        // captured standard output of the successful run
}

// Terminal reports whether the job reached a terminal state.
func (j *Job) Terminal() bool {
	return j.State == Completed || j.State == Dead
}

// Locked reports whether the job is currently claimed by a worker.
func (j *Job) Locked() bool {
	return j.LockedBy != ""
}
