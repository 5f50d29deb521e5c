// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package queuectl implements a single-machine, durable background job
// queue that executes shell commands through a pool of cooperating worker
// processes.
//
// Applications first create a Manager. The manager enforces the job state
// machine (pending, processing, completed, failed, dead) and is the only
// component that transitions job state. It is backed by a Store for
// persistence. By default an in-memory store is used; persistent stores
// live in the "sqlite", "mysql" and "mongodb" packages.
//
// New jobs are added via Enqueue. A job carries an opaque identifier and
// a shell command. Workers, created via NewWorker, repeatedly claim the
// oldest eligible job, execute its command as a child process, capture
// the output and report the outcome back to the manager. The claim is an
// atomic compare-and-set in the store, so a job is never executed by two
// workers at once even when many worker processes poll the same store.
//
// A failed execution increments the job's attempt counter and schedules a
// retry after an exponential backoff. Once the counter exceeds the job's
// retry ceiling, the job moves to the dead letter queue, where it stays
// until an operator inspects it or requeues it via RetryDeadLetter.
//
// Workers that crash mid-execution leave their claim behind. Any worker
// reclaims such stale locks before claiming: the job moves back to failed
// and becomes immediately eligible again, without charging the job an
// attempt for the crash.
package queuectl
