package queuectl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
)

// Worker is a long-running claim-execute-report loop. Each worker has a
// unique identity and coordinates with other workers exclusively through
// the durable store; there is no shared memory between workers.
//
// A worker runs one job at a time. It never begins a second claim cycle
// before the current job's outcome has been reported.
type Worker struct {
	m           *Manager
	id          string
	logger      Logger
	runner      Runner
	trapSignals bool

	stopOnce sync.Once
	stopc    chan struct{}

	mu    sync.Mutex
	abort context.CancelFunc // kills the in-flight child, nil when idle
}

// WorkerOption is the signature of an options provider for NewWorker.
type WorkerOption func(*Worker)

// SetWorkerID overrides the generated worker identity.
func SetWorkerID(id string) WorkerOption {
	return func(w *Worker) {
		w.id = id
	}
}

// SetRunner overrides the command runner. The default hands commands to
// a shell.
func SetRunner(r Runner) WorkerOption {
	return func(w *Worker) {
		w.runner = r
	}
}

// SetWorkerLogger overrides the logger inherited from the manager.
func SetWorkerLogger(logger Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// TrapSignals makes Run install handlers for SIGINT and SIGTERM: the
// first signal requests a graceful drain, a second one within the
// shutdown grace window kills the in-flight child.
func TrapSignals() WorkerOption {
	return func(w *Worker) {
		w.trapSignals = true
	}
}

// NewWorker creates a worker bound to the given manager. The identity is
// derived from the OS process id plus a random salt, stable for the
// lifetime of the worker.
func NewWorker(m *Manager, options ...WorkerOption) *Worker {
	w := &Worker{
		m:      m,
		id:     fmt.Sprintf("worker-%d-%s", os.Getpid(), uuid.NewString()[:8]),
		logger: m.logger,
		stopc:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(w)
	}
	if w.runner == nil {
		w.runner = newShellRunner(m.cfg.OutputCap)
	}
	return w
}

// ID returns the worker's identity.
func (w *Worker) ID() string {
	return w.id
}

// Stop requests a graceful drain: the worker finishes its in-flight job,
// reports the outcome and returns from Run. Stop is safe to call more
// than once and from any goroutine.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopc) })
}

// Abort kills the in-flight child process, if any. The interrupted
// execution is reported as a failure.
func (w *Worker) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abort != nil {
		w.abort()
	}
}

// Run executes the worker loop until the context is canceled or Stop is
// called: reap stale locks, claim, execute, report, repeat. Cancellation
// is cooperative; an in-flight job is finished and reported before Run
// returns. Transient store errors are retried with exponential backoff;
// Run returns an error only when the store stays unavailable.
func (w *Worker) Run(ctx context.Context) error {
	if w.trapSignals {
		sigc := make(chan os.Signal, 2)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigc)
		go w.watchSignals(sigc)
	}

	w.logger.Printf("queuectl: worker %s started", w.id)
	defer w.logger.Printf("queuectl: worker %s stopped", w.id)

	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 2 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopc:
			return nil
		default:
		}

		// Best-effort reap pass before claiming.
		if n, err := w.m.ReapStale(ctx); err != nil {
			w.logger.Printf("queuectl: worker %s: reap pass failed: %v", w.id, err)
		} else if n > 0 {
			w.logger.Printf("queuectl: worker %s reclaimed %d stale lock(s)", w.id, n)
		}

		job, err := w.m.Claim(ctx, w.id)
		if err != nil {
			delay := retry.NextBackOff()
			if delay == backoff.Stop {
				return fmt.Errorf("queuectl: worker %s: store unavailable: %w", w.id, err)
			}
			w.logger.Printf("queuectl: worker %s: claim failed, retrying in %v: %v", w.id, delay, err)
			w.sleep(ctx, delay)
			continue
		}
		retry.Reset()

		if job == nil {
			w.sleep(ctx, w.m.cfg.PollInterval)
			continue
		}
		w.process(job)
	}
}

// process executes a claimed job and reports the outcome. The child's
// context is deliberately independent of the run context: a drain request
// must not cancel a running command.
func (w *Worker) process(job *Job) {
	w.logger.Printf("queuectl: worker %s processing job %s: %s", w.id, job.ID, job.Command)

	cctx := context.Background()
	var cancel context.CancelFunc
	if timeout := w.m.cfg.WorkerTimeout; timeout > 0 {
		cctx, cancel = context.WithTimeout(cctx, timeout)
	} else {
		cctx, cancel = context.WithCancel(cctx)
	}
	w.mu.Lock()
	w.abort = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.abort = nil
		w.mu.Unlock()
		cancel()
	}()

	res := w.runner.Run(cctx, job.Command)

	// Reporting uses a fresh context so that a drain in progress cannot
	// lose the outcome of a finished execution.
	rctx, rcancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer rcancel()

	var err error
	if res.Succeeded() {
		err = w.m.ReportSuccess(rctx, job, strings.TrimSpace(res.Stdout))
		if err == nil {
			w.logger.Printf("queuectl: worker %s: job %s completed", w.id, job.ID)
		}
	} else {
		msg := failureMessage(res, w.m.cfg.WorkerTimeout)
		err = w.m.ReportFailure(rctx, job, msg)
		if err == nil {
			w.logger.Printf("queuectl: worker %s: job %s failed (attempt %d/%d): %s",
				w.id, job.ID, job.Attempts+1, job.MaxRetries, msg)
		}
	}
	if errors.Is(err, ErrLockLost) {
		// The claim was reaped while we were executing. Whoever holds the
		// lock now owns the outcome; ours is discarded.
		w.logger.Printf("queuectl: worker %s: lock on job %s lost, discarding result", w.id, job.ID)
		return
	}
	if err != nil {
		w.logger.Printf("queuectl: worker %s: reporting job %s failed: %v", w.id, job.ID, err)
	}
}

// failureMessage condenses a failed run into the error stored on the job.
func failureMessage(res *RunResult, timeout time.Duration) string {
	switch {
	case res.TimedOut:
		return fmt.Sprintf("timed out after %v", timeout)
	case res.Killed:
		return "killed during worker shutdown"
	case res.Err != nil:
		return fmt.Sprintf("spawn failed: %v", res.Err)
	default:
		if s := strings.TrimSpace(res.Stderr); s != "" {
			return s
		}
		return fmt.Sprintf("command exited with code %d", res.ExitCode)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-w.stopc:
	}
}

// watchSignals implements the two-stage shutdown: the first signal starts
// a drain, a second one within the grace window kills the in-flight child.
func (w *Worker) watchSignals(sigc <-chan os.Signal) {
	select {
	case <-sigc:
	case <-w.stopc:
		return
	}
	w.logger.Printf("queuectl: worker %s: shutdown requested, finishing in-flight job", w.id)
	w.Stop()

	grace := time.NewTimer(w.m.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-sigc:
		w.logger.Printf("queuectl: worker %s: second signal, killing in-flight job", w.id)
		w.Abort()
	case <-grace.C:
	}
}
