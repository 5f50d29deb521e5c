// Command e2e exercises the queue end to end: it fills the store with
// synthetic shell jobs, a tunable fraction of which fail, runs a pool of
// workers against it and logs queue statistics until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/queuectl/queuectl"
	"github.com/queuectl/queuectl/sqlite"
)

func main() {
	var (
		workers     = flag.Int("w", 3, "number of workers")
		fillTime    = flag.Duration("fill-time", 2*time.Second, "interval in which new jobs get added")
		maxRetries  = flag.Int("max-retries", 2, "maximum number of retries per job")
		failureRate = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		logInterval = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		dbpath      = flag.String("db", "", "path to the SQLite store (temp file by default)")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	path := *dbpath
	if path == "" {
		dir, err := os.MkdirTemp("", "queuectl-e2e")
		if err != nil {
			log.Fatal(err)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "queuectl.db")
	}

	store, err := sqlite.NewStore(path)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	cfg := queuectl.DefaultConfig()
	cfg.DBPath = path
	cfg.DefaultMaxRetries = *maxRetries
	cfg.PollInterval = 250 * time.Millisecond
	cfg.StaleLockThreshold = 30 * time.Second

	m := queuectl.New(
		queuectl.SetStore(store),
		queuectl.SetConfig(cfg),
	)
	if err := m.Start(context.Background()); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Workers
	pool := make([]*queuectl.Worker, *workers)
	for i := range pool {
		w := queuectl.NewWorker(m)
		pool[i] = w
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	// Enqueuer
	g.Go(func() error {
		return enqueuer(ctx, m, *fillTime, *failureRate)
	})

	// Stats logger
	g.Go(func() error {
		return logger(ctx, m, *logInterval)
	})

	// Wait for e.g. Ctrl+C
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("signal %v", fmt.Sprint(<-c))
		for _, w := range pool {
			w.Stop()
		}
		cancel()
	}()

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
	log.Print("exiting")
}

// enqueuer adds a job every fillTime on average. A fraction of the jobs
// runs a failing command to exercise retries and the dead letter queue.
func enqueuer(ctx context.Context, m *queuectl.Manager, fillTime time.Duration, failureRate float64) error {
	var cnt int
	for {
		delay := time.Duration(rand.Int63n(fillTime.Nanoseconds()))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		cnt++
		command := fmt.Sprintf("echo job %05d", cnt)
		if rand.Float64() < failureRate {
			command = fmt.Sprintf("echo job %05d failed >&2; exit 1", cnt)
		}
		req := &queuectl.EnqueueRequest{
			ID:      fmt.Sprintf("e2e-%05d-%s", cnt, uuid.NewString()[:8]),
			Command: command,
		}
		if _, err := m.Enqueue(ctx, req); err != nil {
			return err
		}
	}
}

// logger periodically prints queue statistics.
func logger(ctx context.Context, m *queuectl.Manager, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			stats, err := m.Stats(ctx)
			if err != nil {
				log.Printf("stats: %v", err)
				continue
			}
			log.Printf("pending=%d processing=%d completed=%d failed=%d dead=%d",
				stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Dead)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
