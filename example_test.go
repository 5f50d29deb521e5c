package queuectl_test

import (
	"context"
	"fmt"
	"time"

	"github.com/queuectl/queuectl"
)

func ExampleManager() {
	ctx := context.Background()

	// Create a manager with the in-memory store and default tunables.
	m := queuectl.New()
	if err := m.Start(ctx); err != nil {
		fmt.Println("Start failed")
		return
	}

	// Enqueue a job.
	job, err := m.Enqueue(ctx, &queuectl.EnqueueRequest{
		ID:      "hello",
		Command: "echo Hello, queue",
	})
	if err != nil {
		fmt.Println("Enqueue failed")
		return
	}
	fmt.Println(job.State)

	// Run a worker until the job is done.
	done := make(chan error, 1)
	w := queuectl.NewWorker(m)
	go func() { done <- w.Run(ctx) }()

	for {
		job, err = m.Lookup(ctx, "hello")
		if err != nil {
			fmt.Println("Lookup failed")
			return
		}
		if job.Terminal() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	w.Stop()
	<-done

	fmt.Println(job.State)
	fmt.Println(job.Output)
	// Output:
	// pending
	// completed
	// Hello, queue
}
