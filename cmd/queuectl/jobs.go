package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/queuectl/queuectl"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <job-json>",
	Short: "Add a new job to the queue",
	Long: `Add a new job to the queue. The argument is a JSON object with the
required fields "id" and "command" and an optional "max_retries":

  queuectl enqueue '{"id":"job1","command":"echo hello"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req queuectl.EnqueueRequest
		if err := json.Unmarshal([]byte(args[0]), &req); err != nil {
			return fmt.Errorf("invalid job JSON: %w", err)
		}
		job, err := manager.Enqueue(cmd.Context(), &req)
		if err != nil {
			return err
		}
		fmt.Printf("Job %q enqueued\n", job.ID)
		fmt.Printf("  Command:     %s\n", job.Command)
		fmt.Printf("  Max Retries: %d\n", job.MaxRetries)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, optionally filtered by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := cmd.Flags().GetString("state")
		if err != nil {
			return err
		}
		if state != "" && !validState(state) {
			return fmt.Errorf("invalid state %q; valid states are: pending, processing, completed, failed, dead", state)
		}
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		rsp, err := manager.List(cmd.Context(), &queuectl.ListRequest{State: state, Limit: limit})
		if err != nil {
			return err
		}
		if len(rsp.Jobs) == 0 {
			fmt.Println("No jobs found")
			return nil
		}
		printJobTable(rsp.Jobs)
		if rsp.Total > len(rsp.Jobs) {
			fmt.Printf("(%d of %d jobs shown)\n", len(rsp.Jobs), rsp.Total)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a summary of job states and active workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := manager.Stats(cmd.Context())
		if err != nil {
			return err
		}
		workers, err := liveWorkers()
		if err != nil {
			workers = nil
		}
		fmt.Println("Job Queue Status")
		fmt.Println("================")
		fmt.Printf("Pending:    %d\n", stats.Pending)
		fmt.Printf("Processing: %d\n", stats.Processing)
		fmt.Printf("Completed:  %d\n", stats.Completed)
		fmt.Printf("Failed:     %d\n", stats.Failed)
		fmt.Printf("Dead:       %d\n", stats.Dead)
		fmt.Println()
		fmt.Printf("Active Workers: %d\n", len(workers))
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show details and output of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := manager.Lookup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println("Job Details")
		fmt.Println(strings.Repeat("=", 60))
		fmt.Printf("%-14s %s\n", "ID:", job.ID)
		fmt.Printf("%-14s %s\n", "Command:", job.Command)
		fmt.Printf("%-14s %s\n", "State:", job.State)
		fmt.Printf("%-14s %d/%d\n", "Attempts:", job.Attempts, job.MaxRetries)
		fmt.Printf("%-14s %s\n", "Created At:", job.CreatedAt.Format(time.RFC3339))
		fmt.Printf("%-14s %s\n", "Updated At:", job.UpdatedAt.Format(time.RFC3339))
		if job.Locked() {
			fmt.Printf("%-14s %s (since %s)\n", "Locked By:", job.LockedBy, job.LockedAt.Format(time.RFC3339))
		}
		if !job.NextRetryAt.IsZero() {
			fmt.Printf("%-14s %s\n", "Next Retry:", job.NextRetryAt.Format(time.RFC3339))
		}
		if job.Error != "" {
			fmt.Printf("%-14s %s\n", "Last Error:", job.Error)
		}
		fmt.Println()
		fmt.Println("Output")
		fmt.Println(strings.Repeat("-", 60))
		if job.Output != "" {
			fmt.Println(job.Output)
		} else {
			fmt.Println("(no output)")
		}
		return nil
	},
}

func validState(state string) bool {
	switch state {
	case queuectl.Pending, queuectl.Processing, queuectl.Completed, queuectl.Failed, queuectl.Dead:
		return true
	}
	return false
}

func printJobTable(jobs []*queuectl.Job) {
	fmt.Printf("%-28s %-12s %-9s %-11s %-25s\n", "ID", "STATE", "ATTEMPTS", "MAX_RETRIES", "CREATED_AT")
	fmt.Println(strings.Repeat("-", 88))
	for _, job := range jobs {
		fmt.Printf("%-28s %-12s %-9d %-11d %-25s\n",
			job.ID,
			job.State,
			job.Attempts,
			job.MaxRetries,
			job.CreatedAt.Format(time.RFC3339),
		)
	}
}

func init() {
	listCmd.Flags().StringP("state", "s", "", "Filter jobs by state (pending, processing, completed, failed, dead)")
	listCmd.Flags().IntP("limit", "n", 100, "Maximum number of jobs to show")
}
