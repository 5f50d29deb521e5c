package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in the dead letter queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := manager.DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs in the dead letter queue")
			return nil
		}
		fmt.Printf("Dead Letter Queue (%d)\n", len(jobs))
		printJobTable(jobs)
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Move a dead job back to pending so it runs fresh",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := manager.RetryDeadLetter(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Job %q reset to pending\n", args[0])
		return nil
	},
}

func init() {
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
}
