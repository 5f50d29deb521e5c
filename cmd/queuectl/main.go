// Command queuectl is the command-line surface of the job queue: enqueue
// jobs, inspect queue state, manage the dead letter queue, tune the
// configuration and run workers.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/queuectl/queuectl"
	"github.com/queuectl/queuectl/sqlite"
)

var (
	cfg     queuectl.Config
	store   *sqlite.Store
	manager *queuectl.Manager
)

var rootCmd = &cobra.Command{
	Use:           "queuectl",
	Short:         "A CLI-based background job queue",
	Long:          `queuectl manages durable background jobs executed by a pool of worker processes, with retries, exponential backoff and a dead letter queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		store, err = sqlite.NewStore(cfg.DBPath)
		if err != nil {
			return err
		}
		manager = queuectl.New(
			queuectl.SetStore(store),
			queuectl.SetConfig(cfg),
		)
		return manager.Start(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(dashboardCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
