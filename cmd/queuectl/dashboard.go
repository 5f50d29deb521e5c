package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/queuectl/queuectl/ui/server"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Start the monitoring web dashboard",
	Long:  `Start a web server that pushes live queue state to connected browsers over WebSocket. A JSON snapshot is also served at /state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := cmd.Flags().GetString("addr")
		if err != nil {
			return err
		}
		fmt.Printf("Dashboard listening on %s\n", addr)
		return server.New(manager).Serve(addr)
	},
}

func init() {
	dashboardCmd.Flags().String("addr", "127.0.0.1:8080", "HTTP bind address")
}
