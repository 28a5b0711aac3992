// Command tidecron is the CLI entry point for the scheduler: it can
// run a full node (serve), or act as a thin REST client against a
// running node's control server (schedule/job/task/tui). Structure
// (a persistent --api flag, one file per command group) is grounded
// on the teacher's cmd/neona/main.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tidecron",
	Short: "tidecron - a distributed, persistent job scheduler",
	Long:  `tidecron schedules and runs jobs against a shared, lease-based data store, coordinating any number of scheduler and worker processes.`,
}

var apiAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7470", "control server address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(tuiCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
