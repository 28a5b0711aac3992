package main

import (
	"github.com/spf13/cobra"

	"github.com/tidecron/scheduler/internal/tui"
)

// tuiCmd launches the terminal dashboard in-process against apiAddr.
// Unlike the teacher's tui_cmd.go, which shells out to find and
// launch a separately-installed Python TUI binary, the dashboard here
// is a native Bubble Tea program linked into this binary, so there is
// nothing to locate or spawn.
var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive dashboard",
	RunE:  runTUI,
}

func runTUI(cmd *cobra.Command, args []string) error {
	return tui.New(apiAddr).Run()
}
