package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewQuitCommand() *cobra.Command {
	quitCmd := &cobra.Command{
		Use:   "quit",
		Short: "Stop the daemon and all tunnels",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("SHUTDOWN")
			if err != nil {
				slog.Warn("Daemon is not running.")
				return
			}
			response.LogMessages()
		},
	}

	return quitCmd
}
