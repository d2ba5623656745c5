package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	stopCmd := &cobra.Command{
		Use:               "stop <name>",
		Short:             "Stop a tunnel",
		Long:              `Stop the cloudflared process for a tunnel`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelNameCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STOP " + args[0])
			if err != nil {
				slog.Warn("Daemon is not running, nothing to stop.")
				return
			}
			response.LogMessages()
			if response.HasError() {
				os.Exit(1)
			}
		},
	}

	return stopCmd
}
