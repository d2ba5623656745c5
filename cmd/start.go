package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	startCmd := &cobra.Command{
		Use:               "start <name>",
		Short:             "Start a tunnel",
		Long:              `Start the cloudflared process for a tunnel`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelNameCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.EnsureDaemonIsRunning()

			response, err := daemon.SendCommand("START " + args[0])
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			response.LogMessages()
			if response.HasError() {
				os.Exit(1)
			}
		},
	}

	return startCmd
}
