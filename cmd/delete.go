package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewDeleteCommand() *cobra.Command {
	var force bool

	deleteCmd := &cobra.Command{
		Use:               "delete <name>",
		Aliases:           []string{"rm"},
		Short:             "Delete a tunnel",
		Long:              `Delete a tunnel, its routes and its provider record`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelNameCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.EnsureDaemonIsRunning()

			command := "DELETE " + args[0]
			if force {
				command += " --force"
			}
			response, err := daemon.SendCommand(command)
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
	deleteCmd.Flags().BoolVar(&force, "force", false, "stop the tunnel first if it is running")

	return deleteCmd
}
