package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewCreateCommand() *cobra.Command {
	var autoStart bool

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new tunnel",
		Long:  `Create a new tunnel and provision it with the provider`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			daemon.EnsureDaemonIsRunning()

			command := "CREATE " + args[0]
			if autoStart {
				command += " --autostart"
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
	createCmd.Flags().BoolVar(&autoStart, "autostart", false, "start this tunnel when the daemon starts")

	return createCmd
}
