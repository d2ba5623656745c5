package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewRouteCommand() *cobra.Command {
	routeCmd := &cobra.Command{
		Use:   "route",
		Short: "Manage public routes for tunnels",
		Long:  `Manage the public hostname to local service mappings of a tunnel`,
	}

	var host string
	addCmd := &cobra.Command{
		Use:               "add <tunnel> <domain> <port>",
		Short:             "Add a route to a tunnel",
		Long:              `Map a public hostname to a local HTTP service behind a tunnel`,
		Args:              cobra.ExactArgs(3),
		ValidArgsFunction: tunnelNameCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.EnsureDaemonIsRunning()

			command := fmt.Sprintf("ROUTE_ADD %s %s %s %s", args[0], args[1], host, args[2])
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
	addCmd.Flags().StringVar(&host, "host", "localhost", "local host the service listens on")

	removeCmd := &cobra.Command{
		Use:               "remove <tunnel> <domain>",
		Aliases:           []string{"rm"},
		Short:             "Remove a route from a tunnel",
		Args:              cobra.ExactArgs(2),
		ValidArgsFunction: tunnelNameCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand(fmt.Sprintf("ROUTE_REMOVE %s %s", args[0], args[1]))
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

	routeCmd.AddCommand(addCmd, removeCmd)
	return routeCmd
}
