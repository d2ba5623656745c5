package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/core"
	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "burrow",
		Short: "Burrow - Cloudflare Tunnel Manager",
		Long:  `Burrow - Cloudflare Tunnel Manager`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return core.InitializeConfig(configPath, verbose)
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", filepath.Join(homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewCreateCommand(),
		NewDeleteCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewListCommand(),
		NewRouteCommand(),
		NewLoginCommand(),
		NewRegisterCommand(),
		NewStatusCommand(),
		NewEventsCommand(),
		NewLogsCommand(),
		NewQuitCommand(),
		NewVersionCommand(),
		NewInternalCommand(),
	)

	return rootCmd
}

// tunnelNameCompletionFunc completes tunnel names from the daemon's list
func tunnelNameCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	response, err := daemon.SendCommand("LIST")
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	jsonBytes, _ := json.Marshal(response.Data)
	infos := []daemon.TunnelInfo{}
	if err := json.Unmarshal(jsonBytes, &infos); err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, fmt.Sprintf("%s\t%s", info.Name, info.Status))
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}
