package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and tunnel status",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("Daemon is not running.")
				return
			}

			jsonBytes, _ := json.Marshal(response.Data)
			status := daemon.DaemonStatus{}
			json.Unmarshal(jsonBytes, &status)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				fmt.Printf("Daemon: running (PID: %d, Version: %s, Uptime: %s)\n",
					status.Pid, status.Version, status.Uptime)
				setup := fetchSetupStatus()
				if setup != nil {
					if setup.NeedsSetup {
						fmt.Println("Setup:  incomplete - register a user with 'burrow register <name>'")
					}
					if !setup.Authenticated {
						fmt.Println("Auth:   not authenticated - run 'burrow login'")
					}
				}
				if len(status.Tunnels) == 0 {
					fmt.Println("No tunnels.")
					return
				}
				fmt.Println("Tunnels:")
				for _, info := range status.Tunnels {
					line := fmt.Sprintf("  - %s [%s]", info.Name, info.Status)
					if info.Pid > 0 {
						line += fmt.Sprintf(" (PID: %d, Uptime: %s)", info.Pid, info.Uptime)
					}
					fmt.Println(line)
				}
			case "json":
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

func fetchSetupStatus() *daemon.SetupStatus {
	response, err := daemon.SendCommand("SETUP_STATUS")
	if err != nil {
		return nil
	}
	jsonBytes, _ := json.Marshal(response.Data)
	setup := daemon.SetupStatus{}
	if err := json.Unmarshal(jsonBytes, &setup); err != nil {
		return nil
	}
	return &setup
}
