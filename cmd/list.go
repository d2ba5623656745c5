package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewListCommand() *cobra.Command {
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all tunnels and their routes",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.EnsureDaemonIsRunning()

			response, err := daemon.SendCommand("LIST")
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}

			jsonBytes, _ := json.Marshal(response.Data)
			infos := []daemon.TunnelInfo{}
			json.Unmarshal(jsonBytes, &infos)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				if len(infos) == 0 {
					fmt.Println("No tunnels. Create one with 'burrow create <name>'.")
					return
				}
				fmt.Println("Tunnels:")
				for _, info := range infos {
					line := fmt.Sprintf("  - %s [%s]", info.Name, info.Status)
					if info.Pid > 0 {
						line += fmt.Sprintf(" (PID: %d, Uptime: %s)", info.Pid, info.Uptime)
					}
					if info.AutoStart {
						line += " (autostart)"
					}
					fmt.Println(line)
					for _, r := range info.Routes {
						fmt.Printf("      %s -> http://%s:%d\n", r.Domain, r.Host, r.Port)
					}
				}
			case "json":
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	listCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return listCmd
}
