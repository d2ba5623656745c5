package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/core"
	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Client: %s\n", core.FormatVersion(core.Version))

			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				fmt.Println("Daemon: not running")
				return
			}
			jsonBytes, _ := json.Marshal(response.Data)
			data := map[string]string{}
			json.Unmarshal(jsonBytes, &data)
			fmt.Printf("Daemon: %s\n", data["version"])
		},
	}

	return versionCmd
}
