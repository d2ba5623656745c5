package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/daemon"
	"github.com/burrow-sh/burrow/internal/db"
)

func NewEventsCommand() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:               "events [tunnel]",
		Short:             "Show recent tunnel lifecycle events",
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: tunnelNameCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			command := "EVENTS"
			if len(args) == 1 {
				command += " " + args[0]
			}
			response, err := daemon.SendCommand(command)
			if err != nil {
				slog.Warn("Daemon is not running.")
				return
			}
			if response.HasError() {
				response.LogMessages()
				os.Exit(1)
			}

			jsonBytes, _ := json.Marshal(response.Data)
			events := []db.TunnelEvent{}
			json.Unmarshal(jsonBytes, &events)

			if len(events) == 0 {
				fmt.Println("No events.")
				return
			}
			for _, e := range events {
				line := fmt.Sprintf("%s  %-10s %s", e.Timestamp.Format("2006-01-02 15:04:05"), e.EventType, e.TunnelName)
				if e.Details != "" {
					line += fmt.Sprintf(" (%s)", e.Details)
				}
				fmt.Println(line)
			}
		},
	}

	return eventsCmd
}
