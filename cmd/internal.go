package cmd

import (
	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewInternalCommand() *cobra.Command {
	internalCmd := &cobra.Command{
		Use:    "internal-daemon-start",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			d := daemon.New()
			d.Run()
		},
	}

	return internalCmd
}
