package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/core"
	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time.

Press Ctrl+C to exit.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := daemon.SendCommand("STATUS"); err != nil {
				slog.Error("Daemon is not running.")
				os.Exit(1)
			}

			conn, err := net.Dial("unix", core.GetSocketPath())
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to connect to daemon: %v", err))
				os.Exit(1)
			}
			defer conn.Close()

			if _, err := conn.Write([]byte(fmt.Sprintf("LOGS %d\n", lines))); err != nil {
				slog.Error(fmt.Sprintf("Failed to send LOGS command: %v", err))
				os.Exit(1)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			done := make(chan bool)
			go func() {
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						if err != io.EOF {
							slog.Debug(fmt.Sprintf("Log stream ended: %v", err))
						}
						done <- true
						return
					}
					fmt.Print(line)
				}
			}()

			select {
			case <-sigChan:
				fmt.Println("\nDisconnected from daemon logs.")
			case <-done:
			}
		},
	}
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of history lines to show on connect")

	return logsCmd
}
