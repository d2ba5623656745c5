package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrow-sh/burrow/internal/core"
	"github.com/burrow-sh/burrow/internal/daemon"
)

func NewLoginCommand() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the tunnel provider",
		Long: `Authenticate with the tunnel provider.

Starts an interactive login session in the daemon and prints the
browser URL once it is available. The session completes when the
login is confirmed in the browser and the origin certificate has
been written. Press Ctrl+C to cancel the session.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.EnsureDaemonIsRunning()

			response, err := daemon.SendCommand("AUTH_BEGIN")
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			response.LogMessages()
			if response.HasError() {
				os.Exit(1)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			printedURL := false
			interval := core.Config.Auth.PollIntervalDuration()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-sigChan:
					fmt.Println("\nCancelling login session...")
					if response, err := daemon.SendCommand("AUTH_CANCEL"); err == nil {
						response.LogMessages()
					}
					os.Exit(1)
				case <-ticker.C:
				}

				response, err := daemon.SendCommand("AUTH_STATUS")
				if err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}

				jsonBytes, _ := json.Marshal(response.Data)
				session := daemon.AuthSession{}
				json.Unmarshal(jsonBytes, &session)

				switch session.State {
				case daemon.AuthURLFound:
					if !printedURL {
						fmt.Println("Open this URL in your browser to authenticate:")
						fmt.Println()
						fmt.Printf("    %s\n", session.URL)
						fmt.Println()
						fmt.Println("Waiting for confirmation...")
						printedURL = true
					}
				case daemon.AuthCompleted:
					fmt.Println("Login completed. You can create tunnels now.")
					return
				case daemon.AuthFailed:
					slog.Error(fmt.Sprintf("Login failed: %s", session.Error))
					os.Exit(1)
				case daemon.AuthIdle:
					slog.Error("Login session disappeared")
					os.Exit(1)
				}
			}
		},
	}

	return loginCmd
}
