package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/burrow-sh/burrow/internal/daemon"
	"github.com/burrow-sh/burrow/internal/users"
)

func NewRegisterCommand() *cobra.Command {
	registerCmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Register an operator account",
		Long: `Register an operator account.

The first account registered becomes the administrator. The password
is hashed locally; only the hash reaches the daemon.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			username := args[0]

			fmt.Print("Password: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to read password: %v", err))
				os.Exit(1)
			}
			fmt.Print("Confirm password: ")
			confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to read password: %v", err))
				os.Exit(1)
			}
			if string(password) != string(confirm) {
				slog.Error("Passwords do not match")
				os.Exit(1)
			}
			if len(password) == 0 {
				slog.Error("Password must not be empty")
				os.Exit(1)
			}

			hash, err := users.HashPassword(string(password))
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}

			daemon.EnsureDaemonIsRunning()
			response, err := daemon.SendCommand(fmt.Sprintf("USER_ADD %s %s", username, hash))
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

	return registerCmd
}
