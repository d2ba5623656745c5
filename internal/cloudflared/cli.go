// Package cloudflared wraps the external cloudflared binary. Everything
// the daemon knows about the tool's command line and output lives here,
// so the supervisor and auth flow stay free of tool-specific strings.
package cloudflared

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Runner executes a cloudflared subcommand and returns its combined
// output. The daemon uses an exec-backed runner; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	binary string
}

// NewRunner returns a Runner backed by the given cloudflared binary
func NewRunner(binary string) Runner {
	return &execRunner{binary: binary}
}

func (r *execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("cloudflared %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

const commandTimeout = 30 * time.Second

// Client drives the provisioning side of cloudflared: tunnel records
// and DNS bindings. The long-running `tunnel run` process is owned by
// the supervisor, not by this client.
type Client struct {
	runner Runner
}

func NewClient(r Runner) *Client {
	return &Client{runner: r}
}

// CreateTunnel registers a named tunnel with the provider
func (c *Client) CreateTunnel(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	_, err := c.runner.Run(ctx, "tunnel", "create", name)
	return err
}

// DeleteTunnel removes a named tunnel from the provider
func (c *Client) DeleteTunnel(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	_, err := c.runner.Run(ctx, "tunnel", "delete", name)
	return err
}

// Cleanup disconnects stale connections left on the provider side
func (c *Client) Cleanup(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	_, err := c.runner.Run(ctx, "tunnel", "cleanup", name)
	return err
}

// RouteDNS binds a hostname to a tunnel at the DNS level. This is
// idempotent and retryable on the provider side.
func (c *Client) RouteDNS(ctx context.Context, tunnel, domain string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	_, err := c.runner.Run(ctx, "tunnel", "route", "dns", tunnel, domain)
	return err
}

type listedTunnel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TunnelID looks up the provider-assigned UUID for a named tunnel
func (c *Client) TunnelID(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	output, err := c.runner.Run(ctx, "tunnel", "list", "--output", "json")
	if err != nil {
		return "", err
	}

	var tunnels []listedTunnel
	if err := json.Unmarshal(output, &tunnels); err != nil {
		return "", fmt.Errorf("failed to parse tunnel list: %w", err)
	}
	for _, t := range tunnels {
		if t.Name == name {
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("tunnel %q not found in provider list", name)
}

// CredentialsFile locates the credentials JSON that cloudflared wrote
// for a tunnel ID during provisioning
func CredentialsFile(originDir, tunnelID string) (string, bool) {
	if tunnelID == "" {
		return "", false
	}
	entries, err := os.ReadDir(originDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, tunnelID) && strings.HasSuffix(name, ".json") {
			return filepath.Join(originDir, name), true
		}
	}
	return "", false
}

// CertPath returns the origin certificate location that signals a
// completed login
func CertPath(originDir string) string {
	return filepath.Join(originDir, "cert.pem")
}

// RunArgs builds the argument list for the long-running tunnel process
func RunArgs(configFile, name string) []string {
	return []string{"tunnel", "--config", configFile, "run", name}
}

// LoginArgs builds the argument list for the interactive login process
func LoginArgs() []string {
	return []string{"tunnel", "login"}
}
