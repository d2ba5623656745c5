// Package ingress generates the per-tunnel configuration file consumed
// by cloudflared. The file is rewritten in full on every route change
// and swapped into place atomically, so a running tunnel never picks up
// a half-written rule set.
package ingress

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/burrow-sh/burrow/internal/store"
)

// Rule is one ingress entry. The final rule of every file is a
// catch-all with no hostname, as cloudflared requires.
type Rule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

// File is the full cloudflared tunnel configuration artifact
type File struct {
	Tunnel          string `yaml:"tunnel,omitempty"`
	CredentialsFile string `yaml:"credentials-file,omitempty"`
	Ingress         []Rule `yaml:"ingress"`
}

// Path returns the location of the ingress file for a tunnel
func Path(configPath, tunnelName string) string {
	return filepath.Join(configPath, fmt.Sprintf("ingress-%s.yml", tunnelName))
}

// Generate builds the configuration for a tunnel from its routes.
// tunnelID and credentialsFile may be empty when the tunnel has not
// been provisioned with the provider yet.
func Generate(tunnelID, credentialsFile string, routes []store.Route) File {
	f := File{
		Tunnel:          tunnelID,
		CredentialsFile: credentialsFile,
		Ingress:         make([]Rule, 0, len(routes)+1),
	}
	for _, r := range routes {
		f.Ingress = append(f.Ingress, Rule{
			Hostname: r.Domain,
			Service:  fmt.Sprintf("http://%s:%d", r.Host, r.Port),
		})
	}
	// Catch-all must come last
	f.Ingress = append(f.Ingress, Rule{Service: "http_status:404"})
	return f
}

// Write persists the configuration via temp file + rename
func Write(path string, f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal ingress config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write ingress temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename ingress file: %w", err)
	}
	return nil
}

// Remove deletes the ingress file for a tunnel. Missing files are fine.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ingress file: %w", err)
	}
	return nil
}
