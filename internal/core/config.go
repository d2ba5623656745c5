package core

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName    = ".config/burrow"
	ConfigFileName = "config.hcl"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"
	StateFileName  = "state.json"
	UsersFileName  = "users.json"
	DBFileName     = "burrow.db"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete burrow configuration
type Configuration struct {
	ConfigPath  string            // Directory containing config, state and ingress files
	Verbose     int               // Verbosity level
	Cloudflared CloudflaredConfig // External cloudflared binary settings
	Supervisor  SupervisorConfig  // Tunnel process supervision settings
	Auth        AuthConfig        // Interactive login flow settings
}

// CloudflaredConfig holds settings for the external cloudflared binary
type CloudflaredConfig struct {
	Binary    string // Path or name of the cloudflared binary
	OriginDir string // Directory where cloudflared keeps cert.pem and tunnel credentials
}

// SupervisorConfig holds tunnel process supervision settings
type SupervisorConfig struct {
	StartupGrace   string // How long to wait for a readiness line before assuming the tunnel is up
	StopTimeout    string // Graceful termination window before SIGKILL
	RestartEnabled bool   // Automatically restart crashed tunnels
	InitialBackoff string // First restart delay
	BackoffFactor  int    // Multiplier for each restart attempt
	MaxRestarts    int    // Give up after this many restart attempts
}

// AuthConfig holds interactive login flow settings
type AuthConfig struct {
	Timeout      string // Abandon a login session after this long
	PollInterval string // How often CLI clients poll the session state
}

// HCL parsing structs

type hclConfig struct {
	Verbose     int             `hcl:"verbose,optional"`
	Cloudflared *hclCloudflared `hcl:"cloudflared,block"`
	Supervisor  *hclSupervisor  `hcl:"supervisor,block"`
	Auth        *hclAuth        `hcl:"auth,block"`
}

type hclCloudflared struct {
	Binary    string `hcl:"binary,optional"`
	OriginDir string `hcl:"origin_dir,optional"`
}

type hclSupervisor struct {
	StartupGrace   string `hcl:"startup_grace,optional"`
	StopTimeout    string `hcl:"stop_timeout,optional"`
	RestartEnabled *bool  `hcl:"restart_enabled,optional"`
	InitialBackoff string `hcl:"initial_backoff,optional"`
	BackoffFactor  int    `hcl:"backoff_factor,optional"`
	MaxRestarts    int    `hcl:"max_restarts,optional"`
}

type hclAuth struct {
	Timeout      string `hcl:"timeout,optional"`
	PollInterval string `hcl:"poll_interval,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose

	if hclCfg.Cloudflared != nil {
		if hclCfg.Cloudflared.Binary != "" {
			cfg.Cloudflared.Binary = hclCfg.Cloudflared.Binary
		}
		if hclCfg.Cloudflared.OriginDir != "" {
			cfg.Cloudflared.OriginDir = hclCfg.Cloudflared.OriginDir
		}
	}

	if hclCfg.Supervisor != nil {
		if hclCfg.Supervisor.StartupGrace != "" {
			cfg.Supervisor.StartupGrace = hclCfg.Supervisor.StartupGrace
		}
		if hclCfg.Supervisor.StopTimeout != "" {
			cfg.Supervisor.StopTimeout = hclCfg.Supervisor.StopTimeout
		}
		if hclCfg.Supervisor.RestartEnabled != nil {
			cfg.Supervisor.RestartEnabled = *hclCfg.Supervisor.RestartEnabled
		}
		if hclCfg.Supervisor.InitialBackoff != "" {
			cfg.Supervisor.InitialBackoff = hclCfg.Supervisor.InitialBackoff
		}
		if hclCfg.Supervisor.BackoffFactor != 0 {
			cfg.Supervisor.BackoffFactor = hclCfg.Supervisor.BackoffFactor
		}
		if hclCfg.Supervisor.MaxRestarts != 0 {
			cfg.Supervisor.MaxRestarts = hclCfg.Supervisor.MaxRestarts
		}
	}

	if hclCfg.Auth != nil {
		if hclCfg.Auth.Timeout != "" {
			cfg.Auth.Timeout = hclCfg.Auth.Timeout
		}
		if hclCfg.Auth.PollInterval != "" {
			cfg.Auth.PollInterval = hclCfg.Auth.PollInterval
		}
	}

	return cfg, nil
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	homeDir, _ := os.UserHomeDir()
	return &Configuration{
		Verbose: 0,
		Cloudflared: CloudflaredConfig{
			Binary:    "cloudflared",
			OriginDir: filepath.Join(homeDir, ".cloudflared"),
		},
		Supervisor: SupervisorConfig{
			StartupGrace:   "15s",
			StopTimeout:    "5s",
			RestartEnabled: true,
			InitialBackoff: "1s",
			BackoffFactor:  2,
			MaxRestarts:    3,
		},
		Auth: AuthConfig{
			Timeout:      "5m",
			PollInterval: "2s",
		},
	}
}

// InitializeConfig loads the config file from configPath, falling back to
// defaults when no file exists, and installs the result as the global Config.
func InitializeConfig(configPath string, verbose int) error {
	if err := os.MkdirAll(configPath, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configPath, ConfigFileName)
	if ConfigExists(configFile) {
		cfg, err := LoadConfig(configFile)
		if err != nil {
			return err
		}
		Config = cfg
	} else {
		Config = GetDefaultConfig()
	}

	Config.ConfigPath = configPath
	if verbose > Config.Verbose {
		Config.Verbose = verbose
	}

	return nil
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetStatePath() string {
	return filepath.Join(Config.ConfigPath, StateFileName)
}

func GetUsersPath() string {
	return filepath.Join(Config.ConfigPath, UsersFileName)
}

func GetDBPath() string {
	return filepath.Join(Config.ConfigPath, DBFileName)
}

// parseDuration parses a config duration string, logging and falling back
// to the supplied default when the value is malformed.
func parseDuration(value string, fallback time.Duration, key string) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Error(fmt.Sprintf("Invalid %s config: %v, using default %v", key, err, fallback))
		return fallback
	}
	return d
}

// StartupGraceDuration returns the parsed startup grace period
func (c SupervisorConfig) StartupGraceDuration() time.Duration {
	return parseDuration(c.StartupGrace, 15*time.Second, "startup_grace")
}

// StopTimeoutDuration returns the parsed graceful stop timeout
func (c SupervisorConfig) StopTimeoutDuration() time.Duration {
	return parseDuration(c.StopTimeout, 5*time.Second, "stop_timeout")
}

// InitialBackoffDuration returns the parsed first restart delay
func (c SupervisorConfig) InitialBackoffDuration() time.Duration {
	return parseDuration(c.InitialBackoff, time.Second, "initial_backoff")
}

// TimeoutDuration returns the parsed login session timeout
func (c AuthConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 5*time.Minute, "auth timeout")
}

// PollIntervalDuration returns the parsed auth poll interval
func (c AuthConfig) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, 2*time.Second, "poll_interval")
}
