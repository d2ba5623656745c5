package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/burrow-sh/burrow/internal/cloudflared"
	"github.com/burrow-sh/burrow/internal/core"
	"github.com/burrow-sh/burrow/internal/db"
	"github.com/burrow-sh/burrow/internal/ingress"
	"github.com/burrow-sh/burrow/internal/store"
	"github.com/burrow-sh/burrow/internal/users"
)

// Daemon is the long-running process behind the unix socket. It owns
// the tunnel store, the process supervisor and the login flow; CLI
// invocations are thin clients that talk to it.
type Daemon struct {
	store        *store.Store
	users        *users.Store
	database     *db.DB
	cf           *cloudflared.Client
	supervisor   *Supervisor
	authFlow     *AuthFlow
	logBroadcast *LogBroadcaster
	listener     net.Listener
	startedAt    time.Time
	shutdownOnce sync.Once
}

func New() *Daemon {
	return &Daemon{
		logBroadcast: NewLogBroadcaster(1000),
		startedAt:    time.Now(),
	}
}

// initState opens the persistent stores and wires the components.
// Split out of Run so handler tests can build a working daemon without
// a socket.
func (d *Daemon) initState() error {
	st, err := store.Open(core.GetStatePath())
	if err != nil {
		return fmt.Errorf("failed to open tunnel state: %w", err)
	}
	d.store = st

	us, err := users.Open(core.GetUsersPath())
	if err != nil {
		return fmt.Errorf("failed to open user store: %w", err)
	}
	d.users = us

	dbPath := core.GetDBPath()
	database, err := db.Open(dbPath)
	if err != nil {
		// The event log is best-effort; the daemon works without it
		slog.Error("Failed to open database", "error", err, "path", dbPath)
	} else {
		d.database = database
		slog.Info("Database opened", "path", dbPath)
	}

	d.cf = cloudflared.NewClient(cloudflared.NewRunner(core.Config.Cloudflared.Binary))
	d.supervisor = NewSupervisor(d.store, d.database, d.cf)
	d.authFlow = NewAuthFlow(d.database)
	return nil
}

// Run starts the daemon's main loop.
func (d *Daemon) Run() {
	// Setup custom logger that broadcasts to connected clients
	d.setupLogging()

	if err := d.initState(); err != nil {
		slog.Error(fmt.Sprintf("Fatal: %v", err))
		os.Exit(1)
	}

	if d.database != nil {
		version := core.FormatVersion(core.Version)
		details := fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())
		if err := d.database.LogDaemonEvent("start", details); err != nil {
			slog.Error("Failed to log daemon start", "error", err)
		}
	}

	socketPath := core.GetSocketPath()
	pidFilePath := core.GetPIDFilePath()

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		// Socket creation failed, possibly a stale socket file
		if _, statErr := os.Stat(socketPath); statErr == nil {
			conn, dialErr := net.Dial("unix", socketPath)
			if dialErr == nil {
				conn.Close()
				slog.Error("Fatal: Daemon is already running")
				os.Exit(1)
			}
			// Nothing answers, the socket file is stale
			slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
			if removeErr := os.Remove(socketPath); removeErr != nil {
				slog.Error(fmt.Sprintf("Fatal: Could not remove stale socket: %v", removeErr))
				os.Exit(1)
			}
			listener, err = net.Listen("unix", socketPath)
		}
		if err != nil {
			slog.Error(fmt.Sprintf("Fatal: Could not create socket listener: %v", err))
			os.Exit(1)
		}
	}

	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	defer os.Remove(pidFilePath)
	defer os.Remove(socketPath)

	d.listener = listener
	slog.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	if killed := d.supervisor.CleanOrphans(); killed > 0 {
		slog.Info(fmt.Sprintf("Cleaned up %d orphan cloudflared process(es)", killed))
	}

	d.watchConfig()
	d.startAutoStartTunnels()

	// Graceful shutdown on SIGTERM/SIGINT
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-shutdownChan
		slog.Info("Shutdown signal received. Stopping all tunnels.")
		d.shutdown()
		if d.listener != nil {
			d.listener.Close()
		}
		os.Exit(0)
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go d.handleConnection(conn)
	}
}

// startAutoStartTunnels brings up every tunnel flagged for auto-start
func (d *Daemon) startAutoStartTunnels() {
	for _, name := range d.store.AutoStartTunnels() {
		go func(name string) {
			slog.Info(fmt.Sprintf("Auto-starting tunnel '%s'", name))
			if err := d.supervisor.Start(name); err != nil {
				slog.Error(fmt.Sprintf("Failed to auto-start tunnel '%s': %v", name, err))
			}
		}(name)
	}
}

// watchConfig reloads the configuration when config.hcl changes.
// Editors often replace the file via rename, which drops it from the
// watch list, so the watch is re-added after rename/remove/create.
func (d *Daemon) watchConfig() {
	configFile := filepath.Join(core.Config.ConfigPath, core.ConfigFileName)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}

	if err := watcher.Add(configFile); err != nil {
		slog.Debug("Not watching config file", "error", err, "path", configFile)
		watcher.Close()
		return
	}

	var reloadMu sync.Mutex
	var reloadTimer *time.Timer

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go func() {
						for attempt := 0; attempt < 5; attempt++ {
							if attempt > 0 {
								time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
							}
							watcher.Remove(configFile)
							if err := watcher.Add(configFile); err == nil {
								return
							}
						}
						slog.Warn("Lost watch on config file", "path", configFile)
					}()
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMu.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				// Debounce editor write bursts
				reloadTimer = time.AfterFunc(500*time.Millisecond, func() {
					slog.Info("Configuration file changed, reloading")
					if err := core.InitializeConfig(core.Config.ConfigPath, core.Config.Verbose); err != nil {
						slog.Error("Failed to reload configuration", "error", err)
						return
					}
					slog.Info("Configuration reloaded")
				})
				reloadMu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching configuration file for changes")
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command, args := parts[0], parts[1:]

	// USER_ADD carries a password hash; keep it out of the logs
	if command != "VERSION" && command != "STATUS" {
		logArgs := args
		if command == "USER_ADD" && len(args) >= 2 {
			logArgs = []string{args[0], "[MASKED]"}
		}
		if len(logArgs) > 0 {
			slog.Info(fmt.Sprintf("Executing command: %s %v", command, logArgs))
		} else {
			slog.Info(fmt.Sprintf("Executing command: %s", command))
		}
	}

	var response Response
	switch command {
	case "CREATE":
		if len(args) >= 1 {
			autoStart := false
			for _, arg := range args[1:] {
				if arg == "--autostart" {
					autoStart = true
				}
			}
			response = d.createTunnel(args[0], autoStart)
		} else {
			response.AddMessage("Usage: CREATE <name> [--autostart]", "ERROR")
		}
	case "DELETE":
		if len(args) >= 1 {
			force := len(args) >= 2 && args[1] == "--force"
			response = d.deleteTunnel(args[0], force)
		} else {
			response.AddMessage("Usage: DELETE <name> [--force]", "ERROR")
		}
	case "START":
		if len(args) == 1 {
			response = d.startTunnel(args[0])
		} else {
			response.AddMessage("Usage: START <name>", "ERROR")
		}
	case "STOP":
		if len(args) == 1 {
			response = d.stopTunnel(args[0])
		} else {
			response.AddMessage("Usage: STOP <name>", "ERROR")
		}
	case "LIST":
		response = d.listTunnels()
	case "ROUTE_ADD":
		if len(args) == 4 {
			response = d.addRoute(args[0], args[1], args[2], args[3])
		} else {
			response.AddMessage("Usage: ROUTE_ADD <tunnel> <domain> <host> <port>", "ERROR")
		}
	case "ROUTE_REMOVE":
		if len(args) == 2 {
			response = d.removeRoute(args[0], args[1])
		} else {
			response.AddMessage("Usage: ROUTE_REMOVE <tunnel> <domain>", "ERROR")
		}
	case "AUTH_BEGIN":
		response = d.authBegin()
	case "AUTH_STATUS":
		response = d.authStatus()
	case "AUTH_CANCEL":
		response = d.authCancel()
	case "SETUP_STATUS":
		response = d.setupStatus()
	case "USER_ADD":
		if len(args) == 2 {
			response = d.addUser(args[0], args[1])
		} else {
			response.AddMessage("Usage: USER_ADD <username> <password-hash>", "ERROR")
		}
	case "EVENTS":
		name := ""
		if len(args) >= 1 {
			name = args[0]
		}
		response = d.getEvents(name)
	case "STATUS":
		response = d.getStatus()
	case "VERSION":
		response = d.getVersion()
	case "LOGS":
		historyLines := 50
		if len(args) >= 1 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				historyLines = n
			}
		}
		d.handleLogs(conn, historyLines)
		return
	case "SHUTDOWN":
		response.AddMessage("Daemon shutting down.", "INFO")
		conn.Write([]byte(response.ToJSON()))
		go func() {
			d.shutdown()
			if d.listener != nil {
				d.listener.Close()
			}
			os.Exit(0)
		}()
		return
	default:
		response.AddMessage("Unknown command.", "ERROR")
	}
	conn.Write([]byte(response.ToJSON()))
}

// createTunnel registers a tunnel locally and provisions it with the
// provider. A provider failure rolls the local record back so the two
// never disagree.
func (d *Daemon) createTunnel(name string, autoStart bool) Response {
	response := Response{}

	t, err := d.store.Create(name, autoStart)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to create tunnel: %v", err), "ERROR")
		return response
	}

	if err := d.cf.CreateTunnel(context.Background(), name); err != nil {
		if delErr := d.store.Delete(name); delErr != nil {
			slog.Error("Failed to roll back tunnel record", "tunnel", name, "error", delErr)
		}
		response.AddMessage(fmt.Sprintf("Failed to provision tunnel with provider: %v", err), "ERROR")
		return response
	}

	if _, err := d.supervisor.RegenerateIngress(t); err != nil {
		response.AddMessage(fmt.Sprintf("Tunnel created but ingress config failed: %v", err), "WARN")
	}

	if d.database != nil {
		d.database.LogTunnelEvent(name, "create", "")
	}
	response.AddMessage(fmt.Sprintf("Tunnel '%s' created.", name), "INFO")
	return response
}

// deleteTunnel removes a tunnel everywhere: process, local record,
// provider record, ingress file. Provider-side cleanup is best-effort
// once the local record is gone.
func (d *Daemon) deleteTunnel(name string, force bool) Response {
	response := Response{}

	t, err := d.store.Get(name)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to delete tunnel: %v", err), "ERROR")
		return response
	}

	if force && t.Status != store.StatusStopped && t.Status != store.StatusCrashed {
		if err := d.supervisor.Stop(name); err != nil && !errors.Is(err, ErrNotRunning) {
			response.AddMessage(fmt.Sprintf("Failed to stop tunnel before delete: %v", err), "ERROR")
			return response
		}
		response.AddMessage(fmt.Sprintf("Tunnel '%s' stopped.", name), "INFO")
	}

	if err := d.store.Delete(name); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to delete tunnel: %v", err), "ERROR")
		return response
	}

	ctx := context.Background()
	if err := d.cf.Cleanup(ctx, name); err != nil {
		slog.Debug(fmt.Sprintf("Provider cleanup for '%s': %v", name, err))
	}
	if err := d.cf.DeleteTunnel(ctx, name); err != nil {
		response.AddMessage(fmt.Sprintf("Provider record for '%s' not removed: %v", name, err), "WARN")
	}
	if err := ingress.Remove(ingress.Path(core.Config.ConfigPath, name)); err != nil {
		slog.Warn(fmt.Sprintf("Failed to remove ingress file for '%s': %v", name, err))
	}

	if d.database != nil {
		d.database.LogTunnelEvent(name, "delete", "")
	}
	response.AddMessage(fmt.Sprintf("Tunnel '%s' deleted.", name), "INFO")
	return response
}

func (d *Daemon) startTunnel(name string) Response {
	response := Response{}
	if err := d.supervisor.Start(name); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to start tunnel: %v", err), "ERROR")
		return response
	}
	response.AddMessage(fmt.Sprintf("Tunnel '%s' started.", name), "INFO")
	return response
}

func (d *Daemon) stopTunnel(name string) Response {
	response := Response{}
	if err := d.supervisor.Stop(name); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to stop tunnel: %v", err), "ERROR")
		return response
	}
	response.AddMessage(fmt.Sprintf("Tunnel '%s' stopped.", name), "INFO")
	return response
}

// TunnelInfo is the list/status payload for one tunnel
type TunnelInfo struct {
	Name      string        `json:"name"`
	Status    store.Status  `json:"status"`
	AutoStart bool          `json:"auto_start"`
	CreatedAt time.Time     `json:"created_at"`
	Routes    []store.Route `json:"routes"`
	Pid       int           `json:"pid,omitempty"`
	Uptime    string        `json:"uptime,omitempty"`
}

func (d *Daemon) tunnelInfos() []TunnelInfo {
	tunnels := d.store.List()
	infos := make([]TunnelInfo, 0, len(tunnels))
	for _, t := range tunnels {
		info := TunnelInfo{
			Name:      t.Name,
			Status:    t.Status,
			AutoStart: t.AutoStart,
			CreatedAt: t.CreatedAt,
			Routes:    t.Routes,
		}
		if pid, ok := d.supervisor.Pid(t.Name); ok {
			info.Pid = pid
		}
		if uptime, ok := d.supervisor.Uptime(t.Name); ok {
			info.Uptime = uptime.Round(time.Second).String()
		}
		infos = append(infos, info)
	}
	return infos
}

func (d *Daemon) listTunnels() Response {
	response := Response{}
	response.AddData(d.tunnelInfos())
	return response
}

// addRoute persists the route, rewrites the ingress file and binds the
// hostname at the DNS level. DNS failure leaves the route in place but
// degraded; a running tunnel is restarted to pick up the new rule set.
func (d *Daemon) addRoute(tunnelName, domain, host, portArg string) Response {
	response := Response{}

	port, err := strconv.Atoi(portArg)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Invalid port '%s'", portArg), "ERROR")
		return response
	}

	if err := d.store.AddRoute(tunnelName, domain, host, port); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to add route: %v", err), "ERROR")
		return response
	}

	t, err := d.store.Get(tunnelName)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to reload tunnel: %v", err), "ERROR")
		return response
	}
	if _, err := d.supervisor.RegenerateIngress(t); err != nil {
		response.AddMessage(fmt.Sprintf("Route saved but ingress config failed: %v", err), "WARN")
	}

	if err := d.cf.RouteDNS(context.Background(), tunnelName, domain); err != nil {
		response.AddMessage(fmt.Sprintf("Route saved but DNS binding failed: %v", err), "WARN")
		response.AddMessage(fmt.Sprintf("Retry with: cloudflared tunnel route dns %s %s", tunnelName, domain), "WARN")
	}

	if d.database != nil {
		d.database.LogTunnelEvent(tunnelName, "route_add", domain)
	}
	response.AddMessage(fmt.Sprintf("Route '%s' -> %s:%d added to tunnel '%s'.", domain, host, port, tunnelName), "INFO")

	d.restartForRoutes(t, &response)
	return response
}

func (d *Daemon) removeRoute(tunnelName, domain string) Response {
	response := Response{}

	if err := d.store.RemoveRoute(tunnelName, domain); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to remove route: %v", err), "ERROR")
		return response
	}

	t, err := d.store.Get(tunnelName)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to reload tunnel: %v", err), "ERROR")
		return response
	}
	if _, err := d.supervisor.RegenerateIngress(t); err != nil {
		response.AddMessage(fmt.Sprintf("Route removed but ingress config failed: %v", err), "WARN")
	}

	if d.database != nil {
		d.database.LogTunnelEvent(tunnelName, "route_remove", domain)
	}
	response.AddMessage(fmt.Sprintf("Route '%s' removed from tunnel '%s'.", domain, tunnelName), "INFO")
	// cloudflared has no command to delete DNS records
	response.AddMessage(fmt.Sprintf("DNS record for '%s' must be removed in the provider dashboard.", domain), "INFO")

	d.restartForRoutes(t, &response)
	return response
}

// restartForRoutes bounces a running tunnel so cloudflared reloads the
// ingress file
func (d *Daemon) restartForRoutes(t store.Tunnel, response *Response) {
	if t.Status != store.StatusRunning && t.Status != store.StatusStarting {
		return
	}
	slog.Info(fmt.Sprintf("Restarting tunnel '%s' to apply route changes", t.Name))
	if err := d.supervisor.Stop(t.Name); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to restart tunnel '%s': %v", t.Name, err), "WARN")
		return
	}
	if err := d.supervisor.Start(t.Name); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to restart tunnel '%s': %v", t.Name, err), "WARN")
		return
	}
	response.AddMessage(fmt.Sprintf("Tunnel '%s' restarted with updated routes.", t.Name), "INFO")
}

func (d *Daemon) authBegin() Response {
	response := Response{}
	session, err := d.authFlow.Begin()
	if err != nil {
		if errors.Is(err, ErrAuthInProgress) {
			response.AddMessage("A login session is already in progress.", "WARN")
			response.AddData(session)
			return response
		}
		response.AddMessage(fmt.Sprintf("Failed to begin login: %v", err), "ERROR")
		return response
	}
	response.AddMessage("Login session started. Poll for the browser URL.", "INFO")
	response.AddData(session)
	return response
}

func (d *Daemon) authStatus() Response {
	response := Response{}
	response.AddData(d.authFlow.Status())
	return response
}

func (d *Daemon) authCancel() Response {
	response := Response{}
	if err := d.authFlow.Cancel(); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to cancel login: %v", err), "ERROR")
		return response
	}
	response.AddMessage("Login session cancelled.", "INFO")
	return response
}

// SetupStatus tells a fresh install what it still needs
type SetupStatus struct {
	NeedsSetup    bool `json:"needs_setup"`
	HasUsers      bool `json:"has_users"`
	HasTunnels    bool `json:"has_tunnels"`
	Authenticated bool `json:"authenticated"`
}

func (d *Daemon) setupStatus() Response {
	response := Response{}
	response.AddData(SetupStatus{
		NeedsSetup:    d.users.NeedsSetup(),
		HasUsers:      d.users.Count() > 0,
		HasTunnels:    d.store.Count() > 0,
		Authenticated: d.authFlow.Authenticated(),
	})
	return response
}

// addUser registers an operator account. The hash is produced by the
// CLI so the plaintext never crosses the socket.
func (d *Daemon) addUser(username, passwordHash string) Response {
	response := Response{}
	u, err := d.users.Add(username, passwordHash)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to add user: %v", err), "ERROR")
		return response
	}
	if u.IsAdmin {
		response.AddMessage(fmt.Sprintf("User '%s' registered as administrator.", username), "INFO")
	} else {
		response.AddMessage(fmt.Sprintf("User '%s' registered.", username), "INFO")
	}
	return response
}

func (d *Daemon) getEvents(name string) Response {
	response := Response{}
	if d.database == nil {
		response.AddMessage("Event log is not available.", "ERROR")
		return response
	}

	const eventLimit = 50
	var events []db.TunnelEvent
	var err error
	if name == "" {
		events, err = d.database.GetRecentTunnelEvents(eventLimit)
	} else {
		events, err = d.database.GetTunnelEvents(name, eventLimit)
	}
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to read events: %v", err), "ERROR")
		return response
	}
	response.AddData(events)
	return response
}

// DaemonStatus is the STATUS payload
type DaemonStatus struct {
	Pid       int          `json:"pid"`
	Version   string       `json:"version"`
	Uptime    string       `json:"uptime"`
	AuthState AuthState    `json:"auth_state"`
	Tunnels   []TunnelInfo `json:"tunnels"`
}

func (d *Daemon) getStatus() Response {
	response := Response{}
	response.AddData(DaemonStatus{
		Pid:       os.Getpid(),
		Version:   core.FormatVersion(core.Version),
		Uptime:    time.Since(d.startedAt).Round(time.Second).String(),
		AuthState: d.authFlow.Status().State,
		Tunnels:   d.tunnelInfos(),
	})
	return response
}

func (d *Daemon) getVersion() Response {
	response := Response{}
	response.AddData(map[string]string{"version": core.FormatVersion(core.Version)})
	return response
}

func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence...")

		if d.supervisor != nil {
			d.supervisor.StopAll()
		}
		if d.authFlow != nil {
			if err := d.authFlow.Cancel(); err != nil && !errors.Is(err, ErrNoAuthSession) {
				slog.Warn(fmt.Sprintf("Failed to cancel login session during shutdown: %v", err))
			}
		}

		if d.database != nil {
			version := core.FormatVersion(core.Version)
			details := fmt.Sprintf("daemon stopped - version: %s, PID: %d", version, os.Getpid())
			if err := d.database.LogDaemonEvent("stop", details); err != nil {
				slog.Error("Failed to log daemon stop event", "error", err)
			}
			if err := d.database.Close(); err != nil {
				slog.Error("Failed to close database during shutdown", "error", err)
			}
		}
	})
}
