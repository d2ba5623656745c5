package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/burrow-sh/burrow/internal/cloudflared"
	"github.com/burrow-sh/burrow/internal/core"
	"github.com/burrow-sh/burrow/internal/db"
	"github.com/burrow-sh/burrow/internal/ingress"
	"github.com/burrow-sh/burrow/internal/store"
)

var (
	ErrAlreadyRunning = errors.New("tunnel is already running")
	ErrNotRunning     = errors.New("tunnel is not running")
)

// proc is the live handle for one supervised tunnel process. The durable
// record lives in the store; this only exists while a process does.
type proc struct {
	cmd           *exec.Cmd
	pid           int
	startedAt     time.Time
	restarts      int
	stopRequested bool
	done          chan struct{} // closed once the exit watcher has handled the exit
}

// Supervisor owns every cloudflared tunnel process: at most one per
// tunnel name. Crashed processes are restarted a bounded number of
// times with exponential backoff; after that the tunnel stays crashed
// until someone starts it manually.
type Supervisor struct {
	mu       sync.Mutex
	procs    map[string]*proc
	starting map[string]struct{} // names claimed by an in-flight startProcess
	retries  map[string]context.CancelFunc

	store    *store.Store
	database *db.DB
	cf       *cloudflared.Client

	// newCmd builds the tunnel process command. Tests substitute this
	// to supervise harmless processes instead of cloudflared.
	newCmd func(configFile, name string) *exec.Cmd
}

func NewSupervisor(st *store.Store, database *db.DB, cf *cloudflared.Client) *Supervisor {
	return &Supervisor{
		procs:    make(map[string]*proc),
		starting: make(map[string]struct{}),
		retries:  make(map[string]context.CancelFunc),
		store:    st,
		database: database,
		cf:       cf,
		newCmd:   defaultTunnelCmd,
	}
}

func defaultTunnelCmd(configFile, name string) *exec.Cmd {
	return exec.Command(core.Config.Cloudflared.Binary, cloudflared.RunArgs(configFile, name)...)
}

// calculateBackoff returns the delay before restart attempt n (1-based)
func calculateBackoff(attempt int) time.Duration {
	backoff := core.Config.Supervisor.InitialBackoffDuration()
	factor := core.Config.Supervisor.BackoffFactor
	if factor < 2 {
		factor = 2
	}
	for i := 1; i < attempt; i++ {
		backoff *= time.Duration(factor)
	}
	return backoff
}

// RegenerateIngress rewrites the tunnel's cloudflared config from its
// current route set and returns the file path. Provider lookups are
// best-effort: a tunnel that was never provisioned still gets a file.
func (s *Supervisor) RegenerateIngress(t store.Tunnel) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tunnelID, err := s.cf.TunnelID(ctx, t.Name)
	if err != nil {
		slog.Debug(fmt.Sprintf("No provider record for tunnel '%s': %v", t.Name, err))
		tunnelID = ""
	}
	credsFile := ""
	if tunnelID != "" {
		if f, ok := cloudflared.CredentialsFile(core.Config.Cloudflared.OriginDir, tunnelID); ok {
			credsFile = f
		}
	}

	path := ingress.Path(core.Config.ConfigPath, t.Name)
	if err := ingress.Write(path, ingress.Generate(tunnelID, credsFile, t.Routes)); err != nil {
		return "", err
	}
	return path, nil
}

// CleanOrphans kills cloudflared processes left over from a previous
// daemon instance, recognized by a --config argument pointing into our
// config directory. Called on daemon start, before any tunnel is
// launched, so every match is an orphan. Returns the number killed.
func (s *Supervisor) CleanOrphans() int {
	procs, err := process.Processes()
	if err != nil {
		slog.Warn("Failed to scan for orphan tunnel processes", "error", err)
		return 0
	}

	prefix := core.Config.ConfigPath + string(os.PathSeparator)
	killed := 0
	for _, p := range procs {
		args, err := p.CmdlineSlice()
		if err != nil || len(args) == 0 {
			continue
		}

		ours := false
		for i, arg := range args {
			if arg == "--config" && i+1 < len(args) && strings.HasPrefix(args[i+1], prefix) {
				ours = true
				break
			}
		}
		if !ours {
			continue
		}

		slog.Info(fmt.Sprintf("Killing orphan tunnel process (PID %d)", p.Pid))
		if err := p.Terminate(); err != nil {
			slog.Warn(fmt.Sprintf("Failed to terminate orphan process %d: %v", p.Pid, err))
			continue
		}
		killed++
	}
	return killed
}

// Start launches the tunnel process for a stored tunnel. A pending
// crash-restart is cancelled first so manual intervention always wins.
func (s *Supervisor) Start(name string) error {
	t, err := s.store.Get(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if cancel, ok := s.retries[name]; ok {
		cancel()
		delete(s.retries, name)
	}
	if existing, ok := s.procs[name]; ok {
		alive, _ := process.PidExists(int32(existing.pid))
		if alive {
			s.mu.Unlock()
			return fmt.Errorf("%w: %q (PID %d)", ErrAlreadyRunning, name, existing.pid)
		}
		// Process is dead, clean up the stale entry and proceed
		slog.Info("Cleaning up stale tunnel entry", "tunnel", name, "old_pid", existing.pid)
		delete(s.procs, name)
		s.logEvent(name, "stale_cleanup", fmt.Sprintf("PID %d was dead", existing.pid))
	}
	s.mu.Unlock()

	return s.startProcess(t, 0)
}

// startProcess spawns the tunnel process and waits for readiness.
// restarts is the number of automatic restarts already consumed; it
// rides along in the proc entry so the exit watcher can keep counting.
func (s *Supervisor) startProcess(t store.Tunnel, restarts int) error {
	name := t.Name

	// Claim the name so two concurrent starts cannot both spawn. The
	// claim outlives the readiness wait; the proc entry is registered
	// before it is released.
	s.mu.Lock()
	_, live := s.procs[name]
	_, claimed := s.starting[name]
	if live || claimed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyRunning, name)
	}
	s.starting[name] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, name)
		s.mu.Unlock()
	}()

	if err := s.store.SetStatus(name, store.StatusStarting); err != nil {
		return err
	}

	configFile, err := s.RegenerateIngress(t)
	if err != nil {
		s.store.SetStatus(name, store.StatusCrashed)
		return fmt.Errorf("failed to write ingress config for '%s': %w", name, err)
	}

	cmd := s.newCmd(configFile, name)
	cmd.Env = os.Environ()

	// New session so the process is not killed by signals aimed at the daemon
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		s.store.SetStatus(name, store.StatusCrashed)
		return fmt.Errorf("failed to create stderr pipe for '%s': %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		s.store.SetStatus(name, store.StatusCrashed)
		return fmt.Errorf("failed to launch tunnel process for '%s': %w", name, err)
	}

	p := &proc{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		restarts:  restarts,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[name] = p
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("Attempting to start tunnel '%s' (PID %d)", name, p.pid))

	// Wait for a readiness line, a fatal line, or the grace period.
	// cloudflared may connect silently when log output is redirected, so
	// an uneventful grace period counts as up.
	result := make(chan error, 1)
	go s.scanOutput(stderrPipe, name, result)

	select {
	case err = <-result:
	case <-time.After(core.Config.Supervisor.StartupGraceDuration()):
		err = nil
	}

	if err != nil {
		s.logEvent(name, "start_failed", err.Error())
		s.mu.Lock()
		if cur, ok := s.procs[name]; ok && cur.cmd == cmd {
			delete(s.procs, name)
		}
		s.mu.Unlock()
		go cmd.Wait() // reap
		gracefulTerminate(cmd.Process, time.Second, name)
		s.store.SetStatus(name, store.StatusCrashed)
		return fmt.Errorf("tunnel '%s' failed to start: %w", name, err)
	}

	if err := s.store.SetStatus(name, store.StatusRunning); err != nil {
		slog.Error("Failed to record running status", "tunnel", name, "error", err)
	}
	slog.Info(fmt.Sprintf("Tunnel '%s' is running (PID %d)", name, p.pid))
	s.logEvent(name, "start", fmt.Sprintf("PID: %d", p.pid))

	go s.watch(name, cmd)
	return nil
}

// scanOutput reads tunnel process output until EOF, reporting the first
// readiness or fatal line. After the verdict it keeps draining so the
// process never blocks on a full pipe buffer.
func (s *Supervisor) scanOutput(r io.ReadCloser, name string, result chan<- error) {
	defer func() {
		// Pipe closed before any verdict means the process died
		select {
		case result <- fmt.Errorf("process exited during startup"):
		default:
		}
	}()

	scanner := bufio.NewScanner(r)
	decided := false
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug(fmt.Sprintf("[%s] cloudflared: %s", name, line))

		if decided {
			continue
		}
		if cloudflared.IsReady(line) {
			result <- nil
			decided = true
			continue
		}
		if cloudflared.IsFatal(line) {
			result <- fmt.Errorf("cloudflared: %s", line)
			decided = true
		}
	}
}

// watch waits for the tunnel process to exit and decides what the exit
// means: a requested stop, or a crash that may earn a restart.
func (s *Supervisor) watch(name string, cmd *exec.Cmd) {
	waitErr := cmd.Wait()

	s.mu.Lock()
	p, ok := s.procs[name]
	if !ok || p.cmd != cmd {
		// Entry removed or replaced while we were waiting
		s.mu.Unlock()
		return
	}
	delete(s.procs, name)
	stopRequested := p.stopRequested
	restarts := p.restarts
	s.mu.Unlock()
	defer close(p.done)

	if stopRequested {
		slog.Info(fmt.Sprintf("Tunnel '%s' stopped.", name))
		s.store.SetStatus(name, store.StatusStopped)
		s.logEvent(name, "stop", "")
		return
	}

	exitDetails := ""
	if waitErr != nil {
		exitDetails = waitErr.Error()
	}
	slog.Warn(fmt.Sprintf("Tunnel process for '%s' exited unexpectedly: %v", name, waitErr))
	s.store.SetStatus(name, store.StatusCrashed)
	s.logEvent(name, "crash", exitDetails)

	if !core.Config.Supervisor.RestartEnabled {
		return
	}
	maxRestarts := core.Config.Supervisor.MaxRestarts
	if restarts >= maxRestarts {
		slog.Warn(fmt.Sprintf("Tunnel '%s' exceeded max restart attempts (%d). Giving up.", name, maxRestarts))
		s.logEvent(name, "max_restarts_exceeded", fmt.Sprintf("Max restarts (%d) exceeded", maxRestarts))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.retries[name] = cancel
	s.mu.Unlock()
	go s.retry(ctx, name, restarts+1)
}

// retry waits out the backoff and restarts the tunnel. Attempts are
// 1-based; each failed spawn consumes an attempt and schedules the next.
func (s *Supervisor) retry(ctx context.Context, name string, attempt int) {
	maxRestarts := core.Config.Supervisor.MaxRestarts
	for ; attempt <= maxRestarts; attempt++ {
		backoff := calculateBackoff(attempt)
		slog.Info(fmt.Sprintf("Tunnel '%s' will restart in %v (attempt %d/%d)", name, backoff, attempt, maxRestarts))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		// A manual start or stop during the backoff changes the status;
		// only a tunnel still sitting in crashed gets restarted.
		t, err := s.store.Get(name)
		if err != nil || t.Status != store.StatusCrashed {
			s.clearRetry(name)
			return
		}

		slog.Info(fmt.Sprintf("Restarting tunnel '%s' (attempt %d/%d)", name, attempt, maxRestarts))
		if err := s.startProcess(t, attempt); err != nil {
			slog.Warn(fmt.Sprintf("Restart of tunnel '%s' failed: %v", name, err))
			continue
		}
		s.clearRetry(name)
		return
	}

	slog.Warn(fmt.Sprintf("Tunnel '%s' exceeded max restart attempts (%d). Giving up.", name, maxRestarts))
	s.logEvent(name, "max_restarts_exceeded", fmt.Sprintf("Max restarts (%d) exceeded", maxRestarts))
	s.clearRetry(name)
}

func (s *Supervisor) clearRetry(name string) {
	s.mu.Lock()
	if cancel, ok := s.retries[name]; ok {
		cancel()
		delete(s.retries, name)
	}
	s.mu.Unlock()
}

// Stop terminates the tunnel process and cancels any pending restart.
// It returns once the exit watcher has recorded the stop.
func (s *Supervisor) Stop(name string) error {
	if _, err := s.store.Get(name); err != nil {
		return err
	}

	s.mu.Lock()
	if cancel, ok := s.retries[name]; ok {
		cancel()
		delete(s.retries, name)
	}
	p, ok := s.procs[name]
	if !ok {
		s.mu.Unlock()
		// A crashed tunnel with a cancelled retry has nothing to kill
		return fmt.Errorf("%w: %q", ErrNotRunning, name)
	}
	p.stopRequested = true
	s.mu.Unlock()

	if err := s.store.SetStatus(name, store.StatusStopping); err != nil {
		slog.Error("Failed to record stopping status", "tunnel", name, "error", err)
	}

	timeout := core.Config.Supervisor.StopTimeoutDuration()
	if err := gracefulTerminate(p.cmd.Process, timeout, name); err != nil {
		// Clean up regardless so the tunnel is not wedged
		s.mu.Lock()
		if cur, ok := s.procs[name]; ok && cur.cmd == p.cmd {
			delete(s.procs, name)
		}
		s.mu.Unlock()
		s.store.SetStatus(name, store.StatusStopped)
		return fmt.Errorf("failed to kill process for '%s': %w", name, err)
	}

	// Wait for the exit watcher to finish bookkeeping
	select {
	case <-p.done:
	case <-time.After(timeout + 2*time.Second):
		slog.Warn(fmt.Sprintf("Timed out waiting for exit of tunnel '%s'", name))
		s.store.SetStatus(name, store.StatusStopped)
	}
	return nil
}

// StopAll terminates every supervised tunnel, for daemon shutdown
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.Stop(name); err != nil {
				slog.Warn(fmt.Sprintf("Failed to stop tunnel '%s' during shutdown: %v", name, err))
			}
		}(name)
	}
	wg.Wait()
}

// Pid returns the live process ID for a tunnel, if it has one
func (s *Supervisor) Pid(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	if !ok {
		return 0, false
	}
	return p.pid, true
}

// Uptime returns how long the tunnel process has been alive
func (s *Supervisor) Uptime(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	if !ok {
		return 0, false
	}
	return time.Since(p.startedAt), true
}

func (s *Supervisor) logEvent(name, eventType, details string) {
	if s.database == nil {
		return
	}
	if err := s.database.LogTunnelEvent(name, eventType, details); err != nil {
		slog.Error("Failed to log tunnel event", "tunnel", name, "event", eventType, "error", err)
	}
}

// gracefulTerminate sends SIGTERM, polls for exit, then falls back to
// SIGKILL. Signal(0) polling is used instead of Wait() because the exit
// watcher owns the single Wait() call for each process.
func gracefulTerminate(pr *os.Process, timeout time.Duration, label string) error {
	if err := pr.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", label), "error", err)
		return pr.Kill()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := pr.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	slog.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", label, timeout))
	if err := pr.Kill(); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
		return err
	}
	return nil
}
