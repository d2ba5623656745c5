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
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/fsnotify/fsnotify"

	"github.com/burrow-sh/burrow/internal/cloudflared"
	"github.com/burrow-sh/burrow/internal/core"
	"github.com/burrow-sh/burrow/internal/db"
)

type AuthState string

const (
	AuthIdle          AuthState = "idle"
	AuthInitializing  AuthState = "initializing"
	AuthWaitingForURL AuthState = "waiting_for_url"
	AuthURLFound      AuthState = "url_found"
	AuthCompleted     AuthState = "completed"
	AuthFailed        AuthState = "failed"
)

var (
	ErrAuthInProgress = errors.New("a login session is already in progress")
	ErrNoAuthSession  = errors.New("no login session in progress")
)

// AuthSession is the poll-able snapshot of the login flow
type AuthSession struct {
	State     AuthState `json:"state"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	TimeoutAt time.Time `json:"timeout_at,omitempty"`
}

// AuthFlow coordinates the interactive cloudflared login. At most one
// session exists at a time: the login opens a browser URL that must be
// visited by a human, so a second concurrent session would just fight
// over the same origin certificate.
type AuthFlow struct {
	mu        sync.Mutex
	state     AuthState
	url       string
	errMsg    string
	startedAt time.Time
	timeoutAt time.Time
	sawURL    bool
	cmd       *exec.Cmd
	closeOut  func()
	cancel    context.CancelFunc

	database *db.DB

	// Test seams. The login runs on a pty because cloudflared block
	// buffers its output when stdout is a pipe, which would delay the
	// URL until the process exits.
	newLoginCmd func() *exec.Cmd
	startOutput func(cmd *exec.Cmd) (io.ReadCloser, func(), error)
}

func NewAuthFlow(database *db.DB) *AuthFlow {
	return &AuthFlow{
		state:       AuthIdle,
		database:    database,
		newLoginCmd: defaultLoginCmd,
		startOutput: startOnPty,
	}
}

func defaultLoginCmd() *exec.Cmd {
	return exec.Command(core.Config.Cloudflared.Binary, cloudflared.LoginArgs()...)
}

// startOnPty starts the command with a pseudo-terminal so output arrives
// line by line. Falls back to a plain pipe where no pty is available.
// The returned cleanup runs after Wait and unblocks the output reader.
func startOnPty(cmd *exec.Cmd) (io.ReadCloser, func(), error) {
	if f, err := pty.Start(cmd); err == nil {
		return f, func() { f.Close() }, nil
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, nil, err
	}
	return pr, func() { pw.Close() }, nil
}

func (a *AuthFlow) active() bool {
	switch a.state {
	case AuthInitializing, AuthWaitingForURL, AuthURLFound:
		return true
	}
	return false
}

// Begin starts a new login session. Only one can run at a time; a
// finished session (completed or failed) is replaced.
func (a *AuthFlow) Begin() (AuthSession, error) {
	a.mu.Lock()

	if a.active() {
		session := a.snapshotLocked()
		a.mu.Unlock()
		return session, ErrAuthInProgress
	}

	a.state = AuthInitializing
	a.url = ""
	a.errMsg = ""
	a.sawURL = false
	a.startedAt = time.Now()
	a.timeoutAt = a.startedAt.Add(core.Config.Auth.TimeoutDuration())

	cmd := a.newLoginCmd()
	cmd.Env = os.Environ()

	out, closeOut, err := a.startOutput(cmd)
	if err != nil {
		msg := fmt.Sprintf("failed to launch login process: %v", err)
		a.state = AuthFailed
		a.errMsg = msg
		session := a.snapshotLocked()
		a.mu.Unlock()
		a.logAuth("begin_failed", msg)
		return session, fmt.Errorf("failed to launch login process: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cmd = cmd
	a.closeOut = closeOut
	a.cancel = cancel
	a.state = AuthWaitingForURL
	session := a.snapshotLocked()
	a.mu.Unlock()

	slog.Info(fmt.Sprintf("Login session started (PID %d)", cmd.Process.Pid))
	a.logAuth("begin", fmt.Sprintf("PID: %d", cmd.Process.Pid))

	go a.scanForURL(out, cmd)
	go a.waitExit(cmd)
	go a.watchCert(ctx, cmd, core.Config.Cloudflared.OriginDir)
	go a.watchdog(ctx, cmd, core.Config.Auth.TimeoutDuration())

	return session, nil
}

// Status returns the current session snapshot
func (a *AuthFlow) Status() AuthSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Cancel kills the login process and marks the session failed
func (a *AuthFlow) Cancel() error {
	a.mu.Lock()
	if !a.active() {
		a.mu.Unlock()
		return ErrNoAuthSession
	}
	cmd := a.cmd
	a.finishLocked(AuthFailed, "cancelled")
	a.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	a.logAuth("cancelled", "")
	return nil
}

// Authenticated reports whether an origin certificate is present
func (a *AuthFlow) Authenticated() bool {
	_, err := os.Stat(cloudflared.CertPath(core.Config.Cloudflared.OriginDir))
	return err == nil
}

// snapshotLocked builds a session snapshot. Callers hold a.mu.
func (a *AuthFlow) snapshotLocked() AuthSession {
	s := AuthSession{
		State: a.state,
		URL:   a.url,
		Error: a.errMsg,
	}
	if a.state != AuthIdle {
		s.StartedAt = a.startedAt
		s.TimeoutAt = a.timeoutAt
	}
	return s
}

// finishLocked moves the session into a terminal state and releases the
// watchers. Callers hold a.mu.
func (a *AuthFlow) finishLocked(state AuthState, errMsg string) {
	a.state = state
	a.errMsg = errMsg
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// scanForURL reads login output looking for the browser URL
func (a *AuthFlow) scanForURL(out io.ReadCloser, cmd *exec.Cmd) {
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug(fmt.Sprintf("[login] %s", line))

		url, ok := cloudflared.ExtractURL(line)
		if !ok {
			continue
		}

		a.mu.Lock()
		if a.cmd == cmd && a.state == AuthWaitingForURL {
			a.url = url
			a.sawURL = true
			a.state = AuthURLFound
			slog.Info("Login URL ready, waiting for browser confirmation")
			a.mu.Unlock()
			a.logAuth("url_found", url)
			continue
		}
		a.mu.Unlock()
	}
}

// waitExit reaps the login process and settles any still-open session.
// A clean exit after the URL was shown means cloudflared received the
// certificate; anything else is a failure.
func (a *AuthFlow) waitExit(cmd *exec.Cmd) {
	waitErr := cmd.Wait()

	a.mu.Lock()
	if a.cmd != cmd {
		a.mu.Unlock()
		return
	}
	if a.closeOut != nil {
		a.closeOut()
		a.closeOut = nil
	}
	if !a.active() {
		// Cert watcher, watchdog or Cancel already decided
		a.mu.Unlock()
		return
	}

	if a.certExists() || (waitErr == nil && a.sawURL) {
		a.finishLocked(AuthCompleted, "")
		a.mu.Unlock()
		slog.Info("Login completed, origin certificate installed")
		a.logAuth("completed", "")
		return
	}

	msg := "login process exited before authentication completed"
	if waitErr != nil {
		msg = fmt.Sprintf("login process failed: %v", waitErr)
	}
	a.finishLocked(AuthFailed, msg)
	a.mu.Unlock()
	slog.Warn(msg)
	a.logAuth("failed", msg)
}

func (a *AuthFlow) certExists() bool {
	_, err := os.Stat(cloudflared.CertPath(core.Config.Cloudflared.OriginDir))
	return err == nil
}

// watchCert completes the session as soon as cert.pem appears. The
// filesystem is the source of truth for login success; process exit
// codes are only a fallback. A stat ticker backs up fsnotify since the
// certificate may land via rename.
func (a *AuthFlow) watchCert(ctx context.Context, cmd *exec.Cmd, originDir string) {
	certPath := cloudflared.CertPath(originDir)

	select {
	case <-ctx.Done():
		return
	default:
	}
	os.MkdirAll(originDir, 0o755)

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(originDir); err == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Name != certPath {
				continue
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
		case <-ticker.C:
			if _, err := os.Stat(certPath); err != nil {
				continue
			}
		}

		a.mu.Lock()
		if a.cmd == cmd && a.active() {
			a.finishLocked(AuthCompleted, "")
			a.mu.Unlock()
			slog.Info("Origin certificate detected, login completed")
			a.logAuth("completed", certPath)
			return
		}
		a.mu.Unlock()
		return
	}
}

// watchdog fails the session when nobody finishes the browser flow in time
func (a *AuthFlow) watchdog(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(timeout):
	}

	a.mu.Lock()
	if a.cmd != cmd || !a.active() {
		a.mu.Unlock()
		return
	}
	msg := fmt.Sprintf("login timed out after %v", timeout)
	a.finishLocked(AuthFailed, msg)
	a.mu.Unlock()

	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	slog.Warn(msg)
	a.logAuth("timeout", msg)
}

func (a *AuthFlow) logAuth(eventType, details string) {
	if a.database == nil {
		return
	}
	if err := a.database.LogAuthEvent(eventType, details); err != nil {
		slog.Error("Failed to log auth event", "event", eventType, "error", err)
	}
}
