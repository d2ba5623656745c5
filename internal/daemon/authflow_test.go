package daemon

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/burrow-sh/burrow/internal/core"
)

func testAuthFlow(t *testing.T) *AuthFlow {
	t.Helper()
	quietLogger(t)
	testConfig(t)
	return NewAuthFlow(nil)
}

func TestAuthFlow_URLThenCompleted(t *testing.T) {
	a := testAuthFlow(t)
	a.newLoginCmd = func() *exec.Cmd {
		return exec.Command("sh", "-c",
			"echo 'Please open the following URL and log in: https://dash.cloudflare.com/argotunnel?callback=abc123'; sleep 0.2")
	}

	session, err := a.Begin()
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if session.State != AuthWaitingForURL {
		t.Errorf("expected waiting_for_url right after begin, got %s", session.State)
	}

	waitFor(t, 3*time.Second, "login completion", func() bool {
		return a.Status().State == AuthCompleted
	})

	final := a.Status()
	if !strings.Contains(final.URL, "dash.cloudflare.com") {
		t.Errorf("expected scraped URL, got %q", final.URL)
	}
	if final.Error != "" {
		t.Errorf("expected no error, got %q", final.Error)
	}
}

func TestAuthFlow_SecondBeginRejected(t *testing.T) {
	a := testAuthFlow(t)

	var spawns atomic.Int32
	a.newLoginCmd = func() *exec.Cmd {
		spawns.Add(1)
		return exec.Command("sleep", "5")
	}

	if _, err := a.Begin(); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	t.Cleanup(func() { a.Cancel() })

	session, err := a.Begin()
	if !errors.Is(err, ErrAuthInProgress) {
		t.Fatalf("expected ErrAuthInProgress, got %v", err)
	}
	if session.State != AuthWaitingForURL {
		t.Errorf("expected existing session in snapshot, got %s", session.State)
	}
	if got := spawns.Load(); got != 1 {
		t.Errorf("expected a single login process, got %d", got)
	}
}

func TestAuthFlow_ExitBeforeURLFails(t *testing.T) {
	a := testAuthFlow(t)
	a.newLoginCmd = func() *exec.Cmd {
		return exec.Command("sh", "-c", "exit 1")
	}

	if _, err := a.Begin(); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	waitFor(t, 3*time.Second, "login failure", func() bool {
		return a.Status().State == AuthFailed
	})
	if a.Status().Error == "" {
		t.Error("expected an error message on the failed session")
	}
}

func TestAuthFlow_CleanExitWithoutURLFails(t *testing.T) {
	a := testAuthFlow(t)
	a.newLoginCmd = func() *exec.Cmd {
		return exec.Command("true")
	}

	if _, err := a.Begin(); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	waitFor(t, 3*time.Second, "login failure", func() bool {
		return a.Status().State == AuthFailed
	})
}

func TestAuthFlow_WatchdogTimeout(t *testing.T) {
	a := testAuthFlow(t)
	core.Config.Auth.Timeout = "150ms"
	a.newLoginCmd = func() *exec.Cmd {
		return exec.Command("sleep", "5")
	}

	if _, err := a.Begin(); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	waitFor(t, 3*time.Second, "watchdog expiry", func() bool {
		return a.Status().State == AuthFailed
	})
	if !strings.Contains(a.Status().Error, "timed out") {
		t.Errorf("expected timeout error, got %q", a.Status().Error)
	}
}

func TestAuthFlow_CertCompletesSession(t *testing.T) {
	a := testAuthFlow(t)
	a.newLoginCmd = func() *exec.Cmd {
		return exec.Command("sleep", "1")
	}

	if _, err := a.Begin(); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	certPath := filepath.Join(core.Config.Cloudflared.OriginDir, "cert.pem")
	os.MkdirAll(filepath.Dir(certPath), 0o755)
	if err := os.WriteFile(certPath, []byte("cert"), 0o600); err != nil {
		t.Fatalf("failed to write cert: %v", err)
	}

	waitFor(t, 3*time.Second, "cert detection", func() bool {
		return a.Status().State == AuthCompleted
	})
	if !a.Authenticated() {
		t.Error("expected Authenticated to report true")
	}
}

func TestAuthFlow_CancelAllowsNewBegin(t *testing.T) {
	a := testAuthFlow(t)
	a.newLoginCmd = func() *exec.Cmd {
		return exec.Command("sleep", "5")
	}

	if _, err := a.Begin(); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := a.Cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	status := a.Status()
	if status.State != AuthFailed || status.Error != "cancelled" {
		t.Errorf("expected failed/cancelled, got %s/%q", status.State, status.Error)
	}

	// A terminal session can be replaced
	if _, err := a.Begin(); err != nil {
		t.Fatalf("begin after cancel failed: %v", err)
	}
	a.Cancel()
}

func TestAuthFlow_CancelWithoutSession(t *testing.T) {
	a := testAuthFlow(t)
	if err := a.Cancel(); !errors.Is(err, ErrNoAuthSession) {
		t.Errorf("expected ErrNoAuthSession, got %v", err)
	}
}
