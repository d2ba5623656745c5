package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/burrow-sh/burrow/internal/cloudflared"
	"github.com/burrow-sh/burrow/internal/core"
)

// quietLogger suppresses default slog output during tests.
func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// testConfig installs a fast-moving config rooted in a temp dir
func testConfig(t *testing.T) *core.Configuration {
	t.Helper()

	old := core.Config
	t.Cleanup(func() { core.Config = old })

	dir := t.TempDir()
	core.Config = &core.Configuration{
		ConfigPath: dir,
		Cloudflared: core.CloudflaredConfig{
			Binary:    "cloudflared",
			OriginDir: filepath.Join(dir, "origin"),
		},
		Supervisor: core.SupervisorConfig{
			StartupGrace:   "5s",
			StopTimeout:    "2s",
			RestartEnabled: true,
			InitialBackoff: "50ms",
			BackoffFactor:  2,
			MaxRestarts:    2,
		},
		Auth: core.AuthConfig{
			Timeout:      "5s",
			PollInterval: "50ms",
		},
	}
	return core.Config
}

// fakeCfRunner answers cloudflared subcommands with canned results
type fakeCfRunner struct {
	output map[string][]byte
	err    map[string]error
	calls  []string
}

func (r *fakeCfRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	r.calls = append(r.calls, key)
	for prefix, err := range r.err {
		if strings.HasPrefix(key, prefix) {
			return nil, err
		}
	}
	for prefix, out := range r.output {
		if strings.HasPrefix(key, prefix) {
			return out, nil
		}
	}
	return []byte("[]"), nil
}

// newTestDaemon builds a daemon over temp stores and a fake cloudflared
func newTestDaemon(t *testing.T, runner *fakeCfRunner) *Daemon {
	t.Helper()
	testConfig(t)

	d := New()
	if err := d.initState(); err != nil {
		t.Fatalf("failed to init daemon state: %v", err)
	}
	t.Cleanup(func() {
		if d.database != nil {
			d.database.Close()
		}
	})

	d.cf = cloudflared.NewClient(runner)
	d.supervisor = NewSupervisor(d.store, d.database, d.cf)
	d.authFlow = NewAuthFlow(d.database)
	return d
}

// sendIPCCommand sends a command string to handleConnection via net.Pipe
// and reads back the JSON response.
func sendIPCCommand(t *testing.T, d *Daemon, command string) Response {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.handleConnection(serverConn)
	}()

	if _, err := clientConn.Write([]byte(command + "\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}

	// handleConnection closes the server side when done
	data, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	clientConn.Close()

	<-done

	var resp Response
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("failed to parse response JSON %q: %v", string(data), err)
		}
	}
	return resp
}

// decodeData unmarshals a Response data payload into out
func decodeData(t *testing.T, resp Response, out interface{}) {
	t.Helper()
	jsonBytes, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("failed to re-marshal data: %v", err)
	}
	if err := json.Unmarshal(jsonBytes, out); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
}

// waitFor polls until cond returns true or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
