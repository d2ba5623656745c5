package daemon

import (
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestGracefulTerminate_ProcessAlreadyDone(t *testing.T) {
	quietLogger(t)

	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	cmd.Wait()

	// SIGTERM on a reaped process must not be treated as a failure
	err := gracefulTerminate(cmd.Process, 5*time.Second, "test-done")
	if err != nil {
		t.Errorf("expected nil error for already-done process, got: %v", err)
	}
}

func TestGracefulTerminate_ProcessExitsGracefully(t *testing.T) {
	quietLogger(t)

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	go cmd.Wait()
	t.Cleanup(func() { cmd.Process.Kill() })

	err := gracefulTerminate(cmd.Process, 5*time.Second, "test-graceful")
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
}

func TestGracefulTerminate_SigtermIgnoredFallsBackToKill(t *testing.T) {
	quietLogger(t)

	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	go cmd.Wait()
	t.Cleanup(func() { cmd.Process.Kill() })

	err := gracefulTerminate(cmd.Process, 300*time.Millisecond, "test-stubborn")
	if err != nil {
		t.Errorf("expected kill fallback to succeed, got: %v", err)
	}
}
