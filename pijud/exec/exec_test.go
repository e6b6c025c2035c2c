package exec

import (
	"bytes"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestStartEmptyArgv(t *testing.T) {
	if _, err := Start(StartConfig{}); err == nil {
		t.Error("empty argv should fail")
	}
}

func TestStartWait(t *testing.T) {
	var stdout bytes.Buffer

	proc, err := Start(StartConfig{
		Argv:   []string{"/bin/sh", "-c", "echo $PIJU_TEST; pwd"},
		Dir:    "/tmp",
		Env:    []string{"PATH=/bin:/usr/bin", "PIJU_TEST=hello"},
		Stdout: &stdout,
	})
	if err != nil {
		t.Fatal("failed to start:", err)
	}

	if proc.PID() <= 0 {
		t.Errorf("PID = %d", proc.PID())
	}

	status := proc.Wait()
	if status.Error != nil {
		t.Fatal("wait failed:", status.Error)
	}
	if status.Code != 0 {
		t.Errorf("exit code = %d", status.Code)
	}
	if status.PID != proc.PID() {
		t.Errorf("status pid %d != process pid %d", status.PID, proc.PID())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 || lines[0] != "hello" || filepath.Clean(lines[1]) != "/tmp" {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestStartNonZeroExit(t *testing.T) {
	proc, err := Start(StartConfig{
		Argv: []string{"/bin/sh", "-c", "exit 7"},
		Env:  []string{"PATH=/bin:/usr/bin"},
	})
	if err != nil {
		t.Fatal("failed to start:", err)
	}

	status := proc.Wait()
	if status.Error != nil {
		t.Error("a non-zero exit is not a wait error:", status.Error)
	}
	if status.Code != 7 {
		t.Errorf("exit code = %d, expected 7", status.Code)
	}
}

func TestSignalGroup(t *testing.T) {
	proc, err := Start(StartConfig{
		Argv: []string{"/bin/sleep", "30"},
		Env:  []string{"PATH=/bin:/usr/bin"},
	})
	if err != nil {
		t.Fatal("failed to start:", err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		t.Fatal("failed to signal:", err)
	}

	status := proc.Wait()
	if status.Code != -1 {
		t.Errorf("exit code = %d, expected -1 for a terminated process", status.Code)
	}
}

func TestStartUnknownUser(t *testing.T) {
	_, err := Start(StartConfig{
		Argv: []string{"/bin/true"},
		User: "pijud-no-such-user",
	})
	if err == nil {
		t.Error("an unknown user should fail the spawn")
	}
}

func TestSleepProcess(t *testing.T) {
	t.Run("times out", func(t *testing.T) {
		proc := NewSleepProcess(10*time.Millisecond, 0, 100)
		if status := proc.Wait(); status.Code != 0 {
			t.Errorf("exit code = %d", status.Code)
		}
	})

	t.Run("killed", func(t *testing.T) {
		proc := NewSleepProcess(time.Hour, 0, 100)
		if err := proc.Kill(); err != nil {
			t.Fatal(err)
		}
		if status := proc.Wait(); status.Code != -1 {
			t.Errorf("exit code = %d", status.Code)
		}
	})

	t.Run("absorbs reload signals", func(t *testing.T) {
		proc := NewSleepProcess(50*time.Millisecond, 0, 100)
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			t.Fatal(err)
		}
		if status := proc.Wait(); status.Code != 0 {
			t.Errorf("exit code = %d", status.Code)
		}
	})
}
