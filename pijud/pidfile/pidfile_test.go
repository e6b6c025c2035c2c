package pidfile

import (
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "svc.pid")

	if err := Write(path, 1234); err != nil {
		t.Fatal("failed to write pidfile:", err)
	}

	pid, err := Read(path)
	if err != nil {
		t.Fatal("failed to read pidfile:", err)
	}
	if pid != 1234 {
		t.Errorf("pid = %d, expected 1234", pid)
	}

	if err := Remove(path); err != nil {
		t.Fatal("failed to remove pidfile:", err)
	}
	if err := Remove(path); err != nil {
		t.Fatal("removing a missing pidfile should not error:", err)
	}
}

func TestReadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")
	if err := os.WriteFile(path, []byte("not a pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Read(path); err == nil {
		t.Error("expected an error for garbage content")
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("our own pid should be alive")
	}
}

// fakeProc builds a procfs-shaped directory for one pid and points ProcFS at
// it for the duration of the test.
func fakeProc(t *testing.T, pid int, cmdline, environ []string) {
	t.Helper()

	dir := t.TempDir()
	pidDir := filepath.Join(dir, strconv.Itoa(pid))
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		t.Fatal(err)
	}

	join := func(parts []string) []byte {
		var b []byte
		for _, p := range parts {
			b = append(b, p...)
			b = append(b, 0)
		}
		return b
	}

	if err := os.WriteFile(filepath.Join(pidDir, "cmdline"), join(cmdline), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pidDir, "environ"), join(environ), 0o644); err != nil {
		t.Fatal(err)
	}

	old := ProcFS
	ProcFS = dir
	t.Cleanup(func() { ProcFS = old })
}

func TestManaged(t *testing.T) {
	pid := os.Getpid()

	t.Run("ours", func(t *testing.T) {
		fakeProc(t, pid,
			[]string{"/usr/bin/python3", "-m", "pijuwebui"},
			[]string{"HOME=/root", Marker})

		managed, err := Managed(pid, "/usr/bin/python3")
		if err != nil {
			t.Fatal(err)
		}
		if !managed {
			t.Error("expected the process to be recognized as managed")
		}
	})

	t.Run("wrong executable", func(t *testing.T) {
		fakeProc(t, pid,
			[]string{"/usr/bin/perl"},
			[]string{Marker})

		managed, err := Managed(pid, "/usr/bin/python3")
		if err != nil {
			t.Fatal(err)
		}
		if managed {
			t.Error("a different executable must not be managed")
		}
	})

	t.Run("no marker", func(t *testing.T) {
		fakeProc(t, pid,
			[]string{"/usr/bin/python3"},
			[]string{"HOME=/root"})

		managed, err := Managed(pid, "/usr/bin/python3")
		if err != nil {
			t.Fatal(err)
		}
		if managed {
			t.Error("a process without the marker must not be managed")
		}
	})

	t.Run("gone", func(t *testing.T) {
		old := ProcFS
		ProcFS = t.TempDir()
		t.Cleanup(func() { ProcFS = old })

		managed, err := Managed(pid, "/usr/bin/python3")
		if err != nil {
			t.Fatal(err)
		}
		if managed {
			t.Error("a vanished process must not be managed")
		}
	})
}

func TestCleanMissing(t *testing.T) {
	res, err := Clean(filepath.Join(t.TempDir(), "nope.pid"), "/bin/true", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.PID != 0 || res.Killed {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestCleanGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Clean(path, "/bin/true", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.PID != 0 || res.Killed {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("garbage pidfile should have been removed")
	}
}

func TestCleanDeadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")

	// Spawn and reap a child so we hold a pid known to be dead.
	proc, err := os.StartProcess("/bin/true", []string{"/bin/true"}, &os.ProcAttr{})
	if err != nil {
		t.Skip("cannot spawn /bin/true:", err)
	}
	if _, err := proc.Wait(); err != nil {
		t.Fatal(err)
	}

	if err := Write(path, proc.Pid); err != nil {
		t.Fatal(err)
	}

	res, err := Clean(path, "/bin/true", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.PID != proc.Pid {
		t.Errorf("PID = %d, expected %d", res.PID, proc.Pid)
	}
	if res.Killed {
		t.Error("a dead pid must not be reported as killed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stale pidfile should have been removed")
	}
}

func TestCleanKillsManaged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")

	// A leftover child the way a previous supervisor run would have made it:
	// the definition's executable, carrying the environment marker.
	cmd := osexec.Command("/bin/sleep", "30")
	cmd.Env = []string{Marker}
	if err := cmd.Start(); err != nil {
		t.Skip("cannot spawn /bin/sleep:", err)
	}

	reaped := make(chan struct{})
	go func() {
		cmd.Wait()
		close(reaped)
	}()

	if err := Write(path, cmd.Process.Pid); err != nil {
		t.Fatal(err)
	}

	res, err := Clean(path, "/bin/sleep", 5*time.Second)
	if err != nil {
		t.Fatal("clean failed:", err)
	}
	if res.PID != cmd.Process.Pid {
		t.Errorf("PID = %d, expected %d", res.PID, cmd.Process.Pid)
	}
	if !res.Killed {
		t.Error("the leftover managed process was not killed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stale pidfile should have been removed")
	}

	select {
	case <-reaped:
	case <-time.After(5 * time.Second):
		t.Fatal("leftover process still alive after clean")
	}
}

func TestTerminateEscalates(t *testing.T) {
	ready := filepath.Join(t.TempDir(), "ready")

	// A child that shrugs off SIGTERM, so only the SIGKILL escalation can get
	// rid of it. It reports once the trap is in place.
	cmd := osexec.Command("/bin/sh", "-c", `trap "" TERM; : >"$1"; sleep 30`, "sh", ready)
	cmd.Env = []string{"PATH=/bin:/usr/bin"}
	if err := cmd.Start(); err != nil {
		t.Skip("cannot spawn /bin/sh:", err)
	}

	reaped := make(chan struct{})
	go func() {
		cmd.Wait()
		close(reaped)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(ready); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("child never set its trap")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := Terminate(cmd.Process.Pid, 300*time.Millisecond); err != nil {
		t.Fatal("terminate failed:", err)
	}

	select {
	case <-reaped:
	case <-time.After(5 * time.Second):
		t.Fatal("process survived the escalation")
	}

	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() || ws.Signal() != syscall.SIGKILL {
		t.Errorf("process state = %v, expected death by SIGKILL", cmd.ProcessState)
	}
}

func TestCleanForeignProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")
	pid := os.Getpid()

	// Our own process is alive but carries neither the right cmdline nor the
	// marker under the fake procfs.
	fakeProc(t, pid, []string{"/usr/bin/unrelated"}, []string{"HOME=/root"})

	if err := Write(path, pid); err != nil {
		t.Fatal(err)
	}

	res, err := Clean(path, "/bin/true", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Killed {
		t.Error("a foreign process must not be killed")
	}
	if !Alive(pid) {
		t.Fatal("we killed ourselves")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stale pidfile should have been removed")
	}
}
