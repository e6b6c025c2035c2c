// Package pidfile manages service pidfiles, including the detection and
// cleanup of pids left behind by a previous supervisor run.
package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Marker is the environment entry stamped onto every process pijud spawns.
// Stale-pid cleanup refuses to kill a process that doesn't carry it.
const Marker = "_PIJUD_MANAGED=yes"

// ProcFS is the mount point of procfs. Overridable for tests.
var ProcFS = "/proc"

// checkInterval is how often a terminating process is re-probed until the
// deadline expires.
const checkInterval = 200 * time.Millisecond

// Write records pid into the file at path, creating parent directories as
// needed.
func Write(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create pidfile directory")
	}

	err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
	return errors.Wrap(err, "failed to write pidfile")
}

// Read parses the pid recorded at path.
func Read(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, errors.Wrapf(err, "garbage pidfile %s", path)
	}

	return pid, nil
}

// Remove deletes the pidfile. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive reports whether a process with the given pid exists, using the null
// signal as a probe.
func Alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// Managed reports whether the pid belongs to a process that pijud spawned for
// the given executable: its cmdline must start with the executable path and
// its environment must carry the Marker. Both are read from procfs, so a
// process that died in between simply reports false.
func Managed(pid int, executable string) (bool, error) {
	cmdline, err := os.ReadFile(filepath.Join(ProcFS, strconv.Itoa(pid), "cmdline"))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrap(err, "failed to read process cmdline")
	}

	argv := strings.Split(string(cmdline), "\x00")
	if len(argv) == 0 || argv[0] != executable {
		return false, nil
	}

	environ, err := os.ReadFile(filepath.Join(ProcFS, strconv.Itoa(pid), "environ"))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrap(err, "failed to read process environ")
	}

	for _, kv := range strings.Split(string(environ), "\x00") {
		if kv == Marker {
			return true, nil
		}
	}

	return false, nil
}

// Terminate sends SIGTERM to pid, escalating to SIGKILL if it is still around
// once the deadline expires. A pid that's already gone is not an error.
func Terminate(pid int, deadline time.Duration) error {
	err := syscall.Kill(pid, syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "failed to send SIGTERM")
	}

	after := time.NewTimer(deadline)
	defer after.Stop()

	check := time.NewTicker(checkInterval)
	defer check.Stop()

	for {
		select {
		case <-check.C:
			if !Alive(pid) {
				return nil
			}
		case <-after.C:
			err := syscall.Kill(pid, syscall.SIGKILL)
			if errors.Is(err, syscall.ESRCH) {
				return nil
			}
			return errors.Wrap(err, "failed to send SIGKILL")
		}
	}
}

// CleanResult describes what Clean did to a stale pidfile.
type CleanResult struct {
	PID    int  // 0 if the file was missing or unreadable
	Killed bool // true if a leftover process was terminated
}

// Clean inspects the pidfile at path and gets rid of whatever it points to: a
// leftover managed process is terminated, anything else (dead pid, foreign
// process, garbage content) only has the file removed. Clean is meant to run
// before a service's first spawn.
func Clean(path, executable string, deadline time.Duration) (CleanResult, error) {
	var res CleanResult

	pid, err := Read(path)
	if os.IsNotExist(errors.Cause(err)) {
		return res, nil
	} else if err != nil {
		// Garbage content; the file is stale by definition.
		return res, Remove(path)
	}

	res.PID = pid

	if Alive(pid) {
		managed, err := Managed(pid, executable)
		if err != nil {
			return res, err
		}

		if managed {
			if err := Terminate(pid, deadline); err != nil {
				return res, err
			}
			res.Killed = true
		}
	}

	return res, Remove(path)
}
