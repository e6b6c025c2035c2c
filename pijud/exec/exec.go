// Package exec provides an abstraction around package os/exec's process
// handling for easier testing.
package exec

import (
	"io"
	"os"
	osexec "os/exec"
	"os/user"
	"runtime"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Process describes a running command process.
type Process interface {
	PID() int
	Signal(os.Signal) error
	Kill() error
	Wait() ExitStatus
}

// ExitStatus is a process' exit status.
type ExitStatus struct {
	PID   int
	Code  int // -1 for interrupt
	Error error
}

// StartConfig carries everything needed to spawn a service process.
type StartConfig struct {
	Argv []string // Argv[0] is the executable
	Dir  string
	Env  []string // full environment of the child

	// User and Group, if non-empty, are resolved and set as the child's
	// credentials before exec.
	User  string
	Group string

	Stdout io.Writer
	Stderr io.Writer
}

type process struct {
	cmd *osexec.Cmd
}

var _ Process = (*process)(nil)

// Start spawns a new command process on the system.
//
// The child is placed in its own process group so that it can be signaled
// together with anything it forks, and its parent-death signal is set so it
// dies when the supervisor does.
func Start(cfg StartConfig) (Process, error) {
	if len(cfg.Argv) == 0 {
		return nil, errors.New("empty argv")
	}

	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}

	if cfg.User != "" || cfg.Group != "" {
		cred, err := lookupCredential(cfg.User, cfg.Group)
		if err != nil {
			return nil, err
		}
		attr.Credential = cred
	}

	// Lock this goroutine to the OS thread for Pdeathsig.
	// See https://github.com/golang/go/issues/27505.
	runtime.LockOSThread()

	// Linux-only: we need to set the current PID as the subreaper to prevent
	// the processes we're spawning from disowning themselves, because we might
	// accidentally spawn multiple instances of one while thinking it's dead.
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "failed to set subreaper")
	}

	cmd := osexec.Command(cfg.Argv[0], cfg.Argv[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}

	return &process{cmd}, nil
}

// lookupCredential resolves user and group names into a syscall credential.
// An empty group falls back to the user's primary group.
func lookupCredential(username, groupname string) (*syscall.Credential, error) {
	cred := syscall.Credential{
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}

	if username != "" {
		u, err := user.Lookup(username)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to look up user %q", username)
		}

		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "non-numeric uid for user %q", username)
		}
		gid, err := strconv.ParseUint(u.Gid, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "non-numeric gid for user %q", username)
		}

		cred.Uid = uint32(uid)
		cred.Gid = uint32(gid)
	}

	if groupname != "" {
		g, err := user.LookupGroup(groupname)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to look up group %q", groupname)
		}

		gid, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "non-numeric gid for group %q", groupname)
		}

		cred.Gid = uint32(gid)
	}

	return &cred, nil
}

func (proc *process) PID() int {
	return proc.cmd.Process.Pid
}

// Signal signals the child's entire process group.
func (proc *process) Signal(sig os.Signal) error {
	sys, ok := sig.(syscall.Signal)
	if !ok {
		return proc.cmd.Process.Signal(sig)
	}
	return syscall.Kill(-proc.cmd.Process.Pid, sys)
}

func (proc *process) Kill() error {
	return syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGKILL)
}

// Wait waits for the process to exit. It must be called on the same goroutine
// as Start.
func (proc *process) Wait() ExitStatus {
	err := proc.cmd.Wait()
	runtime.UnlockOSThread()

	status := ExitStatus{
		PID:  proc.cmd.Process.Pid,
		Code: proc.cmd.ProcessState.ExitCode(),
	}

	// An ExitError only means a non-zero exit; the code already carries that.
	var exitErr *osexec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Error = err
	}

	return status
}
