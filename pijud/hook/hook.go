// Package hook implements the pre-start hooks a service definition can
// declare: sysctl writes and arbitrary commands.
//
// The canonical example is a web application that wants to bind port 80
// without running as root, which is allowed through by writing
// net.ipv4.ip_unprivileged_port_start=80 before the first spawn.
package hook

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// SysFS is the root of the sysctl tree. Overridable for tests.
var SysFS = "/proc/sys"

// Sysctl writes value to the sysctl named by the dotted key, e.g.
// ("net.ipv4.ip_unprivileged_port_start", "80").
func Sysctl(key, value string) error {
	path, err := sysctlPath(key)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(value+"\n"), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write sysctl %s", key)
	}

	return nil
}

func sysctlPath(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty sysctl key")
	}

	parts := strings.Split(key, ".")
	for _, part := range parts {
		if part == "" || part == ".." || strings.ContainsRune(part, '/') {
			return "", errors.Errorf("invalid sysctl key %q", key)
		}
	}

	return filepath.Join(SysFS, filepath.Join(parts...)), nil
}

// Run executes a hook command line through the shell, in the given working
// directory and environment. The hook's output goes to the supervisor's own
// stdout/stderr.
func Run(ctx context.Context, cmdline, dir string, env []string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "hook %q failed", cmdline)
	}

	return nil
}
