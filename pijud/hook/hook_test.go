package hook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSysctl(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "net", "ipv4"), 0o755); err != nil {
		t.Fatal(err)
	}

	old := SysFS
	SysFS = dir
	t.Cleanup(func() { SysFS = old })

	if err := Sysctl("net.ipv4.ip_unprivileged_port_start", "80"); err != nil {
		t.Fatal("failed to write sysctl:", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "net", "ipv4", "ip_unprivileged_port_start"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "80\n" {
		t.Errorf("sysctl content = %q", b)
	}
}

func TestSysctlInvalidKey(t *testing.T) {
	keys := []string{
		"",
		"net..ipv4",
		"net.../ipv4",
		"..",
		"net.ipv4/conf",
	}

	for _, key := range keys {
		if err := Sysctl(key, "1"); err == nil {
			t.Errorf("Sysctl(%q) should fail", key)
		}
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()

	err := Run(context.Background(), "echo hello > marker", dir, []string{"PATH=/bin:/usr/bin"})
	if err != nil {
		t.Fatal("hook failed:", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "marker"))
	if err != nil {
		t.Fatal("hook did not run in the working directory:", err)
	}
	if string(b) != "hello\n" {
		t.Errorf("marker content = %q", b)
	}
}

func TestRunFailure(t *testing.T) {
	err := Run(context.Background(), "exit 3", t.TempDir(), nil)
	if err == nil {
		t.Error("expected an error from a failing hook")
	}
}
