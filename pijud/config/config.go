// Package config loads and validates pijud's service definition files.
//
// A definition file is a single YAML document describing one service, with
// roughly the fields an init system's service unit would declare: the command
// and its arguments, the user to run as, pid and log file locations, restart
// policy and pre-start hooks.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultStopTimeout is the grace period between asking a service to stop and
// forcefully killing it, unless the definition overrides it.
const DefaultStopTimeout = time.Minute

// DefaultRestartBackoff is the list of delays used for respawning a service
// that keeps dying. The last delay is used repetitively.
var DefaultRestartBackoff = []Duration{
	0,
	Duration(5 * time.Second),
	Duration(15 * time.Second),
	Duration(30 * time.Second),
}

// Duration is a time.Duration that unmarshals from a YAML string such as
// "5s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	dura, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}

	*d = Duration(dura)
	return nil
}

// Duration converts d back into a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// PreStart describes the hooks that are run once before a service's first
// spawn. Sysctl entries are applied before the run commands.
type PreStart struct {
	// Sysctl maps dotted sysctl keys (e.g.
	// net.ipv4.ip_unprivileged_port_start) to the value to write.
	Sysctl map[string]string `yaml:"sysctl"`
	// Run lists shell commands executed in order.
	Run []string `yaml:"run"`
}

// Log describes the rotation settings of a service's captured output.
type Log struct {
	MaxSizeMB  int  `yaml:"log_max_size_mb"`
	MaxBackups int  `yaml:"log_max_backups"`
	MaxAgeDays int  `yaml:"log_max_age_days"`
	Compress   bool `yaml:"log_compress"`
}

// Service is a single service definition.
type Service struct {
	// Name identifies the service. It defaults to the definition's file name
	// without the extension.
	Name string `yaml:"name"`

	Command string   `yaml:"command"`
	Args    []string `yaml:"command_args"`

	// Directory is the working directory of the spawned process.
	Directory string `yaml:"directory"`

	// User and Group name the credentials the process is started with. Empty
	// means inheriting the supervisor's own.
	User  string `yaml:"user"`
	Group string `yaml:"group"`

	// Environment lists KEY=VALUE pairs appended to the supervisor's own
	// environment.
	Environment []string `yaml:"environment"`

	PIDFile   string `yaml:"pidfile"`
	OutputLog string `yaml:"output_log"`
	ErrorLog  string `yaml:"error_log"`
	Log       Log    `yaml:",inline"`

	// Oneshot services are run once on startup and not respawned.
	Oneshot bool `yaml:"oneshot"`

	RestartBackoff []Duration `yaml:"restart_backoff"`
	StopTimeout    Duration   `yaml:"stop_timeout"`

	// ReloadSignal, if set, is forwarded to the process on a reload request
	// instead of restarting it. Accepts names like SIGHUP or HUP.
	ReloadSignal string `yaml:"reload_signal"`

	PreStart PreStart `yaml:"pre_start"`
}

// Argv returns the command and its arguments as a single slice.
func (s *Service) Argv() []string {
	return append([]string{s.Command}, s.Args...)
}

// ReloadSig parses ReloadSignal. It returns 0 if no signal is configured.
func (s *Service) ReloadSig() (syscall.Signal, error) {
	if s.ReloadSignal == "" {
		return 0, nil
	}
	return ParseSignal(s.ReloadSignal)
}

// signals maps the signal names that make sense to forward to a service.
var signals = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"TERM": syscall.SIGTERM,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

// ParseSignal parses a signal name such as "SIGHUP" or "hup".
func ParseSignal(name string) (syscall.Signal, error) {
	upper := strings.ToUpper(name)
	upper = strings.TrimPrefix(upper, "SIG")

	sig, ok := signals[upper]
	if !ok {
		return 0, errors.Errorf("unknown signal %q", name)
	}

	return sig, nil
}

// Validate checks the definition for errors that would make it unusable. User
// and group lookups are deferred to spawn time, since they may change while
// the definition does not.
func (s *Service) Validate() error {
	if s.Name == "" {
		return errors.New("missing service name")
	}
	if s.Command == "" {
		return errors.New("missing command")
	}
	if _, err := s.ReloadSig(); err != nil {
		return err
	}
	if s.Oneshot && len(s.RestartBackoff) > 0 {
		return errors.New("restart_backoff is meaningless for a oneshot service")
	}
	for key := range s.PreStart.Sysctl {
		if err := validSysctlKey(key); err != nil {
			return err
		}
	}
	return nil
}

// validSysctlKey ensures the dotted key cannot escape the sysctl tree once
// it's translated into a /proc/sys path.
func validSysctlKey(key string) error {
	if key == "" {
		return errors.New("empty sysctl key")
	}
	for _, part := range strings.Split(key, ".") {
		if part == "" || part == ".." || strings.ContainsRune(part, '/') {
			return errors.Errorf("invalid sysctl key %q", key)
		}
	}
	return nil
}

func (s *Service) applyDefaults(path string) {
	if s.Name == "" {
		base := filepath.Base(path)
		s.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if s.StopTimeout == 0 {
		s.StopTimeout = Duration(DefaultStopTimeout)
	}
	if len(s.RestartBackoff) == 0 && !s.Oneshot {
		s.RestartBackoff = DefaultRestartBackoff
	}
}

// Load reads a single service definition file.
func Load(path string) (*Service, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open definition")
	}
	defer f.Close()

	var svc Service

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(&svc); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}

	svc.applyDefaults(path)

	if err := svc.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid definition %s", path)
	}

	return &svc, nil
}

// LoadDir reads every .yml/.yaml file in dir, sorted by file name. A missing
// directory is treated as an empty one.
func LoadDir(dir string) ([]*Service, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read services directory")
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !IsDefinition(file.Name()) {
			continue
		}
		names = append(names, file.Name())
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	services := make([]*Service, 0, len(names))

	for _, name := range names {
		svc, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}

		if prev, ok := seen[svc.Name]; ok {
			return nil, errors.Errorf(
				"duplicate service %q in %s and %s", svc.Name, prev, name)
		}

		seen[svc.Name] = name
		services = append(services, svc)
	}

	return services, nil
}

// IsDefinition reports whether the file name looks like a service definition.
func IsDefinition(name string) bool {
	switch filepath.Ext(name) {
	case ".yml", ".yaml":
		return !strings.HasPrefix(name, ".")
	default:
		return false
	}
}
