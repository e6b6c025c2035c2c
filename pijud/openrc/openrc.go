// Package openrc renders an OpenRC init script for running pijud under the
// host's init system. The generated script is the moral equivalent of the
// hand-written service unit pijud grew out of: command, arguments, run-as
// user, pidfile, log locations and a pre-start sysctl hook.
package openrc

import (
	"io"
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

// Sysctl is one key=value pair written by the script's start_pre.
type Sysctl struct {
	Key   string
	Value string
}

// Params fills the init script template.
type Params struct {
	Name        string
	Description string
	Command     string
	Args        []string
	// User is the "user:group" the command is started as. Empty means root,
	// which pijud needs if any service drops privileges itself.
	User      string
	PIDFile   string
	OutputLog string
	ErrorLog  string
	// Dependencies are raw depend() lines such as "need net" or "use dns".
	Dependencies []string
	Sysctls      []Sysctl
}

const script = `#!/sbin/openrc-run

description="{{.Description}}"
command={{.Command}}
{{- if .Args}}
command_args="{{join .Args " "}}"
{{- end}}
{{- if .User}}
command_user="{{.User}}"
{{- end}}
command_background=true
pidfile={{.PIDFile}}
output_log={{.OutputLog}}
error_log={{.ErrorLog}}
{{- if .Dependencies}}

depend() {
{{- range .Dependencies}}
	{{.}}
{{- end}}
}
{{- end}}
{{- if .Sysctls}}

start_pre() {
{{- range .Sysctls}}
	sysctl -w {{.Key}}={{.Value}}
{{- end}}
}
{{- end}}
`

var tmpl = template.Must(template.New("openrc").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(script))

// Write renders the init script for the given parameters.
func Write(w io.Writer, p Params) error {
	if p.Name == "" {
		return errors.New("missing service name")
	}
	if p.Command == "" {
		return errors.New("missing command")
	}

	if p.Description == "" {
		p.Description = p.Name
	}
	if p.PIDFile == "" {
		p.PIDFile = "/run/" + p.Name + ".pid"
	}
	if p.OutputLog == "" {
		p.OutputLog = "/var/log/" + p.Name + ".log"
	}
	if p.ErrorLog == "" {
		p.ErrorLog = "/var/log/" + p.Name + ".err"
	}

	return errors.Wrap(tmpl.Execute(w, p), "failed to render init script")
}
