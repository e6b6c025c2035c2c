package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/pijuplayer/pijud/pijud"
	"github.com/pijuplayer/pijud/pijud/config"
	"github.com/pijuplayer/pijud/pijud/control"
	"github.com/pijuplayer/pijud/pijud/journal"
	"github.com/pijuplayer/pijud/pijud/openrc"
)

var (
	journalFile string
	servicesDir string
	controlAddr string
)

func init() {
	configDir, err := os.UserConfigDir()
	if err == nil {
		servicesDir = filepath.Join(configDir, "pijud", "services")
		journalFile = filepath.Join(configDir, "pijud", "journal.json")
	}

	flag.StringVar(&journalFile, "j", journalFile, "journal file path")
	flag.StringVar(&servicesDir, "s", servicesDir, "services directory path")
	flag.StringVar(&controlAddr, "addr", "", "control/metrics listen address (disabled if empty)")
	flag.Usage = func() {
		f := func(f string, v ...interface{}) {
			fmt.Fprintf(flag.CommandLine.Output(), f, v...)
		}

		f("Usage:\n")
		f("  %s -j <journal> -s <services> [|status|check|openrc]\n", filepath.Base(os.Args[0]))
		f("\n")
		f("Flags:\n")
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()

	if journalFile == "" {
		log.Fatalln("missing -j path to journal file")
	}
	if servicesDir == "" {
		log.Fatalln("missing -s path to services directory")
	}

	// Ensure that, if the services directory exists, that it is an actual
	// directory.
	if stat, err := os.Stat(servicesDir); err == nil && !stat.IsDir() {
		log.Fatalln("services path", servicesDir, "is not directory")
	}

	var err error
	switch flag.Arg(0) {
	case "openrc":
		err = emitOpenRC(os.Stdout)
	case "status":
		err = status(os.Stdout)
	case "check":
		err = check(os.Stdout)
	case "":
		err = start()
	default:
		log.Fatalf("unknown subcommand %q\n", flag.Arg(0))
	}

	if err != nil {
		log.Fatalln(err)
	}
}

// lateMonitor defers the control server's access to the monitor, which can
// only be created after the journal writer chain (including the control
// server itself) exists.
type lateMonitor struct {
	mu  sync.Mutex
	mon *pijud.Monitor
}

var _ control.Supervisor = (*lateMonitor)(nil)

func (l *lateMonitor) set(m *pijud.Monitor) {
	l.mu.Lock()
	l.mon = m
	l.mu.Unlock()
}

func (l *lateMonitor) get() (*pijud.Monitor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mon == nil {
		return nil, errors.New("monitor not started yet")
	}
	return l.mon, nil
}

func (l *lateMonitor) Services() []pijud.ServiceInfo {
	mon, err := l.get()
	if err != nil {
		return nil
	}
	return mon.Services()
}

func (l *lateMonitor) StartService(name string) error {
	mon, err := l.get()
	if err != nil {
		return err
	}
	return mon.StartService(name)
}

func (l *lateMonitor) RestartService(name string) error {
	mon, err := l.get()
	if err != nil {
		return err
	}
	return mon.RestartService(name)
}

func (l *lateMonitor) StopService(name string) error {
	mon, err := l.get()
	if err != nil {
		return err
	}
	return mon.StopService(name)
}

func start() error {
	j, err := journal.NewFileLockJournaler(journalFile)
	if err != nil {
		if errors.Is(err, journal.ErrLockedElsewhere) {
			// Non-fatal error.
			log.Println("pijud is already running")
			return nil
		}

		return errors.Wrap(err, "failed to acquire journal lock")
	}
	defer j.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	journalers := []pijud.Journaler{j, journal.NewHumanWriter(os.Stderr)}

	late := &lateMonitor{}

	var ctl *control.Server
	if controlAddr != "" {
		ctl = control.NewServer(controlAddr, late)
		journalers = append(journalers, ctl)
	}

	journaler := journal.MultiWriter(journalers...)
	journaler.Write(&pijud.EventAcquired{})

	m, err := pijud.NewMonitor(ctx, servicesDir, journaler)
	if err != nil {
		return errors.Wrap(err, "failed to create monitor")
	}
	defer m.Stop()

	late.set(m)

	if ctl != nil {
		go func() {
			if err := ctl.Run(ctx); err != nil {
				journaler.Write(&pijud.EventWarning{
					Component: "control",
					Error:     err.Error(),
				})
			}
		}()
	}

	// SIGHUP reloads every service.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	go func() {
		for range hup {
			m.ReloadAll()
		}
	}()

	<-ctx.Done()
	return nil
}

func status(w io.Writer) error {
	r, closer, err := journal.OpenTail(journalFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	state, err := pijud.ReadPreviousState(r)
	if err != nil {
		return errors.Wrap(err, "failed to read journal")
	}

	names := make([]string, 0, len(state.Services))
	for name := range state.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "SERVICE\tSTATE\tPID\tSINCE")

	const stamp = "2006-01-02 15:04:05"

	for _, name := range names {
		st := state.Services[name]

		switch {
		case st.Running:
			fmt.Fprintf(tw, "%s\trunning\t%d\t%s\n", name, st.PID, st.At.Format(stamp))
		case st.PID == 0 && st.ExitCode == 0:
			fmt.Fprintf(tw, "%s\tremoved\t-\t%s\n", name, st.At.Format(stamp))
		default:
			fmt.Fprintf(tw, "%s\texited (%d)\t%d\t%s\n", name, st.ExitCode, st.PID, st.At.Format(stamp))
		}
	}

	return nil
}

func check(w io.Writer) error {
	services, err := config.LoadDir(servicesDir)
	if err != nil {
		return err
	}

	for _, svc := range services {
		fmt.Fprintf(w, "%s: ok\n", svc.Name)
	}

	return nil
}

func emitOpenRC(w io.Writer) error {
	self, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "failed to locate own executable")
	}

	args := []string{"-j", journalFile, "-s", servicesDir}
	if controlAddr != "" {
		args = append(args, "-addr", controlAddr)
	}

	sysctls, err := serviceSysctls(servicesDir)
	if err != nil {
		return err
	}

	return openrc.Write(w, openrc.Params{
		Name:         "pijud",
		Description:  "piju service supervisor",
		Command:      self,
		Args:         args,
		Dependencies: []string{"need net", "use dns", "after firewall"},
		Sysctls:      sysctls,
	})
}

// serviceSysctls collects every pre-start sysctl the service definitions
// declare, so the init script applies them like the hand-written unit did.
// pijud re-applies them before each first spawn either way.
func serviceSysctls(dir string) ([]openrc.Sysctl, error) {
	services, err := config.LoadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load service definitions")
	}

	merged := make(map[string]string)
	for _, svc := range services {
		for key, value := range svc.PreStart.Sysctl {
			merged[key] = value
		}
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sysctls := make([]openrc.Sysctl, len(keys))
	for i, key := range keys {
		sysctls[i] = openrc.Sysctl{Key: key, Value: merged[key]}
	}

	return sysctls, nil
}
