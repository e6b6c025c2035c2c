package pijud

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/pijuplayer/pijud/pijud/config"
)

// Monitor is a pijud instance that supervises the set of services declared in
// a directory, keeping the running set in sync with the directory's contents.
type Monitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	j   Journaler
	dir string

	watcher *Watcher
	reload  chan struct{}
	ctl     chan func()
	stopped chan struct{}

	// defs and services are owned by the run goroutine. A definition without a
	// matching Service is a service that was explicitly stopped; it stays
	// known so StartService can bring it back.
	defs     map[string]*config.Service
	services map[string]*Service
}

// ServiceInfo is a point-in-time description of a supervised service.
type ServiceInfo struct {
	Name    string
	Running bool
	Oneshot bool
}

// NewMonitor creates a monitor and starts every service declared in dir. An
// error is returned if the initial load fails; later directory changes that
// fail to load only produce journal warnings.
func NewMonitor(ctx context.Context, dir string, j Journaler) (*Monitor, error) {
	defs, err := config.LoadDir(dir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	m := &Monitor{
		ctx:    ctx,
		cancel: cancel,

		j:   j,
		dir: dir,

		reload:   make(chan struct{}, 1),
		ctl:      make(chan func()),
		stopped:  make(chan struct{}),
		defs:     make(map[string]*config.Service, len(defs)),
		services: make(map[string]*Service, len(defs)),
	}

	for _, def := range defs {
		m.defs[def.Name] = def

		svc := NewService(ctx, def, j)
		m.services[def.Name] = svc
		svc.Start()
	}

	m.watcher = TryWatch(ctx, dir, j)

	go m.run()

	return m, nil
}

// Stop stops the monitor and all of its services, waiting until everything
// has wound down.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.stopped
}

// ReloadAll asks every service to reload, typically on SIGHUP.
func (m *Monitor) ReloadAll() {
	select {
	case m.reload <- struct{}{}:
	default:
	}
}

// StartService starts the named service, recreating it if it was previously
// stopped.
func (m *Monitor) StartService(name string) error {
	return m.do(func() error { return m.startService(name) })
}

// RestartService restarts the named service. A stopped service is simply
// started.
func (m *Monitor) RestartService(name string) error {
	return m.do(func() error {
		if svc, ok := m.services[name]; ok {
			svc.Restart()
			return nil
		}
		return m.startService(name)
	})
}

// StopService tears the named service down: its process is terminated and the
// restart policy no longer applies. The definition stays registered, so
// StartService brings the service back. Stopping a stopped service is a no-op.
func (m *Monitor) StopService(name string) error {
	return m.do(func() error {
		svc, ok := m.services[name]
		if !ok {
			if _, known := m.defs[name]; known {
				return nil
			}
			return errors.Errorf("unknown service %q", name)
		}

		delete(m.services, name)
		if err := svc.Stop(); err != nil {
			m.j.Write(&EventWarning{
				Component: "monitor",
				Error:     err.Error(),
			})
		}
		return nil
	})
}

// Services lists the supervised services, sorted by name.
func (m *Monitor) Services() []ServiceInfo {
	var list []ServiceInfo

	err := m.do(func() error {
		list = make([]ServiceInfo, 0, len(m.defs))
		for name, def := range m.defs {
			svc, ok := m.services[name]
			list = append(list, ServiceInfo{
				Name:    name,
				Running: ok && svc.Running(),
				Oneshot: def.Oneshot,
			})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		return nil
	})
	if err != nil {
		return nil
	}

	return list
}

// startService starts or recreates a service. Run-goroutine only.
func (m *Monitor) startService(name string) error {
	if svc, ok := m.services[name]; ok {
		svc.Start()
		return nil
	}

	def, ok := m.defs[name]
	if !ok {
		return errors.Errorf("unknown service %q", name)
	}

	svc := NewService(m.ctx, def, m.j)
	m.services[name] = svc
	svc.Start()
	return nil
}

// do runs fn on the run goroutine and returns its error.
func (m *Monitor) do(fn func() error) error {
	errCh := make(chan error, 1)

	select {
	case m.ctl <- func() { errCh <- fn() }:
		return <-errCh
	case <-m.ctx.Done():
		return errors.New("monitor is stopped")
	}
}

func (m *Monitor) run() {
	defer close(m.stopped)

	for {
		select {
		case <-m.ctx.Done():
			m.stopAll()
			return

		case <-m.reload:
			for _, svc := range m.services {
				svc.Reload()
			}

		case <-m.watcher.Events:
			// The event names a file; the service set may be renamed
			// arbitrarily inside the files, so reconcile against the whole
			// directory instead of trusting the file name.
			m.reconcile()

		case fn := <-m.ctl:
			fn()
		}
	}
}

// reconcile diffs the directory contents against the known set, starting,
// restarting and stopping services as needed. A directory that fails to load
// (e.g. a definition is mid-edit and malformed) leaves the running set alone.
func (m *Monitor) reconcile() {
	defs, err := config.LoadDir(m.dir)
	if err != nil {
		m.j.Write(&EventWarning{
			Component: "monitor",
			Error:     "keeping current services because: " + err.Error(),
		})
		return
	}

	byName := make(map[string]*config.Service, len(defs))
	for _, def := range defs {
		byName[def.Name] = def
	}

	for name, prev := range m.defs {
		def, ok := byName[name]
		svc, running := m.services[name]

		switch {
		case !ok:
			m.j.Write(&EventServiceListModify{Op: ServiceListRemove, Name: name})

			delete(m.defs, name)
			if running {
				delete(m.services, name)
				if err := svc.Stop(); err != nil {
					m.j.Write(&EventWarning{
						Component: "monitor",
						Error:     err.Error(),
					})
				}
			}

		case !reflect.DeepEqual(prev, def):
			m.j.Write(&EventServiceListModify{Op: ServiceListUpdate, Name: name})

			m.defs[name] = def

			// An explicitly stopped service keeps the new definition for its
			// next start but stays down.
			if running {
				delete(m.services, name)
				if err := svc.Stop(); err != nil {
					m.j.Write(&EventWarning{
						Component: "monitor",
						Error:     err.Error(),
					})
				}

				next := NewService(m.ctx, def, m.j)
				m.services[name] = next
				next.Start()
			}
		}
	}

	for name, def := range byName {
		if _, ok := m.defs[name]; ok {
			continue
		}

		m.j.Write(&EventServiceListModify{Op: ServiceListAdd, Name: name})

		m.defs[name] = def

		svc := NewService(m.ctx, def, m.j)
		m.services[name] = svc
		svc.Start()
	}
}

// stopAll winds every service down in parallel.
func (m *Monitor) stopAll() {
	var wg sync.WaitGroup

	for _, svc := range m.services {
		wg.Add(1)

		go func(svc *Service) {
			defer wg.Done()

			if err := svc.Stop(); err != nil {
				m.j.Write(&EventWarning{
					Component: "monitor",
					Error:     err.Error(),
				})
			}
		}(svc)
	}

	wg.Wait()
	m.services = map[string]*Service{}
}
