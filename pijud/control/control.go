// Package control exposes an optional HTTP listener with health, Prometheus
// metrics and per-service control endpoints.
//
// The metrics are derived from the journal: the Server implements
// pijud.Journaler and should be composed into the journal writer chain, so
// that every spawn and exit is counted no matter which component caused it.
package control

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pijuplayer/pijud/pijud"
)

// Supervisor is the slice of the monitor that the control endpoints need.
type Supervisor interface {
	Services() []pijud.ServiceInfo
	StartService(name string) error
	RestartService(name string) error
	StopService(name string) error
}

var (
	spawnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pijud_service_spawn_total",
			Help: "Total number of times a service process was spawned.",
		},
		[]string{"service"},
	)
	exitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pijud_service_exit_total",
			Help: "Total number of service process exits, by cleanliness.",
		},
		[]string{"service", "clean"},
	)
	spawnErrCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pijud_service_spawn_error_total",
			Help: "Total number of failed spawn attempts.",
		},
		[]string{"service"},
	)
	runningGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pijud_services_running",
			Help: "Number of service processes currently alive.",
		},
	)
	uptimeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pijud_uptime_seconds",
			Help: "Supervisor uptime in seconds.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		spawnCounter, exitCounter, spawnErrCounter, runningGauge, uptimeGauge)
}

// Server is the control listener.
type Server struct {
	sup  Supervisor
	http *http.Server
}

var _ pijud.Journaler = (*Server)(nil)

// NewServer creates a control server around the supervisor.
func NewServer(addr string, sup Supervisor) *Server {
	s := &Server{sup: sup}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/services", s.handleList)
	mux.HandleFunc("/services/", s.handleAction)

	s.http = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// Write implements pijud.Journaler by turning events into metrics.
func (s *Server) Write(ev pijud.Event) error {
	switch ev := ev.(type) {
	case *pijud.EventServiceSpawned:
		spawnCounter.WithLabelValues(ev.Name).Inc()
		runningGauge.Inc()
	case *pijud.EventServiceExited:
		clean := "false"
		if ev.IsGraceful() && ev.ExitCode == 0 {
			clean = "true"
		}
		exitCounter.WithLabelValues(ev.Name, clean).Inc()
		runningGauge.Dec()
	case *pijud.EventServiceSpawnError:
		spawnErrCounter.WithLabelValues(ev.Name).Inc()
	}
	return nil
}

// Run serves until the context is canceled, then shuts the listener down
// gracefully. It also keeps the uptime gauge ticking.
func (s *Server) Run(ctx context.Context) error {
	started := time.Now()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				uptimeGauge.Set(time.Since(started).Seconds())
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "control listener failed")

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	for _, info := range s.sup.Services() {
		state := "stopped"
		switch {
		case info.Running:
			state = "running"
		case info.Oneshot:
			state = "done"
		}

		w.Write([]byte(info.Name + " " + state + "\n"))
	}
}

// handleAction routes POST /services/{name}/{start|restart|stop}.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/services/")
	name, action, ok := strings.Cut(rest, "/")
	if !ok || name == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var err error
	switch action {
	case "start":
		err = s.sup.StartService(name)
	case "restart":
		err = s.sup.RestartService(name)
	case "stop":
		err = s.sup.StopService(name)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(action + " requested\n"))
}
