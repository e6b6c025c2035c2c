package journal

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pijuplayer/pijud/pijud"
)

// HumanWriter is a journaler that renders events as single human-readable
// lines, meant for mirroring the journal onto stderr.
type HumanWriter struct {
	mu sync.Mutex
	w  io.Writer
}

var _ pijud.Journaler = (*HumanWriter)(nil)

// NewHumanWriter creates a new human-readable journaler.
func NewHumanWriter(w io.Writer) *HumanWriter {
	return &HumanWriter{w: w}
}

// Write renders the event onto a single line.
func (h *HumanWriter) Write(ev pijud.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := fmt.Fprintf(h.w, "%s %s\n",
		time.Now().Format(time.RFC3339), describe(ev))
	return err
}

func describe(ev pijud.Event) string {
	switch ev := ev.(type) {
	case *pijud.EventAcquired:
		return "supervisor started"

	case *pijud.EventWarning:
		return fmt.Sprintf("warning [%s]: %s", ev.Component, ev.Error)

	case *pijud.EventServiceSpawned:
		return fmt.Sprintf("service %s: spawned pid %d", ev.Name, ev.PID)

	case *pijud.EventServiceExited:
		if ev.Error != "" {
			return fmt.Sprintf("service %s: pid %d exited with code %d: %s",
				ev.Name, ev.PID, ev.ExitCode, ev.Error)
		}
		return fmt.Sprintf("service %s: pid %d exited with code %d",
			ev.Name, ev.PID, ev.ExitCode)

	case *pijud.EventServiceSpawnError:
		return fmt.Sprintf("service %s: failed to spawn: %s", ev.Name, ev.Reason)

	case *pijud.EventServiceListModify:
		return fmt.Sprintf("service %s: %s", ev.Name, ev.Op)

	case *pijud.EventStalePIDFileKilled:
		return fmt.Sprintf("service %s: killed stale pid %d", ev.Name, ev.PID)

	case *pijud.EventStalePIDFileRemoved:
		return fmt.Sprintf("service %s: removed stale pidfile (pid %d)", ev.Name, ev.PID)

	case *pijud.EventHookRan:
		return fmt.Sprintf("service %s: hook ran: %s", ev.Name, ev.Hook)

	case *pijud.EventHookError:
		return fmt.Sprintf("service %s: hook %s failed: %s", ev.Name, ev.Hook, ev.Error)

	default:
		return fmt.Sprintf("%s: %#v", ev.Type(), ev)
	}
}
