package pijud

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

// EventReader describes a journal reader that yields events newest first.
type EventReader interface {
	Read() (Event, time.Time, error)
}

// ServiceStatus is the last known state of a single service, as recovered
// from the journal.
type ServiceStatus struct {
	Name    string
	PID     int
	Running bool
	// ExitCode is only meaningful when Running is false and the service has
	// exited at least once.
	ExitCode int
	At       time.Time
}

// PreviousState is the state of the most recent supervisor session, recovered
// by reading the journal backwards until the session's start marker.
type PreviousState struct {
	// StartedAt is when the session acquired the journal lock. Zero if the
	// journal ended before a session marker was found.
	StartedAt time.Time
	Services  map[string]ServiceStatus
}

// ReadPreviousState reads events newest-first from r and reconstructs the most
// recent session's state. Reading stops at the session's EventAcquired marker
// or at the top of the journal.
func ReadPreviousState(r EventReader) (*PreviousState, error) {
	state := PreviousState{
		Services: map[string]ServiceStatus{},
	}

	for {
		ev, t, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &state, nil
			}
			return nil, err
		}

		switch ev := ev.(type) {
		case *EventAcquired:
			state.StartedAt = t
			return &state, nil

		case *EventServiceSpawned:
			// Newest event per service wins; skip the rest.
			if _, ok := state.Services[ev.Name]; ok {
				continue
			}
			state.Services[ev.Name] = ServiceStatus{
				Name:    ev.Name,
				PID:     ev.PID,
				Running: true,
				At:      t,
			}

		case *EventServiceExited:
			if _, ok := state.Services[ev.Name]; ok {
				continue
			}
			state.Services[ev.Name] = ServiceStatus{
				Name:     ev.Name,
				PID:      ev.PID,
				Running:  false,
				ExitCode: ev.ExitCode,
				At:       t,
			}

		case *EventServiceSpawnError:
			if _, ok := state.Services[ev.Name]; ok {
				continue
			}
			state.Services[ev.Name] = ServiceStatus{
				Name:     ev.Name,
				Running:  false,
				ExitCode: -1,
				At:       t,
			}

		case *EventServiceListModify:
			// A removal is newer than whatever spawn/exit came before it.
			if ev.Op == ServiceListRemove {
				if _, ok := state.Services[ev.Name]; !ok {
					state.Services[ev.Name] = ServiceStatus{
						Name: ev.Name,
						At:   t,
					}
				}
			}
		}
	}
}
