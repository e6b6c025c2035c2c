package pijud

// eventType describes an event type.
type eventType = string

const (
	eventWarning            eventType = "warning"
	eventAcquired           eventType = "acquired lock"
	eventServiceSpawnError  eventType = "service spawn error"
	eventServiceSpawned     eventType = "service spawned"
	eventServiceExited      eventType = "service exited"
	eventServiceListModify  eventType = "service list modified"
	eventStalePIDFileKilled eventType = "stale pidfile process killed"
	eventStalePIDFileRemove eventType = "stale pidfile removed"
	eventHookRan            eventType = "pre-start hook ran"
	eventHookError          eventType = "pre-start hook error"
)

// Event is an interface describing known events.
type Event interface {
	Type() string
	event()
}

// NewEvent creates a new event from the given event type. It is used primarily
// for decoding events from its type. Nil is returned if the event type is
// unknown.
func NewEvent(eventType string) Event {
	switch eventType {
	case eventWarning:
		return &EventWarning{}
	case eventAcquired:
		return &EventAcquired{}
	case eventServiceSpawnError:
		return &EventServiceSpawnError{}
	case eventServiceSpawned:
		return &EventServiceSpawned{}
	case eventServiceExited:
		return &EventServiceExited{}
	case eventServiceListModify:
		return &EventServiceListModify{}
	case eventStalePIDFileKilled:
		return &EventStalePIDFileKilled{}
	case eventStalePIDFileRemove:
		return &EventStalePIDFileRemoved{}
	case eventHookRan:
		return &EventHookRan{}
	case eventHookError:
		return &EventHookError{}
	default:
		return nil
	}
}

// EventWarning is emitted when a non-fatal error occurs.
type EventWarning struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

func (ev *EventWarning) Type() string { return eventWarning }
func (ev *EventWarning) event()       {}

// EventAcquired is emitted when the flock (i.e. write lock on the journal) is
// acquired, which is on startup. It marks the beginning of a supervisor
// session in the journal.
type EventAcquired struct{}

func (ev *EventAcquired) Type() string { return eventAcquired }
func (ev *EventAcquired) event()       {}

// EventServiceSpawnError is emitted when a service fails to start for any
// reason, including a failing pre-start hook.
type EventServiceSpawnError struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (ev *EventServiceSpawnError) Type() string { return eventServiceSpawnError }
func (ev *EventServiceSpawnError) event()       {}

// EventServiceSpawned is emitted when a service's process has been started for
// any reason.
type EventServiceSpawned struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

func (ev *EventServiceSpawned) Type() string { return eventServiceSpawned }
func (ev *EventServiceSpawned) event()       {}

// EventServiceExited is emitted when a service's process has stopped for any
// reason.
type EventServiceExited struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"` // -1 if interrupted or terminated
}

// IsGraceful returns true if the process stopped gracefully (i.e. on SIGTERM
// or a clean exit).
func (ev EventServiceExited) IsGraceful() bool {
	return ev.ExitCode != -1
}

func (ev *EventServiceExited) Type() string { return eventServiceExited }
func (ev *EventServiceExited) event()       {}

// EventServiceListModify is emitted when the service list is modified to add,
// update or remove a service, often from changes in the services directory.
type EventServiceListModify struct {
	Op   ServiceListModifyOp `json:"op"`
	Name string              `json:"name"`
}

// ServiceListModifyOp contains possible operations that modify the service
// list.
type ServiceListModifyOp string

const (
	ServiceListAdd    ServiceListModifyOp = "add"
	ServiceListRemove ServiceListModifyOp = "remove"
	ServiceListUpdate ServiceListModifyOp = "update"
)

func (ev *EventServiceListModify) Type() string { return eventServiceListModify }
func (ev *EventServiceListModify) event()       {}

// EventStalePIDFileKilled is emitted when a leftover process from a previous
// supervisor run was found through a pidfile and terminated before the service
// was spawned anew.
type EventStalePIDFileKilled struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

func (ev *EventStalePIDFileKilled) Type() string { return eventStalePIDFileKilled }
func (ev *EventStalePIDFileKilled) event()       {}

// EventStalePIDFileRemoved is emitted when a pidfile pointed at a process that
// is either gone or not ours, so only the file was removed.
type EventStalePIDFileRemoved struct {
	Name string `json:"name"`
	PID  int    `json:"pid"` // 0 if the file was unreadable
}

func (ev *EventStalePIDFileRemoved) Type() string { return eventStalePIDFileRemove }
func (ev *EventStalePIDFileRemoved) event()       {}

// EventHookRan is emitted after a pre-start hook completed successfully.
type EventHookRan struct {
	Name string `json:"name"`
	Hook string `json:"hook"`
}

func (ev *EventHookRan) Type() string { return eventHookRan }
func (ev *EventHookRan) event()       {}

// EventHookError is emitted when a pre-start hook fails. A hook failure blocks
// the spawn of its service.
type EventHookError struct {
	Name  string `json:"name"`
	Hook  string `json:"hook"`
	Error string `json:"error"`
}

func (ev *EventHookError) Type() string { return eventHookError }
func (ev *EventHookError) event()       {}
