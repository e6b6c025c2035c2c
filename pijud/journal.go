package pijud

// Journaler describes an event logger. Implementations live in package
// journal; the control server also implements it to derive metrics from
// events.
type Journaler interface {
	Write(Event) error
}
