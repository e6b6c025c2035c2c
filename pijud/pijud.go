// Package pijud is the core of the pijud service supervisor, providing
// individual components that work independently while communicating with each
// other concurrently over channels.
//
// Mechanism of Operation
//
// Service Definitions
//
// A service is declared in a YAML file inside the services directory. The file
// carries roughly the same fields an init system's service unit would: the
// command and its arguments, the user to run as, pid and log file locations,
// restart policy, and pre-start hooks. The Monitor loads every definition on
// startup and keeps the running set in sync with the directory afterwards.
//
// PID Files
//
// Each supervised child may record its PID into a pidfile. The pidfile is
// written by the supervisor right after a successful spawn and removed once
// the child is gone. Because a previous supervisor may have died without
// cleaning up, a pidfile found on startup is treated with suspicion: the PID
// in it is only terminated if the process is still alive, runs the same
// executable that the definition names, and carries the environment marker
// that pijud stamps onto every child it spawns. Anything else is a stale file
// and is simply removed.
//
// Journal
//
// Everything the supervisor does is recorded as an event into the journal, a
// line-delimited JSON file guarded by an advisory lock so that only a single
// pijud instance can run per journal. The journal doubles as the log and as
// the source for the status subcommand, which reads it backwards from the
// tail to recover the most recent state of every service.
package pijud
