package pijud

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/pijuplayer/pijud/pijud/config"
	"github.com/pijuplayer/pijud/pijud/exec"
	"github.com/pijuplayer/pijud/pijud/hook"
	"github.com/pijuplayer/pijud/pijud/logio"
	"github.com/pijuplayer/pijud/pijud/pidfile"
)

// Service supervises an individual service process. It is capable of
// self-monitoring the process, so any commanding operation simply cannot fail
// but only be delayed.
type Service struct {
	WaitTimeout  time.Duration
	RetryBackoff []time.Duration

	j   Journaler
	def *config.Service

	ctx    context.Context
	cancel context.CancelFunc

	startProc func() (exec.Process, error)

	evCh chan func()
	dead chan exec.ExitStatus
	done chan error

	// states, owned by the monitor goroutine
	proc      exec.Process
	hooksDone bool
	logs      []io.Closer
}

// NewService creates a new supervised service and its background monitor. The
// process is terminated once the context is canceled; Stop must be called to
// wait for the background routine to exit.
func NewService(ctx context.Context, def *config.Service, j Journaler) *Service {
	ctx, cancel := context.WithCancel(ctx)

	backoff := make([]time.Duration, len(def.RestartBackoff))
	for i, d := range def.RestartBackoff {
		backoff[i] = d.Duration()
	}

	svc := &Service{
		WaitTimeout:  def.StopTimeout.Duration(),
		RetryBackoff: backoff,

		ctx:    ctx,
		cancel: cancel,

		j:    j,
		def:  def,
		evCh: make(chan func()),
		dead: make(chan exec.ExitStatus, 1),
		done: make(chan error, 1),
	}

	svc.startProc = svc.spawn

	go svc.startMonitor()

	return svc
}

// Name returns the service's name.
func (svc *Service) Name() string { return svc.def.Name }

// Definition returns the definition the service was created from.
func (svc *Service) Definition() *config.Service { return svc.def }

// Start starts the service process. It is a no-op if the process is already
// running.
func (svc *Service) Start() {
	svc.evCh <- func() {
		if svc.proc == nil {
			svc.start()
		}
	}
}

// Restart stops the running process; the monitor routine respawns it. If
// nothing is running, Restart behaves like Start.
func (svc *Service) Restart() {
	svc.evCh <- func() {
		if svc.proc == nil {
			svc.start()
			return
		}
		svc.interrupt()
	}
}

// Reload forwards the configured reload signal to the process, or restarts it
// if the definition names no signal.
func (svc *Service) Reload() {
	svc.evCh <- func() {
		sig, _ := svc.def.ReloadSig()

		if sig == 0 || svc.proc == nil {
			if svc.proc == nil {
				svc.start()
			} else {
				svc.interrupt()
			}
			return
		}

		if err := svc.proc.Signal(sig); err != nil {
			svc.j.Write(&EventWarning{
				Component: "service/" + svc.def.Name,
				Error:     fmt.Sprintf("failed to forward %v: %v", sig, err),
			})
		}
	}
}

// Interrupt asks the running process to stop without tearing the service
// down. The monitor routine will respawn it per the restart policy.
func (svc *Service) Interrupt() {
	svc.evCh <- svc.interrupt
}

func (svc *Service) interrupt() {
	if svc.proc == nil {
		return
	}
	if err := svc.proc.Signal(syscall.SIGTERM); err != nil {
		svc.proc.Kill()
	}
}

// Running reports whether a process is currently alive. It is answered by the
// monitor routine, so it is safe to call concurrently.
func (svc *Service) Running() bool {
	running := make(chan bool, 1)
	select {
	case svc.evCh <- func() { running <- svc.proc != nil }:
		return <-running
	case <-svc.ctx.Done():
		return false
	}
}

// Stop stops the service and its background routine. An error is returned if
// the process had to be SIGKILLed.
func (svc *Service) Stop() error {
	svc.cancel()
	return <-svc.done
}

func (svc *Service) stop() error {
	if svc.proc == nil {
		// already stopped
		return nil
	}

	if err := svc.proc.Signal(syscall.SIGTERM); err != nil {
		// Try to SIGKILL if we can't SIGTERM.
		svc.proc.Kill()
	}

	after := time.NewTimer(svc.WaitTimeout)
	defer after.Stop()

	select {
	case <-after.C:
		// Timeout reached and the process still hasn't exited yet. Send
		// SIGKILL and bail, since there's not much we can do here.
		svc.proc.Kill()

		// Wait until the waiter routine exits.
		<-svc.dead

		return fmt.Errorf("timed out waiting for %s to exit", svc.def.Name)

	case <-svc.dead:
		return nil
	}
}

// start runs the pre-start phase if it hasn't happened yet, then spawns the
// process and arms the waiter routine.
func (svc *Service) start() {
	if !svc.hooksDone {
		if err := svc.preStart(); err != nil {
			svc.dead <- exec.ExitStatus{}

			svc.j.Write(&EventServiceSpawnError{
				Name:   svc.def.Name,
				Reason: err.Error(),
			})
			return
		}
		svc.hooksDone = true
	}

	p, err := svc.startProc()
	if err != nil {
		// Report that the process is dead so the monitor routine can retry.
		svc.dead <- exec.ExitStatus{}

		svc.j.Write(&EventServiceSpawnError{
			Name:   svc.def.Name,
			Reason: err.Error(),
		})
		return
	}

	svc.proc = p
	svc.startWaiting()
}

// startWaiting reports the PID to the journal, records the pidfile and starts
// a waiting routine.
func (svc *Service) startWaiting() {
	// !!!: A critical failure might occur while this section is being
	// executed: if the PID is not written into the journal in time, then a new
	// pijud process won't be aware of the running process. There's not really
	// a way around this.

	svc.j.Write(&EventServiceSpawned{
		PID:  svc.proc.PID(),
		Name: svc.def.Name,
	})

	if svc.def.PIDFile != "" {
		if err := pidfile.Write(svc.def.PIDFile, svc.proc.PID()); err != nil {
			svc.j.Write(&EventWarning{
				Component: "service/" + svc.def.Name,
				Error:     err.Error(),
			})
		}
	}

	// Spawn a waiter goroutine to report to svc.dead.
	go func() {
		status := svc.proc.Wait()

		ev := EventServiceExited{
			PID:      status.PID,
			Name:     svc.def.Name,
			ExitCode: status.Code,
		}

		if status.Error != nil {
			ev.Error = status.Error.Error()
		}

		if svc.def.PIDFile != "" {
			pidfile.Remove(svc.def.PIDFile)
		}

		// Write to the journal before signaling that the process is dead to
		// ensure that the journal entry gets written.
		svc.j.Write(&ev)

		svc.dead <- status
	}()
}

// preStart cleans up a stale pidfile and runs the definition's sysctl and
// command hooks, in that order.
func (svc *Service) preStart() error {
	if svc.def.PIDFile != "" {
		res, err := pidfile.Clean(svc.def.PIDFile, svc.def.Command, svc.WaitTimeout)
		if err != nil {
			return err
		}

		switch {
		case res.Killed:
			svc.j.Write(&EventStalePIDFileKilled{Name: svc.def.Name, PID: res.PID})
		case res.PID != 0:
			svc.j.Write(&EventStalePIDFileRemoved{Name: svc.def.Name, PID: res.PID})
		}
	}

	for _, key := range sortedKeys(svc.def.PreStart.Sysctl) {
		value := svc.def.PreStart.Sysctl[key]
		name := fmt.Sprintf("sysctl %s=%s", key, value)

		if err := hook.Sysctl(key, value); err != nil {
			svc.j.Write(&EventHookError{Name: svc.def.Name, Hook: name, Error: err.Error()})
			return err
		}

		svc.j.Write(&EventHookRan{Name: svc.def.Name, Hook: name})
	}

	for _, cmdline := range svc.def.PreStart.Run {
		if err := hook.Run(svc.ctx, cmdline, svc.def.Directory, svc.environ()); err != nil {
			svc.j.Write(&EventHookError{Name: svc.def.Name, Hook: cmdline, Error: err.Error()})
			return err
		}

		svc.j.Write(&EventHookRan{Name: svc.def.Name, Hook: cmdline})
	}

	return nil
}

// spawn starts the real process described by the definition.
func (svc *Service) spawn() (exec.Process, error) {
	stdout, stderr, err := svc.outputs()
	if err != nil {
		return nil, err
	}

	return exec.Start(exec.StartConfig{
		Argv:   svc.def.Argv(),
		Dir:    svc.def.Directory,
		Env:    svc.environ(),
		User:   svc.def.User,
		Group:  svc.def.Group,
		Stdout: stdout,
		Stderr: stderr,
	})
}

func (svc *Service) environ() []string {
	env := os.Environ()
	env = append(env, svc.def.Environment...)
	env = append(env, pidfile.Marker)
	return env
}

// outputs lazily opens the service's capture writers. Output without a
// configured file flows line by line into the supervisor's own stream,
// prefixed with the service name.
func (svc *Service) outputs() (stdout, stderr io.Writer, err error) {
	if svc.logs != nil {
		return svc.logs[0].(io.Writer), svc.logs[1].(io.Writer), nil
	}

	open := func(path string, fallback *os.File) (io.WriteCloser, error) {
		if path == "" {
			w := logio.NewLineWriter(func(line []byte) {
				fmt.Fprintf(fallback, "%s: %s\n", svc.def.Name, line)
			})
			return w, nil
		}
		return logio.NewRotating(path, svc.def.Log)
	}

	out, err := open(svc.def.OutputLog, os.Stdout)
	if err != nil {
		return nil, nil, err
	}

	errw, err := open(svc.def.ErrorLog, os.Stderr)
	if err != nil {
		out.Close()
		return nil, nil, err
	}

	svc.logs = []io.Closer{out, errw}
	return out, errw, nil
}

func (svc *Service) closeLogs() {
	for _, c := range svc.logs {
		c.Close()
	}
	svc.logs = nil
}

// startMonitor starts a monitoring routine that's in charge of restarting the
// process and handling incoming commands.
func (svc *Service) startMonitor() {
	var start <-chan time.Time // start backoff
	var timer *time.Timer
	var resetTime time.Time // deadline to consider the service successfully started

	backoff := -1 // backoff counter

	cleanupTimer := func() {
		if timer == nil {
			return
		}

		timer.Stop()
		timer = nil
		start = nil
	}

	for {
		select {
		case <-svc.ctx.Done():
			svc.done <- svc.stop()
			svc.closeLogs()
			cleanupTimer()
			return

		case <-start:
			cleanupTimer()

			// A start command may have beaten the timer to a spawn; a second
			// process must never appear.
			if svc.proc == nil {
				svc.start()
			}

		case status := <-svc.dead:
			svc.proc = nil
			cleanupTimer()

			// A oneshot that ran and exited cleanly is done; leave it alone
			// until something explicitly starts it again.
			if svc.def.Oneshot && status.PID != 0 && status.Code == 0 {
				continue
			}

			// No backoff list means no respawning at all.
			if len(svc.RetryBackoff) == 0 {
				continue
			}

			now := time.Now()

			// Check if we're past reset. If yes, then that means the service
			// has started successfully, so we can reset the backoff. If not,
			// then increment backoff and keep trying.
			if now.After(resetTime) {
				backoff = -1
			}

			startDura, resetDura := nextBackoff(svc.RetryBackoff, &backoff)
			resetTime = now.Add(resetDura)
			timer = time.NewTimer(startDura)
			start = timer.C

		case fn := <-svc.evCh:
			fn()
		}
	}
}

func nextBackoff(backoffs []time.Duration, ix *int) (start, reset time.Duration) {
	startIx := *ix
	resetIx := startIx

	if startIx < len(backoffs)-1 {
		startIx++
		resetIx++

		*ix = startIx

		if resetIx < len(backoffs)-2 {
			resetIx++
		}
	}

	return backoffs[startIx], backoffs[resetIx]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
