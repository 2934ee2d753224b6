// Package procexec is the process supervisor: it forks client
// executables with the daemon's OSC URL exported in the environment,
// reaps their exit status, and classifies the outcome.
//
// The source's self-pipe / signalfd design is replaced by Go's
// channel-based os/signal delivery: signal.Notify already hands
// SIGCHLD to a buffered channel off any signal-handler context, which
// gives the same non-blocking, event-loop-drained shape without
// needing a raw file descriptor.
package procexec

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

// LaunchErrorExitCode is the sentinel exit code a child reports when
// its own exec(3) fails (spec §4.E).
const LaunchErrorExitCode = 255

// Outcome classifies how a child terminated (spec §4.E).
type Outcome int

const (
	OutcomeNormal Outcome = iota
	OutcomeLaunchError
	OutcomeKilled
	OutcomeOther
)

// Result is delivered to the caller for each reaped child.
type Result struct {
	PID     int
	Outcome Outcome
	Signal  syscall.Signal // valid only when Outcome == OutcomeKilled
}

// Supervisor forks and reaps client processes. It is safe for the
// event loop's single goroutine to call Drain(); Spawn may be called
// from the same goroutine only. mu guards the launched PID map; the
// signal channel itself is guarded by os/signal.
type Supervisor struct {
	mu       sync.Mutex
	sigCh    chan os.Signal
	oscURL   string
	launched map[int]*exec.Cmd
}

// New creates a supervisor that exports oscURL as NSM_URL in every
// spawned child's environment.
func New(oscURL string) *Supervisor {
	s := &Supervisor{
		sigCh:    make(chan os.Signal, 64),
		oscURL:   oscURL,
		launched: make(map[int]*exec.Cmd),
	}
	signal.Notify(s.sigCh, syscall.SIGCHLD)
	return s
}

// Stop stops receiving SIGCHLD notifications.
func (s *Supervisor) Stop() {
	signal.Stop(s.sigCh)
}

// Spawn forks executable with args, exporting NSM_URL in its
// environment, and returns the resulting PID.
func (s *Supervisor) Spawn(executable string, args []string, extraEnv map[string]string) (int, error) {
	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), "NSM_URL="+s.oscURL)
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// No extra process attributes are set: the Go runtime restores the
	// child's default signal mask and handlers before exec, and the parent
	// keeps consuming SIGCHLD via sigCh.
	cmd.SysProcAttr = &syscall.SysProcAttr{}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", executable, err)
	}

	s.mu.Lock()
	s.launched[cmd.Process.Pid] = cmd
	s.mu.Unlock()

	log.Info().Str("exe", executable).Int("pid", cmd.Process.Pid).Msg("launched client")
	return cmd.Process.Pid, nil
}

// Drain performs a non-blocking reap loop, returning a Result for
// every child that has exited since the last call. It must be called
// from the event loop after observing activity on the SIGCHLD channel,
// and is safe to call speculatively (it returns an empty slice when
// nothing is ready).
func (s *Supervisor) Drain() []Result {
	// Consume any pending signals without blocking.
	for {
		select {
		case <-s.sigCh:
		default:
			goto reap
		}
	}
reap:
	var results []Result
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}
		results = append(results, s.classify(pid, ws))
	}
	return results
}

// classify converts a wait status into an Outcome (spec §4.E).
func (s *Supervisor) classify(pid int, ws syscall.WaitStatus) Result {
	s.mu.Lock()
	delete(s.launched, pid)
	s.mu.Unlock()

	switch {
	case ws.Exited() && ws.ExitStatus() == 0:
		return Result{PID: pid, Outcome: OutcomeNormal}
	case ws.Exited() && ws.ExitStatus() == LaunchErrorExitCode:
		return Result{PID: pid, Outcome: OutcomeLaunchError}
	case ws.Exited():
		return Result{PID: pid, Outcome: OutcomeOther}
	case ws.Signaled():
		sig := ws.Signal()
		switch sig {
		case syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT, syscall.SIGKILL:
			return Result{PID: pid, Outcome: OutcomeKilled, Signal: sig}
		default:
			return Result{PID: pid, Outcome: OutcomeOther, Signal: sig}
		}
	default:
		return Result{PID: pid, Outcome: OutcomeOther}
	}
}

// Signal sends sig to pid. A no-op, non-error result if the process is
// already gone.
func (s *Supervisor) Signal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

// Alive is the liveness probe of spec §4.E: kill(pid, 0) reports
// whether pid still exists, used to purge clients whose processes
// disappeared without delivering SIGCHLD (e.g. after re-parenting).
func (s *Supervisor) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

// PIDString is a small helper so callers building paths/env don't
// scatter strconv.Itoa around; kept here since it is procexec's own
// PID formatting convention (daemon file naming, spec §4.B).
func PIDString(pid int) string {
	return strconv.Itoa(pid)
}
