// Package nsmd wires the process supervisor, OSC transport, client
// machine, GUI projector, and session orchestrator into the daemon's
// single-threaded, cooperative event loop (spec §5): drain SIGCHLD,
// wait on the OSC socket for up to one second dispatching whatever
// arrives, then run a periodic liveness sweep once the loop has been
// idle for a while. It also owns the clean-exit path, triggered either
// by a caught signal or by detecting the daemon has been re-parented
// (spec §4.B "orphan detection").
package nsmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nsm66/nsm66d/internal/client"
	"github.com/nsm66/nsm66d/internal/gui"
	"github.com/nsm66/nsm66d/internal/infra/oscnet"
	"github.com/nsm66/nsm66d/internal/infra/procexec"
	"github.com/nsm66/nsm66d/internal/orchestrator"
	"github.com/nsm66/nsm66d/internal/oscdispatch"
	"github.com/nsm66/nsm66d/internal/session"
)

// livenessInterval is how long the loop must be free of OSC traffic
// before it re-checks every active client's PID with kill(pid, 0),
// catching processes that disappeared without delivering SIGCHLD
// (spec §4.E "liveness probe").
const livenessInterval = 2 * time.Second

// parentPollInterval is how often the loop checks whether it has been
// re-parented, e.g. because its original launcher died (spec §4.B).
const parentPollInterval = 1 * time.Second

// Reaper is the slice of procexec.Supervisor the event loop needs,
// mirroring internal/orchestrator.Launcher's pattern of depending on
// an interface rather than the concrete process supervisor so the
// loop itself is testable without forking real processes.
type Reaper interface {
	Drain() []procexec.Result
	Alive(pid int) bool
	Stop()
}

// TransportSender adapts oscnet.Transport's (addr, Message) shape to
// the (addr, path, args...) Sender interface shared by internal/client,
// internal/gui, and internal/oscdispatch.
type TransportSender struct{ t *oscnet.Transport }

func (s TransportSender) Send(addr, path string, args ...interface{}) error {
	return s.t.Send(addr, oscnet.Message{Path: path, Args: args})
}

// Supervisor owns every long-lived component of a running daemon and
// drives the event loop.
type Supervisor struct {
	Transport  *oscnet.Transport
	Proc       Reaper
	Store      *client.Store
	Machine    *client.Machine
	GUI        *gui.Projector
	Orc        *orchestrator.Orchestrator
	Dispatcher *oscdispatch.Dispatcher

	RuntimeDir string
	PID        int

	sigCh        chan os.Signal
	parentPID    int
	quitCalled   bool
	lastActivity time.Time
}

// New builds a Supervisor from its already-constructed collaborators.
// Wiring them together (which Store backs which Machine, which
// Launcher backs which Orchestrator) is cmd/nsm66d's job; New only
// wraps the finished graph with the event loop and signal handling.
func New(transport *oscnet.Transport, proc Reaper, store *client.Store, machine *client.Machine, guiProj *gui.Projector, orc *orchestrator.Orchestrator, dispatcher *oscdispatch.Dispatcher, runtimeDir string) *Supervisor {
	s := &Supervisor{
		Transport:  transport,
		Proc:       proc,
		Store:      store,
		Machine:    machine,
		GUI:        guiProj,
		Orc:        orc,
		Dispatcher: dispatcher,
		RuntimeDir: runtimeDir,
		PID:        os.Getpid(),
		parentPID:  os.Getppid(),
		sigCh:      make(chan os.Signal, 8),
	}
	s.lastActivity = time.Now()
	orc.Pump = s.Tick
	return s
}

// Sender returns the shared adapter that lets callers outside this
// package build a Machine/Projector/Dispatcher bound to the same
// transport this Supervisor drives.
func Sender(t *oscnet.Transport) TransportSender { return TransportSender{t: t} }

// Tick runs one slice of the event loop: drain reaped children, wait
// up to timeout for one OSC datagram, dispatch it if one arrived. It
// is also handed to orchestrator.Orchestrator as its Pump, so the
// wait-for-announce/wait-for-replies/quit-and-wait loops keep servicing
// OSC traffic while they block (spec §5 "suspension points"). Every
// reaped child or dispatched datagram stamps lastActivity, so Run's
// liveness sweep fires only after genuine idleness rather than on a
// fixed timer.
func (s *Supervisor) Tick(timeout time.Duration) {
	results := s.Proc.Drain()
	for _, r := range results {
		s.HandleProcResult(r)
	}
	if len(results) > 0 {
		s.lastActivity = time.Now()
	}

	msg, ok, err := s.Transport.Wait(timeout)
	if err != nil {
		log.Warn().Err(err).Msg("osc wait failed")
		return
	}
	if !ok {
		return
	}

	s.Dispatcher.Dispatch(oscdispatch.Message{Path: msg.Path, Args: msg.Args, From: msg.From})
	if msg.Path == "/nsm/server/quit" {
		s.quitCalled = true
	}
	s.lastActivity = time.Now()
}

// QuitRequested reports whether an /nsm/server/quit has been dispatched.
func (s *Supervisor) QuitRequested() bool { return s.quitCalled }

// Run drives the event loop until a shutdown signal arrives, the
// client sends /nsm/server/quit, or the daemon is re-parented. It
// returns the process exit code.
func (s *Supervisor) Run() int {
	signal.Notify(s.sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV)
	defer signal.Stop(s.sigCh)

	lastParentPoll := time.Now()

	for {
		select {
		case sig := <-s.sigCh:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			return s.shutdown()
		default:
		}

		if s.quitCalled {
			log.Info().Msg("client requested server quit")
			return s.shutdown()
		}

		s.Tick(time.Second)

		if time.Since(s.lastActivity) >= livenessInterval {
			s.LivenessSweep()
			s.lastActivity = time.Now()
		}

		if time.Since(lastParentPoll) >= parentPollInterval {
			lastParentPoll = time.Now()
			if ppid := os.Getppid(); ppid != s.parentPID {
				log.Warn().Int("old_ppid", s.parentPID).Int("new_ppid", ppid).Msg("reparented, shutting down")
				return s.shutdown()
			}
		}
	}
}

// shutdown closes the current session (graceful client quit fan-out),
// removes the daemon's runtime-directory advertisement, and returns
// the process exit code (spec §4.B "clean exit").
func (s *Supervisor) shutdown() int {
	if err := s.Orc.Close(); err != nil {
		log.Warn().Err(err).Msg("close on shutdown reported an error")
	}
	if err := session.DeleteDaemonFile(s.RuntimeDir, s.PID); err != nil {
		log.Warn().Err(err).Msg("failed to remove daemon file")
	}
	s.Proc.Stop()
	return 0
}

// LivenessSweep purges any active client whose PID has silently
// disappeared without delivering SIGCHLD, e.g. after being re-parented
// to init and reaped elsewhere (spec §4.E "liveness probe").
func (s *Supervisor) LivenessSweep() {
	for _, r := range s.Store.All() {
		if r.PID == 0 || !r.Active {
			continue
		}
		if s.Proc.Alive(r.PID) {
			continue
		}
		log.Warn().Str("id", r.ID).Int("pid", r.PID).Msg("client process vanished without SIGCHLD")
		r.Active = false
		r.PID = 0
		r.Pending = client.PendingNone
		r.Status = client.StatusStopped
		if s.GUI != nil {
			s.GUI.ClientStatus(r.ID, string(r.Status))
		}
	}
}

// HandleProcResult updates the record matching a reaped child's PID,
// per the outcome classification of spec §4.E.
func (s *Supervisor) HandleProcResult(r procexec.Result) {
	rec := findByPID(s.Store, r.PID)
	if rec == nil {
		return
	}

	switch r.Outcome {
	case procexec.OutcomeLaunchError:
		rec.LaunchError = true
		rec.Label = "Launch error!"
		log.Warn().Str("id", rec.ID).Str("exe", rec.Executable).Msg("client reported a launch error")
	case procexec.OutcomeKilled:
		log.Info().Str("id", rec.ID).Str("signal", r.Signal.String()).Msg("client terminated by signal")
	case procexec.OutcomeOther:
		rec.Label = ""
		log.Warn().Str("id", rec.ID).Msg("client exited abnormally")
	}

	wasQuitting := rec.Pending == client.PendingQuit

	rec.Active = false
	rec.PID = 0
	rec.Pending = client.PendingNone
	rec.Status = client.StatusStopped

	if wasQuitting {
		s.Machine.Remove(rec)
		return
	}
	if s.GUI != nil {
		s.GUI.ClientStatus(rec.ID, string(rec.Status))
	}
}

func findByPID(store *client.Store, pid int) *client.Record {
	for _, r := range store.All() {
		if r.PID == pid {
			return r
		}
	}
	return nil
}

// PIDFileError wraps a failure to advertise this daemon's presence in
// the runtime directory, kept as its own type since callers may want
// to treat it as non-fatal (spec §4.B: a daemon that cannot write its
// own advertisement can still serve OSC traffic).
type PIDFileError struct {
	Path string
	Err  error
}

func (e *PIDFileError) Error() string {
	return fmt.Sprintf("write daemon file %s: %v", e.Path, e.Err)
}

func (e *PIDFileError) Unwrap() error { return e.Err }
