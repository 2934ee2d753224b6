// Package orchestrator implements the session orchestrator (spec
// §4.I): open/new/duplicate/save/close/abort flows, the wait-for-
// announce and wait-for-replies loops, and graceful-then-forced client
// shutdown. It is the one place that may hold the pending-operation
// latch described in spec §3 "Pending operation".
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nsm66/nsm66d/internal/client"
	"github.com/nsm66/nsm66d/internal/gui"
	"github.com/nsm66/nsm66d/internal/nsmerr"
	"github.com/nsm66/nsm66d/internal/session"
)

// Op is the single process-wide pending operation latch (spec §3).
type Op string

const (
	OpNone      Op = "none"
	OpOpen      Op = "open"
	OpNew       Op = "new"
	OpDuplicate Op = "duplicate"
	OpSave      Op = "save"
	OpClose     Op = "close"
)

// Pump runs one slice of the daemon's event loop — draining SIGCHLD,
// waiting on the OSC socket, dispatching whatever arrives — so the
// wait loops below keep the daemon responsive to replies while they
// block (spec §5 "suspension points").
type Pump func(slice time.Duration)

// Launcher spawns and kills client executables (implemented by
// internal/infra/procexec.Supervisor).
type Launcher interface {
	Spawn(executable string, args []string, extraEnv map[string]string) (int, error)
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
}

const (
	waitAnnounceTimeout = 5 * time.Second
	waitReplyTimeout    = 60 * time.Second
	waitKillGrace       = 10 * time.Second
	waitSlice           = 100 * time.Millisecond
	launchStagger       = 100 * time.Millisecond
)

// Orchestrator owns the current Session and drives the client set
// through the flows of spec §4.I.
type Orchestrator struct {
	mu      sync.Mutex
	pending Op

	SessionRoot string
	RuntimeDir  string
	OSCURL      string

	Session *session.Session
	Store   *client.Store
	Gen     *client.Generator
	Machine *client.Machine
	Proc    Launcher
	GUI     *gui.Projector

	// Pump is invoked by wait loops. It must be set before Open/New/
	// Duplicate/Save/Close/Abort are called from within a live event loop.
	Pump Pump
}

func (o *Orchestrator) begin(op Op) *nsmerr.Error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending != OpNone && o.pending != "" {
		return nsmerr.New(nsmerr.OperationPending, fmt.Sprintf("operation %s already in progress", o.pending))
	}
	o.pending = op
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.pending = OpNone
	o.mu.Unlock()
}

// PendingOp reports the currently latched operation, for tests and status display.
func (o *Orchestrator) PendingOp() Op {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == "" {
		return OpNone
	}
	return o.pending
}

func (o *Orchestrator) pump(d time.Duration) {
	if o.Pump != nil {
		o.Pump(d)
	}
}

// New creates a brand new, empty session named name (spec §4.I `new`).
func (o *Orchestrator) New(name string) *nsmerr.Error {
	if err := o.begin(OpNew); err != nil {
		return err
	}
	defer o.end()

	if session.InvalidName(name) {
		return nsmerr.New(nsmerr.CreateFailed, fmt.Sprintf("invalid session name %q", name))
	}

	path := filepath.Join(o.SessionRoot, name)
	if _, err := os.Stat(path); err == nil {
		return nsmerr.New(nsmerr.CreateFailed, fmt.Sprintf("session %q already exists", name))
	}

	if o.Session.IsOpen() {
		if err := o.closeCurrentLocked(true); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nsmerr.Wrap(nsmerr.CreateFailed, "create session directory", err)
	}

	o.Session.Path = path
	o.Session.LockPath = session.LockPath(o.RuntimeDir, name, path)
	if err := session.WriteManifest(o.Session.ManifestPath(), nil); err != nil {
		return nsmerr.Wrap(nsmerr.CreateFailed, "write empty manifest", err)
	}
	if err := session.WriteLock(o.Session.LockPath, path, o.OSCURL); err != nil {
		return nsmerr.Wrap(nsmerr.CreateFailed, "write lock file", err)
	}

	if o.GUI != nil {
		o.GUI.SessionRoot(o.SessionRoot)
		o.GUI.SessionName(name, name)
	}
	log.Info().Str("session", name).Msg("new session created")
	return nil
}

// Open loads name, reusing switch-capable running clients where
// possible and launching the rest (spec §4.I `open`).
func (o *Orchestrator) Open(name string) *nsmerr.Error {
	if err := o.begin(OpOpen); err != nil {
		return err
	}
	defer o.end()

	path := filepath.Join(o.SessionRoot, name)
	if _, err := os.Stat((&session.Session{Path: path}).ManifestPath()); err != nil {
		return nsmerr.New(nsmerr.NoSuchFile, fmt.Sprintf("no session named %q", name))
	}

	lockPath := session.LockPath(o.RuntimeDir, name, path)
	if session.IsLocked(lockPath) {
		_, daemonURL, err := session.ReadLock(lockPath)
		if err != nil {
			return nsmerr.New(nsmerr.SessionLocked, fmt.Sprintf("session %q is locked", name))
		}
		if daemonURL != o.OSCURL {
			return nsmerr.New(nsmerr.SessionLocked, fmt.Sprintf("session %q is locked by a daemon at %s", name, daemonURL))
		}
		log.Info().Str("session", name).Msg("re-opening session already locked by this daemon")
	}

	if o.Session.IsOpen() {
		if err := o.saveAllLocked(); err != nil {
			return nsmerr.Wrap(nsmerr.General, "save before switching sessions", err)
		}
	}

	rows, err := session.ReadManifest((&session.Session{Path: path}).ManifestPath())
	if err != nil {
		return nsmerr.As(err)
	}

	if e := o.loadRows(path, rows); e != nil {
		return e
	}

	o.Session.Path = path
	o.Session.LockPath = lockPath
	if err := session.WriteLock(lockPath, path, o.OSCURL); err != nil {
		return nsmerr.Wrap(nsmerr.General, "write lock file", err)
	}

	if o.GUI != nil {
		o.GUI.SessionRoot(o.SessionRoot)
		rel, _ := session.RelativeTo(o.SessionRoot, path)
		o.GUI.SessionName(name, rel)
	}
	return nil
}

// loadRows performs the reuse-or-launch decision, waits for announce
// and replies, and sends session_is_loaded (spec §4.I).
func (o *Orchestrator) loadRows(newPath string, rows []session.ManifestRow) *nsmerr.Error {
	existing := o.Store.All()
	used := make(map[*client.Record]bool)
	reuse := make([]*client.Record, len(rows))

	newSessionName := filepath.Base(newPath)
	newSess := &session.Session{Path: newPath}

	// Decide, for every row, which existing record (if any) it will
	// reuse via switch before quitting anyone: the surplus set below
	// must exclude every record a later row still wants.
	for i, row := range rows {
		if reused := pickSwitchCandidate(existing, used, row); reused != nil {
			used[reused] = true
			reuse[i] = reused
		}
	}

	// Unneeded or non-switchable existing instances are quit first, and
	// the orchestrator waits for their death before the switch/launch
	// loop runs (spec §4.I, §4.F "Tie-breaks") — this frees whatever
	// JACK/OSC resources they held before their replacements spawn.
	var toQuit []*client.Record
	for _, r := range existing {
		if !used[r] && r.PID != 0 {
			toQuit = append(toQuit, r)
		}
	}
	if len(toQuit) > 0 {
		o.quitAndWait(toQuit)
	}

	var launched []*client.Record
	for i, row := range rows {
		if reused := reuse[i]; reused != nil {
			newID, err := o.Gen.New(newPath)
			if err != nil {
				return nsmerr.Wrap(nsmerr.CreateFailed, "generate id for switch", err)
			}
			if err := o.Machine.SendOpenForSwitch(reused, newID, newSess.ClientProjectPath(row.Name, newID), newSessionName, time.Now()); err != nil {
				log.Warn().Err(err).Str("name", row.Name).Msg("switch send failed")
			}
			launched = append(launched, reused)
			continue
		}

		id, err := o.Gen.New(newPath)
		if err != nil {
			return nsmerr.Wrap(nsmerr.CreateFailed, "generate id", err)
		}
		rec := &client.Record{ID: id, Name: row.Name, Executable: row.Exe}
		o.Store.Add(rec)
		if o.GUI != nil {
			o.GUI.ClientNew(rec.ID, rec.Executable)
		}
		pid, err := o.Proc.Spawn(row.Exe, nil, map[string]string{
			"NSM_SESSION_NAME": newSessionName,
		})
		if err != nil {
			rec.LaunchError = true
			rec.Status = client.StatusStopped
			rec.Label = "Launch error!"
			log.Warn().Err(err).Str("exe", row.Exe).Msg("failed to launch client")
			continue
		}
		rec.PID = pid
		rec.Status = client.StatusLaunch
		launched = append(launched, rec)
		time.Sleep(launchStagger)
	}

	o.WaitForAnnounce(launched)
	o.WaitForReplies(launched)

	for _, r := range launched {
		if err := o.Machine.SendSessionIsLoaded(r); err != nil {
			log.Warn().Err(err).Str("id", r.ID).Msg("session_is_loaded send failed")
		}
	}
	return nil
}

// pickSwitchCandidate implements spec §4.F's tie-break: a record
// matching both name and id wins over a name-only match; only
// :switch:-capable, currently-idle records are eligible.
func pickSwitchCandidate(existing []*client.Record, used map[*client.Record]bool, row session.ManifestRow) *client.Record {
	var nameOnly *client.Record
	for _, r := range existing {
		if used[r] || r.Name != row.Name || !r.HasCapability("switch") || r.Pending != client.PendingNone {
			continue
		}
		if r.ID == row.ID {
			return r
		}
		if nameOnly == nil {
			nameOnly = r
		}
	}
	return nameOnly
}

// Duplicate saves, copies the session directory, and opens the copy
// (spec §4.I `duplicate`).
func (o *Orchestrator) Duplicate(newName string) *nsmerr.Error {
	if !o.Session.IsOpen() {
		return nsmerr.New(nsmerr.NoSessionOpen, "no session open to duplicate")
	}
	if session.InvalidName(newName) {
		return nsmerr.New(nsmerr.CreateFailed, fmt.Sprintf("invalid session name %q", newName))
	}

	if err := o.begin(OpDuplicate); err != nil {
		return err
	}
	src := o.Session.Path
	if err := o.saveAllLocked(); err != nil {
		o.end()
		return nsmerr.Wrap(nsmerr.SaveFailed, "save before duplicate", err)
	}
	o.end()

	dst := filepath.Join(o.SessionRoot, newName)
	if err := copyDir(src, dst); err != nil {
		return nsmerr.Wrap(nsmerr.CreateFailed, "copy session directory", err)
	}

	if o.GUI != nil {
		o.GUI.SessionSession(newName)
	}
	return o.Open(newName)
}

// Save commands every active client to save (spec §4.I `save`).
func (o *Orchestrator) Save() *nsmerr.Error {
	if !o.Session.IsOpen() {
		return nsmerr.New(nsmerr.NoSessionOpen, "no session open to save")
	}
	if err := o.begin(OpSave); err != nil {
		return err
	}
	defer o.end()
	return o.saveAllLocked()
}

func (o *Orchestrator) saveAllLocked() *nsmerr.Error {
	if err := writeManifestForCurrentClients(o.Session, o.Store); err != nil {
		if o.GUI != nil {
			o.GUI.ServerMessage(fmt.Sprintf("save failed: %v", err))
		}
		return nsmerr.Wrap(nsmerr.SaveFailed, "manifest not writable", err)
	}
	now := time.Now()
	for _, r := range o.Store.All() {
		if err := o.Machine.SendSave(r, now); err != nil {
			log.Warn().Err(err).Str("id", r.ID).Msg("save send failed")
		}
	}
	o.WaitForReplies(o.Store.All())
	return nil
}

func writeManifestForCurrentClients(sess *session.Session, store *client.Store) error {
	if !sess.IsOpen() {
		return nil
	}
	var rows []session.ManifestRow
	for _, r := range store.All() {
		if r.Status == client.StatusRemoved {
			continue
		}
		rows = append(rows, session.ManifestRow{Name: r.Name, Exe: r.Executable, ID: r.ID})
	}
	return session.WriteManifest(sess.ManifestPath(), rows)
}

// Close saves then drains the client set (spec §4.I `close`).
func (o *Orchestrator) Close() *nsmerr.Error {
	if err := o.begin(OpClose); err != nil {
		return err
	}
	defer o.end()
	return o.closeCurrentLocked(true)
}

// Abort drains without saving (spec §4.I `abort`).
func (o *Orchestrator) Abort() *nsmerr.Error {
	if err := o.begin(OpClose); err != nil {
		return err
	}
	defer o.end()
	return o.closeCurrentLocked(false)
}

func (o *Orchestrator) closeCurrentLocked(save bool) *nsmerr.Error {
	if !o.Session.IsOpen() {
		return nil
	}
	if save {
		if err := o.saveAllLocked(); err != nil {
			return err
		}
	}

	o.quitAndWait(o.Store.All())

	if o.Session.LockPath != "" {
		_ = session.DeleteLock(o.Session.LockPath)
	}
	if o.GUI != nil {
		o.GUI.SessionName("", "")
	}
	o.Session.Path = ""
	o.Session.LockPath = ""
	return nil
}

// quitAndWait sends SIGTERM (pending=quit) to every record with a live
// PID, waits up to 10s, then escalates to SIGKILL for stragglers (spec
// §4.F "Shutdown fan-out").
func (o *Orchestrator) quitAndWait(records []*client.Record) {
	now := time.Now()
	var live []*client.Record
	for _, r := range records {
		if r.PID == 0 {
			continue
		}
		r.SetPending(client.PendingQuit, now)
		if err := o.Proc.Signal(r.PID, syscall.SIGTERM); err != nil {
			log.Warn().Err(err).Int("pid", r.PID).Msg("SIGTERM failed")
		}
		live = append(live, r)
	}

	deadline := time.Now().Add(waitKillGrace)
	for time.Now().Before(deadline) {
		if !anyAlive(o.Proc, live) {
			break
		}
		o.pump(waitSlice)
	}

	for _, r := range live {
		if o.Proc.Alive(r.PID) {
			log.Warn().Int("pid", r.PID).Str("id", r.ID).Msg("client did not die within grace period, sending SIGKILL")
			_ = o.Proc.Signal(r.PID, syscall.SIGKILL)
		}
	}
}

func anyAlive(proc Launcher, records []*client.Record) bool {
	for _, r := range records {
		if r.PID != 0 && proc.Alive(r.PID) {
			return true
		}
	}
	return false
}

// WaitForAnnounce polls until every record in launched is either
// active or has a launch error, or 5 seconds elapse (spec §4.F).
func (o *Orchestrator) WaitForAnnounce(launched []*client.Record) {
	deadline := time.Now().Add(waitAnnounceTimeout)
	for time.Now().Before(deadline) {
		if allAnnounced(launched) {
			return
		}
		o.pump(waitSlice)
	}
}

func allAnnounced(records []*client.Record) bool {
	for _, r := range records {
		if !r.Active && !r.LaunchError {
			return false
		}
	}
	return true
}

// WaitForReplies polls until no record has a pending command, or 60
// seconds elapse (spec §4.F).
func (o *Orchestrator) WaitForReplies(records []*client.Record) {
	deadline := time.Now().Add(waitReplyTimeout)
	for time.Now().Before(deadline) {
		if nonePending(records) {
			return
		}
		o.pump(waitSlice)
	}
}

func nonePending(records []*client.Record) bool {
	for _, r := range records {
		if r.Pending != client.PendingNone {
			return false
		}
	}
	return true
}

// copyDir recursively copies src to dst using the filepath.Walk
// directory-walk idiom; recursive copy is listed as an external helper
// but duplicate() must still invoke one.
func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

// ListSessions walks root, emitting the relative path of every
// directory that directly contains a session.nsm, sorted
// lexicographically, and pruning descendants of a found session
// directory (spec §4.G "Session listing").
func ListSessions(root string) ([]string, error) {
	var found []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root || !info.IsDir() {
			return nil
		}
		if _, statErr := os.Stat(filepath.Join(path, "session.nsm")); statErr == nil {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return relErr
			}
			found = append(found, rel)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk session root: %w", err)
	}
	sort.Strings(found)
	return found, nil
}
