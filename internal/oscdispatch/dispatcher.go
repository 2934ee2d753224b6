// Package oscdispatch implements the OSC dispatcher (spec §4.G): a
// path/type-signature table mapping incoming messages to handlers
// across the server, client, GUI-control, and meta surfaces, plus the
// constrained cross-client broadcast relay and the session listing
// reply (the directory walk itself is orchestrator.ListSessions).
package oscdispatch

import (
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nsm66/nsm66d/internal/client"
	"github.com/nsm66/nsm66d/internal/gui"
	"github.com/nsm66/nsm66d/internal/nsmerr"
	"github.com/nsm66/nsm66d/internal/orchestrator"
	"github.com/nsm66/nsm66d/internal/session"
)

// Sender delivers an OSC message to a host:port destination.
type Sender interface {
	Send(addr, path string, args ...interface{}) error
}

// Message is one inbound OSC datagram, decoupled from any concrete
// transport (spec §9 "exception-free error propagation through typed
// interfaces"). internal/nsmd builds this from an oscnet.Message.
type Message struct {
	Path string
	Args []interface{}
	From string
}

// TypeTag renders the OSC type signature this message would carry:
// i(int32) f(float32) s(string), everything else reported as '?'.
func (m Message) TypeTag() string {
	var b strings.Builder
	for _, a := range m.Args {
		switch a.(type) {
		case int32, int:
			b.WriteByte('i')
		case float32, float64:
			b.WriteByte('f')
		case string:
			b.WriteByte('s')
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}

func (m Message) str(i int) string {
	if i < len(m.Args) {
		if s, ok := m.Args[i].(string); ok {
			return s
		}
	}
	return ""
}

func (m Message) i32(i int) int32 {
	if i < len(m.Args) {
		switch v := m.Args[i].(type) {
		case int32:
			return v
		case int:
			return int32(v)
		}
	}
	return 0
}

func (m Message) f32(i int) float32 {
	if i < len(m.Args) {
		switch v := m.Args[i].(type) {
		case float32:
			return v
		case float64:
			return float32(v)
		}
	}
	return 0
}

// Dispatcher wires the client machine, GUI projector, and session
// orchestrator into the OSC surface. It is the request boundary at
// which every internal error is converted to the taxonomy of spec §7.
type Dispatcher struct {
	Send        Sender
	Store       *client.Store
	Machine     *client.Machine
	Orc         *orchestrator.Orchestrator
	GUI         *gui.Projector
	Proc        orchestrator.Launcher
	APIMajor    int32
	APIMinor    int32
	ServerName  string
	ServerCaps  string
	SessionRoot string
}

// Dispatch routes msg to its handler, logging with a per-request
// correlation id so a single announce → open → reply chain can be
// grepped out of the daemon's single-threaded log (SPEC_FULL.md
// ambient logging convention).
func (d *Dispatcher) Dispatch(msg Message) {
	reqID := uuid.New()
	log.Debug().Str("req", reqID.String()).Str("path", msg.Path).Str("types", msg.TypeTag()).Str("from", msg.From).Msg("dispatching osc message")

	h, ok := table[msg.Path]
	if !ok {
		log.Warn().Str("req", reqID.String()).Str("path", msg.Path).Msg("unknown OSC path, acknowledged and ignored")
		return
	}
	h(d, msg)
}

type handlerFunc func(d *Dispatcher, msg Message)

var table = map[string]handlerFunc{
	"/nsm/server/announce":  (*Dispatcher).handleAnnounce,
	"/nsm/server/add":       (*Dispatcher).handleAdd,
	"/nsm/server/save":      (*Dispatcher).handleServerSave,
	"/nsm/server/open":      (*Dispatcher).handleOpen,
	"/nsm/server/new":       (*Dispatcher).handleNew,
	"/nsm/server/duplicate": (*Dispatcher).handleDuplicate,
	"/nsm/server/list":      (*Dispatcher).handleList,
	"/nsm/server/close":     (*Dispatcher).handleClose,
	"/nsm/server/abort":     (*Dispatcher).handleAbort,
	"/nsm/server/quit":      (*Dispatcher).handleQuit,
	"/nsm/server/broadcast": (*Dispatcher).handleBroadcast,

	"/nsm/client/progress":       (*Dispatcher).handleProgress,
	"/nsm/client/is_dirty":       (*Dispatcher).handleIsDirty,
	"/nsm/client/is_clean":       (*Dispatcher).handleIsClean,
	"/nsm/client/label":          (*Dispatcher).handleLabel,
	"/nsm/client/message":        (*Dispatcher).handleMessage,
	"/nsm/client/gui_is_shown":   (*Dispatcher).handleGUIIsShown,
	"/nsm/client/gui_is_hidden":  (*Dispatcher).handleGUIIsHidden,
	"/reply":                     (*Dispatcher).handleReply,
	"/error":                     (*Dispatcher).handleError,

	"/nsm/gui/gui_announce":             (*Dispatcher).handleGUIAnnounce,
	"/nsm/gui/client/stop":              (*Dispatcher).handleGUIStop,
	"/nsm/gui/client/remove":            (*Dispatcher).handleGUIRemove,
	"/nsm/gui/client/resume":            (*Dispatcher).handleGUIResume,
	"/nsm/gui/client/save":              (*Dispatcher).handleGUISave,
	"/nsm/gui/client/show_optional_gui": (*Dispatcher).handleGUIShowOptional,
	"/nsm/gui/client/hide_optional_gui": (*Dispatcher).handleGUIHideOptional,

	"/osc/ping": (*Dispatcher).handlePing,
}

func (d *Dispatcher) reply(addr, path string, args ...interface{}) {
	all := append([]interface{}{path}, args...)
	if err := d.Send.Send(addr, "/reply", all...); err != nil {
		log.Warn().Err(err).Str("addr", addr).Str("path", path).Msg("reply send failed")
	}
}

func (d *Dispatcher) errorReply(addr, path string, e *nsmerr.Error) {
	if err := d.Send.Send(addr, "/error", path, int32(e.Code), e.Message); err != nil {
		log.Warn().Err(err).Str("addr", addr).Str("path", path).Msg("error reply send failed")
	}
}

// --- Server surface ---------------------------------------------------

func (d *Dispatcher) handleAnnounce(msg Message) {
	rec, startedByUs, err := d.Machine.Announce(client.AnnounceArgs{
		From:     msg.From,
		Name:     msg.str(0),
		Caps:     msg.str(1),
		Exe:      msg.str(2),
		APIMajor: msg.i32(3),
		APIMinor: msg.i32(4),
		PID:      msg.i32(5),
	}, time.Now())
	if err != nil {
		d.errorReply(msg.From, msg.Path, err)
		return
	}

	ackMessage := "Ack'ed as NSM client (registered itself from the outside)"
	if startedByUs {
		ackMessage = "Ack'ed as NSM client (started ourselves)"
	}
	d.reply(msg.From, msg.Path, ackMessage, d.ServerName, d.ServerCaps)

	projectPath := ""
	sessionName := ""
	if d.Orc != nil && d.Orc.Session.IsOpen() {
		projectPath = d.Orc.Session.ClientProjectPath(rec.Name, rec.ID)
		sessionName = d.Orc.Session.Name()
	}
	if err := d.Machine.SendOpen(rec, projectPath, sessionName, time.Now()); err != nil {
		log.Warn().Err(err).Str("id", rec.ID).Msg("client/open send failed")
	}
}

func (d *Dispatcher) handleAdd(msg Message) {
	// Launches exe as a new client of the currently open session without
	// a manifest entry until the next save, mirroring the source's
	// out-of-band client-add path.
	if !d.Orc.Session.IsOpen() {
		d.errorReply(msg.From, msg.Path, nsmerr.New(nsmerr.NoSessionOpen, "no session open"))
		return
	}
	exe := msg.str(0)
	id, err := d.Orc.Gen.New(d.Orc.Session.Path)
	if err != nil {
		d.errorReply(msg.From, msg.Path, nsmerr.Wrap(nsmerr.CreateFailed, "generate id", err))
		return
	}
	rec := &client.Record{ID: id, Name: exe, Executable: exe}
	d.Store.Add(rec)
	if d.GUI != nil {
		d.GUI.ClientNew(rec.ID, rec.Executable)
	}
	pid, spawnErr := d.Proc.Spawn(exe, nil, nil)
	if spawnErr != nil {
		rec.LaunchError = true
		rec.Status = client.StatusStopped
		d.errorReply(msg.From, msg.Path, nsmerr.Wrap(nsmerr.LaunchFailed, "launch client", spawnErr))
		return
	}
	rec.PID = pid
	rec.Status = client.StatusLaunch
	d.reply(msg.From, msg.Path, "Launched")
}

func (d *Dispatcher) handleServerSave(msg Message) {
	if err := d.Orc.Save(); err != nil {
		d.errorReply(msg.From, msg.Path, err)
		return
	}
	d.reply(msg.From, msg.Path, "Saved")
}

func (d *Dispatcher) handleOpen(msg Message) {
	if err := d.Orc.Open(msg.str(0)); err != nil {
		d.errorReply(msg.From, msg.Path, err)
		return
	}
	d.reply(msg.From, msg.Path, "Loaded")
}

func (d *Dispatcher) handleNew(msg Message) {
	if err := d.Orc.New(msg.str(0)); err != nil {
		d.errorReply(msg.From, msg.Path, err)
		return
	}
	d.reply(msg.From, msg.Path, "Created")
}

func (d *Dispatcher) handleDuplicate(msg Message) {
	if err := d.Orc.Duplicate(msg.str(0)); err != nil {
		d.errorReply(msg.From, msg.Path, err)
		return
	}
	d.reply(msg.From, msg.Path, "Duplicated")
}

func (d *Dispatcher) handleList(msg Message) {
	rows, err := orchestrator.ListSessions(d.SessionRoot)
	if err != nil {
		d.errorReply(msg.From, msg.Path, nsmerr.Wrap(nsmerr.General, "list sessions", err))
		return
	}
	for _, r := range rows {
		d.reply(msg.From, msg.Path, r)
	}
	d.reply(msg.From, msg.Path, "")
}

func (d *Dispatcher) handleClose(msg Message) {
	if err := d.Orc.Close(); err != nil {
		d.errorReply(msg.From, msg.Path, err)
		return
	}
	d.reply(msg.From, msg.Path, "Closed")
}

func (d *Dispatcher) handleAbort(msg Message) {
	if err := d.Orc.Abort(); err != nil {
		d.errorReply(msg.From, msg.Path, err)
		return
	}
	d.reply(msg.From, msg.Path, "Aborted")
}

func (d *Dispatcher) handleQuit(msg Message) {
	if err := d.Orc.Close(); err != nil {
		d.errorReply(msg.From, msg.Path, err)
	}
	// The daemon's own process exit is triggered by internal/nsmd after
	// this handler returns; the dispatcher only drains the session.
}

// handleBroadcast implements spec §4.G's broadcast policy: forward
// s|i|f arguments to every other client (and the GUI, if not the
// originator), but only when the embedded target path does not begin
// with "/nsm/" — this keeps /nsm/* control traffic from looping back
// into the daemon via a client-originated broadcast.
func (d *Dispatcher) handleBroadcast(msg Message) {
	if len(msg.Args) == 0 {
		return
	}
	target, ok := msg.Args[0].(string)
	if !ok || strings.HasPrefix(target, "/nsm/") {
		return
	}

	var forwarded []interface{}
	for _, a := range msg.Args[1:] {
		switch a.(type) {
		case string, int32, int, float32, float64:
			forwarded = append(forwarded, a)
		}
	}

	for _, rec := range d.Store.All() {
		if rec.Address == "" || rec.Address == msg.From {
			continue
		}
		if err := d.Send.Send(rec.Address, target, forwarded...); err != nil {
			log.Warn().Err(err).Str("addr", rec.Address).Msg("broadcast relay failed")
		}
	}

	if d.GUI != nil && d.GUI.Attached() && d.GUI.Address() != msg.From {
		if err := d.Send.Send(d.GUI.Address(), target, forwarded...); err != nil {
			log.Warn().Err(err).Str("addr", d.GUI.Address()).Msg("broadcast relay to gui failed")
		}
	}
}

// --- Client surface -----------------------------------------------------

func (d *Dispatcher) handleProgress(msg Message)   { d.Machine.SetProgress(msg.From, msg.f32(0)) }
func (d *Dispatcher) handleIsDirty(msg Message)     { d.Machine.SetDirty(msg.From, true) }
func (d *Dispatcher) handleIsClean(msg Message)     { d.Machine.SetDirty(msg.From, false) }
func (d *Dispatcher) handleLabel(msg Message)       { d.Machine.SetLabel(msg.From, msg.str(0)) }
func (d *Dispatcher) handleGUIIsShown(msg Message)  { d.Machine.SetGUIVisible(msg.From, true) }
func (d *Dispatcher) handleGUIIsHidden(msg Message) { d.Machine.SetGUIVisible(msg.From, false) }

func (d *Dispatcher) handleMessage(msg Message) {
	d.Machine.Message(msg.From, msg.i32(0), msg.str(1))
}

func (d *Dispatcher) handleReply(msg Message) {
	d.Machine.HandleReply(msg.From, msg.str(0), msg.str(1), time.Now())
}

func (d *Dispatcher) handleError(msg Message) {
	d.Machine.HandleError(msg.From, msg.i32(1), msg.str(2))
}

// --- GUI control surface -------------------------------------------------

func (d *Dispatcher) handleGUIAnnounce(msg Message) {
	if d.GUI == nil {
		return
	}
	d.GUI.Attach(msg.From)
	d.GUI.SessionRoot(d.SessionRoot)
	name, rel := "", ""
	if d.Orc.Session.IsOpen() {
		name = d.Orc.Session.Name()
		rel, _ = session.RelativeTo(d.SessionRoot, d.Orc.Session.Path)
	}
	d.GUI.ReplaySession(name, rel)

	rows := make([]gui.ClientRow, 0, d.Store.Len())
	for _, r := range d.Store.All() {
		rows = append(rows, gui.ClientRow{
			ID: r.ID, Name: r.Name, Executable: r.Executable,
			Status: string(r.Status), Label: r.Label, Dirty: r.Dirty,
			Progress: r.Progress, OptionalGUI: r.OptionalGUIVis,
			HasOptionalGUI: r.HasCapability("optional-gui"),
		})
	}
	d.GUI.ReplayClients(rows)
}

// handleGUIStop signals a running client to quit but keeps its record,
// so a later resume can relaunch it in place (SUPPLEMENTED FEATURES §2).
func (d *Dispatcher) handleGUIStop(msg Message) {
	rec := d.Store.ByID(msg.str(0))
	if rec == nil || rec.PID == 0 {
		return
	}
	rec.SetPending(client.PendingKill, time.Now())
	if err := d.Proc.Signal(rec.PID, syscall.SIGTERM); err != nil {
		log.Warn().Err(err).Str("id", rec.ID).Msg("gui stop signal failed")
	}
}

func (d *Dispatcher) handleGUIRemove(msg Message) {
	rec := d.Store.ByID(msg.str(0))
	if rec == nil {
		return
	}
	d.Machine.Remove(rec)
}

// handleGUIResume relaunches a stopped record's executable in place,
// reusing its existing ID (SUPPLEMENTED FEATURES §2).
func (d *Dispatcher) handleGUIResume(msg Message) {
	rec := d.Store.ByID(msg.str(0))
	if rec == nil || rec.Status != client.StatusStopped {
		return
	}
	pid, err := d.Proc.Spawn(rec.Executable, nil, nil)
	if err != nil {
		rec.LaunchError = true
		log.Warn().Err(err).Str("id", rec.ID).Msg("resume failed")
		return
	}
	rec.PID = pid
	rec.Active = false
	rec.LaunchError = false
	rec.Status = client.StatusLaunch
	if d.GUI != nil {
		d.GUI.ClientStatus(rec.ID, string(rec.Status))
	}
}

func (d *Dispatcher) handleGUISave(msg Message) {
	rec := d.Store.ByID(msg.str(0))
	if rec == nil {
		return
	}
	if err := d.Machine.SendSave(rec, time.Now()); err != nil {
		log.Warn().Err(err).Str("id", rec.ID).Msg("gui-initiated save failed")
	}
}

func (d *Dispatcher) handleGUIShowOptional(msg Message) {
	if rec := d.Store.ByID(msg.str(0)); rec != nil {
		_ = d.Machine.SendShowOptionalGUI(rec)
	}
}

func (d *Dispatcher) handleGUIHideOptional(msg Message) {
	if rec := d.Store.ByID(msg.str(0)); rec != nil {
		_ = d.Machine.SendHideOptionalGUI(rec)
	}
}

// --- Meta surface ---------------------------------------------------------

func (d *Dispatcher) handlePing(msg Message) {
	d.reply(msg.From, msg.Path)
}
