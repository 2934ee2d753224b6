package client

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nsm66/nsm66d/internal/nsmerr"
)

// Sender delivers an OSC message to a host:port destination. It is
// satisfied by a thin adapter over internal/infra/oscnet.Transport, so
// this package never imports the transport library directly (spec §9
// "exception-free error propagation" through typed interfaces).
type Sender interface {
	Send(addr, path string, args ...interface{}) error
}

// GUINotifier receives the projected view of client-visible state
// changes (spec §4.H). Implemented by internal/gui.Projector.
type GUINotifier interface {
	ClientNew(id, executable string)
	ClientNameKnown(id, name string)
	ClientStatus(id, status string)
	ClientLabel(id, label string)
	ClientDirty(id string, dirty bool)
	ClientProgress(id string, progress float32)
	ClientGUIVisible(id string, visible bool)
	ClientMessage(id string, priority int32, message string)
	ClientHasOptionalGUI(id string, has bool)
	ClientSwitch(oldID, newID string)
	ClientRemoved(id string)
}

// Machine drives client Records through the announce/open/save/switch/
// quit/kill/dead transitions of spec §4.F.
type Machine struct {
	Store    *Store
	Send     Sender
	GUI      GUINotifier
	APIMajor int32

	// Gen assigns an ID to a client that announces from the outside
	// (one the daemon did not itself launch, so no record pre-exists to
	// carry an ID). May be left nil in tests that don't exercise the
	// outside-announce path; such a record keeps an empty ID.
	Gen *Generator
}

// NewMachine builds a Machine bound to store, using send to talk to
// clients and gui to project state (gui may be nil).
func NewMachine(store *Store, send Sender, gui GUINotifier, apiMajor int32) *Machine {
	return &Machine{Store: store, Send: send, GUI: gui, APIMajor: apiMajor}
}

// AnnounceArgs bundles the fields of /nsm/server/announce (spec §6).
type AnnounceArgs struct {
	From        string
	Name        string
	Caps        string
	Exe         string
	APIMajor    int32
	APIMinor    int32
	PID         int32
	SessionPath string
	SessionName string
}

// Announce processes an incoming announce. On success it returns the
// now-active record, whether the daemon itself had already launched
// this client (as opposed to it registering from the outside), and the
// daemon sends two replies: an ack and /nsm/client/open. On version
// mismatch it returns an *nsmerr.Error and the record, if any, is left
// untouched.
func (m *Machine) Announce(a AnnounceArgs, now time.Time) (*Record, bool, *nsmerr.Error) {
	// SPEC_FULL.md supplemented feature 1 / §9: strict rejection is the sole policy, chosen
	// over the source's residual accept-and-reject dual path.
	if a.APIMajor > m.APIMajor {
		return nil, false, nsmerr.New(nsmerr.IncompatibleAPI,
			fmt.Sprintf("incompatible API version %d.%d (server is %d.x)", a.APIMajor, a.APIMinor, m.APIMajor))
	}

	rec := m.matchAnnouncingRecord(a)
	oldAddr, oldID, oldName := "", "", ""
	created := rec == nil
	if rec == nil {
		rec = &Record{Name: a.Name, Executable: a.Exe}
		if m.Gen != nil {
			id, genErr := m.Gen.New("")
			if genErr != nil {
				return nil, false, nsmerr.Wrap(nsmerr.General, "assign id to outside client", genErr)
			}
			rec.ID = id
		}
	} else {
		oldAddr, oldID, oldName = rec.Address, rec.ID, rec.Name
	}

	rec.Address = a.From
	rec.PID = int(a.PID)
	rec.Capabilities = a.Caps
	rec.Active = true
	rec.LaunchError = false
	if rec.Name != a.Name {
		rec.Name = a.Name
	}
	rec.SetPending(PendingOpen, now)
	rec.Status = StatusOpen

	if created {
		m.Store.Add(rec)
		if m.GUI != nil {
			m.GUI.ClientNew(rec.ID, rec.Executable)
		}
	} else {
		m.Store.Reindex(rec, oldAddr, oldID, oldName)
	}

	if m.GUI != nil {
		m.GUI.ClientNameKnown(rec.ID, rec.Name)
		m.GUI.ClientStatus(rec.ID, string(rec.Status))
	}

	log.Info().Str("id", rec.ID).Str("name", rec.Name).Str("from", a.From).Msg("client announced")
	return rec, !created, nil
}

// matchAnnouncingRecord finds a pre-existing record this announce
// belongs to: a client the daemon itself launched (matched by name,
// not yet active) or, for an outside-started client, nil (a fresh
// record is created by the caller).
func (m *Machine) matchAnnouncingRecord(a AnnounceArgs) *Record {
	for _, r := range m.Store.ByName(a.Name) {
		if !r.Active && r.PID == int(a.PID) {
			return r
		}
	}
	for _, r := range m.Store.ByName(a.Name) {
		if !r.Active {
			return r
		}
	}
	return nil
}

// HandleReply clears the pending command for the record at addr,
// provided replyPath matches the outstanding request. Unmatched
// replies are logged and dropped, never crash the daemon.
func (m *Machine) HandleReply(addr, replyPath, message string, now time.Time) {
	rec := m.Store.ByAddress(addr)
	if rec == nil {
		log.Warn().Str("addr", addr).Str("path", replyPath).Msg("reply from unknown client")
		return
	}
	if rec.Pending == PendingNone {
		log.Warn().Str("id", rec.ID).Str("path", replyPath).Msg("unsolicited reply, no pending command")
		return
	}
	wasSwitching := rec.PreExisting
	rec.ClearPending()
	rec.PreExisting = false
	rec.LastErrorCode = 0
	rec.LastErrorMsg = ""
	if wasSwitching {
		log.Info().Str("id", rec.ID).Str("path", replyPath).Msg("switch-reused client finished opening the new session")
	}
	if m.GUI != nil {
		m.GUI.ClientStatus(rec.ID, string(rec.Status))
	}
}

// HandleError records a client-reported failure and marks the record
// StatusError, clearing its pending command.
func (m *Machine) HandleError(addr string, code int32, message string) {
	rec := m.Store.ByAddress(addr)
	if rec == nil {
		log.Warn().Str("addr", addr).Msg("error reply from unknown client")
		return
	}
	rec.Pending = PendingNone
	rec.Status = StatusError
	rec.LastErrorCode = code
	rec.LastErrorMsg = message
	if m.GUI != nil {
		m.GUI.ClientStatus(rec.ID, string(rec.Status))
	}
}

// SetDirty updates the record's dirty flag and relays it to the GUI.
func (m *Machine) SetDirty(addr string, dirty bool) {
	rec := m.Store.ByAddress(addr)
	if rec == nil {
		return
	}
	rec.Dirty = dirty
	if m.GUI != nil {
		m.GUI.ClientDirty(rec.ID, dirty)
	}
}

// SetProgress updates the record's save/load progress in [0,1].
func (m *Machine) SetProgress(addr string, progress float32) {
	rec := m.Store.ByAddress(addr)
	if rec == nil {
		return
	}
	rec.Progress = progress
	if m.GUI != nil {
		m.GUI.ClientProgress(rec.ID, progress)
	}
}

// SetLabel updates the record's label and relays it to the GUI.
func (m *Machine) SetLabel(addr, label string) {
	rec := m.Store.ByAddress(addr)
	if rec == nil {
		return
	}
	rec.Label = label
	if m.GUI != nil {
		m.GUI.ClientLabel(rec.ID, label)
	}
}

// Message relays a client's free-form status message to the GUI.
func (m *Machine) Message(addr string, priority int32, text string) {
	rec := m.Store.ByAddress(addr)
	if rec == nil {
		return
	}
	if m.GUI != nil {
		m.GUI.ClientMessage(rec.ID, priority, text)
	}
}

// SetGUIVisible updates whether the client's own optional GUI is
// currently shown, per gui_is_shown/gui_is_hidden (spec §6).
func (m *Machine) SetGUIVisible(addr string, visible bool) {
	rec := m.Store.ByAddress(addr)
	if rec == nil {
		return
	}
	rec.OptionalGUIVis = visible
	if m.GUI != nil {
		m.GUI.ClientGUIVisible(rec.ID, visible)
	}
}

// SendSave sends /nsm/client/save to rec if it is an active client, or
// marks a dumb-but-running client Noop without sending anything (spec
// §4.F "Save fan-out").
func (m *Machine) SendSave(rec *Record, now time.Time) error {
	if !rec.Active {
		if rec.IsDumb() && rec.PID != 0 {
			rec.Status = StatusNoop
			if m.GUI != nil {
				m.GUI.ClientStatus(rec.ID, string(rec.Status))
			}
		}
		return nil
	}
	rec.SetPending(PendingSave, now)
	rec.Status = StatusSave
	if m.GUI != nil {
		m.GUI.ClientStatus(rec.ID, string(rec.Status))
	}
	return m.Send.Send(rec.Address, "/nsm/client/save")
}

// SendOpenForSwitch updates rec's ID to newID and sends
// /nsm/client/open with the new project path, per spec §4.F "Switch
// fan-out". Only valid for records advertising :switch:.
func (m *Machine) SendOpenForSwitch(rec *Record, newID, projectPath, sessionName string, now time.Time) error {
	oldAddr, oldID, oldName := rec.Address, rec.ID, rec.Name
	rec.ID = newID
	rec.PreExisting = true
	m.Store.Reindex(rec, oldAddr, oldID, oldName)

	rec.SetPending(PendingOpen, now)
	rec.Status = StatusSwitch
	if m.GUI != nil {
		m.GUI.ClientStatus(rec.ID, string(rec.Status))
		m.GUI.ClientSwitch(oldID, newID)
	}
	return m.Send.Send(rec.Address, "/nsm/client/open", projectPath, sessionName, rec.FullID())
}

// SendOpen sends /nsm/client/open to a freshly-launched or reused
// record after it has announced.
func (m *Machine) SendOpen(rec *Record, projectPath, sessionName string, now time.Time) error {
	rec.SetPending(PendingOpen, now)
	rec.Status = StatusOpen
	return m.Send.Send(rec.Address, "/nsm/client/open", projectPath, sessionName, rec.FullID())
}

// SendSessionIsLoaded notifies an active client the session has
// finished loading.
func (m *Machine) SendSessionIsLoaded(rec *Record) error {
	if !rec.Active {
		return nil
	}
	return m.Send.Send(rec.Address, "/nsm/client/session_is_loaded")
}

// SendShowOptionalGUI / SendHideOptionalGUI implement the GUI-control
// show/hide surface (spec §4.G "GUI control").
func (m *Machine) SendShowOptionalGUI(rec *Record) error {
	if !rec.Active {
		return nsmerr.New(nsmerr.NotNow, "client is not active")
	}
	return m.Send.Send(rec.Address, "/nsm/client/show_optional_gui")
}

func (m *Machine) SendHideOptionalGUI(rec *Record) error {
	if !rec.Active {
		return nsmerr.New(nsmerr.NotNow, "client is not active")
	}
	return m.Send.Send(rec.Address, "/nsm/client/hide_optional_gui")
}

// Remove deletes a stopped record entirely, notifying the GUI.
func (m *Machine) Remove(rec *Record) {
	rec.Status = StatusRemoved
	m.Store.Remove(rec)
	if m.GUI != nil {
		m.GUI.ClientRemoved(rec.ID)
	}
}
