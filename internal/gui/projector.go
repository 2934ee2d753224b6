// Package gui projects daemon state to an attached GUI. If no GUI is
// attached, every method is a no-op; the rest of the daemon calls
// these methods unconditionally rather than branching on attachment
// state, the same null-object shape used elsewhere for optional
// collaborators.
package gui

// Sender delivers an OSC message to a host:port destination. Mirrors
// client.Sender; kept as a separate, identically-shaped interface so
// this package has no dependency on internal/client.
type Sender interface {
	Send(addr, path string, args ...interface{}) error
}

// Projector holds the optional GUI's address and pushes state changes
// to it. A zero-value Projector with no Attach call is inert.
type Projector struct {
	send Sender
	addr string
}

// NewProjector creates a projector that will use send once Attach is called.
func NewProjector(send Sender) *Projector {
	return &Projector{send: send}
}

// Attach records the GUI's OSC address. Call it in response to
// gui_announce or the --gui-url flag.
func (p *Projector) Attach(addr string) {
	p.addr = addr
}

// Detach clears the GUI address, e.g. when it fails to respond.
func (p *Projector) Detach() {
	p.addr = ""
}

// Attached reports whether a GUI is currently attached.
func (p *Projector) Attached() bool {
	return p.addr != ""
}

// Address returns the attached GUI's OSC address, or "" if none is
// attached. Lets callers outside this package (e.g. broadcast relay)
// address the GUI directly instead of going through a named projection.
func (p *Projector) Address() string {
	return p.addr
}

func (p *Projector) send1(path string, args ...interface{}) {
	if p.addr == "" {
		return
	}
	_ = p.send.Send(p.addr, path, args...)
}

// ClientNew announces a new client row, keyed by id, initially labeled
// with its executable (spec §4.H: sent again via ClientNameKnown once
// the client's self-reported name is known).
func (p *Projector) ClientNew(id, executable string) {
	p.send1("/nsm/gui/client/new", id, executable)
}

// ClientNameKnown upgrades a previously-sent client row once the
// client has announced with its self-reported name.
func (p *Projector) ClientNameKnown(id, name string) {
	p.send1("/nsm/gui/client/new", id, name)
}

func (p *Projector) ClientStatus(id, status string) {
	p.send1("/nsm/gui/client/status", id, status)
}

func (p *Projector) ClientLabel(id, label string) {
	p.send1("/nsm/gui/client/label", id, label)
}

func (p *Projector) ClientDirty(id string, dirty bool) {
	v := int32(0)
	if dirty {
		v = 1
	}
	p.send1("/nsm/gui/client/dirty", id, v)
}

func (p *Projector) ClientProgress(id string, progress float32) {
	p.send1("/nsm/gui/client/progress", id, progress)
}

func (p *Projector) ClientGUIVisible(id string, visible bool) {
	v := int32(0)
	if visible {
		v = 1
	}
	p.send1("/nsm/gui/client/gui_visible", id, v)
}

func (p *Projector) ClientMessage(id string, priority int32, message string) {
	p.send1("/nsm/gui/client/message", id, priority, message)
}

func (p *Projector) ClientHasOptionalGUI(id string, has bool) {
	if !has {
		return
	}
	p.send1("/nsm/gui/client/has_optional_gui", id)
}

func (p *Projector) ClientSwitch(oldID, newID string) {
	p.send1("/nsm/gui/client/switch", oldID, newID)
}

func (p *Projector) ClientRemoved(id string) {
	p.send1("/nsm/gui/client/removed", id)
}

// SessionRoot / SessionName / Session project the top-level session
// transitions (spec §4.H).
func (p *Projector) SessionRoot(root string) {
	p.send1("/nsm/gui/session/root", root)
}

func (p *Projector) SessionName(name, relativePath string) {
	p.send1("/nsm/gui/session/name", name, relativePath)
}

func (p *Projector) SessionSession(name string) {
	p.send1("/nsm/gui/session/session", name)
}

// ServerMessage narrates daemon-level progress to the GUI (spec §7
// "the GUI receives an ongoing narration of state").
func (p *Projector) ServerMessage(message string) {
	p.send1("/nsm/gui/server/message", message)
}

// ClientRow is the minimal client view replayed to a GUI on attach.
type ClientRow struct {
	ID             string
	Name           string
	Executable     string
	Status         string
	Label          string
	Dirty          bool
	Progress       float32
	OptionalGUI    bool
	HasOptionalGUI bool
}

// ReplayClients pushes the current client table to a newly-attached
// GUI, so a late-arriving GUI ends up with a consistent view (spec §4.H
// "On attach, the projector replays the current client table").
func (p *Projector) ReplayClients(rows []ClientRow) {
	for _, r := range rows {
		p.ClientNameKnown(r.ID, r.Name)
		p.ClientStatus(r.ID, r.Status)
		if r.Label != "" {
			p.ClientLabel(r.ID, r.Label)
		}
		p.ClientDirty(r.ID, r.Dirty)
		p.ClientProgress(r.ID, r.Progress)
		p.ClientGUIVisible(r.ID, r.OptionalGUI)
		p.ClientHasOptionalGUI(r.ID, r.HasOptionalGUI)
	}
}

// ReplaySession pushes the current session name/relative-path, or two
// empty strings if no session is open (spec §4.H).
func (p *Projector) ReplaySession(name, relativePath string) {
	p.SessionName(name, relativePath)
}
