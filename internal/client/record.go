// Package client holds the per-client record, the ID generator, the
// ordered record store, and the client lifecycle state machine.
package client

import (
	"strings"
	"time"
)

// PendingCommand is the outstanding request a client is expected to
// reply to. At most one is outstanding per client at a time.
type PendingCommand string

const (
	PendingNone      PendingCommand = "none"
	PendingStart     PendingCommand = "start"
	PendingOpen      PendingCommand = "open"
	PendingSave      PendingCommand = "save"
	PendingQuit      PendingCommand = "quit"
	PendingKill      PendingCommand = "kill"
	PendingDuplicate PendingCommand = "duplicate"
	PendingNew       PendingCommand = "new"
	PendingClose     PendingCommand = "close"
)

// Status is the record's observable lifecycle state.
type Status string

const (
	StatusLaunch  Status = "launch"
	StatusOpen    Status = "open"
	StatusReady   Status = "ready"
	StatusSave    Status = "save"
	StatusSwitch  Status = "switch"
	StatusStopped Status = "stopped"
	StatusQuit    Status = "quit"
	StatusRemoved Status = "removed"
	StatusError   Status = "error"
	StatusNoop    Status = "noop"
)

// Record is one managed client. See spec §3 "Client record".
type Record struct {
	ID           string // "n" + 4 uppercase letters
	Name         string // reported name, upgraded at announce
	Executable   string
	PID          int
	Capabilities string // colon-delimited, e.g. ":switch:optional-gui:"
	Address      string // host:port of the client's OSC reply address; "" until announce

	LastErrorCode int32
	LastErrorMsg  string

	Pending        PendingCommand
	PendingSince   time.Time
	Status         Status
	Dirty          bool
	Progress       float32
	OptionalGUIVis bool
	Label          string

	Active      bool // true once announce has been accepted
	PreExisting bool // true while a switch-based load reuses this record
	LaunchError bool
}

// IsDumb reports whether this is a dumb client: one that never speaks
// the client protocol. Capabilities is empty for such clients.
func (r *Record) IsDumb() bool {
	return r.Capabilities == ""
}

// HasCapability reports whether cap (without colons, e.g. "switch")
// is present in the client's advertised capability set.
func (r *Record) HasCapability(cap string) bool {
	needle := ":" + cap + ":"
	caps := r.Capabilities
	if caps == "" {
		return false
	}
	if caps[0] != ':' {
		caps = ":" + caps
	}
	if caps[len(caps)-1] != ':' {
		caps = caps + ":"
	}
	return strings.Contains(caps, needle)
}

// FullID returns "name.id", the identifier sent to clients in
// /nsm/client/open.
func (r *Record) FullID() string {
	return r.Name + "." + r.ID
}

// SetPending marks cmd outstanding and stamps the issue time. Clearing
// (PendingNone) does not stamp a new time.
func (r *Record) SetPending(cmd PendingCommand, now time.Time) {
	r.Pending = cmd
	if cmd != PendingNone {
		r.PendingSince = now
	}
}

// ClearPending clears the outstanding command and marks the record ready.
func (r *Record) ClearPending() {
	r.Pending = PendingNone
	r.Status = StatusReady
}
