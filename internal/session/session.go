// Package session models the Session entity (spec §3), its lock and
// daemon-file registry (§4.B), and its manifest I/O (§4.C). The
// open/new/duplicate/save/close flows (§4.I) live in internal/orchestrator.
package session

import "path/filepath"

// Session describes the currently open session, if any. A Session
// exists iff Path is non-empty; at most one is open at a time (owned
// by the caller, typically orchestrator.Orchestrator).
type Session struct {
	Path     string // absolute path rooted at the session root
	LockPath string
}

// Name returns the session's simple name, the final path component.
func (s *Session) Name() string {
	if s == nil || s.Path == "" {
		return ""
	}
	return filepath.Base(s.Path)
}

// ManifestPath returns <path>/session.nsm.
func (s *Session) ManifestPath() string {
	return filepath.Join(s.Path, "session.nsm")
}

// ClientProjectPath returns the per-client project directory
// <session>/<name>.<id>, used as the client's working directory and as
// the path argument of /nsm/client/open.
func (s *Session) ClientProjectPath(name, id string) string {
	return filepath.Join(s.Path, name+"."+id)
}

// IsOpen reports whether a session is currently open.
func (s *Session) IsOpen() bool {
	return s != nil && s.Path != ""
}

// RelativeTo returns path relative to root, matching the format used
// by /nsm/server/list replies (spec §4.G).
func RelativeTo(root, path string) (string, error) {
	return filepath.Rel(root, path)
}

// InvalidName reports whether name is unsafe as a session name: any
// occurrence of ".." is rejected (spec §4.I `new`).
func InvalidName(name string) bool {
	for i := 0; i+1 < len(name); i++ {
		if name[i] == '.' && name[i+1] == '.' {
			return true
		}
	}
	return name == ""
}
