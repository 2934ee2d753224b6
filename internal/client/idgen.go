package client

import (
	"crypto/rand"
	"fmt"
)

// History is consulted, in addition to the live Store, when generating
// an ID for a client being loaded into a session that is being opened
// rather than created new. See SPEC_FULL.md 4.A′ (Open Question 1).
type History interface {
	// Seen reports whether id was ever issued for sessionRoot.
	Seen(sessionRoot, id string) (bool, error)
	// Record persists that id has now been issued for sessionRoot.
	Record(sessionRoot, id string) error
}

// Generator produces IDs of the form n[A-Z]{4}, guaranteed unique
// against the live Store and, when History is set, against every ID
// previously issued for a given session root.
type Generator struct {
	store   *Store
	history History
}

// NewGenerator builds a generator backed by store. history may be nil,
// in which case the collision check is limited to the live record set
// (spec §4.A's stated, undefended behavior).
func NewGenerator(store *Store, history History) *Generator {
	return &Generator{store: store, history: history}
}

const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// New returns a fresh, unused client ID for sessionRoot. sessionRoot
// may be empty when there is no History to consult (e.g. a `new`
// session, per SPEC_FULL.md 4.A′, only extends the check for `open`).
func (g *Generator) New(sessionRoot string) (string, error) {
	for attempt := 0; attempt < 100000; attempt++ {
		id, err := randomID()
		if err != nil {
			return "", err
		}
		if g.store.HasID(id) {
			continue
		}
		if g.history != nil && sessionRoot != "" {
			seen, err := g.history.Seen(sessionRoot, id)
			if err != nil {
				return "", fmt.Errorf("check id history: %w", err)
			}
			if seen {
				continue
			}
		}
		if g.history != nil && sessionRoot != "" {
			if err := g.history.Record(sessionRoot, id); err != nil {
				return "", fmt.Errorf("record id history: %w", err)
			}
		}
		return id, nil
	}
	// 26^4 exhaustion is not handled defensively; documented per spec §4.A.
	return "", fmt.Errorf("id space exhausted for session %q", sessionRoot)
}

func randomID() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, 5)
	out[0] = 'n'
	for i, b := range buf {
		out[i+1] = letters[int(b)%len(letters)]
	}
	return string(out), nil
}
