// Package patch implements the JACK-graph patch engine (spec §4.J):
// the snapshot text format, the live-registration ring buffer, and the
// reconnect policy that keeps a saved patch set in sync with the
// actual JACK graph.
package patch

import "strings"

// PortRef names one JACK port as "client:port". The client half may
// itself contain colons (spec §4.J: "Client name may itself contain
// colons; parsing must split on the *last* colon before the direction
// token"), so PortRef always stores the two halves separately rather
// than re-deriving the split from a single string.
type PortRef struct {
	Client string
	Port   string
}

// Full renders the port reference back to its "client:port" wire form.
func (p PortRef) Full() string {
	return p.Client + ":" + p.Port
}

func splitPortRef(s string) PortRef {
	return ParsePortRef(s)
}

// ParsePortRef splits a "client:port" wire string on its *last* colon,
// exported so callers building Patch values from a live port listing
// (rather than from a parsed snapshot line) split names the same way
// ParseLine does.
func ParsePortRef(s string) PortRef {
	s = strings.TrimSpace(s)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return PortRef{Client: s}
	}
	return PortRef{Client: s[:i], Port: s[i+1:]}
}

// Patch is one directed connection intent, source to destination.
// Bidirectional lines produce two Patches, one per direction.
type Patch struct {
	Src, Dst PortRef
	// Live is true once both endpoints are currently registered and the
	// connection attempt has succeeded (or already existed).
	Live bool
}

func (p *Patch) key() string { return p.Src.Full() + "|>" + p.Dst.Full() }

const (
	tokenForward = "|>"
	tokenReverse = "|<"
	tokenBoth    = "||"
)

// ParseLine parses one snapshot line into one or two Patches (spec
// §4.J "Parse"). Whitespace around each port string is trimmed.
func ParseLine(line string) ([]*Patch, bool) {
	for _, tok := range []string{tokenBoth, tokenForward, tokenReverse} {
		idx := strings.Index(line, " "+tok+" ")
		if idx < 0 {
			continue
		}
		left := splitPortRef(line[:idx])
		right := splitPortRef(line[idx+len(tok)+2:])
		switch tok {
		case tokenForward:
			return []*Patch{{Src: left, Dst: right}}, true
		case tokenReverse:
			return []*Patch{{Src: right, Dst: left}}, true
		case tokenBoth:
			return []*Patch{
				{Src: left, Dst: right},
				{Src: right, Dst: left},
			}, true
		}
	}
	return nil, false
}

// FormatLine renders p in the canonical "A:p |> B:q" form used by
// Snapshot; the reverse and bidirectional tokens are parse-only input
// conveniences, never emitted (spec §4.J "Snapshot").
func FormatLine(p *Patch) string {
	return p.Src.Full() + " " + tokenForward + " " + p.Dst.Full()
}
