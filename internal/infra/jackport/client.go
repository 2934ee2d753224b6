// Package jackport wraps github.com/xthexder/go-jack behind the
// patch.PortGraph interface (spec §4.J), and pushes the JACK client's
// port-registration callback into a shared ring buffer instead of
// touching the patch engine's maps from the callback thread.
package jackport

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	jack "github.com/xthexder/go-jack"

	"github.com/nsm66/nsm66d/internal/patch"
)

// Client is a JACK client opened purely to observe and rewire the port
// graph; it registers no audio or MIDI ports of its own.
type Client struct {
	jc   *jack.Client
	Ring *patch.RingBuffer
}

// Open opens a JACK client named clientName and wires its port
// registration callback to push into ring. The caller is responsible
// for calling Close when done.
func Open(clientName string, ring *patch.RingBuffer) (*Client, error) {
	jc, status := jack.ClientOpen(clientName, jack.NoStartServer)
	if status != 0 && jc == nil {
		return nil, fmt.Errorf("open jack client %s: status %d", clientName, status)
	}

	c := &Client{jc: jc, Ring: ring}
	if code := jc.SetPortRegistrationCallback(c.onPortRegistration); code != 0 {
		jc.Close()
		return nil, fmt.Errorf("set jack port registration callback: code %d", code)
	}
	if code := jc.Activate(); code != 0 {
		jc.Close()
		return nil, fmt.Errorf("activate jack client: code %d", code)
	}
	return c, nil
}

// onPortRegistration runs on a JACK notification thread. It must stay
// cheap and non-blocking: look the port up by id, format its name, and
// push a fixed-shape record into the ring buffer. Any reconnect logic
// belongs to patch.Engine, drained later from the main loop.
func (c *Client) onPortRegistration(portID jack.PortId, registered bool) {
	port := c.jc.GetPortById(portID)
	if port == nil {
		return
	}
	name := port.GetName()
	if !c.Ring.Push(name, registered) {
		log.Warn().Str("port", name).Msg("patch ring buffer full, dropping registration event")
	}
}

// Close deactivates and closes the underlying JACK client.
func (c *Client) Close() {
	c.jc.Close()
}

// PortExists reports whether name ("client:port") currently exists in
// the graph.
func (c *Client) PortExists(name string) bool {
	return c.jc.GetPortByName(name) != nil
}

// Connected reports whether src is already connected to dst.
func (c *Client) Connected(src, dst string) bool {
	srcPort := c.jc.GetPortByName(src)
	if srcPort == nil {
		return false
	}
	for _, conn := range c.jc.PortGetAllConnections(srcPort) {
		if conn == dst {
			return true
		}
	}
	return false
}

// Connections lists every port currently connected to the named output
// port. jackpatch66's live-graph sync enumerates every output port, then
// its connections, and merges them into the loaded patch set before each
// snapshot write.
func (c *Client) Connections(port string) []string {
	p := c.jc.GetPortByName(port)
	if p == nil {
		return nil
	}
	return c.jc.PortGetAllConnections(p)
}

// Connect wires src to dst. A JACK EEXIST is surfaced as an
// os.ErrExist-wrapping error so patch.Engine's EEXIST-as-success check
// (via errors.Is/os.IsExist) treats it the same as a fresh connection.
func (c *Client) Connect(src, dst string) error {
	code := c.jc.Connect(src, dst)
	if code == 0 {
		return nil
	}
	if isEEXIST(code) {
		return fmt.Errorf("connect %s -> %s: %w", src, dst, os.ErrExist)
	}
	return fmt.Errorf("connect %s -> %s: jack error code %d", src, dst, code)
}

// isEEXIST maps the subset of go-jack's connect status codes that
// correspond to "already connected" onto os.ErrExist. go-jack surfaces
// jack_connect's EEXIST as a plain nonzero status code with no errno,
// so this matches on the library's own JackConnectionExists constant
// rather than trying to recover an errno that was never propagated.
func isEEXIST(code int) bool {
	return code == int(jack.ConnectionExists)
}

// OutputPortNames lists every currently registered output port,
// grounding patch.Engine's ability to enumerate the graph for tooling
// (e.g. an eventual `jackpatch66 list` verb) beyond reacting to events.
func (c *Client) OutputPortNames() []string {
	names := c.jc.GetPorts("", "", jack.PortIsOutput)
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !strings.Contains(n, ":") {
			continue
		}
		out = append(out, n)
	}
	return out
}
