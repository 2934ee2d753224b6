// Package oscnet wraps github.com/hypebeast/go-osc, the concrete
// OSC/UDP transport standing behind the "OSC transport library"
// treated as an external collaborator: a thin, reconnection- and
// error-normalizing shim so the rest of the daemon never imports the
// third-party package directly.
package oscnet

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// Message is the daemon-internal representation of a received or
// outgoing OSC message. It exists so every other package compares
// source identity by serialized address (spec §9 "typed OSC source
// identity") instead of holding onto library types or raw pointers.
type Message struct {
	Path string
	Args []interface{}
	// From is the host:port the message arrived from ("" for outgoing).
	From string
}

// TypeTag returns the OSC type-signature string for m's argument list
// (e.g. "sssiii"), used by the dispatcher's (path, type-signature) table.
func (m Message) TypeTag() string {
	tags := make([]byte, 0, len(m.Args))
	for _, a := range m.Args {
		switch a.(type) {
		case string:
			tags = append(tags, 's')
		case int32, int:
			tags = append(tags, 'i')
		case float32:
			tags = append(tags, 'f')
		default:
			tags = append(tags, '?')
		}
	}
	return string(tags)
}

// Transport is a UDP OSC endpoint: it receives datagrams on a local
// port and can send messages to arbitrary host:port destinations. The
// event loop drains it with Wait, never blocking longer than the
// supplied timeout (spec §5 "OSC transport's wait for up to 1000ms").
type Transport struct {
	conn *net.UDPConn
	addr *net.UDPAddr

	mu      sync.Mutex
	clients map[string]*osc.Client // destination host:port -> reusable client
}

// Listen opens a UDP socket on port (0 for system-assigned) and
// returns a ready-to-use Transport.
func Listen(port int) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("resolve osc listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen osc udp: %w", err)
	}
	return &Transport{
		conn:    conn,
		addr:    conn.LocalAddr().(*net.UDPAddr),
		clients: make(map[string]*osc.Client),
	}, nil
}

// Close releases the UDP socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// Port returns the bound local UDP port.
func (t *Transport) Port() int {
	return t.addr.Port
}

// URL returns this transport's OSC URL, exported to children as
// NSM_URL and written into lock/daemon files (spec §4.B, §6).
func (t *Transport) URL() string {
	host := t.addr.IP.String()
	if host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("osc.udp://%s/", net.JoinHostPort(host, strconv.Itoa(t.addr.Port)))
}

// Wait blocks for up to timeout waiting for one datagram, decodes it,
// and returns the resulting Message. It returns (Message{}, false, nil)
// on timeout, which the event loop treats as "nothing to dispatch".
func (t *Transport) Wait(timeout time.Duration) (Message, bool, error) {
	buf := make([]byte, 65536)
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Message{}, false, fmt.Errorf("set osc read deadline: %w", err)
	}
	n, from, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("read osc datagram: %w", err)
	}

	pkt, err := osc.ParsePacket(string(buf[:n]))
	if err != nil {
		return Message{}, false, fmt.Errorf("parse osc packet: %w", err)
	}
	msg, ok := pkt.(*osc.Message)
	if !ok {
		return Message{}, false, fmt.Errorf("unsupported osc packet type (bundles not handled)")
	}

	return Message{
		Path: msg.Address,
		Args: msg.Arguments,
		From: from.String(),
	}, true, nil
}

// Send delivers msg to the host:port destination addr.
func (t *Transport) Send(addr string, msg Message) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid osc destination %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid osc port in %q: %w", addr, err)
	}

	client := t.clientFor(addr, host, port)
	out := osc.NewMessage(msg.Path)
	for _, a := range msg.Args {
		out.Append(a)
	}
	if err := client.Send(out); err != nil {
		return fmt.Errorf("send osc message %s to %s: %w", msg.Path, addr, err)
	}
	return nil
}

func (t *Transport) clientFor(key, host string, port int) *osc.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[key]; ok {
		return c
	}
	c := osc.NewClient(host, port)
	t.clients[key] = c
	return c
}

// ValidateURL checks that url round-trips through net.SplitHostPort
// with a non-empty host and a numeric port before it is written into a
// lock or daemon file, matching the
// original's liblo well-formedness check (SPEC_FULL.md supplemented
// feature 4).
func ValidateURL(rawURL string) error {
	// osc.udp://host:port/
	const prefix = "osc.udp://"
	if len(rawURL) <= len(prefix) || rawURL[:len(prefix)] != prefix {
		return fmt.Errorf("osc url %q missing %q scheme", rawURL, prefix)
	}
	hostport := rawURL[len(prefix):]
	if len(hostport) > 0 && hostport[len(hostport)-1] == '/' {
		hostport = hostport[:len(hostport)-1]
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return fmt.Errorf("osc url %q has invalid host:port: %w", rawURL, err)
	}
	if host == "" {
		return fmt.Errorf("osc url %q has an empty host", rawURL)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("osc url %q has a non-numeric port %q", rawURL, port)
	}
	return nil
}
