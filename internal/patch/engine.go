package patch

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// PortGraph is the slice of the JACK client API the engine needs. It
// is satisfied in production by internal/infra/jackport's wrapper over
// github.com/xthexder/go-jack, and by a hand-written fake in tests, so
// this package never links against cgo/JACK directly.
type PortGraph interface {
	// PortExists reports whether the named port is currently registered.
	PortExists(name string) bool
	// Connected reports whether src is already connected to dst.
	Connected(src, dst string) bool
	// Connect attempts to wire src to dst. A nil error, or an error
	// wrapping os.ErrExist (the JACK EEXIST case), both count as success
	// per spec §4.J "Reconnect policy".
	Connect(src, dst string) error
}

// Engine holds the working set of patches (both currently-live and
// remembered-but-not-yet-live) and reconnects them as ports come and
// go, per spec §4.J "Reconnect policy": a patch is attempted only once
// both its endpoints are known to exist; JACK's EEXIST is treated as
// success; any other failure is logged, not retried on a timer, and
// the patch is left non-live until the next registration event nudges
// it again.
type Engine struct {
	Graph PortGraph
	Ring  *RingBuffer

	known   map[string]bool
	patches []*Patch
}

// NewEngine builds an Engine over graph, reading live events from ring.
func NewEngine(graph PortGraph, ring *RingBuffer) *Engine {
	return &Engine{Graph: graph, Ring: ring, known: map[string]bool{}}
}

// Patches returns the engine's current working set, in insertion order.
func (e *Engine) Patches() []*Patch { return e.patches }

// AddPatch registers a desired connection with the engine, attempting
// it immediately if both endpoints are already known.
func (e *Engine) AddPatch(p *Patch) {
	for _, existing := range e.patches {
		if existing.key() == p.key() {
			return
		}
	}
	e.patches = append(e.patches, p)
	e.attemptConnect(p)
}

// DrainEvents consumes every notification currently queued in Ring,
// updating the known-port set and retrying any patch whose endpoint
// just became known. This is the main loop's per-tick call (spec §5
// "the main loop drains by peek-then-read").
func (e *Engine) DrainEvents() {
	for _, n := range e.Ring.DrainAll() {
		if n.Registered {
			e.known[n.Name] = true
		} else {
			delete(e.known, n.Name)
			e.markUnlive(n.Name)
			continue
		}
		e.retryPatchesInvolving(n.Name)
	}
}

func (e *Engine) markUnlive(portName string) {
	for _, p := range e.patches {
		if p.Src.Full() == portName || p.Dst.Full() == portName {
			p.Live = false
		}
	}
}

func (e *Engine) retryPatchesInvolving(portName string) {
	for _, p := range e.patches {
		if !p.Live && (p.Src.Full() == portName || p.Dst.Full() == portName) {
			e.attemptConnect(p)
		}
	}
}

// bothEndpointsKnown asks the graph directly rather than trusting e.known
// alone; e.known only decides when a retry is worth attempting.
func (e *Engine) bothEndpointsKnown(p *Patch) bool {
	return e.Graph.PortExists(p.Src.Full()) && e.Graph.PortExists(p.Dst.Full())
}

func (e *Engine) attemptConnect(p *Patch) {
	if !e.bothEndpointsKnown(p) {
		return
	}
	if e.Graph.Connected(p.Src.Full(), p.Dst.Full()) {
		p.Live = true
		return
	}
	err := e.Graph.Connect(p.Src.Full(), p.Dst.Full())
	if err == nil || errors.Is(err, os.ErrExist) {
		p.Live = true
		return
	}
	p.Live = false
	log.Warn().Str("src", p.Src.Full()).Str("dst", p.Dst.Full()).Err(err).Msg("patch connect failed")
}

// Snapshot writes the engine's current patch set to path, one line per
// patch, sorted for a stable diff (spec §4.J "Snapshot": "the file is
// rewritten in full, sorted, on every save; patches that are not
// currently live are preserved, not dropped").
func (e *Engine) Snapshot(path string) error {
	lines := make([]string, 0, len(e.patches))
	for _, p := range e.patches {
		lines = append(lines, FormatLine(p))
	}
	sort.Strings(lines)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create patch snapshot %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("write patch snapshot %s: %w", path, err)
		}
	}
	return w.Flush()
}

// LoadSnapshot reads a previously written snapshot and adds each
// parsed patch to the engine's working set, attempting a connection
// immediately for any whose endpoints already exist.
func (e *Engine) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open patch snapshot %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		patches, ok := ParseLine(line)
		if !ok {
			log.Warn().Str("line", line).Msg("skipping unparseable patch snapshot line")
			continue
		}
		for _, p := range patches {
			e.AddPatch(p)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read patch snapshot %s: %w", path, err)
	}
	return nil
}
