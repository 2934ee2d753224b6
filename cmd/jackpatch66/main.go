// Package main is the entry point for jackpatch66, the JACK-graph
// patch engine daemon. Run without arguments it registers as an NSM
// client (using $NSM_URL, exported into its environment by nsm66d's
// process supervisor) and saves its snapshot on /nsm/client/save. Given
// a file argument it runs standalone, restoring and monitoring that
// snapshot outside of any session. --save loads the file's existing
// patches, merges in the live graph's connections, rewrites the file
// and exits, without opening a long-running monitor loop.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nsm66/nsm66d/internal/infra/jackport"
	"github.com/nsm66/nsm66d/internal/infra/oscnet"
	"github.com/nsm66/nsm66d/internal/patch"
	"github.com/nsm66/nsm66d/internal/version"
)

const clientName = "jackpatch66"

// pollInterval is how often standalone mode drains the ring buffer,
// matching the source's usleep(50000) polling loop.
const pollInterval = 50 * time.Millisecond

func main() {
	debug := flag.Bool("debug", false, "don't register with NSM; run standalone and log verbosely")
	verbose := flag.Bool("verbose", false, "show informational messages")
	save := flag.String("save", "", "save the current live graph to this file, then exit")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetInfo().String())
		return
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *verbose || *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ring := patch.NewRingBuffer(8192)
	jc, err := jackport.Open(clientName, ring)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open jack client")
	}
	defer jc.Close()

	engine := patch.NewEngine(jc, ring)

	if *save != "" {
		saveAndExit(jc, engine, *save)
		return
	}

	if flag.NArg() > 0 {
		runStandalone(jc, engine, flag.Arg(0))
		return
	}

	runAsNSMClient(jc, engine, *debug)
}

// syncLiveGraph walks every currently-live JACK connection and adds it
// to engine's working set, so a snapshot never drops a patch a user
// made at runtime that was never named in a loaded file (mirrors the
// source's snapshot(), used ahead of both --save and /nsm/client/save).
func syncLiveGraph(jc *jackport.Client, engine *patch.Engine) {
	for _, out := range jc.OutputPortNames() {
		for _, in := range jc.Connections(out) {
			p := &patch.Patch{Src: patch.ParsePortRef(out), Dst: patch.ParsePortRef(in)}
			p.Live = true
			engine.AddPatch(p)
		}
	}
}

// saveAndExit rebuilds the patch set from the live JACK graph, seeded
// with path's previous contents first so a client that is only
// temporarily absent (its ports not currently registered) is not
// dropped from the snapshot, matching the source's "To not discard
// temporarily missing clients we need to load the current ones from
// file first."
func saveAndExit(jc *jackport.Client, engine *patch.Engine, path string) {
	if err := engine.LoadSnapshot(path); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("failed to load existing patch file before saving")
	}
	syncLiveGraph(jc, engine)
	if err := engine.Snapshot(path); err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("failed to save snapshot")
	}
	log.Info().Str("file", path).Msg("saved current graph")
}

// runStandalone restores file and polls the ring buffer for live
// registration events without ever talking to an NSM server, for
// testing and debugging outside of a session.
func runStandalone(jc *jackport.Client, engine *patch.Engine, file string) {
	if err := engine.LoadSnapshot(file); err != nil {
		log.Fatal().Err(err).Str("file", file).Msg("failed to load patch file")
	}
	log.Info().Str("file", file).Msg("monitoring in standalone mode")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			finalSnapshot(jc, engine, file)
			return
		case <-ticker.C:
			engine.DrainEvents()
		}
	}
}

// runAsNSMClient announces to the daemon named by $NSM_URL and then
// waits for /nsm/client/open (to learn the patch file's project path)
// and /nsm/client/save (to trigger a snapshot), draining live port
// events on every wait slice in between.
func runAsNSMClient(jc *jackport.Client, engine *patch.Engine, debug bool) {
	nsmURL := os.Getenv("NSM_URL")
	if nsmURL == "" {
		log.Fatal().Msg("NSM_URL not set; run under nsm66d or pass a file argument for standalone mode")
	}

	transport, err := oscnet.Listen(0)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind osc transport")
	}
	defer transport.Close()

	nsmAddr, err := hostPortFromOSCURL(nsmURL)
	if err != nil {
		log.Fatal().Err(err).Str("nsm_url", nsmURL).Msg("malformed NSM_URL")
	}
	if err := transport.Send(nsmAddr, oscnet.Message{
		Path: "/nsm/server/announce",
		Args: []interface{}{clientName, ":switch:", clientName, version.APIMajor, version.APIMinor, os.Getpid()},
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to announce to nsm server")
	}

	var patchFile string
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			finalSnapshot(jc, engine, patchFile)
			return
		default:
		}

		msg, ok, err := transport.Wait(time.Second)
		if err != nil {
			log.Warn().Err(err).Msg("osc wait failed")
			continue
		}
		if !ok {
			engine.DrainEvents()
			continue
		}

		switch msg.Path {
		case "/reply":
			if debug {
				log.Debug().Interface("args", msg.Args).Msg("server reply")
			}
		case "/error":
			log.Warn().Interface("args", msg.Args).Msg("server rejected announce")
		case "/nsm/client/open":
			if len(msg.Args) < 1 {
				continue
			}
			projectPath, ok := msg.Args[0].(string)
			if !ok {
				continue
			}
			patchFile = projectPath
			if err := engine.LoadSnapshot(patchFile); err != nil {
				log.Warn().Err(err).Str("file", patchFile).Msg("failed to load patch file")
			}
			if err := transport.Send(msg.From, oscnet.Message{Path: "/reply", Args: []interface{}{"/nsm/client/open", "ready"}}); err != nil {
				log.Warn().Err(err).Msg("failed to reply to client open")
			}
		case "/nsm/client/save":
			if patchFile != "" {
				syncLiveGraph(jc, engine)
				if err := engine.Snapshot(patchFile); err != nil {
					log.Warn().Err(err).Str("file", patchFile).Msg("failed to save patch file")
				}
			}
			if err := transport.Send(msg.From, oscnet.Message{Path: "/reply", Args: []interface{}{"/nsm/client/save", "saved"}}); err != nil {
				log.Warn().Err(err).Msg("failed to reply to client save")
			}
		}
		engine.DrainEvents()
	}
}

// hostPortFromOSCURL strips the "osc.udp://" scheme and trailing slash
// from an NSM_URL-style address, matching oscnet.ValidateURL's own
// parsing so a client and the daemon agree on the wire form.
func hostPortFromOSCURL(rawURL string) (string, error) {
	const prefix = "osc.udp://"
	if len(rawURL) <= len(prefix) || rawURL[:len(prefix)] != prefix {
		return "", fmt.Errorf("osc url %q missing %q scheme", rawURL, prefix)
	}
	hostport := rawURL[len(prefix):]
	if len(hostport) > 0 && hostport[len(hostport)-1] == '/' {
		hostport = hostport[:len(hostport)-1]
	}
	return hostport, nil
}

// finalSnapshot writes out whatever patch file is currently known
// before exiting on a caught signal, so a normal shutdown never loses
// live connection state.
func finalSnapshot(jc *jackport.Client, engine *patch.Engine, file string) {
	if file == "" {
		return
	}
	syncLiveGraph(jc, engine)
	if err := engine.Snapshot(file); err != nil {
		log.Warn().Err(err).Str("file", file).Msg("failed to save snapshot on exit")
	}
}
