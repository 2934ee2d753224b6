// Package main is the entry point for nsm66d, the session daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nsm66/nsm66d/internal/client"
	"github.com/nsm66/nsm66d/internal/gui"
	"github.com/nsm66/nsm66d/internal/infra/idhistory"
	"github.com/nsm66/nsm66d/internal/infra/oscnet"
	"github.com/nsm66/nsm66d/internal/infra/procexec"
	"github.com/nsm66/nsm66d/internal/nsmd"
	"github.com/nsm66/nsm66d/internal/orchestrator"
	"github.com/nsm66/nsm66d/internal/oscdispatch"
	"github.com/nsm66/nsm66d/internal/session"
	"github.com/nsm66/nsm66d/internal/version"
)

func main() {
	oscPort := flag.Int("osc-port", 0, "bind to a fixed UDP port (default: system-assigned)")
	sessionRoot := flag.String("session-root", "", "override the session root directory")
	loadSession := flag.String("load-session", "", "immediately load the named session")
	guiURL := flag.String("gui-url", "", "attach to a running GUI at this OSC URL")
	detach := flag.Bool("detach", false, "daemonize after initialization")
	quiet := flag.Bool("quiet", false, "suppress informational messages")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetInfo().String())
		return
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *quiet {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := resolveSessionRoot(*sessionRoot)
	runtimeDir := resolveRuntimeDir()
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", runtimeDir).Msg("failed to create runtime directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", root).Msg("failed to create session root")
	}

	if *detach {
		daemonize()
	}

	versionInfo := version.GetInfo()
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Msgf("  %s", versionInfo.String())
	log.Info().Msg("  Non/New Session Manager compatible daemon")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().
		Str("session_root", root).
		Str("runtime_dir", runtimeDir).
		Int("osc_port", *oscPort).
		Bool("detach", *detach).
		Msg("configuration")

	transport, err := oscnet.Listen(*oscPort)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind osc transport")
	}
	defer transport.Close()
	if err := oscnet.ValidateURL(transport.URL()); err != nil {
		log.Fatal().Err(err).Msg("daemon computed an invalid osc url")
	}

	history, err := idhistory.Open(filepath.Join(runtimeDir, idhistory.DefaultPath))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open id history database")
	}
	defer history.Close()

	sender := nsmd.Sender(transport)
	store := client.NewStore()
	gen := client.NewGenerator(store, history)
	proj := gui.NewProjector(sender)
	if *guiURL != "" {
		proj.Attach(*guiURL)
	}
	machine := client.NewMachine(store, sender, proj, version.APIMajor)
	machine.Gen = gen
	proc := procexec.New(transport.URL())

	orc := &orchestrator.Orchestrator{
		SessionRoot: root,
		RuntimeDir:  runtimeDir,
		OSCURL:      transport.URL(),
		Session:     &session.Session{},
		Store:       store,
		Gen:         gen,
		Machine:     machine,
		Proc:        proc,
		GUI:         proj,
	}

	dispatcher := &oscdispatch.Dispatcher{
		Send:        sender,
		Store:       store,
		Machine:     machine,
		Orc:         orc,
		GUI:         proj,
		Proc:        proc,
		APIMajor:    version.APIMajor,
		APIMinor:    version.APIMinor,
		ServerName:  "Nsmd 66",
		ServerCaps:  ":server-control:broadcast:optional-gui:",
		SessionRoot: root,
	}

	sup := nsmd.New(transport, proc, store, machine, proj, orc, dispatcher, runtimeDir)

	if err := session.WriteDaemonFile(runtimeDir, sup.PID, transport.URL()); err != nil {
		log.Warn().Err(&nsmd.PIDFileError{Path: runtimeDir, Err: err}).Msg("continuing without a daemon-file advertisement")
	}

	if *loadSession != "" {
		if e := orc.Open(*loadSession); e != nil {
			log.Fatal().Str("code", e.Code.String()).Msg("failed to load requested session")
		}
	}

	log.Info().Str("url", transport.URL()).Msg("osc transport ready")
	os.Exit(sup.Run())
}

// resolveSessionRoot honors --session-root, then $XDG_DATA_HOME/nsm,
// then ~/.local/share/nsm (spec "Filesystem layout").
func resolveSessionRoot(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "nsm")
	}
	return filepath.Join(homeDir(), ".local", "share", "nsm")
}

// resolveRuntimeDir honors $XDG_RUNTIME_DIR/nsm, falling back to a
// per-user directory under /tmp when unset (spec "Filesystem layout").
func resolveRuntimeDir() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "nsm")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("nsm-%d", os.Getuid()))
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	return "."
}

// daemonize re-execs the current process detached from its controlling
// terminal, mirroring the source's fork-then-parent-exits daemonize
// step. The child inherits a fresh session via Setsid so a later
// terminal hangup does not reach it; the original process reports the
// child's pid and exits 0.
func daemonize() {
	if os.Getenv("NSM66D_DETACHED") == "1" {
		return
	}
	exe, err := os.Executable()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve executable path for --detach")
	}

	attr := &os.ProcAttr{
		Env:   append(os.Environ(), "NSM66D_DETACHED=1"),
		Files: []*os.File{nil, nil, nil},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
	proc, err := os.StartProcess(exe, os.Args, attr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to daemonize")
	}
	log.Info().Int("pid", proc.Pid).Msg("daemonized")
	os.Exit(0)
}
