package orchestrator_test

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nsm66/nsm66d/internal/client"
	"github.com/nsm66/nsm66d/internal/gui"
	"github.com/nsm66/nsm66d/internal/nsmerr"
	"github.com/nsm66/nsm66d/internal/orchestrator"
	"github.com/nsm66/nsm66d/internal/session"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(addr, path string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, path)
	return nil
}

// fakeLauncher never actually forks. Spawn immediately marks the
// client active via the supplied machine, matching what a real
// announce would do once the wait loop pumps.
type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	alive   map[int]bool
	machine *client.Machine
}

func newFakeLauncher(m *client.Machine) *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, alive: make(map[int]bool), machine: m}
}

func (f *fakeLauncher) Spawn(executable string, args []string, extraEnv map[string]string) (int, error) {
	f.mu.Lock()
	f.nextPID++
	pid := f.nextPID
	f.alive[pid] = true
	f.mu.Unlock()
	return pid, nil
}

func (f *fakeLauncher) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		delete(f.alive, pid)
	}
	return nil
}

func (f *fakeLauncher) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *fakeSender) {
	t.Helper()
	root := t.TempDir()
	runtime := t.TempDir()

	store := client.NewStore()
	sender := &fakeSender{}
	proj := gui.NewProjector(sender)
	machine := client.NewMachine(store, sender, proj, 1)
	gen := client.NewGenerator(store, nil)
	launcher := newFakeLauncher(machine)

	o := &orchestrator.Orchestrator{
		SessionRoot: root,
		RuntimeDir:  runtime,
		OSCURL:      "osc.udp://127.0.0.1:9999/",
		Session:     &session.Session{},
		Store:       store,
		Gen:         gen,
		Machine:     machine,
		Proc:        launcher,
		GUI:         proj,
	}
	// The wait loops in these tests poll a set of records that never
	// self-announce (no real OSC transport), so bound Pump to instantly
	// mark launched records active/replied rather than spin for the full
	// 5s/60s timeouts.
	o.Pump = func(d time.Duration) {
		for _, r := range store.All() {
			if r.Status == client.StatusLaunch {
				r.Active = true
				r.Pending = client.PendingNone
			}
			switch r.Pending {
			case client.PendingQuit:
				if !launcher.Alive(r.PID) {
					r.Status = client.StatusStopped
				}
			case client.PendingNone, "":
				// nothing outstanding
			default:
				r.ClearPending()
			}
		}
	}
	return o, sender
}

func TestNewCreatesEmptySession(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if err := o.New("Song"); err != nil {
		t.Fatalf("New: %v", err)
	}
	if !o.Session.IsOpen() {
		t.Fatal("expected session to be open after New")
	}
	if _, err := os.Stat(filepath.Join(o.SessionRoot, "Song", "session.nsm")); err != nil {
		t.Errorf("expected manifest file: %v", err)
	}
}

func TestNewRejectsInvalidName(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	err := o.New("../evil")
	if err == nil || err.Code != nsmerr.CreateFailed {
		t.Fatalf("expected CreateFailed, got %v", err)
	}
}

func TestNewRejectsDuplicateName(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if err := o.New("Song"); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := o.New("Song"); err == nil {
		t.Fatal("expected error creating a session that already exists on disk")
	}
}

func TestOpenLaunchesManifestClients(t *testing.T) {
	o, sender := newTestOrchestrator(t)

	path := filepath.Join(o.SessionRoot, "Song")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	rows := []session.ManifestRow{{Name: "seq66", Exe: "qseq66", ID: "nAAAA"}}
	sess := &session.Session{Path: path}
	if err := session.WriteManifest(sess.ManifestPath(), rows); err != nil {
		t.Fatal(err)
	}
	o.GUI.Attach("127.0.0.1:8000")

	if err := o.Open("Song"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if o.Store.Len() != 1 {
		t.Fatalf("expected one launched client, got %d", o.Store.Len())
	}
	found := false
	for _, p := range sender.sent {
		if p == "/nsm/gui/session/name" {
			found = true
		}
	}
	if !found {
		t.Error("expected a session/name GUI push on open")
	}
}

func TestOpenRejectsLockedSession(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	path := filepath.Join(o.SessionRoot, "Song")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	sess := &session.Session{Path: path}
	if err := session.WriteManifest(sess.ManifestPath(), nil); err != nil {
		t.Fatal(err)
	}
	lockPath := session.LockPath(o.RuntimeDir, "Song", path)
	if err := session.WriteLock(lockPath, path, "osc.udp://127.0.0.1:1/"); err != nil {
		t.Fatal(err)
	}

	err := o.Open("Song")
	if err == nil || err.Code != nsmerr.SessionLocked {
		t.Fatalf("expected SessionLocked, got %v", err)
	}
}

func TestSaveWritesManifestAndClearsClients(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if err := o.New("Song"); err != nil {
		t.Fatal(err)
	}
	rec := &client.Record{ID: "nAAAA", Name: "seq66", Executable: "qseq66", Address: "127.0.0.1:9000", Active: true}
	o.Store.Add(rec)

	if err := o.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rows, err := session.ReadManifest(o.Session.ManifestPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Name != "seq66" {
		t.Errorf("unexpected manifest rows: %+v", rows)
	}
	if rec.Pending != client.PendingNone {
		t.Errorf("expected client's pending save cleared after Save, got %s", rec.Pending)
	}
}

func TestCloseQuitsClientsAndClearsSession(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if err := o.New("Song"); err != nil {
		t.Fatal(err)
	}
	pid, _ := o.Proc.(*fakeLauncher).Spawn("qseq66", nil, nil)
	rec := &client.Record{ID: "nAAAA", Name: "seq66", Executable: "qseq66", Address: "127.0.0.1:9000", Active: true, PID: pid}
	o.Store.Add(rec)
	lockPath := o.Session.LockPath

	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if o.Session.IsOpen() {
		t.Error("expected session to be closed")
	}
	if _, err := os.Stat(lockPath); err == nil {
		t.Error("expected lock file to be removed")
	}
}

func TestOperationPendingLatchRejectsConcurrentOps(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	// Simulate an in-flight operation: Close's wait loop pumps while the
	// client's save is pending, and the Pump hook tries a second operation
	// while Close still holds the latch.
	if err := o.New("Song"); err != nil {
		t.Fatal(err)
	}
	pid, _ := o.Proc.(*fakeLauncher).Spawn("qseq66", nil, nil)
	o.Store.Add(&client.Record{ID: "nAAAA", Name: "seq66", Executable: "qseq66", Address: "127.0.0.1:9000", Active: true, PID: pid})
	inner := o.Pump
	var nested *nsmerr.Error
	o.Pump = func(d time.Duration) {
		if nested == nil {
			nested = o.Save()
		}
		inner(d)
	}
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}
	if nested == nil || nested.Code != nsmerr.OperationPending {
		t.Errorf("expected OperationPending for an op started during Close, got %v", nested)
	}
	if o.PendingOp() != orchestrator.OpNone {
		t.Errorf("expected latch cleared after Close, got %s", o.PendingOp())
	}
}

func TestListSessionsFindsNestedSessions(t *testing.T) {
	root := t.TempDir()
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(os.MkdirAll(filepath.Join(root, "Band", "Song"), 0o755))
	must(os.WriteFile(filepath.Join(root, "Band", "Song", "session.nsm"), nil, 0o644))
	must(os.MkdirAll(filepath.Join(root, "Solo"), 0o755))
	must(os.WriteFile(filepath.Join(root, "Solo", "session.nsm"), nil, 0o644))

	found, err := orchestrator.ListSessions(root)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join("Band", "Song"), "Solo"}
	if len(found) != len(want) {
		t.Fatalf("got %v, want %v", found, want)
	}
	for i := range want {
		if found[i] != want[i] {
			t.Errorf("got %v, want %v", found, want)
		}
	}
}
