package oscdispatch_test

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/nsm66/nsm66d/internal/client"
	"github.com/nsm66/nsm66d/internal/gui"
	"github.com/nsm66/nsm66d/internal/orchestrator"
	"github.com/nsm66/nsm66d/internal/oscdispatch"
	"github.com/nsm66/nsm66d/internal/session"
)

type recorded struct {
	addr string
	path string
	args []interface{}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []recorded
}

func (f *fakeSender) Send(addr, path string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recorded{addr: addr, path: path, args: args})
	return nil
}

func (f *fakeSender) to(addr string) []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recorded
	for _, r := range f.sent {
		if r.addr == addr {
			out = append(out, r)
		}
	}
	return out
}

type fakeLauncher struct {
	nextPID int
	alive   map[int]bool
}

func newFakeLauncher() *fakeLauncher { return &fakeLauncher{nextPID: 2000, alive: map[int]bool{}} }

func (f *fakeLauncher) Spawn(executable string, args []string, extraEnv map[string]string) (int, error) {
	f.nextPID++
	f.alive[f.nextPID] = true
	return f.nextPID, nil
}

func (f *fakeLauncher) Signal(pid int, sig syscall.Signal) error {
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		delete(f.alive, pid)
	}
	return nil
}

func (f *fakeLauncher) Alive(pid int) bool { return f.alive[pid] }

func newTestDispatcher(t *testing.T) (*oscdispatch.Dispatcher, *fakeSender) {
	t.Helper()
	root := t.TempDir()
	sender := &fakeSender{}
	store := client.NewStore()
	proj := gui.NewProjector(sender)
	machine := client.NewMachine(store, sender, proj, 1)
	gen := client.NewGenerator(store, nil)
	machine.Gen = gen
	launcher := newFakeLauncher()

	orc := &orchestrator.Orchestrator{
		SessionRoot: root,
		RuntimeDir:  t.TempDir(),
		OSCURL:      "osc.udp://127.0.0.1:9999/",
		Session:     &session.Session{},
		Store:       store,
		Gen:         gen,
		Machine:     machine,
		Proc:        launcher,
		GUI:         proj,
	}

	d := &oscdispatch.Dispatcher{
		Send:        sender,
		Store:       store,
		Machine:     machine,
		Orc:         orc,
		GUI:         proj,
		Proc:        launcher,
		APIMajor:    1,
		APIMinor:    2,
		ServerName:  "Nsmd 66",
		ServerCaps:  ":server-control:broadcast:optional-gui:",
		SessionRoot: root,
	}
	return d, sender
}

func TestDispatchAnnounceSendsAckThenOpen(t *testing.T) {
	d, sender := newTestDispatcher(t)
	if err := d.Orc.New("Song"); err != nil {
		t.Fatalf("New: %v", err)
	}

	d.Dispatch(oscdispatch.Message{
		Path: "/nsm/server/announce",
		From: "127.0.0.1:9000",
		Args: []interface{}{"seq66", ":switch:", "qseq66", int32(1), int32(2), int32(4242)},
	})

	got := sender.to("127.0.0.1:9000")
	if len(got) != 2 {
		t.Fatalf("expected 2 messages (ack + open), got %d: %+v", len(got), got)
	}
	if got[0].path != "/reply" || got[0].args[0] != "/nsm/server/announce" {
		t.Errorf("unexpected first message: %+v", got[0])
	}
	if got[1].path != "/nsm/client/open" {
		t.Errorf("unexpected second message: %+v", got[1])
	}
}

func TestDispatchAnnounceIncompatibleAPISendsError(t *testing.T) {
	d, sender := newTestDispatcher(t)
	d.Dispatch(oscdispatch.Message{
		Path: "/nsm/server/announce",
		From: "127.0.0.1:9001",
		Args: []interface{}{"seq66", "", "qseq66", int32(2), int32(0), int32(1)},
	})
	got := sender.to("127.0.0.1:9001")
	if len(got) != 1 || got[0].path != "/error" {
		t.Fatalf("expected one /error message, got %+v", got)
	}
}

func TestDispatchUnknownPathIsSilentlyAcked(t *testing.T) {
	d, sender := newTestDispatcher(t)
	d.Dispatch(oscdispatch.Message{Path: "/nsm/nonexistent", From: "127.0.0.1:9002"})
	if len(sender.to("127.0.0.1:9002")) != 0 {
		t.Error("unknown path should produce no reply, only a log line")
	}
}

func TestDispatchPingEchoesPath(t *testing.T) {
	d, sender := newTestDispatcher(t)
	d.Dispatch(oscdispatch.Message{Path: "/osc/ping", From: "127.0.0.1:9003"})
	got := sender.to("127.0.0.1:9003")
	if len(got) != 1 || got[0].path != "/reply" || got[0].args[0] != "/osc/ping" {
		t.Fatalf("unexpected ping reply: %+v", got)
	}
}

func TestDispatchServerListWalksSessionRoot(t *testing.T) {
	d, sender := newTestDispatcher(t)
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(os.MkdirAll(filepath.Join(d.SessionRoot, "A"), 0o755))
	must(os.WriteFile(filepath.Join(d.SessionRoot, "A", "session.nsm"), nil, 0o644))
	must(os.MkdirAll(filepath.Join(d.SessionRoot, "B", "C"), 0o755))
	must(os.WriteFile(filepath.Join(d.SessionRoot, "B", "C", "session.nsm"), nil, 0o644))

	d.Dispatch(oscdispatch.Message{Path: "/nsm/server/list", From: "127.0.0.1:9004"})
	got := sender.to("127.0.0.1:9004")
	if len(got) != 3 {
		t.Fatalf("expected A, B/C, and terminator, got %+v", got)
	}
	if got[len(got)-1].args[1] != "" {
		t.Errorf("expected empty-string terminator, got %+v", got[len(got)-1])
	}
}

func TestBroadcastFiltersNsmPrefixedTargets(t *testing.T) {
	d, sender := newTestDispatcher(t)
	d.Store.Add(&client.Record{ID: "nAAAA", Name: "seq66", Address: "127.0.0.1:9100"})
	d.Store.Add(&client.Record{ID: "nBBBB", Name: "carla", Address: "127.0.0.1:9200"})

	d.Dispatch(oscdispatch.Message{
		Path: "/nsm/server/broadcast",
		From: "127.0.0.1:9100",
		Args: []interface{}{"/nsm/server/quit"},
	})
	if len(sender.to("127.0.0.1:9200")) != 0 {
		t.Error("expected /nsm/-prefixed broadcast target to be dropped")
	}
}

func TestBroadcastRelaysToOtherClientsNotOriginator(t *testing.T) {
	d, sender := newTestDispatcher(t)
	d.Store.Add(&client.Record{ID: "nAAAA", Name: "seq66", Address: "127.0.0.1:9100"})
	d.Store.Add(&client.Record{ID: "nBBBB", Name: "carla", Address: "127.0.0.1:9200"})

	d.Dispatch(oscdispatch.Message{
		Path: "/nsm/server/broadcast",
		From: "127.0.0.1:9100",
		Args: []interface{}{"/foo/bar", "hello", int32(3), float32(1.5)},
	})
	got := sender.to("127.0.0.1:9200")
	if len(got) != 1 || got[0].path != "/foo/bar" {
		t.Fatalf("expected relay to the non-originating client, got %+v", got)
	}
	if len(sender.to("127.0.0.1:9100")) != 0 {
		t.Error("originator must not receive its own broadcast back")
	}
}

func TestGUIStopThenResumeRelaunches(t *testing.T) {
	d, _ := newTestDispatcher(t)
	rec := &client.Record{ID: "nAAAA", Name: "seq66", Executable: "qseq66", PID: 5000, Active: true}
	d.Store.Add(rec)

	d.Dispatch(oscdispatch.Message{Path: "/nsm/gui/client/stop", Args: []interface{}{"nAAAA"}})
	if rec.Pending != client.PendingKill {
		t.Errorf("expected pending=kill after gui stop, got %s", rec.Pending)
	}

	rec.Status = client.StatusStopped
	d.Dispatch(oscdispatch.Message{Path: "/nsm/gui/client/resume", Args: []interface{}{"nAAAA"}})
	if rec.Status != client.StatusLaunch || rec.PID == 5000 {
		t.Errorf("expected resume to relaunch with a fresh pid, got %+v", rec)
	}
}

func TestGUIRemoveDeletesRecord(t *testing.T) {
	d, _ := newTestDispatcher(t)
	rec := &client.Record{ID: "nAAAA", Name: "seq66"}
	d.Store.Add(rec)

	d.Dispatch(oscdispatch.Message{Path: "/nsm/gui/client/remove", Args: []interface{}{"nAAAA"}})
	if d.Store.ByID("nAAAA") != nil {
		t.Error("expected record to be removed from the store")
	}
}
