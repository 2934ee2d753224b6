package nsmd_test

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nsm66/nsm66d/internal/client"
	"github.com/nsm66/nsm66d/internal/gui"
	"github.com/nsm66/nsm66d/internal/infra/oscnet"
	"github.com/nsm66/nsm66d/internal/infra/procexec"
	"github.com/nsm66/nsm66d/internal/nsmd"
	"github.com/nsm66/nsm66d/internal/orchestrator"
	"github.com/nsm66/nsm66d/internal/oscdispatch"
	"github.com/nsm66/nsm66d/internal/session"
)

type fakeReaper struct {
	mu      sync.Mutex
	results []procexec.Result
	alive   map[int]bool
	nextPID int
}

func (f *fakeReaper) Drain() []procexec.Result {
	out := f.results
	f.results = nil
	return out
}

func (f *fakeReaper) Alive(pid int) bool { return f.alive[pid] }

func (f *fakeReaper) Stop() {}

func (f *fakeReaper) Spawn(executable string, args []string, extraEnv map[string]string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	pid := f.nextPID
	f.alive[pid] = true
	return pid, nil
}

func (f *fakeReaper) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		delete(f.alive, pid)
	}
	return nil
}

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

func newTestSupervisor(t *testing.T) (*nsmd.Supervisor, *fakeSender, *fakeReaper) {
	t.Helper()
	root := t.TempDir()
	transport, err := oscnet.Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { transport.Close() })

	sender := &fakeSender{}
	store := client.NewStore()
	proj := gui.NewProjector(sender)
	machine := client.NewMachine(store, sender, proj, 1)
	machine.Gen = client.NewGenerator(store, nil)
	reaper := &fakeReaper{alive: map[int]bool{}}

	orc := &orchestrator.Orchestrator{
		SessionRoot: root,
		RuntimeDir:  t.TempDir(),
		OSCURL:      transport.URL(),
		Session:     &session.Session{},
		Store:       store,
		Gen:         machine.Gen,
		Machine:     machine,
		Proc:        reaper,
		GUI:         proj,
	}

	dispatcher := &oscdispatch.Dispatcher{
		Send:        sender,
		Store:       store,
		Machine:     machine,
		Orc:         orc,
		GUI:         proj,
		Proc:        reaper,
		APIMajor:    1,
		APIMinor:    2,
		ServerName:  "Nsmd 66",
		ServerCaps:  ":server-control:broadcast:optional-gui:",
		SessionRoot: root,
	}

	s := nsmd.New(transport, reaper, store, machine, proj, orc, dispatcher, t.TempDir())
	return s, sender, reaper
}

func TestTickDispatchesIncomingOSCMessage(t *testing.T) {
	s, sender, _ := newTestSupervisor(t)

	cli, err := oscnet.Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer cli.Close()

	addr := "127.0.0.1:" + itoa(s.Transport.Port())
	if err := cli.Send(addr, oscnet.Message{Path: "/osc/ping"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	s.Tick(500 * time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0].path != "/reply" {
		t.Fatalf("expected a /reply to the ping, got %+v", sender.sent)
	}
}

func TestTickSetsQuitOnServerQuit(t *testing.T) {
	s, _, _ := newTestSupervisor(t)

	cli, err := oscnet.Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer cli.Close()

	addr := "127.0.0.1:" + itoa(s.Transport.Port())
	if err := cli.Send(addr, oscnet.Message{Path: "/nsm/server/quit"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	s.Tick(500 * time.Millisecond)
	if !s.QuitRequested() {
		t.Error("expected quit to be requested after /nsm/server/quit")
	}
}

func TestHandleProcResultMarksClientStopped(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	rec := &client.Record{ID: "nAAAA", Name: "seq66", PID: 4242, Active: true, Status: client.StatusOpen}
	s.Store.Add(rec)

	s.HandleProcResult(procexec.Result{PID: 4242, Outcome: procexec.OutcomeOther})

	if rec.Active {
		t.Error("expected record to be marked inactive")
	}
	if rec.Status != client.StatusStopped {
		t.Errorf("expected status stopped, got %s", rec.Status)
	}
}

func TestLivenessSweepPurgesVanishedClient(t *testing.T) {
	s, _, reaper := newTestSupervisor(t)
	rec := &client.Record{ID: "nBBBB", Name: "carla", PID: 5000, Active: true, Status: client.StatusReady}
	s.Store.Add(rec)
	reaper.alive[5000] = false

	s.LivenessSweep()

	if rec.Active || rec.PID != 0 {
		t.Errorf("expected vanished client to be purged, got %+v", rec)
	}
}

func TestLivenessSweepLeavesLiveClientAlone(t *testing.T) {
	s, _, reaper := newTestSupervisor(t)
	rec := &client.Record{ID: "nCCCC", Name: "qseq66", PID: 6000, Active: true, Status: client.StatusReady}
	s.Store.Add(rec)
	reaper.alive[6000] = true

	s.LivenessSweep()

	if !rec.Active || rec.PID != 6000 {
		t.Errorf("expected live client to be left alone, got %+v", rec)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
