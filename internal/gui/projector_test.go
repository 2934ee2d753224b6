package gui_test

import (
	"testing"

	"github.com/nsm66/nsm66d/internal/gui"
)

type fakeSender struct {
	sent []sent
}

type sent struct {
	addr string
	path string
	args []interface{}
}

func (f *fakeSender) Send(addr, path string, args ...interface{}) error {
	f.sent = append(f.sent, sent{addr: addr, path: path, args: args})
	return nil
}

func TestProjectorNoOpWithoutAttach(t *testing.T) {
	sender := &fakeSender{}
	p := gui.NewProjector(sender)

	p.ClientNew("nAAAA", "seq66")
	if len(sender.sent) != 0 {
		t.Error("expected no messages sent to a detached projector")
	}
	if p.Attached() {
		t.Error("expected Attached() to be false")
	}
}

func TestProjectorSendsAfterAttach(t *testing.T) {
	sender := &fakeSender{}
	p := gui.NewProjector(sender)
	p.Attach("127.0.0.1:8000")

	if !p.Attached() {
		t.Fatal("expected Attached() to be true after Attach")
	}

	p.ClientNew("nAAAA", "seq66")
	if len(sender.sent) != 1 || sender.sent[0].path != "/nsm/gui/client/new" {
		t.Errorf("unexpected sends: %+v", sender.sent)
	}

	p.Detach()
	p.ClientStatus("nAAAA", "ready")
	if len(sender.sent) != 1 {
		t.Error("expected no additional sends after Detach")
	}
}

func TestReplayClientsAndSession(t *testing.T) {
	sender := &fakeSender{}
	p := gui.NewProjector(sender)
	p.Attach("127.0.0.1:8000")

	p.ReplayClients([]gui.ClientRow{
		{ID: "nAAAA", Name: "seq66", Status: "ready", Dirty: true, Progress: 0.5},
	})
	p.ReplaySession("Song", "Song")

	if len(sender.sent) == 0 {
		t.Fatal("expected replay to send messages")
	}
}

func TestClientHasOptionalGUISkippedWhenFalse(t *testing.T) {
	sender := &fakeSender{}
	p := gui.NewProjector(sender)
	p.Attach("127.0.0.1:8000")

	p.ClientHasOptionalGUI("nAAAA", false)
	if len(sender.sent) != 0 {
		t.Error("has_optional_gui=false should not be sent")
	}

	p.ClientHasOptionalGUI("nAAAA", true)
	if len(sender.sent) != 1 {
		t.Error("has_optional_gui=true should be sent once")
	}
}
