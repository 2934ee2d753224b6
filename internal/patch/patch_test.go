package patch_test

import (
	"testing"

	"github.com/nsm66/nsm66d/internal/patch"
)

func TestParseLineForward(t *testing.T) {
	patches, ok := patch.ParseLine("seq66:midi in |> a2j:midi out")
	if !ok || len(patches) != 1 {
		t.Fatalf("expected one patch, got %+v ok=%v", patches, ok)
	}
	p := patches[0]
	if p.Src.Client != "seq66" || p.Src.Port != "midi in" {
		t.Errorf("unexpected src: %+v", p.Src)
	}
	if p.Dst.Client != "a2j" || p.Dst.Port != "midi out" {
		t.Errorf("unexpected dst: %+v", p.Dst)
	}
}

func TestParseLineReverseSwapsSrcDst(t *testing.T) {
	patches, ok := patch.ParseLine("a2j:midi out |< seq66:midi in")
	if !ok || len(patches) != 1 {
		t.Fatalf("expected one patch, got %+v ok=%v", patches, ok)
	}
	p := patches[0]
	if p.Src.Full() != "seq66:midi in" || p.Dst.Full() != "a2j:midi out" {
		t.Errorf("reverse token should swap src/dst, got %+v", p)
	}
}

func TestParseLineBothProducesTwoPatches(t *testing.T) {
	patches, ok := patch.ParseLine("carla:out_1 || carla:in_1")
	if !ok || len(patches) != 2 {
		t.Fatalf("expected two patches, got %+v ok=%v", patches, ok)
	}
	if patches[0].Src.Full() != "carla:out_1" || patches[0].Dst.Full() != "carla:in_1" {
		t.Errorf("unexpected first patch: %+v", patches[0])
	}
	if patches[1].Src.Full() != "carla:in_1" || patches[1].Dst.Full() != "carla:out_1" {
		t.Errorf("unexpected second patch (reversed leg): %+v", patches[1])
	}
}

func TestParseLineRejectsMalformed(t *testing.T) {
	if _, ok := patch.ParseLine("not a patch line at all"); ok {
		t.Error("expected malformed line to fail to parse")
	}
}

// This is the case the original jackpatch's first-colon split gets
// wrong: an a2jmidid client name embeds a colon of its own
// ("a2j:Some Device:0 (playback): port"). Splitting on the last colon
// before the direction token still gets it right because the
// direction token itself is unambiguous; splitting each port string
// on the last colon overall is what recovers the correct port name
// when the client name contains colons.
func TestParseLineHandlesColonsInClientName(t *testing.T) {
	patches, ok := patch.ParseLine("a2j:Some Device [16] (playback):Bank 0 Voice 0 |> seq66:midi in 0")
	if !ok || len(patches) != 1 {
		t.Fatalf("expected one patch, got %+v ok=%v", patches, ok)
	}
	src := patches[0].Src
	if src.Client != "a2j:Some Device [16] (playback)" || src.Port != "Bank 0 Voice 0" {
		t.Errorf("expected last-colon split to preserve embedded colons in client name, got %+v", src)
	}
}

func TestFormatLineRoundTrips(t *testing.T) {
	p := &patch.Patch{
		Src: patch.PortRef{Client: "seq66", Port: "midi in"},
		Dst: patch.PortRef{Client: "a2j", Port: "midi out"},
	}
	line := patch.FormatLine(p)
	reparsed, ok := patch.ParseLine(line)
	if !ok || len(reparsed) != 1 {
		t.Fatalf("round trip failed: %q -> %+v ok=%v", line, reparsed, ok)
	}
	if reparsed[0].Src.Full() != p.Src.Full() || reparsed[0].Dst.Full() != p.Dst.Full() {
		t.Errorf("round trip mismatch: %+v vs %+v", reparsed[0], p)
	}
}
