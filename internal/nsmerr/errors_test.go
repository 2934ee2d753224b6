package nsmerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nsm66/nsm66d/internal/nsmerr"
)

func TestCodeString(t *testing.T) {
	cases := map[nsmerr.Code]string{
		nsmerr.OK:               "ok",
		nsmerr.SessionLocked:    "session_locked",
		nsmerr.OperationPending: "operation_pending",
		nsmerr.Code(999):        "unknown",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("Code(%d).String() = %q, want %q", code, got, want)
		}
	}
}

func TestAsSynthesizesGeneral(t *testing.T) {
	plain := errors.New("boom")
	ce := nsmerr.As(fmt.Errorf("wrapping: %w", plain))
	if ce.Code != nsmerr.General {
		t.Errorf("expected General code for uncoded error, got %s", ce.Code)
	}
}

func TestAsUnwrapsCodedError(t *testing.T) {
	coded := nsmerr.New(nsmerr.SessionLocked, "session Song is locked")
	wrapped := fmt.Errorf("open failed: %w", coded)

	ce := nsmerr.As(wrapped)
	if ce.Code != nsmerr.SessionLocked {
		t.Errorf("expected SessionLocked, got %s", ce.Code)
	}
}

func TestAsNil(t *testing.T) {
	if nsmerr.As(nil) != nil {
		t.Error("expected nil for nil error")
	}
}
