// Package nsmerr defines the NSM error taxonomy (spec §7) as a coded
// error type. The OSC dispatcher converts any error crossing a request
// boundary into a /error reply carrying one of these codes.
package nsmerr

import (
	"errors"
	"fmt"
)

// Code is the second integer argument of an NSM /error reply.
type Code int32

const (
	OK                 Code = 0
	General            Code = -1
	IncompatibleAPI    Code = -2
	Blacklisted        Code = -3
	LaunchFailed       Code = -4
	NoSuchFile         Code = -5
	NoSessionOpen      Code = -6
	UnsavedChanges     Code = -7
	NotNow             Code = -8
	BadProject         Code = -9
	CreateFailed       Code = -10
	SessionLocked      Code = -11
	OperationPending   Code = -12
	SaveFailed         Code = -13
)

var names = map[Code]string{
	OK:               "ok",
	General:          "general",
	IncompatibleAPI:  "incompatible_api",
	Blacklisted:      "blacklisted",
	LaunchFailed:     "launch_failed",
	NoSuchFile:       "no_such_file",
	NoSessionOpen:    "no_session_open",
	UnsavedChanges:   "unsaved_changes",
	NotNow:           "not_now",
	BadProject:       "bad_project",
	CreateFailed:     "create_failed",
	SessionLocked:    "session_locked",
	OperationPending: "operation_pending",
	SaveFailed:       "save_failed",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown"
}

// Error is a coded failure crossing an OSC request boundary. Internal
// packages return plain wrapped errors (fmt.Errorf with %w); only the
// dispatcher-facing operations (session orchestrator, client machine)
// return *Error when the failure has a defined taxonomy code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// As extracts a *Error from err, or synthesizes a General one so every
// caller-facing path has a code to report.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: General, Message: err.Error()}
}
