// Package fault defines the engine error taxonomy shared by the capture,
// transcription, cleanup, and session layers. Kinds drive retry decisions
// in the orchestrator and are reported verbatim in terminal payloads.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault for retry and reporting decisions.
type Kind string

const (
	// KindInvalidTransition marks caller misuse of a state machine. Fatal to
	// the call, not to the session.
	KindInvalidTransition Kind = "invalid_transition"
	// KindEmptyInput marks an attempt to transcribe with no captured audio.
	KindEmptyInput Kind = "empty_input"
	// KindAuth marks a bad or missing credential. Never retried.
	KindAuth Kind = "auth"
	// KindTransient marks network, timeout, and server-side failures that may
	// succeed on a later attempt.
	KindTransient Kind = "transient"
	// KindInvalidResponse marks a remote payload the client could not use.
	// Never retried.
	KindInvalidResponse Kind = "invalid_response"
	// KindCanceled marks a caller-requested abort of an in-flight call.
	KindCanceled Kind = "canceled"
	// KindSessionInUse marks a begin attempt while another session is active.
	KindSessionInUse Kind = "session_in_use"
)

// Fault attaches a Kind to an underlying error.
type Fault struct {
	Kind Kind
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Wrap attaches kind to err. Returns nil when err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Err: err}
}

// Errorf builds a fault of the given kind from a format string. The format
// supports %w wrapping.
func Errorf(kind Kind, format string, args ...any) error {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, unwrapping as needed. Returns the empty
// kind when err carries none.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
