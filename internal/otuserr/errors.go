// Package otuserr defines the error taxonomy shared across the capture
// pipeline: which failures are fatal to a session, which are per-packet
// and merely logged, and which are returned synchronously to a caller.
package otuserr

import "fmt"

// Kind classifies an error by how the pipeline must react to it.
type Kind int

const (
	// KindCapture covers capture-device open/read failures.
	KindCapture Kind = iota
	// KindBPF covers an invalid filter expression rejected by the capture source.
	KindBPF
	// KindDissector covers a per-packet dissector failure; non-fatal.
	KindDissector
	// KindStream covers reassembly-window overflow or flow-idle timeout; non-fatal.
	KindStream
	// KindFilterCompile covers a filter expression that fails to compile; rejects filter creation.
	KindFilterCompile
	// KindFilterEval covers a per-packet predicate evaluation failure; non-fatal.
	KindFilterEval
	// KindClosed signals the pipeline is shutting down.
	KindClosed
	// KindBug signals an internal invariant violation; fatal, aborts the session.
	KindBug
)

func (k Kind) String() string {
	switch k {
	case KindCapture:
		return "CaptureError"
	case KindBPF:
		return "BPFError"
	case KindDissector:
		return "DissectorError"
	case KindStream:
		return "StreamError"
	case KindFilterCompile:
		return "FilterCompileError"
	case KindFilterEval:
		return "FilterEvalError"
	case KindClosed:
		return "Closed"
	case KindBug:
		return "Bug"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying cause with a Kind so callers and the host
// bridge can branch on taxonomy without string matching.
type Error struct {
	Kind   Kind
	Domain string
	Cause  error
}

func New(kind Kind, domain string, cause error) *Error {
	return &Error{Kind: kind, Domain: domain, Cause: cause}
}

func (e *Error) Error() string {
	if e.Domain == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Domain, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Fatal reports whether an error of this kind must stop the session.
func (e *Error) Fatal() bool {
	return e.Kind == KindBug
}

// ErrClosed is returned by the queue once it has been closed and drained.
var ErrClosed = New(KindClosed, "", fmt.Errorf("pipeline closed"))
