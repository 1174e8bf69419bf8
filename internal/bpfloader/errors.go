package bpfloader

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidState is returned when a lifecycle operation is called
	// from a state that does not allow it.
	ErrInvalidState = errors.New("invalid program state")

	// ErrEmptySource is returned by Open for a Source with nothing to parse.
	ErrEmptySource = errors.New("empty program source")

	// ErrNoHooks is returned by Open for objects that declare no hook points.
	ErrNoHooks = errors.New("object declares no hook points")

	// ErrUnknownMap is returned when a named map does not exist.
	ErrUnknownMap = errors.New("map not found")
)

// LoadError reports a malformed object, or one the running kernel cannot
// support.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// VerificationError reports a program rejected by the kernel verifier.
// Retrying cannot help; the kernel-side program must be fixed.
type VerificationError struct {
	Source string
	// Program is the rejected program, empty when it cannot be told.
	Program string
	Log     []string
	Err     error
}

func (e *VerificationError) Error() string {
	what := e.Source
	if e.Program != "" {
		what += " program " + e.Program
	}
	msg := fmt.Sprintf("verify %s: %v", what, e.Err)
	if n := len(e.Log); n > 0 {
		// The last lines of the verifier log usually name the violation.
		tail := e.Log[max(0, n-3):]
		msg += ": " + strings.Join(tail, "; ")
	}
	return msg
}

func (e *VerificationError) Unwrap() error { return e.Err }

// AttachError reports the hook that failed to attach.
type AttachError struct {
	Hook Hook
	Err  error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach %s: %v", e.Hook, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }
