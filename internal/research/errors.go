package research

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidInput marks caller mistakes: bad topic, bad tier, malformed files.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnknownSession is returned when no snapshot exists for a session id.
	ErrUnknownSession = errors.New("unknown session")
	// ErrTerminal is returned when advancing a session that already finished.
	ErrTerminal = errors.New("session is terminal")
	// ErrInsufficientFindings is returned when synthesis has too few usable findings.
	ErrInsufficientFindings = errors.New("insufficient usable findings")
	// ErrCancelled is the cause attached to work interrupted by Cancel.
	ErrCancelled = errors.New("session cancelled")
)

// ValidationError reports malformed input or output of a phase.
type ValidationError struct {
	Phase  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Phase, e.Reason)
}

// PhaseError reports an unrecoverable failure of one phase.
type PhaseError struct {
	Phase string
	Err   error
}

func (e PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err)
}

func (e PhaseError) Unwrap() error { return e.Err }

// SessionTimeout reports that the session wall-clock budget was exceeded.
type SessionTimeout struct {
	Budget  time.Duration
	Elapsed time.Duration
}

func (e SessionTimeout) Error() string {
	return fmt.Sprintf("session budget exceeded: elapsed=%s budget=%s", e.Elapsed.Round(time.Millisecond), e.Budget)
}

// StoreError wraps a persistence failure. It is always fatal to the
// operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e StoreError) Unwrap() error { return e.Err }
