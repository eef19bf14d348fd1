// Package coretypes holds the data types and error taxonomy shared by every
// synthd component: segments, chunks, sessions, utterances, and the audio
// format descriptor. None of these types carry behavior that belongs to a
// single component — they are the nouns the rest of the packages operate on.
package coretypes

import (
	"errors"
	"fmt"
)

// Taxonomy from the error-handling design: each sentinel is wrapped with
// context via fmt.Errorf("...: %w", Err*) at the point of failure, never
// compared by string.
var (
	ErrInputInvalid        = errors.New("input invalid")
	ErrSegmentationFailed  = errors.New("segmentation failed")
	ErrG2PFailed           = errors.New("g2p failed")
	ErrSessionUnavailable  = errors.New("session unavailable")
	ErrSynthesisFailed     = errors.New("synthesis failed")
	ErrProviderDegraded    = errors.New("provider degraded")
	ErrDaemonDisconnected  = errors.New("daemon disconnected")
	ErrSinkDied            = errors.New("audio sink died")
	ErrRingCapacityExceeded = errors.New("ring capacity exceeded")
	ErrCancelled           = errors.New("cancelled")
	ErrInternal            = errors.New("internal error")
)

// SynthesisFailedError carries the failing segment id alongside the
// sentinel, per spec: SynthesisFailed{segment_id}.
type SynthesisFailedError struct {
	SegmentID uint32
	Cause     error
}

func (e *SynthesisFailedError) Error() string {
	return fmt.Sprintf("synthesis failed for segment %d: %v", e.SegmentID, e.Cause)
}

func (e *SynthesisFailedError) Unwrap() []error {
	return []error{ErrSynthesisFailed, e.Cause}
}

// NoSessionAvailableError is returned by the pool when every session is Failed.
type NoSessionAvailableError struct{}

func (e *NoSessionAvailableError) Error() string {
	return "no session available: all sessions failed"
}

func (e *NoSessionAvailableError) Unwrap() error {
	return ErrSessionUnavailable
}
