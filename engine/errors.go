package engine

import "errors"

var (
	// ErrMalformedDelta is returned for deltas that fail validation. The
	// delta is dropped and no state changes.
	ErrMalformedDelta = errors.New("malformed delta")
	// ErrMalformedSnapshot is returned for snapshots with invalid levels or a
	// negative baseline.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrUnknownInstrument is returned when an event carries an index outside
	// the universe.
	ErrUnknownInstrument = errors.New("unknown instrument")
	// ErrBufferOverflow is returned when an instrument buffers more deltas
	// than the configured cap while waiting for a baseline.
	ErrBufferOverflow = errors.New("delta buffer overflow")
	// ErrIllegalTransition is returned by Transition for edges missing from
	// the lifecycle table.
	ErrIllegalTransition = errors.New("illegal lifecycle transition")
	// ErrStopped is returned when submitting to a dispatcher that is not
	// running.
	ErrStopped = errors.New("dispatcher stopped")
)
