// Package qerr collects the sentinel error values shared across the QPipe
// execution substrate (page pool, tuple fifo, stage container, dispatcher).
//
// What: a flat list of sentinel errors, compared with errors.Is.
// How: fmt.Errorf values with no dynamic state; callers wrap them with
// fmt.Errorf("...: %w", qerr.X) to attach context.
package qerr

import "fmt"

var (
	// ErrTerminatedFifo is returned by any TupleFifo operation performed
	// after the fifo has been terminated.
	ErrTerminatedFifo = fmt.Errorf("qpipe: fifo terminated")

	// ErrBadAlloc is returned when a PagePool cannot satisfy an allocation.
	// It is fatal to the adaptor that observes it.
	ErrBadAlloc = fmt.Errorf("qpipe: page allocation failed")

	// ErrStageFailure wraps an uncaught error returned by a Stage body.
	ErrStageFailure = fmt.Errorf("qpipe: stage body failed")

	// ErrMissingDispatch is returned when a packet names a packet_type with
	// no registered container. Fatal at dispatch time.
	ErrMissingDispatch = fmt.Errorf("qpipe: no container registered for packet type")

	// ErrInvariantViolation marks an internal contract breach, e.g.
	// tuple_count*tuple_size != end_offset on a TuplePage.
	ErrInvariantViolation = fmt.Errorf("qpipe: invariant violation")

	// ErrStopRequested is the sentinel a Stage body must treat as a normal
	// early exit: it is raised by StageAdaptor.Output once the primary
	// packet has finished or no mergee remains.
	ErrStopRequested = fmt.Errorf("qpipe: stop requested")
)
