// Package errs holds the error taxonomy shared by the tracking and dispatch
// core. Every error here is recoverable by the caller; none should bring the
// process down.
package errs

import "errors"

var (
	ErrInvalidLocation     = errors.New("invalid location")
	ErrStaleSample         = errors.New("stale sample")
	ErrUnknownSession      = errors.New("unknown session")
	ErrAlreadyTracking     = errors.New("already tracking")
	ErrTripNotFound        = errors.New("trip not found")
	ErrMoverNotFound       = errors.New("mover not found")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrNotCancellable      = errors.New("trip not cancellable")
	ErrTripNotAssignable   = errors.New("trip not assignable")
	ErrMoverUnavailable    = errors.New("mover unavailable")
	ErrMoverMismatch       = errors.New("mover not assigned to trip")
	ErrUnknownVehicleClass = errors.New("unknown vehicle class")
	ErrInvalidRequest      = errors.New("invalid request")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidLocation, "invalid_location"},
	{ErrStaleSample, "stale_sample"},
	{ErrUnknownSession, "unknown_session"},
	{ErrAlreadyTracking, "already_tracking"},
	{ErrTripNotFound, "trip_not_found"},
	{ErrMoverNotFound, "mover_not_found"},
	{ErrIllegalTransition, "illegal_transition"},
	{ErrNotCancellable, "not_cancellable"},
	{ErrTripNotAssignable, "trip_not_assignable"},
	{ErrMoverUnavailable, "mover_unavailable"},
	{ErrMoverMismatch, "mover_mismatch"},
	{ErrUnknownVehicleClass, "unknown_vehicle_class"},
	{ErrInvalidRequest, "invalid_request"},
}

// Code returns the stable wire code for err, or "internal" when err is not
// part of the taxonomy.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// IsNotFound reports whether err means the addressed trip, session or mover
// does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTripNotFound) || errors.Is(err, ErrMoverNotFound) || errors.Is(err, ErrUnknownSession)
}

// IsConflict reports whether err is a guard violation: the request was well
// formed but the current state does not allow it.
func IsConflict(err error) bool {
	for _, e := range []error{ErrStaleSample, ErrAlreadyTracking, ErrIllegalTransition, ErrNotCancellable, ErrTripNotAssignable, ErrMoverUnavailable, ErrMoverMismatch} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
