package dispatch

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks request validation failures: malformed coordinates,
// unknown vehicle class, missing fields. Never retried.
var ErrInvalidInput = errors.New("invalid input")

// ErrNoDriversNearby is returned when the proximity query comes back empty.
// No ride record is persisted in that case.
var ErrNoDriversNearby = errors.New("no drivers nearby")

// ErrRouteUnavailable is returned when the route estimator cannot produce a
// positive distance/duration pair.
var ErrRouteUnavailable = errors.New("route estimate unavailable")

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// AcceptReason explains why an AcceptRide call did not win.
type AcceptReason string

const (
	ReasonExpired           AcceptReason = "expired"
	ReasonAlreadyAccepted   AcceptReason = "already_accepted"
	ReasonNotFound          AcceptReason = "not_found"
	ReasonDriverUnavailable AcceptReason = "driver_unavailable"
)

// AcceptError is the race-lost result of an AcceptRide call. The reason is
// derived from a re-read of current ride state, so losers get an accurate
// explanation rather than a generic failure.
type AcceptError struct {
	RideID string
	Reason AcceptReason
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("ride %s not accepted: %s", e.RideID, e.Reason)
}
