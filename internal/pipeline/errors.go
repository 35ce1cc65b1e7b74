package pipeline

import "errors"

var (
	// ErrRunInFlight rejects a manual trigger while another run is in flight.
	ErrRunInFlight = errors.New("a run is already in flight")
	// ErrTickDropped is returned for a live tick that fired while a run was
	// in flight; the tick is skipped for that cycle.
	ErrTickDropped = errors.New("live tick dropped: run in flight")
	// ErrSuperseded is returned by a run whose token is no longer the latest.
	// Nothing it computed was published.
	ErrSuperseded = errors.New("run superseded")
)
