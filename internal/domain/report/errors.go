package report

import "errors"

var (
	// ErrNotFound is returned when no report exists for the requested id.
	ErrNotFound = errors.New("report not found")
	// ErrTerminal is returned when work is requested for a finished report.
	ErrTerminal = errors.New("report is in a terminal status")
	// ErrInvalidTransition is returned for moves the lifecycle table forbids.
	ErrInvalidTransition = errors.New("invalid report status transition")
	// ErrAlreadyFinalized is returned when a terminal report is finalized again.
	ErrAlreadyFinalized = errors.New("report already finalized")
	// ErrNotTerminal is returned when Finalize is asked for a non-terminal status.
	ErrNotTerminal = errors.New("finalize requires a terminal status")
)
