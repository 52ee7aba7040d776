package sessions

import "errors"

var (
	// ErrValidation marks bad schedule input. Never retried.
	ErrValidation = errors.New("invalid input")
	// ErrNotFound marks an unknown live class.
	ErrNotFound = errors.New("live class not found")
	// ErrNotHost marks a lifecycle action attempted by a non-host.
	ErrNotHost = errors.New("only the host may perform this action")
	// ErrNotScheduled marks a start attempt on a class that already left the scheduled state.
	ErrNotScheduled = errors.New("live class is not in scheduled state")
	// ErrNotLive marks an end or join attempt on a class that is not live.
	ErrNotLive = errors.New("live class is not live")
)
