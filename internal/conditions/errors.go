package conditions

import "errors"

var (
	// ErrPayloadNotFound is returned when no payload of a tag covers a run.
	ErrPayloadNotFound = errors.New("conditions payload not found")
	// ErrOutOfOrder is returned when a tracker sees a run lower than the previous one.
	ErrOutOfOrder = errors.New("runs must be observed in non-decreasing order")
	// ErrNotStarted is returned when a tracker is closed before its first observation.
	ErrNotStarted = errors.New("tracker has no payload yet")
)
