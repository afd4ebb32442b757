package transport

import (
	"errors"
)

var (
	// ErrDuplicateTrack is returned by Register when the TrackID is already
	// taken within the registry.
	ErrDuplicateTrack = errors.New("track is already registered")

	// ErrUnknownTrack is returned when an operation references a TrackID
	// that is not present in the registry.
	ErrUnknownTrack = errors.New("no such track")

	// ErrNotReady is returned by Play while at least one registered track
	// has not reported readiness yet. Callers driving UI typically swallow
	// it (the controls are disabled anyway).
	ErrNotReady = errors.New("not all tracks are ready")
)
