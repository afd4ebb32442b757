// Package transport keeps a set of independently-clocked media tracks
// aligned under one logical transport (play/pause/seek/reset). One track is
// designated the master; everybody else is periodically reconciled against
// it instead of pairwise against each other.
package transport

import (
	"io"
	"time"
)

// TrackID designates a track within one result set.
type TrackID string

const (
	TrackOriginal TrackID = "original"
	TrackGhost    TrackID = "ghost"
	TrackClean    TrackID = "clean"
	TrackVideo    TrackID = "video"
)

// Handle is one playable media resource with its own clock. Play, Pause and
// Seek are fire-and-forget: completion is signalled through events, not by
// the return value. Duration returns zero until the resource is ready.
type Handle interface {
	io.Closer

	Duration() time.Duration
	Position() time.Duration
	Play() error
	Pause() error
	Seek(pos time.Duration) error
	SetMuted(muted bool)
	Muted() bool

	// Subscribe installs the sink for the handle's events. A handle whose
	// duration is already known must emit EventReady to a freshly installed
	// sink (synchronously is fine). All other events must be delivered
	// asynchronously with respect to the Handle's own method calls: emitting
	// EventSeeked from inside Seek on the caller's stack is not allowed.
	// Only one sink is supported.
	Subscribe(func(ev Event))
}

type EventKind int

const (
	EventUndefined EventKind = iota
	EventReady
	EventSeeked
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventSeeked:
		return "seeked"
	case EventEnded:
		return "ended"
	}
	return "undefined"
}

// Event is emitted by a Handle towards the controller it is registered in.
type Event struct {
	Kind     EventKind
	Position time.Duration
}

// TrackStatus is the read-only per-track view exposed for UI rendering.
type TrackStatus struct {
	ID    TrackID
	Ready bool
	Muted bool
}
