package transport

import (
	"context"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/observability"
)

type track struct {
	id     TrackID
	handle Handle
	ready  bool
	muted  bool
}

// Registry owns the track handles of one result set. It is the sole owner:
// nothing else is permitted to call Play/Pause/Seek on a registered handle
// directly, all transport commands go through the Controller.
type Registry struct {
	locker   sync.Mutex
	tracks   []*track // in registration order
	byID     map[TrackID]*track
	released bool
}

func NewRegistry() *Registry {
	return &Registry{
		byID: map[TrackID]*track{},
	}
}

// Register adds a track. The sink receives the handle's events from now on;
// a handle that is already ready reports so immediately through it.
func (r *Registry) Register(id TrackID, h Handle, sink func(id TrackID, ev Event)) error {
	r.locker.Lock()
	if r.released {
		r.locker.Unlock()
		return ErrUnknownTrack
	}
	if _, ok := r.byID[id]; ok {
		r.locker.Unlock()
		return ErrDuplicateTrack
	}
	t := &track{
		id:     id,
		handle: h,
	}
	r.tracks = append(r.tracks, t)
	r.byID[id] = t
	r.locker.Unlock()

	// Subscribe outside of the lock: the handle may deliver EventReady
	// synchronously, and the sink re-enters the registry.
	h.Subscribe(func(ev Event) {
		sink(id, ev)
	})
	return nil
}

// AllReady reports whether every registered track is ready. An empty
// registry is not ready: there is nothing to play.
func (r *Registry) AllReady() bool {
	r.locker.Lock()
	defer r.locker.Unlock()
	return r.allReadyLocked()
}

func (r *Registry) allReadyLocked() bool {
	if len(r.tracks) == 0 {
		return false
	}
	for _, t := range r.tracks {
		if !t.ready {
			return false
		}
	}
	return true
}

// SetMuted flips a single track's mute flag and forwards it to the handle.
// No other track state is touched.
func (r *Registry) SetMuted(id TrackID, muted bool) error {
	r.locker.Lock()
	t, ok := r.byID[id]
	if !ok {
		r.locker.Unlock()
		return ErrUnknownTrack
	}
	t.muted = muted
	h := t.handle
	r.locker.Unlock()

	h.SetMuted(muted)
	return nil
}

func (r *Registry) Muted(id TrackID) (bool, error) {
	r.locker.Lock()
	defer r.locker.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return false, ErrUnknownTrack
	}
	return t.muted, nil
}

// Tracks returns a snapshot of per-track state in registration order.
func (r *Registry) Tracks() []TrackStatus {
	r.locker.Lock()
	defer r.locker.Unlock()
	result := make([]TrackStatus, 0, len(r.tracks))
	for _, t := range r.tracks {
		result = append(result, TrackStatus{
			ID:    t.id,
			Ready: t.ready,
			Muted: t.muted,
		})
	}
	return result
}

func (r *Registry) setReady(id TrackID) {
	r.locker.Lock()
	defer r.locker.Unlock()
	if t, ok := r.byID[id]; ok {
		t.ready = true
	}
}

type trackRef struct {
	id     TrackID
	handle Handle
}

// refs returns id+handle pairs in registration order. Handles are safe to
// use outside the registry lock: the registry never closes a handle that
// was handed out before Release.
func (r *Registry) refs() []trackRef {
	r.locker.Lock()
	defer r.locker.Unlock()
	result := make([]trackRef, 0, len(r.tracks))
	for _, t := range r.tracks {
		result = append(result, trackRef{id: t.id, handle: t.handle})
	}
	return result
}

func (r *Registry) handle(id TrackID) (Handle, bool) {
	r.locker.Lock()
	defer r.locker.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return t.handle, true
}

// Release destroys all handles. It is idempotent and never propagates
// teardown errors: a handle destroyed mid-load is expected to complain, and
// there is nobody left who could act on it. The actual closing happens
// asynchronously so that an in-flight load is not aborted on the caller's
// stack.
func (r *Registry) Release(ctx context.Context) {
	r.locker.Lock()
	if r.released {
		r.locker.Unlock()
		return
	}
	r.released = true
	tracks := r.tracks
	r.tracks = nil
	r.byID = map[TrackID]*track{}
	r.locker.Unlock()

	observability.Go(ctx, func(ctx context.Context) {
		var mErr *multierror.Error
		for _, t := range tracks {
			if err := t.handle.Close(); err != nil {
				mErr = multierror.Append(mErr, err)
			}
		}
		if err := mErr.ErrorOrNil(); err != nil {
			logger.Debugf(ctx, "errors while releasing tracks (discarded): %v", err)
		}
	})
}
