package transport

import (
	"context"
	"sync"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/observability"
)

type State int

const (
	// StateIdle: at least one track is not ready, transport is disabled.
	StateIdle State = iota
	// StateReady: every track is ready, nothing is playing.
	StateReady
	// StatePlaying: tracks are rolling, the sync loop is active.
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	}
	return "unknown"
}

const (
	// DefaultTolerance is the maximum drift a non-master track may
	// accumulate before the sync loop reseeks it.
	DefaultTolerance = 50 * time.Millisecond

	// DefaultTickPeriod is the cadence of the drift-correction loop.
	DefaultTickPeriod = 100 * time.Millisecond

	// DefaultGuardRelease is how long seek propagation stays latched after
	// a propagation pass, absorbing the seeked-events the pass itself
	// triggers on the corrected tracks.
	DefaultGuardRelease = 50 * time.Millisecond

	// durationSlack is the largest per-track duration mismatch that is
	// still attributed to container rounding. Within it the master's
	// absolute seek target is trusted as-is; beyond it the fractional
	// position is mapped through the track's own duration.
	durationSlack = 500 * time.Millisecond
)

type controllerConfig struct {
	master       TrackID
	tolerance    time.Duration
	tickPeriod   time.Duration
	guardRelease time.Duration
}

type Option func(*controllerConfig)

// WithMaster pins the reference clock to a specific track. Without it the
// master is the video track if one is registered, otherwise the first track
// registered.
func WithMaster(id TrackID) Option {
	return func(cfg *controllerConfig) {
		cfg.master = id
	}
}

func WithTolerance(d time.Duration) Option {
	return func(cfg *controllerConfig) {
		cfg.tolerance = d
	}
}

func WithTickPeriod(d time.Duration) Option {
	return func(cfg *controllerConfig) {
		cfg.tickPeriod = d
	}
}

// Controller is the unified transport over a registry of tracks. All state
// transitions happen under one mutex; handle events re-enter through
// handleEvent, which the Handle contract keeps off the controller's own
// call stacks.
type Controller struct {
	registry *Registry
	cfg      controllerConfig

	locker        sync.Mutex
	state         State
	currentTime   time.Duration
	guardUntil    time.Time
	stopSyncLoop  context.CancelFunc
	now           func() time.Time // overridable for tests
	firstRegister TrackID
}

func NewController(opts ...Option) *Controller {
	cfg := controllerConfig{
		tolerance:    DefaultTolerance,
		tickPeriod:   DefaultTickPeriod,
		guardRelease: DefaultGuardRelease,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller{
		registry: NewRegistry(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Register adds a track to the controller's registry and starts receiving
// its events.
func (c *Controller) Register(id TrackID, h Handle) error {
	c.locker.Lock()
	if c.firstRegister == "" {
		c.firstRegister = id
	}
	c.locker.Unlock()
	return c.registry.Register(id, h, c.handleEvent)
}

func (c *Controller) Registry() *Registry { return c.registry }

func (c *Controller) State() State {
	c.locker.Lock()
	defer c.locker.Unlock()
	return c.state
}

func (c *Controller) IsPlaying() bool {
	return c.State() == StatePlaying
}

// CurrentTime mirrors the master track's position as of the last sync tick
// or transport command.
func (c *Controller) CurrentTime() time.Duration {
	c.locker.Lock()
	defer c.locker.Unlock()
	return c.currentTime
}

// Duration is the master track's duration, zero while the master is not
// ready.
func (c *Controller) Duration() time.Duration {
	m, ok := c.master()
	if !ok {
		return 0
	}
	return m.handle.Duration()
}

func (c *Controller) Tracks() []TrackStatus {
	return c.registry.Tracks()
}

// SetMuted flips one track's mute flag. Transport state is not affected.
func (c *Controller) SetMuted(id TrackID, muted bool) error {
	return c.registry.SetMuted(id, muted)
}

// ToggleMute flips one track's mute flag and returns the new value.
func (c *Controller) ToggleMute(id TrackID) (bool, error) {
	muted, err := c.registry.Muted(id)
	if err != nil {
		return false, err
	}
	if err := c.registry.SetMuted(id, !muted); err != nil {
		return false, err
	}
	return !muted, nil
}

// master resolves the reference clock: the configured track if registered,
// else the video track, else the first track registered.
func (c *Controller) master() (trackRef, bool) {
	c.locker.Lock()
	first := c.firstRegister
	preferred := c.cfg.master
	c.locker.Unlock()

	refs := c.registry.refs()
	if len(refs) == 0 {
		return trackRef{}, false
	}
	for _, want := range []TrackID{preferred, TrackVideo, first} {
		if want == "" {
			continue
		}
		for _, ref := range refs {
			if ref.id == want {
				return ref, true
			}
		}
	}
	return refs[0], true
}

// Play aligns every track to the master's fractional position, starts them
// in registration order and begins drift correction. It refuses with
// ErrNotReady while any track has not reported readiness.
func (c *Controller) Play(ctx context.Context) error {
	if !c.registry.AllReady() {
		return ErrNotReady
	}

	c.locker.Lock()
	if c.state == StatePlaying {
		c.locker.Unlock()
		return nil
	}
	c.state = StatePlaying
	c.guardUntil = c.now().Add(c.cfg.guardRelease)
	c.locker.Unlock()

	m, _ := c.master()
	frac := fraction(m.handle.Position(), m.handle.Duration())
	c.seekAll(ctx, m, frac, m.handle.Position(), m.id)

	for _, ref := range c.registry.refs() {
		if err := ref.handle.Play(); err != nil {
			logger.Errorf(ctx, "unable to start track %q: %v", ref.id, err)
		}
	}

	c.locker.Lock()
	c.currentTime = m.handle.Position()
	c.startSyncLoopLocked(ctx)
	c.locker.Unlock()
	return nil
}

// Pause stops every track. It is a no-op in any non-playing state.
func (c *Controller) Pause(ctx context.Context) {
	c.locker.Lock()
	c.stopSyncLoopLocked()
	if c.state == StatePlaying {
		c.state = StateReady
	}
	c.locker.Unlock()

	for _, ref := range c.registry.refs() {
		if err := ref.handle.Pause(); err != nil {
			logger.Debugf(ctx, "unable to pause track %q: %v", ref.id, err)
		}
	}
	c.refreshIdleState()
}

// Reset pauses everything and rewinds all tracks to zero.
func (c *Controller) Reset(ctx context.Context) {
	c.Pause(ctx)

	c.locker.Lock()
	c.guardUntil = c.now().Add(c.cfg.guardRelease)
	c.currentTime = 0
	c.locker.Unlock()

	for _, ref := range c.registry.refs() {
		if err := ref.handle.Seek(0); err != nil {
			logger.Debugf(ctx, "unable to rewind track %q: %v", ref.id, err)
		}
	}
}

// Seek moves the whole transport to target (clamped to [0, duration]).
// A no-op while the master's duration is unknown.
func (c *Controller) Seek(ctx context.Context, target time.Duration) {
	m, ok := c.master()
	if !ok {
		return
	}
	duration := m.handle.Duration()
	if duration <= 0 {
		return
	}
	if target < 0 {
		target = 0
	}
	if target > duration {
		target = duration
	}

	c.locker.Lock()
	c.guardUntil = c.now().Add(c.cfg.guardRelease)
	c.currentTime = target
	c.locker.Unlock()

	c.seekAll(ctx, m, fraction(target, duration), target, "")
}

// Release tears the controller down: the sync loop stops, the registry
// releases every handle. Further commands degrade to no-ops via ErrNotReady
// and empty snapshots.
func (c *Controller) Release(ctx context.Context) {
	c.locker.Lock()
	c.stopSyncLoopLocked()
	c.state = StateIdle
	c.currentTime = 0
	c.locker.Unlock()
	c.registry.Release(ctx)
}

// seekAll reseeks every track except skip. Tracks whose duration matches
// the master's up to container rounding get the master's absolute target;
// grossly different durations get the fractional position mapped through
// their own duration.
func (c *Controller) seekAll(ctx context.Context, m trackRef, frac float64, absolute time.Duration, skip TrackID) {
	masterDuration := m.handle.Duration()
	for _, ref := range c.registry.refs() {
		if ref.id == skip {
			continue
		}
		target := absolute
		ownDuration := ref.handle.Duration()
		if diff := masterDuration - ownDuration; diff > durationSlack || diff < -durationSlack {
			target = time.Duration(frac * float64(ownDuration))
		}
		if err := ref.handle.Seek(target); err != nil {
			logger.Debugf(ctx, "unable to seek track %q to %v: %v", ref.id, target, err)
		}
	}
}

// handleEvent is the sink for all handle events.
func (c *Controller) handleEvent(id TrackID, ev Event) {
	ctx := context.Background()
	logger.Tracef(ctx, "track %q event %v at %v", id, ev.Kind, ev.Position)

	switch ev.Kind {
	case EventReady:
		c.registry.setReady(id)
		c.refreshIdleState()
	case EventEnded:
		if m, ok := c.master(); ok && m.id == id {
			c.Reset(ctx)
		}
	case EventSeeked:
		c.propagateSeek(ctx, id, ev.Position)
	}
}

// propagateSeek forwards a track-originated seek to all other tracks, at
// most one level deep: while the guard is latched the event is treated as
// an echo of our own correction and dropped.
func (c *Controller) propagateSeek(ctx context.Context, origin TrackID, position time.Duration) {
	originHandle, ok := c.registry.handle(origin)
	if !ok {
		return
	}
	duration := originHandle.Duration()
	if duration <= 0 {
		return
	}

	c.locker.Lock()
	if c.now().Before(c.guardUntil) {
		c.locker.Unlock()
		return
	}
	c.guardUntil = c.now().Add(c.cfg.guardRelease)
	c.locker.Unlock()

	frac := fraction(position, duration)
	m, _ := c.master()
	currentTime := position
	if m.id != origin {
		currentTime = time.Duration(frac * float64(m.handle.Duration()))
	}

	c.locker.Lock()
	c.currentTime = currentTime
	c.locker.Unlock()

	c.seekAll(ctx, trackRef{id: origin, handle: originHandle}, frac, position, origin)
}

func (c *Controller) refreshIdleState() {
	c.locker.Lock()
	defer c.locker.Unlock()
	if c.state == StatePlaying {
		return
	}
	if c.registry.AllReady() {
		c.state = StateReady
	} else {
		c.state = StateIdle
	}
}

func (c *Controller) startSyncLoopLocked(ctx context.Context) {
	c.stopSyncLoopLocked()
	ctx, cancel := context.WithCancel(ctx)
	c.stopSyncLoop = cancel
	tickPeriod := c.cfg.tickPeriod
	observability.Go(ctx, func(ctx context.Context) {
		t := time.NewTicker(tickPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !c.syncTick(ctx) {
					return
				}
			}
		}
	})
}

func (c *Controller) stopSyncLoopLocked() {
	if c.stopSyncLoop != nil {
		c.stopSyncLoop()
		c.stopSyncLoop = nil
	}
}

// syncTick is one drift-correction pass: any track further than the
// tolerance from the master is reseeked to the master's fractional
// position. Reports false once the controller left the playing state.
func (c *Controller) syncTick(ctx context.Context) bool {
	c.locker.Lock()
	if c.state != StatePlaying {
		c.locker.Unlock()
		return false
	}
	c.locker.Unlock()

	m, ok := c.master()
	if !ok {
		return false
	}
	masterPos := m.handle.Position()
	masterDuration := m.handle.Duration()
	if masterDuration <= 0 {
		return true
	}

	frac := fraction(masterPos, masterDuration)
	latched := false
	for _, ref := range c.registry.refs() {
		if ref.id == m.id {
			continue
		}
		drift := ref.handle.Position() - masterPos
		if drift > c.cfg.tolerance || drift < -c.cfg.tolerance {
			if !latched {
				// latch before the first corrective seek so its echo
				// cannot start a propagation cycle
				c.locker.Lock()
				c.guardUntil = c.now().Add(c.cfg.guardRelease)
				c.locker.Unlock()
				latched = true
			}
			target := masterPos
			ownDuration := ref.handle.Duration()
			if diff := masterDuration - ownDuration; diff > durationSlack || diff < -durationSlack {
				target = time.Duration(frac * float64(ownDuration))
			}
			logger.Tracef(ctx, "track %q drifted by %v, reseeking to %v", ref.id, drift, target)
			if err := ref.handle.Seek(target); err != nil {
				logger.Debugf(ctx, "unable to correct track %q: %v", ref.id, err)
			}
		}
	}

	c.locker.Lock()
	c.currentTime = masterPos
	c.locker.Unlock()
	return true
}

func fraction(position, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	return float64(position) / float64(duration)
}
