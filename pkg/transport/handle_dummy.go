package transport

import (
	"time"
)

// HandleDummy is a Handle that plays nothing and reports readiness
// immediately.
type HandleDummy struct{}

var _ Handle = HandleDummy{}

func (HandleDummy) Close() error {
	return nil
}

func (HandleDummy) Duration() time.Duration {
	return 0
}

func (HandleDummy) Position() time.Duration {
	return 0
}

func (HandleDummy) Play() error {
	return nil
}

func (HandleDummy) Pause() error {
	return nil
}

func (HandleDummy) Seek(time.Duration) error {
	return nil
}

func (HandleDummy) SetMuted(bool) {}

func (HandleDummy) Muted() bool {
	return false
}

func (HandleDummy) Subscribe(sink func(ev Event)) {
	sink(Event{Kind: EventReady})
}
