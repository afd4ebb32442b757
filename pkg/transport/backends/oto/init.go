// Package oto implements a transport.Handle on top of the oto playback
// library. The whole stem is decoded up front, which is what makes the
// handle's clock seekable and position-accurate — the properties the
// transport synchronizer is built around.
package oto

import (
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// oto permits exactly one context per process, so the format is fixed and
// every stem gets converted to it on load.
const (
	SampleRate    = 48000
	Channels      = 2
	bytesPerFrame = Channels * 4 // float32le
)

var (
	otoContext     *oto.Context
	otoContextErr  error
	otoContextOnce sync.Once
)

func getOtoContext() (*oto.Context, error) {
	otoContextOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   SampleRate,
			ChannelCount: Channels,
			Format:       oto.FormatFloat32LE,
		})
		if err != nil {
			otoContextErr = fmt.Errorf("unable to initialize an oto context: %w", err)
			return
		}
		<-ready
		otoContext = ctx
	})
	return otoContext, otoContextErr
}
