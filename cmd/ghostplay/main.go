package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"

	"github.com/audioghost-ai/audioghost/pkg/mediafile"
	"github.com/audioghost-ai/audioghost/pkg/transport"
	otobackend "github.com/audioghost-ai/audioghost/pkg/transport/backends/oto"
)

// trackOrder maps positional arguments to track designators.
var trackOrder = []transport.TrackID{
	transport.TrackOriginal,
	transport.TrackGhost,
	transport.TrackClean,
}

func main() {
	loggerLevel := logger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "Log level")
	seek := pflag.Duration("seek", 0, "Start position")
	mute := pflag.StringSlice("mute", nil, "Tracks to start muted (original, ghost, clean)")
	master := pflag.String("master", "", "Track that owns the clock (defaults to the first one)")
	pflag.Parse()

	if pflag.NArg() < 1 {
		panic("expected at least one positional argument: paths to the stem WAV/OGG files")
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var opts []transport.Option
	if *master != "" {
		opts = append(opts, transport.WithMaster(transport.TrackID(*master)))
	}
	c := transport.NewController(opts...)
	defer c.Release(ctx)

	for i, path := range pflag.Args() {
		id := transport.TrackID("track-" + strconv.Itoa(i))
		if i < len(trackOrder) {
			id = trackOrder[i]
		}
		pcm, err := mediafile.DecodeFile(path)
		assertNoError(err)
		logger.Infof(ctx, "%s: %s (%.1fs, %d Hz, %d ch)",
			id, path, pcm.Duration().Seconds(), pcm.SampleRate, pcm.Channels)

		h, err := otobackend.NewHandle(ctx, pcm)
		assertNoError(err)
		assertNoError(c.Register(id, h))
	}

	waitFor(ctx, func() bool { return c.State() != transport.StateIdle })

	for _, id := range *mute {
		assertNoError(c.SetMuted(transport.TrackID(id), true))
	}
	if *seek > 0 {
		c.Seek(ctx, *seek)
	}
	assertNoError(c.Play(ctx))
	logger.Infof(ctx, "playing %d track(s)", pflag.NArg())

	lastPrint := time.Now()
	waitFor(ctx, func() bool {
		if time.Since(lastPrint) >= time.Second {
			lastPrint = time.Now()
			logger.Infof(ctx, "position: %.1fs / %.1fs",
				c.CurrentTime().Seconds(), c.Duration().Seconds())
		}
		return !c.IsPlaying()
	})
	logger.Infof(ctx, "bye")
}

func waitFor(ctx context.Context, done func() bool) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for !done() {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func assertNoError(err error) {
	if err != nil {
		panic(err)
	}
}
