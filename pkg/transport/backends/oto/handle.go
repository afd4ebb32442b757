package oto

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/observability"

	"github.com/audioghost-ai/audioghost/pkg/mediafile"
	"github.com/audioghost-ai/audioghost/pkg/transport"
)

const endedPollPeriod = 50 * time.Millisecond

// Handle is a transport.Handle playing a fully decoded PCM buffer.
type Handle struct {
	locker    sync.Mutex
	ctx       context.Context
	player    *oto.Player
	reader    *pcmReader
	duration  time.Duration
	muted     bool
	sink      func(ev transport.Event)
	stopWatch context.CancelFunc
	closed    bool
}

var _ transport.Handle = (*Handle)(nil)

// NewHandle converts pcm to the playback format and prepares a paused
// player over it. The handle is ready from the start: the data is already
// in memory.
func NewHandle(ctx context.Context, pcm *mediafile.PCM) (*Handle, error) {
	otoCtx, err := getOtoContext()
	if err != nil {
		return nil, err
	}

	pcm = mediafile.Convert(pcm, SampleRate, Channels)
	if pcm.Frames() == 0 {
		return nil, fmt.Errorf("refusing to build a track over empty PCM")
	}

	data := make([]byte, len(pcm.Samples)*4)
	for i, s := range pcm.Samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	reader := &pcmReader{data: data}

	h := &Handle{
		ctx:      ctx,
		reader:   reader,
		duration: pcm.Duration(),
	}
	h.player = otoCtx.NewPlayer(reader)
	return h, nil
}

func (h *Handle) Subscribe(sink func(ev transport.Event)) {
	h.locker.Lock()
	h.sink = sink
	h.locker.Unlock()
	sink(transport.Event{Kind: transport.EventReady})
}

// emit delivers an event off the caller's stack, as the Handle contract
// requires.
func (h *Handle) emit(ev transport.Event) {
	h.locker.Lock()
	sink := h.sink
	ctx := h.ctx
	h.locker.Unlock()
	if sink == nil {
		return
	}
	observability.Go(ctx, func(ctx context.Context) {
		sink(ev)
	})
}

func (h *Handle) Duration() time.Duration {
	return h.duration
}

// Position is the playback clock: bytes handed to the device, minus what
// the device still has buffered.
func (h *Handle) Position() time.Duration {
	h.locker.Lock()
	defer h.locker.Unlock()
	if h.closed {
		return 0
	}
	consumed := h.reader.Offset() - int64(h.player.BufferedSize())
	if consumed < 0 {
		consumed = 0
	}
	frames := consumed / bytesPerFrame
	return time.Duration(frames) * time.Second / time.Duration(SampleRate)
}

func (h *Handle) Play() error {
	h.locker.Lock()
	defer h.locker.Unlock()
	if h.closed {
		return fmt.Errorf("the track is closed")
	}
	h.player.Play()
	h.startEndWatchLocked()
	return h.player.Err()
}

func (h *Handle) Pause() error {
	h.locker.Lock()
	defer h.locker.Unlock()
	if h.closed {
		return nil
	}
	h.stopEndWatchLocked()
	h.player.Pause()
	return h.player.Err()
}

func (h *Handle) Seek(pos time.Duration) error {
	h.locker.Lock()
	if h.closed {
		h.locker.Unlock()
		return fmt.Errorf("the track is closed")
	}
	if pos < 0 {
		pos = 0
	}
	if pos > h.duration {
		pos = h.duration
	}
	frames := int64(pos) * int64(SampleRate) / int64(time.Second)
	_, err := h.player.Seek(frames*bytesPerFrame, io.SeekStart)
	h.locker.Unlock()
	if err != nil {
		return fmt.Errorf("unable to seek to %v: %w", pos, err)
	}

	h.emit(transport.Event{Kind: transport.EventSeeked, Position: pos})
	return nil
}

func (h *Handle) SetMuted(muted bool) {
	h.locker.Lock()
	defer h.locker.Unlock()
	h.muted = muted
	if h.closed {
		return
	}
	if muted {
		h.player.SetVolume(0)
	} else {
		h.player.SetVolume(1)
	}
}

func (h *Handle) Muted() bool {
	h.locker.Lock()
	defer h.locker.Unlock()
	return h.muted
}

func (h *Handle) Close() error {
	h.locker.Lock()
	defer h.locker.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.stopEndWatchLocked()
	if err := h.player.Close(); err != nil {
		return fmt.Errorf("unable to close the player: %w", err)
	}
	return nil
}

// startEndWatchLocked polls for drain while playing: oto has no
// end-of-media callback, the reader running dry plus an empty device buffer
// is the signal.
func (h *Handle) startEndWatchLocked() {
	h.stopEndWatchLocked()
	ctx, cancel := context.WithCancel(h.ctx)
	h.stopWatch = cancel
	observability.Go(ctx, func(ctx context.Context) {
		t := time.NewTicker(endedPollPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if h.drained() {
					logger.Tracef(ctx, "track drained at %v", h.duration)
					_ = h.Pause()
					h.emit(transport.Event{Kind: transport.EventEnded, Position: h.duration})
					return
				}
			}
		}
	})
}

func (h *Handle) stopEndWatchLocked() {
	if h.stopWatch != nil {
		h.stopWatch()
		h.stopWatch = nil
	}
}

func (h *Handle) drained() bool {
	h.locker.Lock()
	defer h.locker.Unlock()
	if h.closed {
		return false
	}
	return h.reader.AtEOF() && h.player.BufferedSize() == 0
}

// pcmReader is a seekable reader over the decoded buffer that keeps its
// offset observable, which is what the position clock is derived from.
type pcmReader struct {
	locker sync.Mutex
	data   []byte
	off    int64
}

var _ io.ReadSeeker = (*pcmReader)(nil)

func (r *pcmReader) Read(buf []byte) (int, error) {
	r.locker.Lock()
	defer r.locker.Unlock()
	if r.off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(buf, r.data[r.off:])
	r.off += int64(n)
	return n, nil
}

func (r *pcmReader) Seek(offset int64, whence int) (int64, error) {
	r.locker.Lock()
	defer r.locker.Unlock()
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.off + offset
	case io.SeekEnd:
		target = int64(len(r.data)) + offset
	default:
		return 0, fmt.Errorf("unknown whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("negative seek offset %d", target)
	}
	if target > int64(len(r.data)) {
		target = int64(len(r.data))
	}
	r.off = target
	return target, nil
}

func (r *pcmReader) Offset() int64 {
	r.locker.Lock()
	defer r.locker.Unlock()
	return r.off
}

func (r *pcmReader) AtEOF() bool {
	r.locker.Lock()
	defer r.locker.Unlock()
	return r.off >= int64(len(r.data))
}
