// Package mediafile decodes whole audio files into in-memory PCM buffers.
// Whole-file decoding is deliberate: the transport layer needs exact
// durations and cheap random access, and separation stems are short enough
// to hold decoded.
package mediafile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"
)

// PCM is interleaved float32 samples in [-1, 1].
type PCM struct {
	SampleRate int
	Channels   int
	Samples    []float32
}

// Frames is the number of sample frames (samples per channel).
func (p *PCM) Frames() int {
	if p.Channels == 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

func (p *PCM) Duration() time.Duration {
	if p.SampleRate == 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.SampleRate)
}

// Mono mixes all channels down to one.
func (p *PCM) Mono() []float32 {
	if p.Channels == 1 {
		return p.Samples
	}
	frames := p.Frames()
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < p.Channels; ch++ {
			sum += p.Samples[i*p.Channels+ch]
		}
		out[i] = sum / float32(p.Channels)
	}
	return out
}

// Decode sniffs the container magic and decodes the stream. WAV (PCM s16le
// and IEEE float32) and OGG-Vorbis are supported; everything else the
// upload layer is expected to have transcoded already.
func Decode(r io.Reader) (*PCM, error) {
	br := newPeekReader(r)
	magic, err := br.peek(4)
	if err != nil {
		return nil, fmt.Errorf("unable to read the container magic: %w", err)
	}

	switch {
	case bytes.Equal(magic, []byte("RIFF")):
		return decodeWAV(br)
	case bytes.Equal(magic, []byte("OggS")):
		return decodeOgg(br)
	}
	return nil, fmt.Errorf("unsupported container (magic %q)", magic)
}

// DecodeFile decodes the file at path.
func DecodeFile(path string) (*PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %q: %w", path, err)
	}
	defer f.Close()

	pcm, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("unable to decode %q: %w", path, err)
	}
	return pcm, nil
}

// peekReader lets Decode sniff the magic without consuming it.
type peekReader struct {
	r      io.Reader
	peeked []byte
}

func newPeekReader(r io.Reader) *peekReader {
	return &peekReader{r: r}
}

func (p *peekReader) peek(n int) ([]byte, error) {
	for len(p.peeked) < n {
		buf := make([]byte, n-len(p.peeked))
		read, err := p.r.Read(buf)
		p.peeked = append(p.peeked, buf[:read]...)
		if err != nil {
			return nil, err
		}
	}
	return p.peeked[:n], nil
}

func (p *peekReader) Read(buf []byte) (int, error) {
	if len(p.peeked) > 0 {
		n := copy(buf, p.peeked)
		p.peeked = p.peeked[n:]
		return n, nil
	}
	return p.r.Read(buf)
}
