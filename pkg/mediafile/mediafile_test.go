package mediafile

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(sampleRate, channels int, freq float64, d time.Duration) *PCM {
	frames := int(float64(sampleRate) * d.Seconds())
	samples := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		v := float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		for ch := 0; ch < channels; ch++ {
			samples[i*channels+ch] = v
		}
	}
	return &PCM{SampleRate: sampleRate, Channels: channels, Samples: samples}
}

func TestWAV(t *testing.T) {
	t.Run("S16RoundTrip", func(t *testing.T) {
		src := sine(8000, 2, 440, 250*time.Millisecond)
		var buf bytes.Buffer
		require.NoError(t, EncodeWAV(&buf, src))

		got, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, src.SampleRate, got.SampleRate)
		assert.Equal(t, src.Channels, got.Channels)
		require.Equal(t, src.Frames(), got.Frames())
		assert.Equal(t, src.Duration(), got.Duration())
		for i := 0; i < len(src.Samples); i += 101 {
			assert.InDelta(t, src.Samples[i], got.Samples[i], 1.0/32000)
		}
	})

	t.Run("SkipsUnknownChunks", func(t *testing.T) {
		src := sine(8000, 1, 100, 100*time.Millisecond)
		var buf bytes.Buffer
		require.NoError(t, EncodeWAV(&buf, src))

		// splice a LIST chunk between fmt and data
		raw := buf.Bytes()
		spliced := append([]byte{}, raw[:36]...)
		spliced = append(spliced, 'L', 'I', 'S', 'T', 4, 0, 0, 0, 'I', 'N', 'F', 'O')
		spliced = append(spliced, raw[36:]...)

		got, err := Decode(bytes.NewReader(spliced))
		require.NoError(t, err)
		assert.Equal(t, src.Frames(), got.Frames())
	})

	t.Run("RejectsGarbage", func(t *testing.T) {
		_, err := Decode(bytes.NewReader([]byte("ID3\x04 definitely not wav")))
		require.Error(t, err)
	})

	t.Run("RejectsTruncated", func(t *testing.T) {
		src := sine(8000, 1, 100, 100*time.Millisecond)
		var buf bytes.Buffer
		require.NoError(t, EncodeWAV(&buf, src))
		_, err := Decode(bytes.NewReader(buf.Bytes()[:100]))
		require.Error(t, err)
	})
}

func TestConvert(t *testing.T) {
	t.Run("Identity", func(t *testing.T) {
		src := sine(48000, 2, 440, 100*time.Millisecond)
		assert.Same(t, src, Convert(src, 48000, 2))
	})

	t.Run("MonoToStereo", func(t *testing.T) {
		src := sine(48000, 1, 440, 100*time.Millisecond)
		got := Convert(src, 48000, 2)
		require.Equal(t, 2, got.Channels)
		require.Equal(t, src.Frames(), got.Frames())
		for i := 0; i < got.Frames(); i += 97 {
			assert.Equal(t, got.Samples[i*2], got.Samples[i*2+1])
			assert.Equal(t, src.Samples[i], got.Samples[i*2])
		}
	})

	t.Run("Upsample", func(t *testing.T) {
		src := sine(24000, 1, 440, 500*time.Millisecond)
		got := Convert(src, 48000, 1)
		assert.Equal(t, 48000, got.SampleRate)
		assert.InDelta(t, src.Duration().Seconds(), got.Duration().Seconds(), 0.001)
	})

	t.Run("Downsample", func(t *testing.T) {
		src := sine(48000, 2, 440, 500*time.Millisecond)
		got := Convert(src, 16000, 2)
		assert.Equal(t, 16000, got.SampleRate)
		assert.InDelta(t, src.Duration().Seconds(), got.Duration().Seconds(), 0.001)
	})
}

func TestMono(t *testing.T) {
	pcm := &PCM{
		SampleRate: 8000,
		Channels:   2,
		Samples:    []float32{1, 0, 0.5, 0.5, -1, 1},
	}
	assert.Equal(t, []float32{0.5, 0.5, 0}, pcm.Mono())
}
