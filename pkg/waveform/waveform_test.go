package waveform

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audioghost-ai/audioghost/pkg/mediafile"
)

func sine(sampleRate int, freq, amplitude float64, d time.Duration) *mediafile.PCM {
	frames := int(float64(sampleRate) * d.Seconds())
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return &mediafile.PCM{SampleRate: sampleRate, Channels: 1, Samples: samples}
}

func TestExtract(t *testing.T) {
	t.Run("SineEnvelope", func(t *testing.T) {
		pcm := sine(48000, 440, 0.5, 2*time.Second)
		peaks, err := Extract(pcm, 100)
		require.NoError(t, err)

		assert.Equal(t, 100, peaks.Buckets)
		require.Len(t, peaks.Max, 100)
		require.Len(t, peaks.Min, 100)
		require.Len(t, peaks.RMS, 100)
		assert.InDelta(t, 2.0, peaks.DurationSeconds, 0.001)

		// interior buckets of a steady sine: max≈A, min≈-A, rms≈A/√2
		for i := 10; i < 90; i++ {
			assert.InDelta(t, 0.5, peaks.Max[i], 0.1, "bucket %d", i)
			assert.InDelta(t, -0.5, peaks.Min[i], 0.1, "bucket %d", i)
			assert.InDelta(t, 0.5/math.Sqrt2, peaks.RMS[i], 0.1, "bucket %d", i)
		}
	})

	t.Run("Silence", func(t *testing.T) {
		pcm := &mediafile.PCM{
			SampleRate: 48000,
			Channels:   1,
			Samples:    make([]float32, 48000),
		}
		peaks, err := Extract(pcm, 50)
		require.NoError(t, err)
		for i := range peaks.RMS {
			assert.InDelta(t, 0, peaks.RMS[i], 1e-9)
			assert.InDelta(t, 0, peaks.Max[i], 1e-9)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := Extract(&mediafile.PCM{SampleRate: 48000, Channels: 1}, 50)
		require.Error(t, err)
	})

	t.Run("SpectrogramShape", func(t *testing.T) {
		pcm := sine(48000, 440, 0.5, time.Second)
		peaks, err := Extract(pcm, 100)
		require.NoError(t, err)
		require.NotEmpty(t, peaks.Spectrogram)
		for _, frame := range peaks.Spectrogram {
			assert.Len(t, frame, spectrogramBins)
		}
	})

	t.Run("ShortClipHasNoSpectrogram", func(t *testing.T) {
		pcm := &mediafile.PCM{
			SampleRate: 48000,
			Channels:   1,
			Samples:    make([]float32, 100),
		}
		peaks, err := Extract(pcm, 10)
		require.NoError(t, err)
		assert.Nil(t, peaks.Spectrogram)
	})
}

func TestResampleEnvelope(t *testing.T) {
	t.Run("Identity", func(t *testing.T) {
		in := []float64{1, 2, 3}
		assert.Equal(t, in, resampleEnvelope(in, 3))
	})

	t.Run("ConstantStaysConstant", func(t *testing.T) {
		in := make([]float64, 37)
		for i := range in {
			in[i] = 0.25
		}
		out := resampleEnvelope(in, 100)
		require.Len(t, out, 100)
		for i, v := range out {
			assert.InDelta(t, 0.25, v, 0.05, "point %d", i)
		}
	})

	t.Run("SinglePoint", func(t *testing.T) {
		out := resampleEnvelope([]float64{0.7}, 5)
		assert.Equal(t, []float64{0.7, 0.7, 0.7, 0.7, 0.7}, out)
	})

	t.Run("Downsample", func(t *testing.T) {
		in := make([]float64, 1000)
		for i := range in {
			in[i] = float64(i) / 1000
		}
		out := resampleEnvelope(in, 10)
		require.Len(t, out, 10)
		// the ramp should remain roughly monotonic
		assert.Less(t, out[1], out[8])
	})
}
