// Package waveform extracts rendering data from decoded stems: a
// fixed-bucket min/max/RMS envelope for the waveform strip and a coarse
// spectrogram. Only data is produced here; drawing it is the client's job.
package waveform

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/audioghost-ai/audioghost/pkg/mediafile"
)

// PathFor is where the precomputed peaks of a stem file live.
func PathFor(stemPath string) string {
	return strings.TrimSuffix(stemPath, filepath.Ext(stemPath)) + ".peaks.json"
}

const (
	// DefaultBuckets matches what a full-width waveform strip consumes.
	DefaultBuckets = 800

	// frameLen is the natural envelope granularity before the envelope is
	// resampled to the requested bucket count.
	frameLen = 1024
)

// Peaks is the JSON payload served to the waveform renderer.
type Peaks struct {
	Buckets         int         `json:"buckets"`
	SampleRate      int         `json:"sample_rate"`
	DurationSeconds float64     `json:"duration_seconds"`
	Min             []float64   `json:"min"`
	Max             []float64   `json:"max"`
	RMS             []float64   `json:"rms"`
	Spectrogram     [][]float64 `json:"spectrogram,omitempty"`
}

// Extract computes the envelope and spectrogram for pcm, normalized to
// exactly `buckets` envelope points.
func Extract(pcm *mediafile.PCM, buckets int) (*Peaks, error) {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	mono := pcm.Mono()
	if len(mono) == 0 {
		return nil, fmt.Errorf("no samples to extract a waveform from")
	}

	lo, hi, rms := envelope(mono, frameLen)
	if len(lo) != buckets {
		lo = resampleEnvelope(lo, buckets)
		hi = resampleEnvelope(hi, buckets)
		rms = resampleEnvelope(rms, buckets)
		clampEnvelope(lo, hi, rms)
	}

	return &Peaks{
		Buckets:         buckets,
		SampleRate:      pcm.SampleRate,
		DurationSeconds: pcm.Duration().Seconds(),
		Min:             lo,
		Max:             hi,
		RMS:             rms,
		Spectrogram:     spectrogram(mono, pcm.SampleRate),
	}, nil
}

func envelope(mono []float32, frame int) (lo, hi, rms []float64) {
	frames := (len(mono) + frame - 1) / frame
	lo = make([]float64, frames)
	hi = make([]float64, frames)
	rms = make([]float64, frames)
	for i := 0; i < frames; i++ {
		start := i * frame
		end := start + frame
		if end > len(mono) {
			end = len(mono)
		}
		maxV := -1.0
		minV := 1.0
		var sumSq float64
		for _, s := range mono[start:end] {
			v := float64(s)
			if v > maxV {
				maxV = v
			}
			if v < minV {
				minV = v
			}
			sumSq += v * v
		}
		lo[i] = minV
		hi[i] = maxV
		rms[i] = math.Sqrt(sumSq / float64(end-start))
	}
	return lo, hi, rms
}

// clampEnvelope repairs the overshoot Fourier resampling may introduce:
// values stay in [-1, 1], minima stay below maxima, RMS stays non-negative.
func clampEnvelope(lo, hi, rms []float64) {
	for i := range lo {
		lo[i] = clamp(lo[i], -1, 1)
		hi[i] = clamp(hi[i], -1, 1)
		if lo[i] > hi[i] {
			lo[i], hi[i] = hi[i], lo[i]
		}
		rms[i] = clamp(rms[i], 0, 1)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
