package waveform

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

const (
	spectrogramFrames = 64
	spectrogramBins   = 32
	spectrogramFFT    = 1024
)

// spectrogram computes a coarse time/frequency grid: up to 64 frames, each
// a Hann-windowed 1024-point FFT collapsed into 32 log-spaced bins of
// log-compressed magnitude.
func spectrogram(mono []float32, sampleRate int) [][]float64 {
	if len(mono) < spectrogramFFT {
		return nil
	}

	frames := spectrogramFrames
	maxFrames := len(mono) / spectrogramFFT
	if frames > maxFrames {
		frames = maxFrames
	}
	stride := (len(mono) - spectrogramFFT) / frames

	hann := window.Hann(spectrogramFFT)
	result := make([][]float64, frames)
	for f := 0; f < frames; f++ {
		start := f * stride
		buf := make([]float64, spectrogramFFT)
		for i := range buf {
			buf[i] = float64(mono[start+i]) * hann[i]
		}
		spectrum := fft.FFTReal(buf)
		result[f] = collapseBins(spectrum[:spectrogramFFT/2], spectrogramBins)
	}
	return result
}

// collapseBins merges the linear half-spectrum into log-spaced bins.
func collapseBins(spectrum []complex128, bins int) []float64 {
	out := make([]float64, bins)
	n := len(spectrum)
	for b := 0; b < bins; b++ {
		lo := logBinEdge(b, bins, n)
		hi := logBinEdge(b+1, bins, n)
		if hi <= lo {
			hi = lo + 1
		}
		var sum float64
		for k := lo; k < hi && k < n; k++ {
			sum += cmplx.Abs(spectrum[k])
		}
		// log compression keeps quiet content visible
		out[b] = math.Log1p(sum / float64(hi-lo))
	}
	return out
}

func logBinEdge(b, bins, n int) int {
	// edges run from 1 to n, skipping the DC component
	edge := math.Pow(float64(n), float64(b)/float64(bins))
	return int(edge)
}
