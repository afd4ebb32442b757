package waveform

import (
	"math"

	"github.com/brettbuddin/fourier"
)

// spectrumNormalization scales the magnitudes of a two-sided forward FFT to
// real-world amplitudes for synthesis.
const spectrumNormalization = 2.0

// resampleEnvelope brings a signal to exactly n points by evaluating its
// band-limited interpolant: one forward FFT over the (edge-padded,
// power-of-two) input, then direct cosine synthesis at the n sample
// positions.
func resampleEnvelope(values []float64, n int) []float64 {
	if len(values) == n {
		return values
	}
	out := make([]float64, n)
	if len(values) == 0 {
		return out
	}
	if len(values) == 1 || n == 1 {
		for i := range out {
			out[i] = values[0]
		}
		return out
	}

	srcN := nextPowerOfTwo(len(values))
	coeffs := make([]complex128, srcN)
	for i := range coeffs {
		if i < len(values) {
			coeffs[i] = complex(values[i], 0)
		} else {
			coeffs[i] = complex(values[len(values)-1], 0) // edge padding
		}
	}
	if err := fourier.Forward(coeffs); err != nil {
		return linearResample(values, n)
	}

	type harmonic struct {
		freq      float64
		amplitude float64
		phase     float64
	}
	invN := 1.0 / float64(srcN)
	harmonics := make([]harmonic, 0, srcN/2)
	for k := 1; k < srcN/2; k++ {
		mag := math.Hypot(real(coeffs[k]), imag(coeffs[k]))
		if mag == 0 {
			continue
		}
		harmonics = append(harmonics, harmonic{
			freq:      2 * math.Pi * float64(k) * invN,
			amplitude: mag * spectrumNormalization * invN,
			phase:     math.Atan2(imag(coeffs[k]), real(coeffs[k])),
		})
	}
	dc := real(coeffs[0]) * invN

	// sample positions expressed in source-sample coordinates
	ratio := float64(len(values)-1) / float64(n-1)
	for i := range out {
		t := float64(i) * ratio
		sum := dc
		for _, h := range harmonics {
			sum += h.amplitude * math.Cos(h.freq*t+h.phase)
		}
		out[i] = sum
	}
	return out
}

// linearResample is the fallback when the FFT cannot run.
func linearResample(values []float64, n int) []float64 {
	if len(values) == n {
		return values
	}
	out := make([]float64, n)
	if len(values) == 0 {
		return out
	}
	if len(values) == 1 || n == 1 {
		for i := range out {
			out[i] = values[0]
		}
		return out
	}
	ratio := float64(len(values)-1) / float64(n-1)
	for i := range out {
		pos := float64(i) * ratio
		left := int(pos)
		right := left + 1
		if right >= len(values) {
			right = len(values) - 1
		}
		t := pos - float64(left)
		out[i] = values[left]*(1-t) + values[right]*t
	}
	return out
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}
