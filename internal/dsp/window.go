// Package dsp holds the small amount of signal processing the acquisition
// front end does itself: a windowed power spectrum and level estimates used
// to judge whether the receiver is tuned to a live ensemble.
package dsp

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Hamming returns a Hamming window of length n.
// If n is zero or negative, an empty slice is returned.
func Hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	win := make([]float64, n)
	for i := range win {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// ApplyWindow multiplies samples by window into dst, growing dst as needed.
// It returns nil when the lengths differ.
func ApplyWindow(dst []complex128, samples []complex64, window []float64) []complex128 {
	if len(samples) != len(window) {
		return nil
	}
	if cap(dst) < len(samples) {
		dst = make([]complex128, len(samples))
	}
	dst = dst[:len(samples)]
	for i, v := range samples {
		w := window[i]
		dst[i] = complex(float64(real(v))*w, float64(imag(v))*w)
	}
	return dst
}

// CoherentGain is the sum of the window, the amplitude of a unit tone at a
// bin centre after windowing.
func CoherentGain(window []float64) float64 { return floats.Sum(window) }
