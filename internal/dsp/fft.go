package dsp

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// FloorDBFS replaces -Inf for empty bins so results stay JSON encodable.
const FloorDBFS = -200.0

// DABBandwidth is the occupied bandwidth of a DAB ensemble.
const DABBandwidth = 1_536_000.0

// FFTShift rotates data so that DC is centered. It works in place.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n < 2 {
		return data
	}
	half := n / 2
	tmp := make([]complex128, half)
	copy(tmp, data[:half])
	copy(data, data[half:])
	copy(data[n-half:], tmp)
	return data
}

// PowerDBFS converts |x|^2 to dB, clamped at FloorDBFS.
func PowerDBFS(power float64) float64 {
	if power <= 0 {
		return FloorDBFS
	}
	return math.Max(10*math.Log10(power), FloorDBFS)
}

// LevelDBFS is the mean power of samples relative to full scale; a full
// scale complex tone reads 0 dBFS.
func LevelDBFS(samples []complex64) float64 {
	if len(samples) == 0 {
		return FloorDBFS
	}
	var sum float64
	for _, s := range samples {
		re, im := float64(real(s)), float64(imag(s))
		sum += re*re + im*im
	}
	return PowerDBFS(sum / float64(len(samples)))
}

// Result describes one spectrum.
type Result struct {
	// Bins holds per-bin power in dBFS with DC at len/2.
	Bins         []float64 `json:"bins"`
	PeakBin      int       `json:"peakBin"`
	PeakDBFS     float64   `json:"peakDbfs"`
	PeakOffsetHz float64   `json:"peakOffsetHz"`
	LevelDBFS    float64   `json:"levelDbfs"`
	// InBandDB and OutBandDB are mean bin powers inside and outside the DAB
	// bandwidth; their difference is a rough SNR.
	InBandDB  float64 `json:"inBandDb"`
	OutBandDB float64 `json:"outBandDb"`
}

// SNR returns InBandDB - OutBandDB.
func (r Result) SNR() float64 { return r.InBandDB - r.OutBandDB }

// Spectrum computes Hamming-windowed power spectra of a fixed size. The
// window and FFT plan are built once and reused.
type Spectrum struct {
	mu         sync.Mutex
	size       int
	sampleRate float64
	window     []float64
	gain       float64
	fft        *fourier.CmplxFFT
	scratch    []complex128
	coeffs     []complex128
}

// NewSpectrum builds a probe of size points for samples at sampleRate Hz.
func NewSpectrum(size int, sampleRate float64) (*Spectrum, error) {
	s := &Spectrum{}
	if err := s.Resize(size, sampleRate); err != nil {
		return nil, err
	}
	return s, nil
}

// Resize rebuilds the cached window and FFT plan.
func (s *Spectrum) Resize(size int, sampleRate float64) error {
	if size < 2 || size&(size-1) != 0 {
		return fmt.Errorf("dsp: spectrum size %d is not a power of two", size)
	}
	if sampleRate <= 0 {
		return fmt.Errorf("dsp: sample rate must be positive, got %g", sampleRate)
	}
	win := Hamming(size)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = size
	s.sampleRate = sampleRate
	s.window = win
	s.gain = CoherentGain(win)
	s.fft = fourier.NewCmplxFFT(size)
	s.scratch = make([]complex128, size)
	s.coeffs = make([]complex128, size)
	return nil
}

// Size returns the number of points per spectrum.
func (s *Spectrum) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Analyze computes the spectrum of the first Size() samples.
func (s *Spectrum) Analyze(samples []complex64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(samples) < s.size {
		return Result{}, fmt.Errorf("dsp: need %d samples, got %d", s.size, len(samples))
	}
	samples = samples[:s.size]

	windowed := ApplyWindow(s.scratch, samples, s.window)
	coeffs := FFTShift(s.fft.Coefficients(s.coeffs, windowed))

	bins := make([]float64, s.size)
	norm := s.gain * s.gain
	for i, c := range coeffs {
		re, im := real(c), imag(c)
		bins[i] = PowerDBFS((re*re + im*im) / norm)
	}

	peak := floats.MaxIdx(bins)
	binHz := s.sampleRate / float64(s.size)
	res := Result{
		Bins:         bins,
		PeakBin:      peak,
		PeakDBFS:     bins[peak],
		PeakOffsetHz: float64(peak-s.size/2) * binHz,
		LevelDBFS:    LevelDBFS(samples),
	}
	res.InBandDB, res.OutBandDB = bandPower(bins, binHz)
	return res, nil
}

// bandPower averages linear bin power inside and outside the DAB bandwidth.
// Without any out-of-band bins both values equal the in-band mean.
func bandPower(bins []float64, binHz float64) (in, out float64) {
	center := len(bins) / 2
	halfBins := int(DABBandwidth / 2 / binHz)

	var inSum, outSum float64
	var inN, outN int
	for i, db := range bins {
		p := math.Pow(10, db/10)
		if i == center {
			// DC offset of the direct conversion front end
			continue
		}
		if d := i - center; d >= -halfBins && d <= halfBins {
			inSum += p
			inN++
		} else {
			outSum += p
			outN++
		}
	}
	if inN == 0 {
		return FloorDBFS, FloorDBFS
	}
	in = PowerDBFS(inSum / float64(inN))
	if outN == 0 {
		return in, in
	}
	return in, PowerDBFS(outSum / float64(outN))
}
