package capture

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8

	// Decibel range mapped onto 0..255 frequency magnitudes
	analyserMinDB = -100.0
	analyserMaxDB = -30.0
)

// Analyser turns a window of time-domain samples into byte frequency
// magnitudes, the way a browser AnalyserNode does: Blackman window, real FFT,
// temporal smoothing, then a dB scale clamped into 0..255.
type Analyser struct {
	size      int
	smoothing float64
	fft       *fourier.FFT
	window    []float64
	in        []float64
	coeff     []complex128
	smoothed  []float64
	bytes     []byte
}

// NewAnalyser creates an analyser over size samples. size must be a power of
// two; other values are rounded up.
func NewAnalyser(size int, smoothing float64) *Analyser {
	if size <= 0 {
		size = DefaultFFTSize
	}
	size = nextPowerOfTwo(size)
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}

	w := make([]float64, size)
	for n := range w {
		x := 2 * math.Pi * float64(n) / float64(size)
		w[n] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}

	return &Analyser{
		size:      size,
		smoothing: smoothing,
		fft:       fourier.NewFFT(size),
		window:    w,
		in:        make([]float64, size),
		smoothed:  make([]float64, size/2),
		bytes:     make([]byte, size/2),
	}
}

// Size is the number of time-domain samples consumed per analysis
func (a *Analyser) Size() int {
	return a.size
}

// ByteFrequencyData analyses samples (zero padded at the front when shorter
// than Size) and returns one 0..255 magnitude per frequency bin. The returned
// slice is reused by the next call.
func (a *Analyser) ByteFrequencyData(samples []float64) []byte {
	if len(samples) > a.size {
		samples = samples[len(samples)-a.size:]
	}
	pad := a.size - len(samples)
	for i := 0; i < pad; i++ {
		a.in[i] = 0
	}
	for i, s := range samples {
		a.in[pad+i] = s * a.window[pad+i]
	}

	a.coeff = a.fft.Coefficients(a.coeff, a.in)

	scale := 255 / (analyserMaxDB - analyserMinDB)
	for k := range a.smoothed {
		mag := cmplx.Abs(a.coeff[k]) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		db := analyserMinDB
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := (db - analyserMinDB) * scale
		switch {
		case v < 0:
			v = 0
		case v > 255:
			v = 255
		}
		a.bytes[k] = byte(v)
	}

	return a.bytes
}

// Level is the mean frequency magnitude normalised to 0..1.
func (a *Analyser) Level(samples []float64) float64 {
	data := a.ByteFrequencyData(samples)
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range data {
		sum += float64(v)
	}
	return sum / float64(len(data)) / 255
}

// Reset clears the smoothing history
func (a *Analyser) Reset() {
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
