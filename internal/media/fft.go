package media

import (
	"math"
	"sync"
)

// Analyzer turns PCM into byte frequency data the way a browser
// AnalyserNode does: Blackman-windowed FFT, smoothed magnitudes, and a
// decibel range mapped onto 0..255.
type Analyzer struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	mu       sync.Mutex
	window   []float64
	samples  []float64 // ring of the last size samples
	pos      int
	smoothed []float64
	spectrum []complex128
}

// NewAnalyzer returns an analyzer over size samples. size must be a power
// of two; other values are rounded up.
func NewAnalyzer(size int) *Analyzer {
	n := 32
	for n < size {
		n <<= 1
	}
	a := &Analyzer{
		size:      n,
		smoothing: 0.8,
		minDB:     -100,
		maxDB:     -30,
		window:    blackman(n),
		samples:   make([]float64, n),
		smoothed:  make([]float64, n/2),
		spectrum:  make([]complex128, n),
	}
	return a
}

// Bins is the number of frequency bins, half the FFT size.
func (a *Analyzer) Bins() int { return a.size / 2 }

// Write appends PCM samples to the analysis window.
func (a *Analyzer) Write(pcm []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, v := range pcm {
		a.samples[a.pos] = float64(v) / 32768
		a.pos = (a.pos + 1) % a.size
	}
}

// Level returns the mean of the byte frequency data normalized to 0..1.
func (a *Analyzer) Level() float64 {
	data := a.ByteFrequencyData()
	sum := 0
	for _, v := range data {
		sum += int(v)
	}
	return float64(sum) / float64(len(data)*255)
}

// ByteFrequencyData analyses the current window and returns one byte per bin.
func (a *Analyzer) ByteFrequencyData() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.size; i++ {
		s := a.samples[(a.pos+i)%a.size]
		a.spectrum[i] = complex(s*a.window[i], 0)
	}
	fft(a.spectrum)

	out := make([]byte, a.size/2)
	scale := 255 / (a.maxDB - a.minDB)
	for k := range out {
		re, im := real(a.spectrum[k]), imag(a.spectrum[k])
		mag := math.Sqrt(re*re+im*im) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := (db - a.minDB) * scale
		switch {
		case v <= 0 || math.IsNaN(v):
			out[k] = 0
		case v >= 255:
			out[k] = 255
		default:
			out[k] = byte(v)
		}
	}
	return out
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}

// fft is an in-place radix-2 Cooley-Tukey transform. len(data) must be a
// power of two.
func fft(data []complex128) {
	n := len(data)
	if n <= 1 {
		return
	}

	for i, j := 0, 0; i < n; i++ {
		if j > i {
			data[i], data[j] = data[j], data[i]
		}
		bit := n >> 1
		for j&bit != 0 {
			j ^= bit
			bit >>= 1
		}
		j ^= bit
	}

	for size := 2; size <= n; size <<= 1 {
		half := size >> 1
		step := -2 * math.Pi / float64(size)
		for i := 0; i < n; i += size {
			for j := 0; j < half; j++ {
				sin, cos := math.Sincos(float64(j) * step)
				u := data[i+j]
				v := data[i+j+half] * complex(cos, sin)
				data[i+j] = u + v
				data[i+j+half] = u - v
			}
		}
	}
}
