package audio

import (
	"math"
	"sync"
)

const (
	DefaultFFTSize         = 256
	defaultMinDecibels     = -100.0
	defaultMaxDecibels     = -30.0
	defaultSmoothingFactor = 0.8
)

// Analyser keeps the most recent fftSize samples of a signal and reduces
// them to byte frequency data the way a browser AnalyserNode does.
// Write and the read methods may be called from different goroutines.
type Analyser struct {
	mu       sync.Mutex
	size     int
	ring     []float32
	pos      int
	window   []float64
	cos      []float64
	sin      []float64
	smoothed []float64
	bytes    []byte
}

// NewAnalyser creates an analyser; fftSize must be a power of two >= 32.
func NewAnalyser(fftSize int) *Analyser {
	if fftSize < 32 || fftSize&(fftSize-1) != 0 {
		fftSize = DefaultFFTSize
	}
	a := &Analyser{
		size:     fftSize,
		ring:     make([]float32, fftSize),
		window:   make([]float64, fftSize),
		cos:      make([]float64, fftSize),
		sin:      make([]float64, fftSize),
		smoothed: make([]float64, fftSize/2),
		bytes:    make([]byte, fftSize/2),
	}
	const alpha = 0.16
	for i := 0; i < fftSize; i++ {
		x := float64(i) / float64(fftSize)
		a.window[i] = (1-alpha)/2 - 0.5*math.Cos(2*math.Pi*x) + alpha/2*math.Cos(4*math.Pi*x)
		a.cos[i] = math.Cos(2 * math.Pi * x)
		a.sin[i] = math.Sin(2 * math.Pi * x)
	}
	return a
}

// FrequencyBinCount is half the FFT size.
func (a *Analyser) FrequencyBinCount() int { return a.size / 2 }

// Write appends samples to the analysis window.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % a.size
	}
}

// Reset clears the window and smoothing state.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.ring {
		a.ring[i] = 0
	}
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
	a.pos = 0
}

// ByteFrequencyData returns the current spectrum, one byte per bin.
// The returned slice is a copy.
func (a *Analyser) ByteFrequencyData() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analyse()
	out := make([]byte, len(a.bytes))
	copy(out, a.bytes)
	return out
}

// Level reduces the spectrum to its mean magnitude in [0,1].
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analyse()
	var sum int
	for _, b := range a.bytes {
		sum += int(b)
	}
	return float64(sum) / float64(len(a.bytes)) / 255
}

// analyse must be called with mu held.
func (a *Analyser) analyse() {
	n := a.size
	frame := make([]float64, n)
	for i := 0; i < n; i++ {
		// Oldest sample first.
		frame[i] = float64(a.ring[(a.pos+i)%n]) * a.window[i]
	}

	scale := 255 / (defaultMaxDecibels - defaultMinDecibels)
	for k := 0; k < n/2; k++ {
		var re, im float64
		for i := 0; i < n; i++ {
			idx := (k * i) % n
			re += frame[i] * a.cos[idx]
			im -= frame[i] * a.sin[idx]
		}
		mag := math.Hypot(re, im) / float64(n)
		a.smoothed[k] = defaultSmoothingFactor*a.smoothed[k] + (1-defaultSmoothingFactor)*mag

		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := scale * (db - defaultMinDecibels)
		switch {
		case v <= 0 || math.IsNaN(v):
			a.bytes[k] = 0
		case v >= 255:
			a.bytes[k] = 255
		default:
			a.bytes[k] = byte(v)
		}
	}
}
