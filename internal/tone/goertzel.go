package tone

import (
	"errors"
	"math"
)

// Configuration errors reported by NewGoertzel at construction time.
var (
	ErrInvalidWindow     = errors.New("window length must be positive")
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
	ErrInvalidFrequency  = errors.New("target frequency must be positive and below the Nyquist frequency")
)

// Goertzel is a single-bin recursive spectral estimator tuned to one target
// frequency. It consumes samples one at a time and yields a power estimate
// for that frequency once per full analysis window, without computing a
// full spectrum. Work per sample is O(1) and no transform buffer is kept,
// which suits per-frame processing on a live audio path.
type Goertzel struct {
	coef   float64 // precomputed 2*cos(2π*k/N)
	window int

	s1, s2 float64
	count  int
}

// NewGoertzel creates an estimator for the given target frequency. window is
// the number of samples per power estimate; together with sampleRate it
// fixes the frequency resolution and must not change afterwards.
func NewGoertzel(targetFreq, sampleRate float64, window int) (*Goertzel, error) {
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	if sampleRate <= 0 {
		return nil, ErrInvalidSampleRate
	}
	if targetFreq <= 0 || targetFreq >= sampleRate/2 {
		return nil, ErrInvalidFrequency
	}

	// Normalized frequency index for the window.
	k := targetFreq / sampleRate * float64(window)

	return &Goertzel{
		coef:   2.0 * math.Cos(2.0*math.Pi*k/float64(window)),
		window: window,
	}, nil
}

// Feed accumulates one signed 16-bit sample. After exactly the window length
// of samples it returns the power estimate for the target frequency,
// normalized by the squared window length, and resets the accumulators for
// the next window. Until then ok is false and power is zero.
func (g *Goertzel) Feed(sample int16) (power float64, ok bool) {
	s0 := float64(sample) + g.coef*g.s1 - g.s2
	g.s2 = g.s1
	g.s1 = s0
	g.count++

	if g.count < g.window {
		return 0, false
	}

	power = (g.s1*g.s1 + g.s2*g.s2 - g.coef*g.s1*g.s2) / float64(g.window*g.window)
	if power < 0 {
		// Floating point rounding can push the quadratic form slightly negative.
		power = 0
	}

	g.s1, g.s2, g.count = 0, 0, 0
	return power, true
}

// Reset discards any partially accumulated window. A partial window's power
// is never extrapolated; the samples are simply dropped.
func (g *Goertzel) Reset() {
	g.s1, g.s2, g.count = 0, 0, 0
}

// Coefficient returns the precomputed filter coefficient.
func (g *Goertzel) Coefficient() float64 {
	return g.coef
}

// Window returns the analysis window length in samples.
func (g *Goertzel) Window() int {
	return g.window
}
