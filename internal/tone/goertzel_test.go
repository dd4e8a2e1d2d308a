package tone

import (
	"errors"
	"math"
	"testing"
)

// sine generates n samples of a sine wave at freq Hz with the given
// amplitude, sampled at rate Hz, continuing from the given phase offset in
// samples.
func sine(freq, amplitude float64, rate, offset, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(offset+i)/float64(rate))
		out[i] = int16(v)
	}
	return out
}

func TestNewGoertzelValidation(t *testing.T) {
	tests := []struct {
		name       string
		freq, rate float64
		window     int
		wantErr    error
	}{
		{"zero window", 450, 8000, 0, ErrInvalidWindow},
		{"negative window", 450, 8000, -1, ErrInvalidWindow},
		{"zero rate", 450, 0, 205, ErrInvalidSampleRate},
		{"zero freq", 0, 8000, 205, ErrInvalidFrequency},
		{"freq at nyquist", 4000, 8000, 205, ErrInvalidFrequency},
		{"freq above nyquist", 5000, 8000, 205, ErrInvalidFrequency},
		{"valid", 450, 8000, 205, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGoertzel(tt.freq, tt.rate, tt.window)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewGoertzel() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewGoertzel() error: %v", err)
			}
			if g.Window() != tt.window {
				t.Errorf("Window() = %d, want %d", g.Window(), tt.window)
			}
		})
	}
}

func TestGoertzelWindowGating(t *testing.T) {
	g, err := NewGoertzel(450, 8000, 205)
	if err != nil {
		t.Fatalf("NewGoertzel() error: %v", err)
	}

	samples := sine(450, 10000, 8000, 0, 205)
	for i := 0; i < 204; i++ {
		if _, ok := g.Feed(samples[i]); ok {
			t.Fatalf("Feed() reported a power estimate after %d samples, want none before 205", i+1)
		}
	}
	power, ok := g.Feed(samples[204])
	if !ok {
		t.Fatal("Feed() did not report a power estimate after a full window")
	}
	if power <= 0 {
		t.Errorf("power = %v, want > 0 for an on-frequency tone", power)
	}
}

func TestGoertzelDiscriminatesFrequency(t *testing.T) {
	const window = 205

	feedAll := func(g *Goertzel, samples []int16) float64 {
		var power float64
		for _, s := range samples {
			if p, ok := g.Feed(s); ok {
				power = p
			}
		}
		return power
	}

	onTarget, err := NewGoertzel(450, 8000, window)
	if err != nil {
		t.Fatalf("NewGoertzel() error: %v", err)
	}
	offTarget, err := NewGoertzel(450, 8000, window)
	if err != nil {
		t.Fatalf("NewGoertzel() error: %v", err)
	}

	matched := feedAll(onTarget, sine(450, 10000, 8000, 0, window))
	leaked := feedAll(offTarget, sine(2000, 10000, 8000, 0, window))

	// A matched window concentrates roughly amplitude²/4 of power; an
	// off-frequency tone leaves only leakage.
	if matched < 1e6 {
		t.Errorf("on-frequency power = %v, want >= 1e6", matched)
	}
	if leaked >= matched/100 {
		t.Errorf("off-frequency power = %v, want well below on-frequency power %v", leaked, matched)
	}
}

func TestGoertzelSilence(t *testing.T) {
	g, err := NewGoertzel(450, 8000, 205)
	if err != nil {
		t.Fatalf("NewGoertzel() error: %v", err)
	}

	var power float64
	var seen bool
	for i := 0; i < 205; i++ {
		if p, ok := g.Feed(0); ok {
			power, seen = p, true
		}
	}
	if !seen {
		t.Fatal("no power estimate after a full window of silence")
	}
	if power != 0 {
		t.Errorf("silence power = %v, want 0", power)
	}
}

func TestGoertzelReset(t *testing.T) {
	g, err := NewGoertzel(450, 8000, 205)
	if err != nil {
		t.Fatalf("NewGoertzel() error: %v", err)
	}

	// Feed a partial window of loud samples, then reset. The next full
	// window of silence must come out clean.
	for _, s := range sine(450, 10000, 8000, 0, 100) {
		g.Feed(s)
	}
	g.Reset()

	var power float64
	var seen bool
	for i := 0; i < 205; i++ {
		if p, ok := g.Feed(0); ok {
			power, seen = p, true
		}
	}
	if !seen {
		t.Fatal("no power estimate after reset plus a full window")
	}
	if power != 0 {
		t.Errorf("power after Reset() = %v, want 0", power)
	}
}
