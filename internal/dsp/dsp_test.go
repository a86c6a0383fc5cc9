package dsp

import (
	"math"
	"testing"
)

func TestFilterResponses(t *testing.T) {
	const sr = 48000
	tests := []struct {
		name string
		f    *Biquad
		freq float64
		want float64
		tol  float64
	}{
		{"lowpass passband", LowPass(1000, math.Sqrt2/2, sr), 50, 0, 0.1},
		{"lowpass cutoff", LowPass(1000, math.Sqrt2/2, sr), 1000, -3.01, 0.1},
		{"highpass stopband", HighPass(1000, math.Sqrt2/2, sr), 100, -40, 1},
		{"bandpass centre", BandPass(2000, 2, sr), 2000, 0, 0.05},
		{"peaking centre", Peaking(3000, 1, 4, sr), 3000, 4, 0.05},
		{"low shelf floor", LowShelf(100, 0.707, -6, sr), 10, -6, 0.2},
		{"high shelf ceiling", HighShelf(8000, 0.707, 3, sr), 20000, 3, 0.3},
	}
	for _, tt := range tests {
		got := tt.f.Response(tt.freq, sr)
		if math.Abs(got-tt.want) > tt.tol {
			t.Errorf("%s: response %.2f dB, want %.2f±%.2f", tt.name, got, tt.want, tt.tol)
		}
	}
}

func TestBiquadStepSettlesToDCGain(t *testing.T) {
	f := LowPass(500, 0.707, 48000)
	var y float64
	for i := 0; i < 48000; i++ {
		y = f.Process(1)
	}
	if math.Abs(y-1) > 1e-6 {
		t.Fatalf("lowpass DC gain = %v, want 1", y)
	}
	f.Reset()
	if f.Process(0) != 0 {
		t.Fatalf("reset should clear state")
	}
}

func TestFollowerTracksLevel(t *testing.T) {
	for _, mode := range []DetectorMode{DetectPeak, DetectRMS} {
		f := NewFollower(mode, 0.005, 0.05, 48000)
		var env float64
		for i := 0; i < 48000; i++ {
			env = f.Process(0.5 * math.Sin(2*math.Pi*200*float64(i)/48000))
		}
		want := 0.5 / math.Sqrt2
		if mode == DetectPeak {
			// a rectified sine smoothed with a fast attack sits between mean and peak
			if env < 0.3 || env > 0.5 {
				t.Fatalf("peak envelope %v out of range", env)
			}
			continue
		}
		if math.Abs(env-want) > 0.03 {
			t.Fatalf("rms envelope = %v, want ≈%v", env, want)
		}
	}
}

func TestFollowerReleases(t *testing.T) {
	f := NewFollower(DetectPeak, 0.001, 0.01, 48000)
	for i := 0; i < 4800; i++ {
		f.Process(1)
	}
	var env float64
	for i := 0; i < 4800; i++ {
		env = f.Process(0)
	}
	if env > 0.001 {
		t.Fatalf("envelope should release to near zero, got %v", env)
	}
}

func TestParseDetectorMode(t *testing.T) {
	if m, err := ParseDetectorMode("peak"); err != nil || m != DetectPeak {
		t.Fatalf("got %v %v", m, err)
	}
	if m, err := ParseDetectorMode(""); err != nil || m != DetectRMS {
		t.Fatalf("default should be rms, got %v %v", m, err)
	}
	if _, err := ParseDetectorMode("vu"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewRandDeterministic(t *testing.T) {
	a, b := NewRand(7), NewRand(7)
	for i := 0; i < 100; i++ {
		if a.Float64() != b.Float64() {
			t.Fatalf("sequences diverged at %d", i)
		}
	}
}
