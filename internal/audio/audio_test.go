package audio

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func TestFramesFor(t *testing.T) {
	tests := []struct {
		seconds float64
		rate    int
		want    int
	}{
		{1, 48000, 48000},
		{0.5, 44100, 22050},
		{120, 48000, 5760000},
		{0, 48000, 0},
	}
	for _, tt := range tests {
		if got := FramesFor(tt.seconds, tt.rate); got != tt.want {
			t.Errorf("FramesFor(%v, %d) = %d, want %d", tt.seconds, tt.rate, got, tt.want)
		}
	}
}

func TestDBConversions(t *testing.T) {
	if DBToLinear(0) != 1 {
		t.Fatalf("0 dB must be exactly unity")
	}
	if got := DBToLinear(-6); math.Abs(got-0.501187) > 1e-6 {
		t.Fatalf("DBToLinear(-6) = %v", got)
	}
	if got := LinearToDB(0.5); math.Abs(got+6.0206) > 1e-4 {
		t.Fatalf("LinearToDB(0.5) = %v", got)
	}
	if !math.IsInf(LinearToDB(0), -1) {
		t.Fatalf("silence should be -Inf dB")
	}
}

func TestApplyFades(t *testing.T) {
	st := NewStem("tone", 1000, 1000)
	for i := range st.L {
		st.L[i], st.R[i] = 1, 1
	}
	ApplyFades(st, 0.1, 0.2)
	if st.L[0] != 0 || st.R[0] != 0 {
		t.Fatalf("first frame should be silent, got %v", st.L[0])
	}
	if st.L[500] != 1 {
		t.Fatalf("middle frame should be untouched, got %v", st.L[500])
	}
	if st.L[999] > 0.001 {
		t.Fatalf("last frame should be faded out, got %v", st.L[999])
	}
	if st.L[50] <= 0 || st.L[50] >= 1 {
		t.Fatalf("fade in should be partial at frame 50, got %v", st.L[50])
	}
}

func TestApplyFadesShortStem(t *testing.T) {
	st := NewStem("short", 1000, 100)
	for i := range st.L {
		st.L[i], st.R[i] = 1, 1
	}
	ApplyFades(st, 5, 8)
	for i, v := range st.L {
		if v < 0 || v > 1 {
			t.Fatalf("frame %d out of range: %v", i, v)
		}
	}
}

func TestCheckFiniteReportsNaN(t *testing.T) {
	st := NewStem("bad", 48000, 10)
	st.R[7] = float32(math.NaN())
	err := CheckFinite(st)
	var numErr *NumericError
	if !errors.As(err, &numErr) {
		t.Fatalf("expected NumericError, got %v", err)
	}
	if numErr.Index != 7 || numErr.Channel != "R" {
		t.Fatalf("unexpected location %+v", numErr)
	}
	if Kind(err) != KindNumeric {
		t.Fatalf("unexpected kind %q", Kind(err))
	}
	if !math.IsNaN(float64(st.R[7])) {
		t.Fatalf("NaN must not be repaired")
	}
}

func TestClipGuard(t *testing.T) {
	st := NewStem("hot", 48000, 3)
	st.L[0], st.L[1], st.L[2] = 1.5, -2, 0.25
	if n := ClipGuard(st); n != 2 {
		t.Fatalf("expected 2 clamped samples, got %d", n)
	}
	if st.L[0] != 1 || st.L[1] != -1 || st.L[2] != 0.25 {
		t.Fatalf("unexpected samples %v", st.L)
	}
}

func TestResize(t *testing.T) {
	st := NewStem("s", 100, 10)
	st.L[9] = 0.5
	st.Resize(20)
	if st.Frames() != 20 || st.L[9] != 0.5 || st.L[19] != 0 {
		t.Fatalf("pad failed: %v", st.L)
	}
	st.Resize(5)
	if st.Frames() != 5 || len(st.R) != 5 {
		t.Fatalf("trim failed")
	}
}

func TestLayerSeedIndependentAndStable(t *testing.T) {
	rc := RenderConfig{SampleRate: 48000, Seed: 42}
	a, b := rc.LayerSeed("rain"), rc.LayerSeed("noise")
	if a == b {
		t.Fatalf("layers should get different seeds")
	}
	if a != rc.LayerSeed("rain") {
		t.Fatalf("seed derivation must be stable")
	}
	other := RenderConfig{SampleRate: 48000, Seed: 43}
	if other.LayerSeed("rain") == a {
		t.Fatalf("global seed should influence layer seed")
	}
}

func TestWAVRoundTrip(t *testing.T) {
	st := NewStem("master", 48000, 480)
	for i := range st.L {
		st.L[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/48000))
		st.R[i] = -st.L[i]
	}
	for _, format := range []SampleFormat{FormatPCM16, FormatPCM24} {
		pcm := Quantize(st, format, nil)
		path := filepath.Join(t.TempDir(), "out.wav")
		if err := WriteFile(path, pcm); err != nil {
			t.Fatalf("write %s: %v", format, err)
		}
		got, info, err := ReadFile(path, "decoded")
		if err != nil {
			t.Fatalf("read %s: %v", format, err)
		}
		if info.BitDepth != format.BitDepth() || info.Channels != 2 || info.SampleRate != 48000 {
			t.Fatalf("unexpected source info %+v", info)
		}
		if got.Frames() != st.Frames() {
			t.Fatalf("frames = %d, want %d", got.Frames(), st.Frames())
		}
		tol := 1.5 / fullScale(format.BitDepth())
		for i := range st.L {
			if math.Abs(float64(got.L[i]-st.L[i])) > tol || math.Abs(float64(got.R[i]-st.R[i])) > tol {
				t.Fatalf("%s frame %d differs: got (%v,%v) want (%v,%v)", format, i, got.L[i], got.R[i], st.L[i], st.R[i])
			}
		}
	}
}

func TestParseSampleFormat(t *testing.T) {
	if f, err := ParseSampleFormat("PCM16"); err != nil || f != FormatPCM16 {
		t.Fatalf("got %v %v", f, err)
	}
	if _, err := ParseSampleFormat("float32"); err == nil {
		t.Fatalf("expected error for float32")
	}
}
