package voice

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-render/internal/audio"
)

func writeVoice(t *testing.T, dir string, rate int) string {
	t.Helper()
	st := audio.NewStem("voice", rate, rate)
	for i := range st.L {
		st.L[i] = float32(0.25 * math.Sin(2*math.Pi*220*float64(i)/float64(rate)))
		st.R[i] = st.L[i]
	}
	path := filepath.Join(dir, "voice.wav")
	if err := audio.WriteFile(path, audio.Quantize(st, audio.FormatPCM16, nil)); err != nil {
		t.Fatalf("write voice: %v", err)
	}
	return path
}

func TestFileProviderResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	writeVoice(t, dir, 48000)
	p := &FileProvider{Dir: dir}
	st, err := p.Fetch(context.Background(), Request{Path: "voice.wav", SampleRate: 48000})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if st.Frames() != 48000 || st.SampleRate != 48000 {
		t.Fatalf("stem = %d frames at %d Hz", st.Frames(), st.SampleRate)
	}
	if math.Abs(st.Peak()-0.25) > 0.01 {
		t.Fatalf("peak = %v", st.Peak())
	}
}

func TestFileProviderRejectsRateMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeVoice(t, dir, 44100)
	p := &FileProvider{}
	if _, err := p.Fetch(context.Background(), Request{Path: path, SampleRate: 48000}); err == nil {
		t.Fatalf("expected sample rate error")
	}
	if _, err := p.Fetch(context.Background(), Request{SampleRate: 48000}); err == nil {
		t.Fatalf("expected missing path error")
	}
}

func TestExecProviderDecodesChunks(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "speak.sh")
	body := "#!/bin/sh\ncat > /dev/null\n" +
		"echo '{\"pcm_base64\":\"AAEAAQ==\",\"final\":false}'\n" +
		"echo '{\"pcm_base64\":\"AID/fw==\",\"final\":true}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	p, err := NewExecProvider("sh "+script, 2)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	st, err := p.Fetch(context.Background(), Request{Script: "hello", SampleRate: 16000})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if st.Frames() != 2 {
		t.Fatalf("frames = %d, want 2", st.Frames())
	}
	if st.L[0] != 256.0/32768 || st.R[0] != 256.0/32768 {
		t.Fatalf("frame 0 = %v/%v", st.L[0], st.R[0])
	}
	if st.L[1] != -1 || st.R[1] != 32767.0/32768 {
		t.Fatalf("frame 1 = %v/%v", st.L[1], st.R[1])
	}
}

func TestExecProviderValidation(t *testing.T) {
	if _, err := NewExecProvider("", 1); err == nil {
		t.Fatalf("expected empty command error")
	}
	if _, err := NewExecProvider("speak", 3); err == nil {
		t.Fatalf("expected channel error")
	}
	p, err := NewExecProvider("speak", 1)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := p.Fetch(context.Background(), Request{SampleRate: 16000}); err == nil {
		t.Fatalf("expected missing script error")
	}
}

func TestMockProviderIsDeterministic(t *testing.T) {
	req := Request{Script: "relax your shoulders. let go.", SampleRate: 16000, Duration: 6}
	a, err := (&MockProvider{Seed: 9}).Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	b, _ := (&MockProvider{Seed: 9}).Fetch(context.Background(), req)
	if a.Frames() != 6*16000 {
		t.Fatalf("frames = %d", a.Frames())
	}
	if a.Peak() == 0 {
		t.Fatalf("mock voice is silent")
	}
	for i := range a.L {
		if a.L[i] != b.L[i] {
			t.Fatalf("frame %d differs between runs", i)
		}
	}
}

func TestAlign(t *testing.T) {
	st := audio.NewStem("voice", 1000, 10)
	st.L[0], st.R[0] = 1, 1
	out := Align(st, 0.5)
	if out.Frames() != 510 || out.L[500] != 1 || out.L[0] != 0 {
		t.Fatalf("aligned stem = %d frames, L[500]=%v", out.Frames(), out.L[500])
	}
	if Align(st, 0) != st {
		t.Fatalf("zero offset should return the stem as-is")
	}
}
