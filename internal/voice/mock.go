package voice

import (
	"context"
	"math"
	"strings"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
)

// MockProvider fakes narration: one voiced syllable per word of the script,
// with pauses between sentences. Output is deterministic.
type MockProvider struct {
	Seed uint64
	// Level is the syllable peak amplitude; zero means 0.3.
	Level float64
}

const (
	syllable = 0.35
	wordGap  = 0.12
	pause    = 0.8
)

func (m *MockProvider) Fetch(ctx context.Context, req Request) (*audio.Stem, error) {
	if err := audio.Interrupted(ctx, "voice"); err != nil {
		return nil, err
	}
	level := m.Level
	if level <= 0 {
		level = 0.3
	}
	script := req.Script
	if script == "" {
		script = "breathe in. breathe out."
	}
	frames := audio.FramesFor(req.Duration, req.SampleRate)
	st := audio.NewStem("voice", req.SampleRate, frames)
	sr := float64(req.SampleRate)
	r := dsp.NewRand(m.Seed)

	t := 0.5
	for _, word := range strings.Fields(script) {
		start := audio.FramesFor(t, req.SampleRate)
		n := audio.FramesFor(syllable, req.SampleRate)
		pitch := dsp.Range(r, 110, 160)
		for i := 0; i < n && start+i < frames; i++ {
			x := float64(i) / float64(n)
			env := math.Sin(math.Pi * x)
			ph := 2 * math.Pi * pitch * float64(i) / sr
			v := env * level * (0.6*math.Sin(ph) + 0.3*math.Sin(2*ph) + 0.1*math.Sin(3*ph))
			st.L[start+i] = float32(v)
			st.R[start+i] = float32(v)
		}
		t += syllable + wordGap
		if strings.HasSuffix(word, ".") {
			t += pause
		}
	}
	return st, nil
}
