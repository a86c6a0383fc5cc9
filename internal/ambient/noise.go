// Package ambient renders the unscheduled background layers: colored noise,
// procedural nature soundscapes and positioned one-shot effects. Every
// generator draws from a generator seeded by RenderConfig.LayerSeed, so a
// render is reproducible for a given manifest seed.
package ambient

import (
	"context"
	"fmt"
	"math/bits"
	"math/rand/v2"
	"strings"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
)

// Base holds the parameters shared by the ambient generators.
type Base struct {
	Name      string
	Duration  float64
	Amplitude float64
	FadeIn    float64
	FadeOut   float64
}

func (b Base) check(rc audio.RenderConfig) error {
	if err := rc.Validate(); err != nil {
		return fmt.Errorf("%s: %w", b.Name, err)
	}
	if b.Duration <= 0 {
		return fmt.Errorf("%s: duration must be positive", b.Name)
	}
	if b.Amplitude < 0 || b.Amplitude > 1 {
		return fmt.Errorf("%s: amplitude %g outside [0,1]", b.Name, b.Amplitude)
	}
	return nil
}

// render calls fill for every frame index in order and finishes the stem.
func (b Base) render(ctx context.Context, rc audio.RenderConfig, fill func(i int) (l, r float64)) (*audio.Stem, error) {
	frames := audio.FramesFor(b.Duration, rc.SampleRate)
	st := audio.NewStem(b.Name, rc.SampleRate, frames)
	block := rc.Block()
	for start := 0; start < frames; start += block {
		if err := audio.Interrupted(ctx, b.Name); err != nil {
			return nil, err
		}
		for i := start; i < min(start+block, frames); i++ {
			l, r := fill(i)
			st.L[i] = float32(b.Amplitude * l)
			st.R[i] = float32(b.Amplitude * r)
		}
	}
	if err := audio.Finish(st, b.FadeIn, b.FadeOut); err != nil {
		return nil, err
	}
	return st, nil
}

type Color string

const (
	White Color = "white"
	Pink  Color = "pink"
	Brown Color = "brown"
)

func ParseColor(v string) (Color, error) {
	switch Color(strings.ToLower(strings.TrimSpace(v))) {
	case "", Pink:
		return Pink, nil
	case White:
		return White, nil
	case Brown, "red":
		return Brown, nil
	}
	return "", fmt.Errorf("unknown noise color %q (want white|pink|brown)", v)
}

// PinkMethod selects how pink noise is shaped.
type PinkMethod string

const (
	PinkFilter PinkMethod = "filter"
	PinkVoss   PinkMethod = "voss"
)

func ParsePinkMethod(v string) (PinkMethod, error) {
	switch PinkMethod(strings.ToLower(strings.TrimSpace(v))) {
	case "", PinkFilter:
		return PinkFilter, nil
	case PinkVoss, "voss-mccartney":
		return PinkVoss, nil
	}
	return "", fmt.Errorf("unknown pink noise method %q (want filter|voss)", v)
}

type source interface {
	next() float64
}

type whiteSource struct{ r *rand.Rand }

func (s *whiteSource) next() float64 { return dsp.Bipolar(s.r) }

// kelletSource is Paul Kellet's refined pink filter, accurate to within
// 0.05 dB above 9.2 Hz at 44.1 kHz.
type kelletSource struct {
	r                          *rand.Rand
	b0, b1, b2, b3, b4, b5, b6 float64
}

func (s *kelletSource) next() float64 {
	w := dsp.Bipolar(s.r)
	s.b0 = 0.99886*s.b0 + w*0.0555179
	s.b1 = 0.99332*s.b1 + w*0.0750759
	s.b2 = 0.96900*s.b2 + w*0.1538520
	s.b3 = 0.86650*s.b3 + w*0.3104856
	s.b4 = 0.55000*s.b4 + w*0.5329522
	s.b5 = -0.7616*s.b5 - w*0.0168980
	out := (s.b0 + s.b1 + s.b2 + s.b3 + s.b4 + s.b5 + s.b6 + w*0.5362) * 0.11
	s.b6 = w * 0.115926
	return out
}

const vossRows = 16

// vossSource sums vossRows random rows; row k is refreshed every 2^k samples.
type vossSource struct {
	r       *rand.Rand
	rows    [vossRows]float64
	sum     float64
	counter uint32
}

func newVoss(r *rand.Rand) *vossSource {
	s := &vossSource{r: r}
	for i := range s.rows {
		s.rows[i] = dsp.Bipolar(r)
		s.sum += s.rows[i]
	}
	return s
}

func (s *vossSource) next() float64 {
	s.counter++
	row := bits.TrailingZeros32(s.counter)
	if row < vossRows {
		v := dsp.Bipolar(s.r)
		s.sum += v - s.rows[row]
		s.rows[row] = v
	}
	return (s.sum + dsp.Bipolar(s.r)) / 6
}

// brownSource is leaky integrated white noise.
type brownSource struct {
	r    *rand.Rand
	last float64
}

func (s *brownSource) next() float64 {
	s.last = (s.last + 0.02*dsp.Bipolar(s.r)) / 1.02
	return s.last * 3.5
}

func newSource(color Color, method PinkMethod, r *rand.Rand) source {
	switch color {
	case White:
		return &whiteSource{r: r}
	case Brown:
		return &brownSource{r: r}
	}
	if method == PinkVoss {
		return newVoss(r)
	}
	return &kelletSource{r: r}
}

// Noise is a full-length colored noise bed with optional band limiting.
type Noise struct {
	Base
	Color  Color
	Method PinkMethod
	// Decorrelated draws independent left and right channels; otherwise the
	// left channel is duplicated.
	Decorrelated bool
	// LowCut and HighCut add a 2nd order high-pass / low-pass when set.
	LowCut  float64
	HighCut float64
}

func (n *Noise) Name() string { return n.Base.Name }
func (n *Noise) Kind() string { return "noise" }

func (n *Noise) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	if err := n.check(rc); err != nil {
		return nil, err
	}
	if n.LowCut < 0 || n.HighCut < 0 || (n.HighCut > 0 && n.HighCut <= n.LowCut) {
		return nil, fmt.Errorf("%s: invalid band [%g, %g] Hz", n.Base.Name, n.LowCut, n.HighCut)
	}
	seed := rc.LayerSeed(n.Base.Name)
	left := newSource(n.Color, n.Method, dsp.NewRand(seed))
	var right source
	if n.Decorrelated {
		right = newSource(n.Color, n.Method, dsp.NewRand(seed+1))
	}
	band := func() dsp.Chain {
		var c dsp.Chain
		if n.LowCut > 0 {
			c = append(c, dsp.HighPass(n.LowCut, 0.7071, rc.SampleRate))
		}
		if n.HighCut > 0 {
			c = append(c, dsp.LowPass(n.HighCut, 0.7071, rc.SampleRate))
		}
		return c
	}
	lf, rf := band(), band()
	return n.render(ctx, rc, func(int) (float64, float64) {
		l := lf.Process(left.next())
		if right == nil {
			return l, l
		}
		return l, rf.Process(right.next())
	})
}
