package entrain

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/schedule"
)

type BurstMode string

const (
	BurstBinaural   BurstMode = "binaural"
	BurstIsochronic BurstMode = "isochronic"
)

func ParseBurstMode(v string) (BurstMode, error) {
	switch BurstMode(strings.ToLower(strings.TrimSpace(v))) {
	case "", BurstBinaural:
		return BurstBinaural, nil
	case BurstIsochronic:
		return BurstIsochronic, nil
	}
	return "", fmt.Errorf("unknown burst mode %q (want binaural|isochronic)", v)
}

// BurstEvent is one localized window played at its own fixed frequency. The
// surrounding layer's sections have no influence on it.
type BurstEvent struct {
	schedule.Event
	Freq      float64
	Carrier   float64
	Amplitude float64
	Mode      BurstMode
}

// Burst renders a set of non-overlapping events onto an otherwise silent stem.
type Burst struct {
	Common
	Events []BurstEvent
}

func (b *Burst) Name() string { return b.Common.Name }
func (b *Burst) Kind() string { return "burst" }

func (b *Burst) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	if err := b.check(rc); err != nil {
		return nil, err
	}
	events := make([]schedule.Event, len(b.Events))
	for i, e := range b.Events {
		events[i] = e.Event
		if e.Freq <= 0 {
			return nil, fmt.Errorf("%s: event %q frequency must be positive", b.Common.Name, e.Name)
		}
		if e.Amplitude < 0 || e.Amplitude > 1 {
			return nil, fmt.Errorf("%s: event %q amplitude %g outside [0,1]", b.Common.Name, e.Name, e.Amplitude)
		}
		hi := e.Carrier
		if e.Mode == BurstBinaural {
			hi += e.Freq
		}
		if err := checkBand(b.Common.Name+"/"+e.Name, rc, hi); err != nil {
			return nil, err
		}
	}
	track, err := schedule.NewEventTrack(events)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Common.Name, err)
	}

	sr := float64(rc.SampleRate)
	current := -1
	var left, right, pulse osc
	return b.synth(ctx, rc, func(t float64) (float64, float64) {
		w, ok := track.Active(t)
		if !ok {
			current = -1
			return 0, 0
		}
		if w.Index != current {
			current = w.Index
			left, right, pulse = osc{}, osc{}, osc{}
		}
		e := b.Events[w.Index]
		env := e.Amplitude * w.Event.Envelope(w.Position)
		if e.Mode == BurstIsochronic {
			g := 0.5 - 0.5*math.Cos(2*math.Pi*pulse.phase)
			pulse.advance(e.Freq, sr)
			v := left.step(e.Carrier, sr) * g * env
			return v, v
		}
		return left.step(e.Carrier, sr) * env, right.step(e.Carrier+e.Freq, sr) * env
	})
}

// Overlay adds a layer's burst events on top of its continuous stem.
// Bursts are additive regardless of section boundaries in the base layer.
type Overlay struct {
	Base   audio.Generator
	Bursts *Burst
}

func (o *Overlay) Name() string { return o.Base.Name() }
func (o *Overlay) Kind() string { return o.Base.Kind() }

func (o *Overlay) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	base, err := o.Base.Generate(ctx, rc)
	if err != nil {
		return nil, err
	}
	bursts, err := o.Bursts.Generate(ctx, rc)
	if err != nil {
		return nil, err
	}
	n := min(base.Frames(), bursts.Frames())
	for i := 0; i < n; i++ {
		base.L[i] += bursts.L[i]
		base.R[i] += bursts.R[i]
	}
	if err := audio.CheckFinite(base); err != nil {
		return nil, err
	}
	audio.ClipGuard(base)
	return base, nil
}
