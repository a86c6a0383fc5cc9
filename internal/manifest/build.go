package manifest

import (
	"fmt"
	"math"
	"time"

	"github.com/loqalabs/loqa-render/internal/ambient"
	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
	"github.com/loqalabs/loqa-render/internal/entrain"
	"github.com/loqalabs/loqa-render/internal/mastering"
	"github.com/loqalabs/loqa-render/internal/mixer"
	"github.com/loqalabs/loqa-render/internal/schedule"
)

// Duck defaults for mix entries that omit them.
const (
	DefaultDuckThresholdDB = -30.0
	DefaultDuckDepthDB     = 6.0
	DefaultDuckAttackMS    = 50.0
	DefaultDuckReleaseMS   = 400.0

	DefaultBurstCarrier = 200.0
)

// RenderConfig returns the render settings the manifest asks for.
func (m *Manifest) RenderConfig() audio.RenderConfig {
	return audio.RenderConfig{SampleRate: m.Session.Rate(), Seed: m.Session.Seed}
}

// fades resolves layer, then session, then built-in fade lengths.
func (m *Manifest) fades(l Layer) (in, out float64) {
	in = orDefault(m.Session.FadeIn, entrain.DefaultFadeIn)
	out = orDefault(m.Session.FadeOut, entrain.DefaultFadeOut)
	return orDefault(l.FadeIn, in), orDefault(l.FadeOut, out)
}

// overlayFades applies to positioned overlays (burst events, effect cues).
// Their own envelopes shape them, so only an explicit layer fade applies.
func overlayFades(l Layer) (in, out float64) {
	return orDefault(l.FadeIn, 0), orDefault(l.FadeOut, 0)
}

// Curve builds the layer's control curve from its sections.
func (l Layer) Curve() (*schedule.Curve, error) {
	sections := make([]schedule.Section, len(l.Sections))
	for i, s := range l.Sections {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if s.FreqStart == nil {
			return nil, &schedule.SectionError{Index: i, Name: name, Reason: "freq_start is required"}
		}
		mode, err := schedule.ParseInterpolation(s.Interpolation, s.FreqEnd != nil)
		if err != nil {
			return nil, &schedule.SectionError{Index: i, Name: name, Reason: err.Error()}
		}
		sections[i] = schedule.Section{
			Name:  name,
			Start: s.Start,
			End:   s.End,
			From:  *s.FreqStart,
			To:    orDefault(s.FreqEnd, *s.FreqStart),
			Mode:  mode,
		}
	}
	return schedule.NewCurve(sections)
}

func (l Layer) carrier() float64 {
	switch p := l.Params.(type) {
	case *BinauralParams:
		return p.Carrier
	case *MonauralParams:
		return p.Carrier
	case *IsochronicParams:
		return p.Carrier
	case *AMParams:
		return p.Carrier
	case *PanningParams:
		return p.Carrier
	case *BeepsParams:
		return p.Carrier
	case *BurstParams:
		return p.Carrier
	}
	return 0
}

// bursts converts the layer's events into a burst generator. Events take
// their carrier, amplitude and mode from the layer when they leave them out.
func (m *Manifest) bursts(l Layer) (*entrain.Burst, error) {
	fadeIn, fadeOut := overlayFades(l)
	b := &entrain.Burst{
		Common: entrain.Common{Name: l.Name, Duration: m.Session.Duration, Amplitude: 1, FadeIn: fadeIn, FadeOut: fadeOut},
	}
	defaultMode := ""
	if p, ok := l.Params.(*BurstParams); ok {
		defaultMode = p.Mode
	} else if l.Type == TypeIsochronic {
		defaultMode = string(entrain.BurstIsochronic)
	}
	for i, e := range l.Events {
		name := e.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		modeName := e.Mode
		if modeName == "" {
			modeName = defaultMode
		}
		mode, err := entrain.ParseBurstMode(modeName)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", name, err)
		}
		carrier := e.Carrier
		if carrier == 0 {
			carrier = l.carrier()
		}
		if carrier == 0 {
			carrier = DefaultBurstCarrier
		}
		ramp := math.Min(0.5, e.Duration/4)
		b.Events = append(b.Events, entrain.BurstEvent{
			Event: schedule.Event{
				Name:     name,
				Start:    e.Start,
				Duration: e.Duration,
				Attack:   orDefault(e.Attack, ramp),
				Release:  orDefault(e.Release, ramp),
			},
			Freq:      e.Freq,
			Carrier:   carrier,
			Amplitude: orDefault(e.Amplitude, l.Amplitude),
			Mode:      mode,
		})
	}
	return b, nil
}

// Generator builds the generator for one layer. Layers with events get their
// bursts overlaid on the continuous stem.
func (m *Manifest) Generator(l Layer) (audio.Generator, error) {
	fadeIn, fadeOut := m.fades(l)
	common := entrain.Common{Name: l.Name, Duration: m.Session.Duration, Amplitude: l.Amplitude, FadeIn: fadeIn, FadeOut: fadeOut}
	base := ambient.Base{Name: l.Name, Duration: m.Session.Duration, Amplitude: l.Amplitude, FadeIn: fadeIn, FadeOut: fadeOut}

	var curve *schedule.Curve
	if l.Type.Scheduled() {
		var err error
		if curve, err = l.Curve(); err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
	}

	var gen audio.Generator
	switch p := l.Params.(type) {
	case *BinauralParams:
		gen = &entrain.Binaural{Common: common, Carrier: p.Carrier, Beat: curve}
	case *MonauralParams:
		gen = &entrain.Monaural{Common: common, Carrier: p.Carrier, Beat: curve}
	case *IsochronicParams:
		shape, err := entrain.ParseGateShape(p.Shape)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		gen = &entrain.Isochronic{Common: common, Carrier: p.Carrier, Rate: curve, Shape: shape, Duty: p.Duty}
	case *AMParams:
		gen = &entrain.AmplitudeModulated{Common: common, Carrier: p.Carrier, Rate: curve, Depth: p.Depth}
	case *PanningParams:
		pn := &entrain.Panning{Common: common, Carrier: p.Carrier, PanSpeed: curve, Width: p.Width}
		if p.BeatHz > 0 {
			pn.Beat = schedule.Constant(p.BeatHz)
			pn.BeatDepth = p.BeatDepth
		}
		gen = pn
	case *BeepsParams:
		gen = &entrain.AlternateBeeps{Common: common, Carrier: p.Carrier, Rate: curve, Duty: p.Duty}
	case *PercussionParams:
		pattern, err := entrain.LookupPattern(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		gen = &entrain.Percussion{Common: common, Tempo: curve, Pattern: pattern, Pitch: p.Pitch, Sweep: p.Sweep, Decay: p.Decay, Spread: p.Spread}
	case *BurstParams:
		b, err := m.bursts(l)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		return b, nil
	case *NoiseParams:
		color, err := ambient.ParseColor(p.Color)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		method, err := ambient.ParsePinkMethod(p.Method)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		gen = &ambient.Noise{Base: base, Color: color, Method: method, Decorrelated: p.StereoDecorrelated, LowCut: p.LowCut, HighCut: p.HighCut}
	case *NatureParams:
		scene, err := ambient.ParseScene(p.Scene)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		gen = &ambient.Nature{Base: base, Scene: scene, Variation: p.Variation}
	case *EffectsParams:
		cues := make([]ambient.Cue, len(p.Cues))
		for i, c := range p.Cues {
			kind, err := ambient.ParseEffectKind(c.Kind)
			if err != nil {
				return nil, fmt.Errorf("layer %q: cue %d: %w", l.Name, i, err)
			}
			cues[i] = ambient.Cue{Kind: kind, At: c.At, Duration: c.Duration, Amplitude: c.Amplitude, Pan: c.Pan, Freq: c.Freq}
		}
		cueBase := base
		cueBase.FadeIn, cueBase.FadeOut = overlayFades(l)
		gen = &ambient.Effects{Base: cueBase, Cues: cues}
	default:
		return nil, fmt.Errorf("layer %q: unsupported type %q", l.Name, l.Type)
	}

	if len(l.Events) == 0 {
		return gen, nil
	}
	b, err := m.bursts(l)
	if err != nil {
		return nil, fmt.Errorf("layer %q: %w", l.Name, err)
	}
	return &entrain.Overlay{Base: gen, Bursts: b}, nil
}

// Generators builds every enabled layer in manifest order.
func (m *Manifest) Generators() ([]audio.Generator, error) {
	var out []audio.Generator
	for _, l := range m.Enabled() {
		g, err := m.Generator(l)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// StemNames lists every stem the render produces: enabled layers plus the
// voice when present.
func (m *Manifest) StemNames() []string {
	var names []string
	if m.Voice != nil {
		names = append(names, VoiceStem)
	}
	for _, l := range m.Enabled() {
		names = append(names, l.Name)
	}
	return names
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Plan builds the mix plan. Rendered stems the manifest does not list are
// added at unity gain so every stem reaches the bus.
func (m *Manifest) Plan() (mixer.Plan, error) {
	policy, err := mixer.ParsePolicy(m.Mix.Policy)
	if err != nil {
		return mixer.Plan{}, err
	}
	plan := mixer.Plan{Policy: policy}
	if m.Mix.ToleranceMS != nil {
		plan.Tolerance = millis(*m.Mix.ToleranceMS)
	}
	listed := make(map[string]bool, len(m.Mix.Stems))
	for _, s := range m.Mix.Stems {
		listed[s.Stem] = true
		entry := mixer.Entry{Stem: s.Stem, GainDB: s.GainDB}
		if d := s.Duck; d != nil {
			detector, err := dsp.ParseDetectorMode(d.Detector)
			if err != nil {
				return mixer.Plan{}, fmt.Errorf("stem %q: %w", s.Stem, err)
			}
			entry.Duck = &mixer.Duck{
				Source:      d.Source,
				ThresholdDB: orDefault(d.ThresholdDB, DefaultDuckThresholdDB),
				DepthDB:     orDefault(d.DepthDB, DefaultDuckDepthDB),
				Attack:      millis(orDefault(d.AttackMS, DefaultDuckAttackMS)),
				Release:     millis(orDefault(d.ReleaseMS, DefaultDuckReleaseMS)),
				Detector:    detector,
			}
		}
		plan.Entries = append(plan.Entries, entry)
	}
	for _, name := range m.StemNames() {
		if !listed[name] {
			plan.Entries = append(plan.Entries, mixer.Entry{Stem: name})
		}
	}
	return plan, nil
}

// Target builds the mastering target. output_format wins over the session
// bit depth; when both are set they must agree.
func (m *Manifest) Target() (mastering.Target, error) {
	t := mastering.DefaultTarget()
	ms := m.Mastering
	t.TargetLUFS = orDefault(ms.TargetLUFS, t.TargetLUFS)
	t.CeilingDBTP = orDefault(ms.CeilingDBTP, t.CeilingDBTP)
	t.ToleranceLU = orDefault(ms.ToleranceLU, t.ToleranceLU)
	t.MaxLimiterReductionDB = orDefault(ms.MaxLimiterReductionDB, t.MaxLimiterReductionDB)
	t.EQ = ms.EQ

	format, err := audio.FormatForBitDepth(m.Session.Bits())
	if err != nil {
		return t, err
	}
	if ms.OutputFormat != "" {
		explicit, err := audio.ParseSampleFormat(ms.OutputFormat)
		if err != nil {
			return t, err
		}
		if m.Session.BitDepth != 0 && explicit != format {
			return t, fmt.Errorf("output_format %s conflicts with session bit_depth %d", explicit, m.Session.BitDepth)
		}
		format = explicit
	}
	t.Format = format
	return t, t.Validate()
}
