package manifest

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/loqa-render/internal/ambient"
	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
	"github.com/loqalabs/loqa-render/internal/entrain"
	"github.com/loqalabs/loqa-render/internal/mixer"
	"github.com/loqalabs/loqa-render/internal/schedule"
)

// MaxDuration caps a session at six hours.
const MaxDuration = 6 * 60 * 60

// Issue is one problem found in a manifest. Layer, Section and Field are set
// when the problem can be pinned to them.
type Issue struct {
	Layer   string `json:"layer,omitempty"`
	Section string `json:"section,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	var where []string
	if i.Layer != "" {
		where = append(where, fmt.Sprintf("layer %q", i.Layer))
	}
	if i.Section != "" {
		where = append(where, fmt.Sprintf("section %q", i.Section))
	}
	if i.Field != "" {
		where = append(where, i.Field)
	}
	if len(where) == 0 {
		return i.Message
	}
	return strings.Join(where, " ") + ": " + i.Message
}

// ValidationError lists every problem found in a manifest. Nothing is
// synthesized while a manifest has issues.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

func (e *ValidationError) ErrorKind() string { return audio.KindValidation }

type checker struct {
	issues []Issue
}

func (c *checker) add(layer, field, format string, args ...any) {
	c.issues = append(c.issues, Issue{Layer: layer, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) section(layer, section, format string, args ...any) {
	c.issues = append(c.issues, Issue{Layer: layer, Section: section, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the whole manifest and returns a *ValidationError listing
// every issue, or nil.
func Validate(m *Manifest) error {
	c := &checker{}
	rc := m.RenderConfig()
	c.session(m.Session)
	if rc.Validate() != nil {
		c.add("", "session.sample_rate", "sample rate %d out of range [8000, 384000]", rc.SampleRate)
		rc.SampleRate = DefaultSampleRate
	}
	if m.Voice != nil && m.Voice.Path == "" && m.Voice.Script == "" {
		c.add("", "voice", "either path or script is required")
	}
	if m.Voice != nil && m.Voice.Offset < 0 {
		c.add("", "voice.offset", "must be >= 0")
	}

	seen := make(map[string]bool, len(m.Layers))
	for i, l := range m.Layers {
		name := l.Name
		switch {
		case strings.TrimSpace(name) == "":
			c.add(fmt.Sprintf("#%d", i), "name", "is required")
			continue
		case name == VoiceStem:
			c.add(name, "name", "%q is reserved for the voice stem", VoiceStem)
		case seen[name]:
			c.add(name, "name", "duplicate layer name")
		}
		seen[name] = true
		c.layer(m, l, rc)
	}
	if len(m.Enabled()) == 0 && m.Voice == nil {
		c.add("", "layers", "at least one enabled layer or a voice is required")
	}

	c.mix(m)
	if _, err := m.Target(); err != nil {
		c.add("", "mastering", "%v", err)
	}
	if len(c.issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: c.issues}
}

func (c *checker) session(s Session) {
	switch {
	case math.IsNaN(s.Duration) || s.Duration <= 0:
		c.add("", "session.duration", "must be positive")
	case s.Duration > MaxDuration:
		c.add("", "session.duration", "%gs exceeds the %ds limit", s.Duration, MaxDuration)
	}
	if s.BitDepth != 0 {
		if _, err := audio.FormatForBitDepth(s.BitDepth); err != nil {
			c.add("", "session.bit_depth", "%v", err)
		}
	}
	for field, v := range map[string]*float64{"session.fade_in": s.FadeIn, "session.fade_out": s.FadeOut} {
		if v != nil && (*v < 0 || math.IsNaN(*v)) {
			c.add("", field, "must be >= 0")
		}
	}
}

func (c *checker) layer(m *Manifest, l Layer, rc audio.RenderConfig) {
	if l.Amplitude < 0 || l.Amplitude > 1 || math.IsNaN(l.Amplitude) {
		c.add(l.Name, "amplitude", "%g outside [0,1]", l.Amplitude)
	}
	fadeIn, fadeOut := m.fades(l)
	if fadeIn < 0 || fadeOut < 0 {
		c.add(l.Name, "fade", "fade_in and fade_out must be >= 0")
	}

	curveOK := true
	if l.Type.Scheduled() {
		if len(l.Sections) == 0 {
			c.add(l.Name, "sections", "a %s layer needs at least one section", l.Type)
			curveOK = false
		} else if _, err := l.Curve(); err != nil {
			c.curveIssue(l, err)
			curveOK = false
		}
	} else if len(l.Sections) > 0 {
		c.add(l.Name, "sections", "a %s layer takes no sections", l.Type)
	}

	switch {
	case len(l.Events) > 0 && !acceptsEvents(l.Type):
		c.add(l.Name, "events", "a %s layer takes no events", l.Type)
	case l.Type == TypeBurst && len(l.Events) == 0:
		c.add(l.Name, "events", "a burst layer needs at least one event")
	case len(l.Events) > 0:
		c.events(m, l, rc)
	}

	if curveOK {
		c.params(m, l, rc)
	}
}

func (c *checker) curveIssue(l Layer, err error) {
	var overlap *schedule.OverlapError
	var bad *schedule.SectionError
	switch {
	case errors.As(err, &overlap):
		c.section(l.Name, overlap.Second.Name, "%v", overlap)
	case errors.As(err, &bad):
		c.section(l.Name, bad.Name, "%v", bad)
	default:
		c.add(l.Name, "sections", "%v", err)
	}
}

func acceptsEvents(t LayerType) bool {
	switch t {
	case TypeBinaural, TypeMonaural, TypeIsochronic, TypeAM, TypePanning, TypeBeeps, TypeBurst:
		return true
	}
	return false
}

func (c *checker) events(m *Manifest, l Layer, rc audio.RenderConfig) {
	bursts, err := m.bursts(l)
	if err != nil {
		c.add(l.Name, "events", "%v", err)
		return
	}
	for _, e := range bursts.Events {
		field := fmt.Sprintf("events[%s]", e.Name)
		hi := e.Carrier
		if e.Mode == entrain.BurstBinaural {
			hi += e.Freq
		}
		switch {
		case e.Freq <= 0 || math.IsNaN(e.Freq):
			c.add(l.Name, field, "freq must be positive")
		case e.Carrier <= 0 || hi >= rc.Nyquist():
			c.add(l.Name, field, "tone range [%g, %g] Hz outside (0, Nyquist)", e.Carrier, hi)
		}
		if e.Amplitude < 0 || e.Amplitude > 1 {
			c.add(l.Name, field, "amplitude %g outside [0,1]", e.Amplitude)
		}
		if e.End() > m.Session.Duration {
			c.add(l.Name, field, "ends at %gs after the session end %gs", e.End(), m.Session.Duration)
		}
	}
	plain := make([]schedule.Event, len(bursts.Events))
	for i, e := range bursts.Events {
		plain[i] = e.Event
	}
	if _, err := schedule.NewEventTrack(plain); err != nil {
		c.add(l.Name, "events", "%v", err)
	}
}

// params checks type-specific settings against the render configuration.
func (c *checker) params(m *Manifest, l Layer, rc audio.RenderConfig) {
	nyquist := rc.Nyquist()
	// band checks that carrier ± spread stays inside (0, Nyquist).
	band := func(carrier, spread float64) {
		switch {
		case carrier <= 0 || math.IsNaN(carrier):
			c.add(l.Name, "params.carrier", "must be positive")
		case carrier-spread <= 0:
			c.add(l.Name, "params.carrier", "%g Hz is too low for a scheduled offset of %g Hz", carrier, spread)
		case carrier+spread >= nyquist:
			c.add(l.Name, "params.carrier", "%g Hz plus offset %g Hz reaches Nyquist %g Hz", carrier, spread, nyquist)
		}
	}
	bounds := func() (float64, float64) {
		curve, err := l.Curve()
		if err != nil {
			return 0, 0
		}
		return curve.Bounds()
	}
	unit := func(field string, v float64) {
		if v < 0 || v > 1 || math.IsNaN(v) {
			c.add(l.Name, field, "%g outside [0,1]", v)
		}
	}
	positiveCurve := func(what string) {
		if lo, _ := bounds(); lo <= 0 {
			c.add(l.Name, "sections", "%s must stay positive, got %g", what, lo)
		}
	}

	switch p := l.Params.(type) {
	case *BinauralParams:
		lo, hi := bounds()
		band(p.Carrier, math.Max(math.Abs(lo), math.Abs(hi)))
	case *MonauralParams:
		lo, hi := bounds()
		band(p.Carrier, math.Max(math.Abs(lo), math.Abs(hi)))
	case *IsochronicParams:
		band(p.Carrier, 0)
		positiveCurve("gate rate")
		if _, err := entrain.ParseGateShape(p.Shape); err != nil {
			c.add(l.Name, "params.shape", "%v", err)
		}
		if p.Duty != 0 && (p.Duty <= 0 || p.Duty >= 1) {
			c.add(l.Name, "params.duty", "%g outside (0,1)", p.Duty)
		}
	case *AMParams:
		band(p.Carrier, 0)
		positiveCurve("modulation rate")
		unit("params.depth", p.Depth)
	case *PanningParams:
		band(p.Carrier, 0)
		positiveCurve("pan speed")
		if p.Width <= 0 || p.Width > 1 {
			c.add(l.Name, "params.width", "%g outside (0,1]", p.Width)
		}
		unit("params.beat_depth", p.BeatDepth)
		if p.BeatHz < 0 {
			c.add(l.Name, "params.beat_hz", "must be >= 0")
		}
	case *BeepsParams:
		band(p.Carrier, 0)
		positiveCurve("alternation rate")
		if p.Duty != 0 && (p.Duty <= 0 || p.Duty > 1) {
			c.add(l.Name, "params.duty", "%g outside (0,1]", p.Duty)
		}
	case *PercussionParams:
		if _, err := entrain.LookupPattern(p.Pattern); err != nil {
			c.add(l.Name, "params.pattern", "%v", err)
		}
		if lo, hi := bounds(); lo <= 0 || hi > entrain.MaxTempoBPM {
			c.add(l.Name, "sections", "tempo must stay within (0, %d] BPM", entrain.MaxTempoBPM)
		}
		unit("params.spread", p.Spread)
		if p.Pitch < 0 || p.Pitch*(1+math.Max(p.Sweep, 0)) >= nyquist || math.IsNaN(p.Pitch) {
			c.add(l.Name, "params.pitch", "%g Hz outside (0, Nyquist)", p.Pitch)
		}
		if p.Decay < 0 {
			c.add(l.Name, "params.decay", "must be >= 0")
		}
	case *BurstParams:
		if p.Carrier < 0 || p.Carrier >= nyquist {
			c.add(l.Name, "params.carrier", "%g Hz outside (0, Nyquist)", p.Carrier)
		}
		if _, err := entrain.ParseBurstMode(p.Mode); err != nil {
			c.add(l.Name, "params.mode", "%v", err)
		}
	case *NoiseParams:
		if _, err := ambient.ParseColor(p.Color); err != nil {
			c.add(l.Name, "params.color", "%v", err)
		}
		if _, err := ambient.ParsePinkMethod(p.Method); err != nil {
			c.add(l.Name, "params.method", "%v", err)
		}
		if p.LowCut < 0 || p.LowCut >= nyquist || p.HighCut < 0 || p.HighCut >= nyquist {
			c.add(l.Name, "params", "cutoffs must lie in [0, Nyquist)")
		} else if p.HighCut > 0 && p.LowCut >= p.HighCut {
			c.add(l.Name, "params", "low_cut %g Hz must be below high_cut %g Hz", p.LowCut, p.HighCut)
		}
	case *NatureParams:
		if _, err := ambient.ParseScene(p.Scene); err != nil {
			c.add(l.Name, "params.scene", "%v", err)
		}
		unit("params.variation", p.Variation)
	case *EffectsParams:
		if len(p.Cues) == 0 {
			c.add(l.Name, "params.cues", "an effects layer needs at least one cue")
		}
		for i, cue := range p.Cues {
			field := fmt.Sprintf("params.cues[%d]", i)
			if _, err := ambient.ParseEffectKind(cue.Kind); err != nil {
				c.add(l.Name, field, "%v", err)
			}
			if cue.At < 0 || cue.At >= m.Session.Duration || math.IsNaN(cue.At) {
				c.add(l.Name, field, "at %gs outside [0, %gs)", cue.At, m.Session.Duration)
			}
			if cue.Duration <= 0 {
				c.add(l.Name, field, "duration must be positive")
			}
			if cue.Pan < -1 || cue.Pan > 1 {
				c.add(l.Name, field, "pan %g outside [-1,1]", cue.Pan)
			}
			unit(field+".amplitude", cue.Amplitude)
			if cue.Freq < 0 || cue.Freq >= nyquist {
				c.add(l.Name, field, "freq %g Hz outside [0, Nyquist)", cue.Freq)
			}
		}
	}
}

func (c *checker) mix(m *Manifest) {
	before := len(c.issues)
	if _, err := mixer.ParsePolicy(m.Mix.Policy); err != nil {
		c.add("", "mix.policy", "%v", err)
		return
	}
	if t := m.Mix.ToleranceMS; t != nil && (*t < 0 || math.IsNaN(*t)) {
		c.add("", "mix.tolerance_ms", "must be >= 0")
		return
	}
	for _, s := range m.Mix.Stems {
		if s.Stem == VoiceStem {
			if m.Voice == nil {
				c.add("", "mix.stems", "stem %q listed but the manifest has no voice", VoiceStem)
			}
			continue
		}
		l, ok := m.Layer(s.Stem)
		switch {
		case !ok:
			c.add("", "mix.stems", "stem %q does not name a layer", s.Stem)
		case !l.IsEnabled():
			c.add(s.Stem, "mix.stems", "layer is disabled but listed in the mix")
		}
		if s.Duck != nil {
			if _, err := dsp.ParseDetectorMode(s.Duck.Detector); err != nil {
				c.add(s.Stem, "mix.stems.duck.detector", "%v", err)
			}
		}
	}
	if len(c.issues) > before {
		return
	}
	plan, err := m.Plan()
	if err != nil {
		c.add("", "mix", "%v", err)
		return
	}
	if err := plan.Validate(); err != nil {
		var pe *mixer.PlanError
		if errors.As(err, &pe) {
			c.add(pe.Stem, "mix", "%s", pe.Reason)
			return
		}
		c.add("", "mix", "%v", err)
	}
}
