package manifest

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
	"github.com/loqalabs/loqa-render/internal/entrain"
)

const validYAML = `
session:
  name: deep-rest
  duration: 1800
  sample_rate: 48000
  bit_depth: 24
  seed: 42
voice:
  path: voice.wav
layers:
  - name: induction
    type: binaural
    amplitude: 0.3
    params: {carrier: 200}
    sections:
      - {name: settle, start: 0, end: 300, freq_start: 10, freq_end: 6, interpolation: logarithmic}
      - {name: hold, start: 300, end: 1800, freq_start: 6}
    events:
      - {name: insight, start: 900, duration: 10, freq: 40}
  - name: bed
    type: noise
    params: {color: pink, stereo_decorrelated: true, high_cut: 8000}
  - name: drum
    type: percussion
    enabled: false
    params: {pattern: shamanic}
    sections:
      - {start: 0, end: 1800, freq_start: 180}
mix:
  policy: pad_silence
  tolerance_ms: 20
  stems:
    - {stem: voice, gain_db: -6}
    - {stem: induction, gain_db: -6, duck: {source: voice, depth_db: 6}}
mastering: {target_lufs: -16, true_peak_ceiling_dbtp: -1.5, output_format: pcm24}
`

func TestParseValidManifest(t *testing.T) {
	m, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Session.Name != "deep-rest" || m.Session.Rate() != 48000 || m.Session.Seed != 42 {
		t.Fatalf("unexpected session %+v", m.Session)
	}
	if len(m.Layers) != 3 {
		t.Fatalf("expected 3 layers, got %d", len(m.Layers))
	}

	bin, ok := m.Layers[0].Params.(*BinauralParams)
	if !ok || bin.Carrier != 200 {
		t.Fatalf("binaural params decoded as %#v", m.Layers[0].Params)
	}
	noise, ok := m.Layers[1].Params.(*NoiseParams)
	if !ok || noise.Color != "pink" || !noise.StereoDecorrelated || noise.HighCut != 8000 {
		t.Fatalf("noise params decoded as %#v", m.Layers[1].Params)
	}
	if m.Layers[1].Amplitude != DefaultAmplitude {
		t.Fatalf("default amplitude = %v", m.Layers[1].Amplitude)
	}
	if _, ok := m.Layers[2].Params.(*PercussionParams); !ok || m.Layers[2].IsEnabled() {
		t.Fatalf("percussion layer decoded as %#v", m.Layers[2])
	}

	curve, err := m.Layers[0].Curve()
	if err != nil {
		t.Fatalf("curve: %v", err)
	}
	if got := curve.Value(1000); got != 6 {
		t.Fatalf("beat at 1000s = %v, want 6", got)
	}

	names := m.StemNames()
	if strings.Join(names, ",") != "voice,induction,bed" {
		t.Fatalf("stem names = %v", names)
	}
}

func TestPlanDefaults(t *testing.T) {
	m, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	plan, err := m.Plan()
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Entries) != 3 {
		t.Fatalf("plan entries = %+v", plan.Entries)
	}
	if plan.Tolerance != 20*time.Millisecond {
		t.Fatalf("tolerance = %v", plan.Tolerance)
	}
	duck := plan.Entries[1].Duck
	if duck == nil || duck.Source != VoiceStem {
		t.Fatalf("duck = %+v", duck)
	}
	if duck.ThresholdDB != DefaultDuckThresholdDB || duck.Attack != 50*time.Millisecond || duck.Release != 400*time.Millisecond || duck.Detector != dsp.DetectRMS {
		t.Fatalf("duck defaults not applied: %+v", duck)
	}
	if last := plan.Entries[2]; last.Stem != "bed" || last.GainDB != 0 || last.Duck != nil {
		t.Fatalf("unlisted stem entry = %+v", last)
	}

	target, err := m.Target()
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if target.TargetLUFS != -16 || target.CeilingDBTP != -1.5 || target.Format != audio.FormatPCM24 || target.ToleranceLU != 0.5 {
		t.Fatalf("target = %+v", target)
	}
}

func TestOverlappingSectionsNameLayerAndRange(t *testing.T) {
	doc := `
session: {duration: 600}
layers:
  - name: induction
    type: binaural
    params: {carrier: 200}
    sections:
      - {name: settle, start: 0, end: 120, freq_start: 10, freq_end: 6}
      - {name: deepen, start: 100, end: 300, freq_start: 6, freq_end: 4}
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if audio.Kind(err) != audio.KindValidation {
		t.Fatalf("kind = %q", audio.Kind(err))
	}
	if len(verr.Issues) != 1 {
		t.Fatalf("issues = %+v", verr.Issues)
	}
	issue := verr.Issues[0]
	if issue.Layer != "induction" || issue.Section != "deepen" {
		t.Fatalf("issue = %+v", issue)
	}
	if !strings.Contains(issue.Message, "[100s, 120s)") {
		t.Fatalf("issue does not name the overlap range: %s", issue.Message)
	}
}

func TestInvalidManifests(t *testing.T) {
	base := func(layers string) string {
		return "session: {duration: 60}\nlayers:\n" + layers
	}
	cases := []struct {
		name  string
		doc   string
		field string
	}{
		{"no duration", "session: {}\nlayers:\n  - {name: n, type: noise}\n", "session.duration"},
		{"bad bit depth", "session: {duration: 60, bit_depth: 20}\nlayers:\n  - {name: n, type: noise}\n", "session.bit_depth"},
		{"reserved name", base("  - {name: voice, type: noise}\n"), "name"},
		{"duplicate layer", base("  - {name: n, type: noise}\n  - {name: n, type: noise}\n"), "name"},
		{"loud layer", base("  - {name: n, type: noise, amplitude: 1.5}\n"), "amplitude"},
		{"missing sections", base("  - {name: b, type: binaural, params: {carrier: 200}}\n"), "sections"},
		{"sections on noise", base("  - name: n\n    type: noise\n    sections: [{start: 0, end: 1, freq_start: 1}]\n"), "sections"},
		{"carrier past nyquist", base("  - name: b\n    type: binaural\n    params: {carrier: 23990}\n    sections: [{start: 0, end: 60, freq_start: 20}]\n"), "params.carrier"},
		{"bad color", base("  - {name: n, type: noise, params: {color: purple}}\n"), "params.color"},
		{"burst without events", base("  - {name: g, type: burst}\n"), "events"},
		{"events on noise", base("  - name: n\n    type: noise\n    events: [{start: 1, duration: 1, freq: 40}]\n"), "events"},
		{"unknown pattern", base("  - name: d\n    type: percussion\n    params: {pattern: polka}\n    sections: [{start: 0, end: 60, freq_start: 120}]\n"), "params.pattern"},
		{"empty effects", base("  - {name: fx, type: effects}\n"), "params.cues"},
		{"cue after session end", base("  - name: fx\n    type: effects\n    params: {cues: [{kind: bell, at: 90, duration: 1}]}\n"), "params.cues[0]"},
		{"negative cue start", base("  - name: fx\n    type: effects\n    params: {cues: [{kind: bell, at: -1, duration: 1}]}\n"), "params.cues[0]"},
		{"unknown mix stem", base("  - {name: n, type: noise}\n") + "mix:\n  stems: [{stem: ghost}]\n", "mix.stems"},
		{"voice stem without voice", base("  - {name: n, type: noise}\n") + "mix:\n  stems: [{stem: voice}]\n", "mix.stems"},
		{"bad policy", base("  - {name: n, type: noise}\n") + "mix: {policy: stretch}\n", "mix.policy"},
		{"format conflict", "session: {duration: 60, bit_depth: 16}\nlayers:\n  - {name: n, type: noise}\nmastering: {output_format: pcm24}\n", "mastering"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			for _, issue := range verr.Issues {
				if issue.Field == tc.field {
					return
				}
			}
			t.Fatalf("no issue on %q in %v", tc.field, verr)
		})
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	cases := map[string]string{
		"unknown type":        "session: {duration: 60}\nlayers:\n  - {name: n, type: theremin}\n",
		"unknown param":       "session: {duration: 60}\nlayers:\n  - {name: n, type: noise, params: {colour: pink}}\n",
		"unknown layer field": "session: {duration: 60}\nlayers:\n  - {name: n, type: noise, volume: 1}\n",
		"unknown top level":   "session: {duration: 60}\nextra: true\n",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		if audio.Kind(err) != audio.KindValidation {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestDuckCycleRejected(t *testing.T) {
	doc := `
session: {duration: 60}
layers:
  - {name: a, type: noise}
  - {name: b, type: noise, params: {color: brown}}
mix:
  stems:
    - {stem: a, duck: {source: b}}
    - {stem: b, duck: {source: a}}
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Error(), "cycle") {
		t.Fatalf("error does not mention the cycle: %v", verr)
	}
}

func TestGeneratorsFollowLayerTypes(t *testing.T) {
	doc := `
session: {duration: 2, sample_rate: 8000, seed: 3, fade_in: 0.1, fade_out: 0.1}
layers:
  - name: tone
    type: isochronic
    params: {carrier: 300, shape: square}
    sections: [{start: 0, end: 2, freq_start: 8}]
    events: [{name: flash, start: 0.5, duration: 0.5, freq: 40}]
  - name: rain
    type: nature
    params: {scene: rain, variation: 0.3}
  - name: bells
    type: effects
    params:
      cues: [{kind: bell, at: 0.2, duration: 1, amplitude: 0.5, pan: -0.5}]
  - name: gamma
    type: burst
    params: {carrier: 250}
    events: [{start: 1, duration: 0.5, freq: 40, amplitude: 0.2}]
`
	m, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	gens, err := m.Generators()
	if err != nil {
		t.Fatalf("generators: %v", err)
	}
	want := []string{"isochronic", "nature", "effects", "burst"}
	if len(gens) != len(want) {
		t.Fatalf("got %d generators", len(gens))
	}
	if _, ok := gens[0].(*entrain.Overlay); !ok {
		t.Fatalf("layer with events should be overlaid, got %T", gens[0])
	}
	burst := gens[3].(*entrain.Burst)
	if burst.Events[0].Mode != entrain.BurstBinaural || burst.Events[0].Carrier != 250 {
		t.Fatalf("burst event = %+v", burst.Events[0])
	}
	overlay := gens[0].(*entrain.Overlay)
	if overlay.Bursts.Events[0].Mode != entrain.BurstIsochronic || overlay.Bursts.Events[0].Carrier != 300 {
		t.Fatalf("overlay event = %+v", overlay.Bursts.Events[0])
	}

	rc := m.RenderConfig()
	for i, g := range gens {
		if g.Kind() != want[i] {
			t.Errorf("generator %d kind = %q, want %q", i, g.Kind(), want[i])
		}
		st, err := g.Generate(context.Background(), rc)
		if err != nil {
			t.Fatalf("%s: %v", g.Name(), err)
		}
		if st.Frames() != 16000 {
			t.Fatalf("%s: %d frames, want 16000", g.Name(), st.Frames())
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Voice == nil || m.Voice.Path != "voice.wav" {
		t.Fatalf("voice = %+v", m.Voice)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestExampleSessionParses(t *testing.T) {
	m, err := Load(filepath.Join("..", "..", "examples", "deep-rest.yaml"))
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if got := len(m.Enabled()); got != len(m.Layers)-1 {
		t.Fatalf("expected the drum layer disabled, got %d of %d enabled", got, len(m.Layers))
	}
	if m.Voice == nil || m.Voice.Path == "" {
		t.Fatal("example should reference a voice file")
	}
}

func TestDigestIgnoresFormatting(t *testing.T) {
	a, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	reformatted := strings.Replace(validYAML, "params: {carrier: 200}", "params:\n      carrier: 200.0", 1)
	b, err := Parse([]byte(reformatted))
	if err != nil {
		t.Fatalf("parse reformatted: %v", err)
	}
	da, err := a.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	db, _ := b.Digest()
	if da != db {
		t.Fatalf("digests differ for equivalent documents: %s vs %s", da, db)
	}
	b.Session.Seed++
	if changed, _ := b.Digest(); changed == da {
		t.Fatal("digest should change with the seed")
	}
}

func windowPeak(st *audio.Stem, from, to float64) float64 {
	lo, hi := audio.FramesFor(from, st.SampleRate), audio.FramesFor(to, st.SampleRate)
	peak := 0.0
	for i := lo; i < hi && i < st.Frames(); i++ {
		peak = max(peak, math.Abs(float64(st.L[i])), math.Abs(float64(st.R[i])))
	}
	return peak
}

func TestOverlaysIgnoreSessionFades(t *testing.T) {
	doc := `
session: {duration: 20, sample_rate: 8000, seed: 5}
layers:
  - name: chime
    type: effects
    amplitude: 1
    params:
      cues:
        - {kind: bell, at: 0, duration: 1, amplitude: 0.8}
        - {kind: bell, at: 10, duration: 1, amplitude: 0.8}
  - name: gamma
    type: burst
    amplitude: 1
    params: {carrier: 250}
    events:
      - {start: 0.5, duration: 1, freq: 40}
      - {start: 10, duration: 1, freq: 40}
  - name: faded
    type: effects
    amplitude: 1
    fade_in: 5
    params:
      cues:
        - {kind: bell, at: 0, duration: 1, amplitude: 0.8}
        - {kind: bell, at: 10, duration: 1, amplitude: 0.8}
`
	m, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	gens, err := m.Generators()
	if err != nil {
		t.Fatalf("generators: %v", err)
	}
	firstAt := map[string]float64{"chime": 0, "gamma": 0.5, "faded": 0}
	rc := m.RenderConfig()
	peaks := make(map[string][2]float64)
	for _, g := range gens {
		st, err := g.Generate(context.Background(), rc)
		if err != nil {
			t.Fatalf("%s: %v", g.Name(), err)
		}
		at := firstAt[g.Name()]
		peaks[g.Name()] = [2]float64{windowPeak(st, at, at+1), windowPeak(st, 10, 11)}
	}
	for _, name := range []string{"chime", "gamma"} {
		p := peaks[name]
		if p[1] == 0 || p[0] < 0.8*p[1] {
			t.Fatalf("%s: early peak %.4f muted against later peak %.4f", name, p[0], p[1])
		}
	}
	if p := peaks["faded"]; p[0] > 0.5*p[1] {
		t.Fatalf("explicit layer fade_in should still attenuate the first cue: %.4f vs %.4f", p[0], p[1])
	}
}
