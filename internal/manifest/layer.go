package manifest

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// LayerType selects the generator and the shape of a layer's params block.
type LayerType string

const (
	TypeBinaural   LayerType = "binaural"
	TypeMonaural   LayerType = "monaural"
	TypeIsochronic LayerType = "isochronic"
	TypeAM         LayerType = "am"
	TypePanning    LayerType = "panning"
	TypeBeeps      LayerType = "beeps"
	TypePercussion LayerType = "percussion"
	TypeBurst      LayerType = "burst"
	TypeNoise      LayerType = "noise"
	TypeNature     LayerType = "nature"
	TypeEffects    LayerType = "effects"
)

// LayerTypes lists every supported layer type.
var LayerTypes = []LayerType{
	TypeBinaural, TypeMonaural, TypeIsochronic, TypeAM, TypePanning, TypeBeeps,
	TypePercussion, TypeBurst, TypeNoise, TypeNature, TypeEffects,
}

// Scheduled reports whether the layer type is driven by a section curve.
func (t LayerType) Scheduled() bool {
	switch t {
	case TypeBinaural, TypeMonaural, TypeIsochronic, TypeAM, TypePanning, TypeBeeps, TypePercussion:
		return true
	}
	return false
}

// Params is the type-specific configuration of a layer. The concrete type is
// one of the *Params structs below.
type Params interface {
	layerType() LayerType
}

type BinauralParams struct {
	Carrier float64 `yaml:"carrier"`
}

type MonauralParams struct {
	Carrier float64 `yaml:"carrier"`
}

type IsochronicParams struct {
	Carrier float64 `yaml:"carrier"`
	Shape   string  `yaml:"shape"`
	Duty    float64 `yaml:"duty"`
}

type AMParams struct {
	Carrier float64 `yaml:"carrier"`
	Depth   float64 `yaml:"depth"`
}

// PanningParams sweeps the carrier at the section rate. BeatHz adds a fixed
// amplitude beat on top of the sweep.
type PanningParams struct {
	Carrier   float64 `yaml:"carrier"`
	Width     float64 `yaml:"width"`
	BeatHz    float64 `yaml:"beat_hz"`
	BeatDepth float64 `yaml:"beat_depth"`
}

type BeepsParams struct {
	Carrier float64 `yaml:"carrier"`
	Duty    float64 `yaml:"duty"`
}

type PercussionParams struct {
	Pattern string  `yaml:"pattern"`
	Pitch   float64 `yaml:"pitch"`
	Sweep   float64 `yaml:"sweep"`
	Decay   float64 `yaml:"decay"`
	Spread  float64 `yaml:"spread"`
}

// BurstParams sets defaults for events that leave carrier or mode empty.
type BurstParams struct {
	Carrier float64 `yaml:"carrier"`
	Mode    string  `yaml:"mode"`
}

type NoiseParams struct {
	Color              string  `yaml:"color"`
	Method             string  `yaml:"method"`
	StereoDecorrelated bool    `yaml:"stereo_decorrelated"`
	LowCut             float64 `yaml:"low_cut"`
	HighCut            float64 `yaml:"high_cut"`
}

type NatureParams struct {
	Scene     string  `yaml:"scene"`
	Variation float64 `yaml:"variation"`
}

type CueSpec struct {
	Kind      string  `yaml:"kind"`
	At        float64 `yaml:"at"`
	Duration  float64 `yaml:"duration"`
	Amplitude float64 `yaml:"amplitude"`
	Pan       float64 `yaml:"pan"`
	Freq      float64 `yaml:"freq"`
}

type EffectsParams struct {
	Cues []CueSpec `yaml:"cues"`
}

func (*BinauralParams) layerType() LayerType   { return TypeBinaural }
func (*MonauralParams) layerType() LayerType   { return TypeMonaural }
func (*IsochronicParams) layerType() LayerType { return TypeIsochronic }
func (*AMParams) layerType() LayerType         { return TypeAM }
func (*PanningParams) layerType() LayerType    { return TypePanning }
func (*BeepsParams) layerType() LayerType      { return TypeBeeps }
func (*PercussionParams) layerType() LayerType { return TypePercussion }
func (*BurstParams) layerType() LayerType      { return TypeBurst }
func (*NoiseParams) layerType() LayerType      { return TypeNoise }
func (*NatureParams) layerType() LayerType     { return TypeNature }
func (*EffectsParams) layerType() LayerType    { return TypeEffects }

func newParams(t LayerType) (Params, error) {
	switch t {
	case TypeBinaural:
		return &BinauralParams{}, nil
	case TypeMonaural:
		return &MonauralParams{}, nil
	case TypeIsochronic:
		return &IsochronicParams{}, nil
	case TypeAM:
		return &AMParams{}, nil
	case TypePanning:
		return &PanningParams{Width: 1}, nil
	case TypeBeeps:
		return &BeepsParams{}, nil
	case TypePercussion:
		return &PercussionParams{}, nil
	case TypeBurst:
		return &BurstParams{}, nil
	case TypeNoise:
		return &NoiseParams{}, nil
	case TypeNature:
		return &NatureParams{Variation: 0.5}, nil
	case TypeEffects:
		return &EffectsParams{}, nil
	}
	return nil, fmt.Errorf("unknown layer type %q", t)
}

// Layer is one generated stem of the session.
type Layer struct {
	Name      string
	Type      LayerType
	Enabled   *bool
	Amplitude float64
	FadeIn    *float64
	FadeOut   *float64
	Sections  []Section
	Events    []Event
	Params    Params
}

type rawLayer struct {
	Name      string    `yaml:"name"`
	Type      string    `yaml:"type"`
	Enabled   *bool     `yaml:"enabled"`
	Amplitude *float64  `yaml:"amplitude"`
	FadeIn    *float64  `yaml:"fade_in"`
	FadeOut   *float64  `yaml:"fade_out"`
	Sections  []Section `yaml:"sections"`
	Events    []Event   `yaml:"events"`
	Params    yaml.Node `yaml:"params"`
}

// DefaultAmplitude applies when a layer omits amplitude.
const DefaultAmplitude = 0.5

// UnmarshalYAML decodes the common layer fields, then decodes params into
// the struct chosen by type.
func (l *Layer) UnmarshalYAML(node *yaml.Node) error {
	var raw rawLayer
	if err := strictDecode(node, &raw); err != nil {
		return err
	}
	t := LayerType(strings.ToLower(strings.TrimSpace(raw.Type)))
	params, err := newParams(t)
	if err != nil {
		return fmt.Errorf("line %d: layer %q: %w", node.Line, raw.Name, err)
	}
	if raw.Params.Kind != 0 {
		if err := strictDecode(&raw.Params, params); err != nil {
			return fmt.Errorf("line %d: layer %q params: %w", raw.Params.Line, raw.Name, err)
		}
	}
	*l = Layer{
		Name:      raw.Name,
		Type:      t,
		Enabled:   raw.Enabled,
		Amplitude: orDefault(raw.Amplitude, DefaultAmplitude),
		FadeIn:    raw.FadeIn,
		FadeOut:   raw.FadeOut,
		Sections:  raw.Sections,
		Events:    raw.Events,
		Params:    params,
	}
	return nil
}

// MarshalYAML writes the layer back in its manifest shape.
func (l Layer) MarshalYAML() (interface{}, error) {
	amp := l.Amplitude
	out := struct {
		Name      string    `yaml:"name"`
		Type      string    `yaml:"type"`
		Enabled   *bool     `yaml:"enabled,omitempty"`
		Amplitude *float64  `yaml:"amplitude"`
		FadeIn    *float64  `yaml:"fade_in,omitempty"`
		FadeOut   *float64  `yaml:"fade_out,omitempty"`
		Sections  []Section `yaml:"sections,omitempty"`
		Events    []Event   `yaml:"events,omitempty"`
		Params    Params    `yaml:"params,omitempty"`
	}{l.Name, string(l.Type), l.Enabled, &amp, l.FadeIn, l.FadeOut, l.Sections, l.Events, l.Params}
	return out, nil
}

// strictDecode decodes node rejecting unknown keys. Node.Decode ignores the
// decoder's KnownFields setting, so the node is re-encoded first.
func strictDecode(node *yaml.Node, out interface{}) error {
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s", strings.TrimPrefix(err.Error(), "yaml: "))
	}
	return nil
}

func (l Layer) IsEnabled() bool { return l.Enabled == nil || *l.Enabled }
