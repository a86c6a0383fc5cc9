// Package manifest loads and validates session manifests: the YAML document
// that describes one rendered session, its layers, mix and mastering target.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-render/internal/mastering"
)

const (
	DefaultSampleRate = 48000
	DefaultBitDepth   = 24
)

// VoiceStem is the reserved stem name of the spoken track.
const VoiceStem = "voice"

// Manifest describes a complete session.
type Manifest struct {
	Session   Session   `yaml:"session"`
	Voice     *Voice    `yaml:"voice,omitempty"`
	Layers    []Layer   `yaml:"layers"`
	Mix       Mix       `yaml:"mix"`
	Mastering Mastering `yaml:"mastering"`
}

type Session struct {
	Name       string   `yaml:"name"`
	Duration   float64  `yaml:"duration"`
	SampleRate int      `yaml:"sample_rate"`
	BitDepth   int      `yaml:"bit_depth"`
	Seed       uint64   `yaml:"seed"`
	FadeIn     *float64 `yaml:"fade_in"`
	FadeOut    *float64 `yaml:"fade_out"`
}

// Voice points at the narration. Path is read directly; Script is handed to
// the configured provider when no path is given.
type Voice struct {
	Path   string  `yaml:"path"`
	Script string  `yaml:"script"`
	Name   string  `yaml:"name"`
	Offset float64 `yaml:"offset"`
}

// Section is one scheduled span of a layer's control value.
type Section struct {
	Name          string   `yaml:"name"`
	Start         float64  `yaml:"start"`
	End           float64  `yaml:"end"`
	FreqStart     *float64 `yaml:"freq_start"`
	FreqEnd       *float64 `yaml:"freq_end"`
	Interpolation string   `yaml:"interpolation"`
}

// Event is a localized overlay window such as a gamma burst.
type Event struct {
	Name      string   `yaml:"name"`
	Start     float64  `yaml:"start"`
	Duration  float64  `yaml:"duration"`
	Freq      float64  `yaml:"freq"`
	Carrier   float64  `yaml:"carrier"`
	Amplitude *float64 `yaml:"amplitude"`
	Attack    *float64 `yaml:"attack"`
	Release   *float64 `yaml:"release"`
	Mode      string   `yaml:"mode"`
}

type Mix struct {
	Policy      string   `yaml:"policy"`
	ToleranceMS *float64 `yaml:"tolerance_ms"`
	Stems       []Stem   `yaml:"stems"`
}

type Stem struct {
	Stem   string  `yaml:"stem"`
	GainDB float64 `yaml:"gain_db"`
	Duck   *Duck   `yaml:"duck"`
}

type Duck struct {
	Source      string   `yaml:"source"`
	ThresholdDB *float64 `yaml:"threshold_db"`
	DepthDB     *float64 `yaml:"depth_db"`
	AttackMS    *float64 `yaml:"attack_ms"`
	ReleaseMS   *float64 `yaml:"release_ms"`
	Detector    string   `yaml:"detector"`
}

type Mastering struct {
	TargetLUFS            *float64      `yaml:"target_lufs"`
	CeilingDBTP           *float64      `yaml:"true_peak_ceiling_dbtp"`
	OutputFormat          string        `yaml:"output_format"`
	ToleranceLU           *float64      `yaml:"tolerance_lu"`
	MaxLimiterReductionDB *float64      `yaml:"max_limiter_reduction_db"`
	EQ                    *mastering.EQ `yaml:"eq"`
}

// Load reads a manifest from disk and validates it.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a manifest document. Unknown top-level and
// layer fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Message: decodeMessage(err)}}}
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), "yaml: ")
	return "decode: " + msg
}

// Digest hashes the canonical YAML form of m, so two documents that decode
// to the same session share a digest.
func (m *Manifest) Digest() (string, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Rate returns the session sample rate or the default.
func (s Session) Rate() int {
	if s.SampleRate == 0 {
		return DefaultSampleRate
	}
	return s.SampleRate
}

func (s Session) Bits() int {
	if s.BitDepth == 0 {
		return DefaultBitDepth
	}
	return s.BitDepth
}

// Layer looks a layer up by name.
func (m *Manifest) Layer(name string) (*Layer, bool) {
	for i := range m.Layers {
		if m.Layers[i].Name == name {
			return &m.Layers[i], true
		}
	}
	return nil, false
}

// Enabled returns the layers that will be rendered, in manifest order.
func (m *Manifest) Enabled() []Layer {
	var out []Layer
	for _, l := range m.Layers {
		if l.IsEnabled() {
			out = append(out, l)
		}
	}
	return out
}

func orDefault(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
