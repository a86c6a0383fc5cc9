// Package mixer sums voice and generated stems into a single stereo bus with
// static gains and voice-triggered ducking. It never normalizes.
package mixer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
)

// Policy decides what happens to a stem whose length misses the target by
// more than the tolerance.
type Policy string

const (
	PadSilence Policy = "pad_silence"
	Strict     Policy = "error"
)

const DefaultTolerance = 10 * time.Millisecond

func ParsePolicy(v string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(v))) {
	case "", PadSilence:
		return PadSilence, nil
	case Strict, "strict":
		return Strict, nil
	}
	return "", fmt.Errorf("unknown mix policy %q (want pad_silence|error)", v)
}

// Duck lowers the owning stem by DepthDB while Source's envelope is above
// ThresholdDB.
type Duck struct {
	Source      string
	ThresholdDB float64
	DepthDB     float64
	Attack      time.Duration
	Release     time.Duration
	Detector    dsp.DetectorMode
}

type Entry struct {
	Stem   string
	GainDB float64
	Duck   *Duck
}

type Plan struct {
	Entries   []Entry
	Policy    Policy
	Tolerance time.Duration
}

// PlanError identifies the plan entry that makes a plan unusable.
type PlanError struct {
	Stem   string
	Reason string
}

func (e *PlanError) Error() string {
	if e.Stem == "" {
		return "mix plan: " + e.Reason
	}
	return fmt.Sprintf("mix plan: stem %q: %s", e.Stem, e.Reason)
}

func (e *PlanError) ErrorKind() string { return audio.KindValidation }

// Validate checks names, gains and duck relationships. Ducking is one level
// deep: a stem that ducks another may not itself be ducked.
func (p Plan) Validate() error {
	if len(p.Entries) == 0 {
		return &PlanError{Reason: "no stems"}
	}
	if _, err := ParsePolicy(string(p.Policy)); err != nil {
		return &PlanError{Reason: err.Error()}
	}
	if p.Tolerance < 0 {
		return &PlanError{Reason: "tolerance must be >= 0"}
	}
	byName := make(map[string]Entry, len(p.Entries))
	for _, e := range p.Entries {
		if strings.TrimSpace(e.Stem) == "" {
			return &PlanError{Reason: "entry without a stem name"}
		}
		if _, dup := byName[e.Stem]; dup {
			return &PlanError{Stem: e.Stem, Reason: "listed more than once"}
		}
		if math.IsNaN(e.GainDB) || math.IsInf(e.GainDB, 0) {
			return &PlanError{Stem: e.Stem, Reason: "gain must be finite"}
		}
		byName[e.Stem] = e
	}
	for _, e := range p.Entries {
		d := e.Duck
		if d == nil {
			continue
		}
		switch {
		case d.Source == e.Stem:
			return &PlanError{Stem: e.Stem, Reason: "stem cannot duck itself"}
		case d.DepthDB < 0 || math.IsNaN(d.DepthDB):
			return &PlanError{Stem: e.Stem, Reason: "duck depth must be >= 0 dB"}
		case d.ThresholdDB > 0 || math.IsNaN(d.ThresholdDB):
			return &PlanError{Stem: e.Stem, Reason: "duck threshold must be <= 0 dBFS"}
		case d.Attack < 0 || d.Release < 0:
			return &PlanError{Stem: e.Stem, Reason: "duck attack and release must be >= 0"}
		}
		src, ok := byName[d.Source]
		if !ok {
			return &PlanError{Stem: e.Stem, Reason: fmt.Sprintf("duck source %q is not in the plan", d.Source)}
		}
		if src.Duck != nil {
			if src.Duck.Source == e.Stem {
				return &PlanError{Stem: e.Stem, Reason: fmt.Sprintf("duck cycle with %q", d.Source)}
			}
			return &PlanError{Stem: e.Stem, Reason: fmt.Sprintf("duck source %q is itself ducked; chains are not supported", d.Source)}
		}
	}
	return nil
}

func (p Plan) tolerance() time.Duration {
	if p.Tolerance == 0 {
		return DefaultTolerance
	}
	return p.Tolerance
}
