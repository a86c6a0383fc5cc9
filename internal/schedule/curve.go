// Package schedule resolves time-sectioned target values into continuous
// parameter curves and point-event windows.
package schedule

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Interpolation selects how a section glides between its endpoint values.
type Interpolation string

const (
	Linear      Interpolation = "linear"
	Logarithmic Interpolation = "logarithmic"
	Hold        Interpolation = "hold"
)

// ParseInterpolation resolves a manifest value. An empty mode defaults to
// linear when the section has an end value and hold otherwise.
func ParseInterpolation(v string, hasEnd bool) (Interpolation, error) {
	switch Interpolation(strings.ToLower(strings.TrimSpace(v))) {
	case "":
		if hasEnd {
			return Linear, nil
		}
		return Hold, nil
	case Linear, "lin":
		return Linear, nil
	case Logarithmic, "log", "exponential":
		return Logarithmic, nil
	case Hold, "constant":
		return Hold, nil
	}
	return "", fmt.Errorf("unknown interpolation %q (want linear|logarithmic|hold)", v)
}

// Section is one resolved time span. For Hold sections To equals From.
type Section struct {
	Name  string
	Start float64
	End   float64
	From  float64
	To    float64
	Mode  Interpolation
}

func (s Section) at(t float64) float64 {
	if s.Mode == Hold || s.From == s.To {
		return s.From
	}
	x := (t - s.Start) / (s.End - s.Start)
	if x <= 0 {
		return s.From
	}
	if x >= 1 {
		return s.To
	}
	if s.Mode == Logarithmic {
		return math.Exp(math.Log(s.From) + x*(math.Log(s.To)-math.Log(s.From)))
	}
	return s.From + x*(s.To-s.From)
}

// SectionError reports a single malformed section.
type SectionError struct {
	Index  int
	Name   string
	Reason string
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("section %d (%s): %s", e.Index, e.Name, e.Reason)
}

// OverlapError reports two sections whose time ranges intersect.
type OverlapError struct {
	First  Section
	Second Section
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("section %q [%gs, %gs) overlaps section %q [%gs, %gs) in range [%gs, %gs)",
		e.Second.Name, e.Second.Start, e.Second.End,
		e.First.Name, e.First.Start, e.First.End,
		e.Second.Start, math.Min(e.First.End, e.Second.End))
}

// Curve is a continuous function of time built once from a section list.
type Curve struct {
	sections []Section
}

// Constant returns a curve holding v for all time.
func Constant(v float64) *Curve {
	return &Curve{sections: []Section{{Name: "constant", Start: 0, End: math.MaxFloat64, From: v, To: v, Mode: Hold}}}
}

// NewCurve validates sections and builds the curve. Sections must be
// time-ordered and must not overlap; gaps between them are allowed.
func NewCurve(sections []Section) (*Curve, error) {
	if len(sections) == 0 {
		return nil, fmt.Errorf("curve needs at least one section")
	}
	out := make([]Section, len(sections))
	for i, s := range sections {
		if err := checkSection(i, s); err != nil {
			return nil, err
		}
		if s.Mode == Hold {
			s.To = s.From
		}
		out[i] = s
		if i == 0 {
			continue
		}
		prev := out[i-1]
		if s.Start >= prev.End {
			continue
		}
		if s.End <= prev.Start {
			return nil, &SectionError{Index: i, Name: s.Name, Reason: fmt.Sprintf("starts at %gs before preceding section %q; sections must be time-ordered", s.Start, prev.Name)}
		}
		return nil, &OverlapError{First: prev, Second: s}
	}
	return &Curve{sections: out}, nil
}

func checkSection(i int, s Section) error {
	bad := func(reason string, args ...any) error {
		return &SectionError{Index: i, Name: s.Name, Reason: fmt.Sprintf(reason, args...)}
	}
	for _, v := range []float64{s.Start, s.End, s.From, s.To} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return bad("non-finite value")
		}
	}
	if s.Start < 0 {
		return bad("start %gs is negative", s.Start)
	}
	if s.End <= s.Start {
		return bad("end %gs must be after start %gs", s.End, s.Start)
	}
	switch s.Mode {
	case Linear, Hold:
	case Logarithmic:
		if s.From <= 0 || s.To <= 0 {
			return bad("logarithmic interpolation needs positive values, got %g -> %g", s.From, s.To)
		}
	default:
		return bad("unknown interpolation %q", s.Mode)
	}
	return nil
}

// Value returns the curve value at t seconds. Before the first section the
// first start value holds, after the last the last end value holds, and in a
// gap the preceding section's end value holds.
func (c *Curve) Value(t float64) float64 {
	n := len(c.sections)
	i := sort.Search(n, func(i int) bool { return c.sections[i].End > t })
	if i == n {
		return c.sections[n-1].To
	}
	s := c.sections[i]
	if t < s.Start {
		if i == 0 {
			return s.From
		}
		return c.sections[i-1].To
	}
	return s.at(t)
}

// Sections returns a copy of the resolved sections.
func (c *Curve) Sections() []Section {
	return append([]Section(nil), c.sections...)
}

// Discontinuities lists the times at which the curve jumps: a section whose
// start value differs from the value held just before it.
func (c *Curve) Discontinuities() []float64 {
	var out []float64
	for i := 1; i < len(c.sections); i++ {
		if c.sections[i].From != c.sections[i-1].To {
			out = append(out, c.sections[i].Start)
		}
	}
	return out
}

// Bounds returns the smallest and largest value the curve takes.
func (c *Curve) Bounds() (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, s := range c.sections {
		lo = math.Min(lo, math.Min(s.From, s.To))
		hi = math.Max(hi, math.Max(s.From, s.To))
	}
	return lo, hi
}
