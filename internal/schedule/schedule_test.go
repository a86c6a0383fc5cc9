package schedule

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func mustCurve(t *testing.T, sections ...Section) *Curve {
	t.Helper()
	c, err := NewCurve(sections)
	if err != nil {
		t.Fatalf("new curve: %v", err)
	}
	return c
}

func TestLinearGlide(t *testing.T) {
	c := mustCurve(t, Section{Name: "induction", Start: 0, End: 60, From: 10, To: 6, Mode: Linear})
	tests := []struct {
		at, want float64
	}{
		{0, 10},
		{30, 8},
		{60, 6},
		{15, 9},
	}
	for _, tt := range tests {
		if got := c.Value(tt.at); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Value(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestLogarithmicGlide(t *testing.T) {
	c := mustCurve(t, Section{Name: "deepen", Start: 0, End: 100, From: 16, To: 4, Mode: Logarithmic})
	if got := c.Value(50); math.Abs(got-8) > 1e-9 {
		t.Fatalf("log midpoint = %v, want geometric mean 8", got)
	}
}

func TestHoldAndExtrapolation(t *testing.T) {
	c := mustCurve(t,
		Section{Name: "a", Start: 10, End: 20, From: 10, Mode: Hold},
		Section{Name: "b", Start: 30, End: 40, From: 6, To: 4, Mode: Linear},
	)
	tests := []struct {
		at, want float64
	}{
		{0, 10},   // before first section
		{15, 10},  // hold
		{25, 10},  // gap holds last known value
		{30, 6},   // jump at section start
		{40, 4},   // end
		{500, 4},  // after last
		{-1, 10},  // negative time still holds
		{35, 5},   // inside second
		{19.9, 10},
	}
	for _, tt := range tests {
		if got := c.Value(tt.at); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Value(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
	disc := c.Discontinuities()
	if len(disc) != 1 || disc[0] != 30 {
		t.Fatalf("discontinuities = %v, want [30]", disc)
	}
	lo, hi := c.Bounds()
	if lo != 4 || hi != 10 {
		t.Fatalf("bounds = %v,%v", lo, hi)
	}
}

func TestOverlapRejected(t *testing.T) {
	_, err := NewCurve([]Section{
		{Name: "induction", Start: 0, End: 120, From: 10, To: 8, Mode: Linear},
		{Name: "induction", Start: 100, End: 200, From: 8, To: 6, Mode: Linear},
	})
	var overlap *OverlapError
	if !errors.As(err, &overlap) {
		t.Fatalf("expected OverlapError, got %v", err)
	}
	if !strings.Contains(err.Error(), "[100s, 120s)") {
		t.Fatalf("error should name the overlapping range: %v", err)
	}
}

func TestMalformedSections(t *testing.T) {
	tests := []struct {
		name     string
		sections []Section
	}{
		{"empty", nil},
		{"end before start", []Section{{Name: "x", Start: 10, End: 5, From: 1, Mode: Hold}}},
		{"zero length", []Section{{Name: "x", Start: 5, End: 5, From: 1, Mode: Hold}}},
		{"negative start", []Section{{Name: "x", Start: -1, End: 5, From: 1, Mode: Hold}}},
		{"log through zero", []Section{{Name: "x", Start: 0, End: 5, From: 0, To: 4, Mode: Logarithmic}}},
		{"unknown mode", []Section{{Name: "x", Start: 0, End: 5, From: 1, To: 2, Mode: "cubic"}}},
		{"out of order", []Section{
			{Name: "late", Start: 50, End: 60, From: 1, Mode: Hold},
			{Name: "early", Start: 0, End: 10, From: 1, Mode: Hold},
		}},
	}
	for _, tt := range tests {
		if _, err := NewCurve(tt.sections); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestParseInterpolation(t *testing.T) {
	if m, _ := ParseInterpolation("", true); m != Linear {
		t.Fatalf("default with end value should be linear, got %q", m)
	}
	if m, _ := ParseInterpolation("", false); m != Hold {
		t.Fatalf("default without end value should be hold, got %q", m)
	}
	if m, _ := ParseInterpolation("LOG", true); m != Logarithmic {
		t.Fatalf("got %q", m)
	}
	if _, err := ParseInterpolation("spline", true); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEventTrack(t *testing.T) {
	tr, err := NewEventTrack([]Event{
		{Name: "late", Start: 100, Duration: 10, Attack: 2, Release: 2},
		{Name: "insight", Start: 30, Duration: 10, Attack: 1, Release: 3},
	})
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	if _, ok := tr.Active(29.9); ok {
		t.Fatalf("no event before 30s")
	}
	w, ok := tr.Active(35)
	if !ok || w.Event.Name != "insight" || w.Index != 1 {
		t.Fatalf("unexpected window %+v %v", w, ok)
	}
	if math.Abs(w.Position-0.5) > 1e-12 {
		t.Fatalf("position = %v, want 0.5", w.Position)
	}
	if got := w.Event.Envelope(w.Position); got != 1 {
		t.Fatalf("hold region envelope = %v", got)
	}
	if got := w.Event.Envelope(0); got != 0 {
		t.Fatalf("attack should start at 0, got %v", got)
	}
	if got := w.Event.Envelope(0.85); got <= 0 || got >= 1 {
		t.Fatalf("release should be partial, got %v", got)
	}
	if _, ok := tr.Active(40); ok {
		t.Fatalf("window end is exclusive")
	}
	if w, ok := tr.Active(105); !ok || w.Index != 0 {
		t.Fatalf("late event not found")
	}
}

func TestEventTrackRejectsOverlap(t *testing.T) {
	_, err := NewEventTrack([]Event{
		{Name: "a", Start: 0, Duration: 10},
		{Name: "b", Start: 5, Duration: 10},
	})
	if err == nil {
		t.Fatalf("expected overlap error")
	}
	if _, err := NewEventTrack([]Event{{Name: "c", Start: 0, Duration: 1, Attack: 0.8, Release: 0.8}}); err == nil {
		t.Fatalf("expected attack+release error")
	}
}
