package schedule

import (
	"fmt"
	"math"
	"sort"
)

// Event is a localized window (e.g. a gamma burst) laid over a layer
// independently of its continuous curve.
type Event struct {
	Name     string
	Start    float64
	Duration float64
	// Attack and Release are in seconds; the remainder of the window holds.
	Attack  float64
	Release float64
}

func (e Event) End() float64 { return e.Start + e.Duration }

// Envelope returns the attack/hold/release gain at window position pos in [0,1].
func (e Event) Envelope(pos float64) float64 {
	if e.Duration <= 0 {
		return 0
	}
	return Envelope(pos, e.Attack/e.Duration, e.Release/e.Duration)
}

// Envelope shapes a window with raised-cosine attack and release ramps given
// as fractions of the window length.
func Envelope(pos, attack, release float64) float64 {
	switch {
	case pos < 0 || pos > 1:
		return 0
	case attack > 0 && pos < attack:
		return 0.5 - 0.5*math.Cos(math.Pi*pos/attack)
	case release > 0 && pos > 1-release:
		return 0.5 - 0.5*math.Cos(math.Pi*(1-pos)/release)
	}
	return 1
}

// Window is an active event at a queried time.
type Window struct {
	Index    int
	Event    Event
	Position float64
}

// EventTrack answers "is an event active at t" for a set of non-overlapping events.
type EventTrack struct {
	events []Event
	index  []int
}

func NewEventTrack(events []Event) (*EventTrack, error) {
	order := make([]int, len(events))
	for i, e := range events {
		order[i] = i
		switch {
		case math.IsNaN(e.Start) || math.IsNaN(e.Duration):
			return nil, fmt.Errorf("event %d (%s): non-finite timing", i, e.Name)
		case e.Start < 0:
			return nil, fmt.Errorf("event %d (%s): start %gs is negative", i, e.Name, e.Start)
		case e.Duration <= 0:
			return nil, fmt.Errorf("event %d (%s): duration must be positive", i, e.Name)
		case e.Attack < 0 || e.Release < 0:
			return nil, fmt.Errorf("event %d (%s): attack and release must be >= 0", i, e.Name)
		case e.Attack+e.Release > e.Duration:
			return nil, fmt.Errorf("event %d (%s): attack+release %gs exceeds duration %gs", i, e.Name, e.Attack+e.Release, e.Duration)
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return events[order[a]].Start < events[order[b]].Start })
	sorted := make([]Event, len(events))
	for i, idx := range order {
		sorted[i] = events[idx]
		if i > 0 && sorted[i].Start < sorted[i-1].End() {
			return nil, fmt.Errorf("event %q [%gs, %gs) overlaps event %q [%gs, %gs)",
				sorted[i].Name, sorted[i].Start, sorted[i].End(), sorted[i-1].Name, sorted[i-1].Start, sorted[i-1].End())
		}
	}
	return &EventTrack{events: sorted, index: order}, nil
}

// Active reports the event covering t, if any, and the position within it.
func (tr *EventTrack) Active(t float64) (Window, bool) {
	if tr == nil || len(tr.events) == 0 {
		return Window{}, false
	}
	i := sort.Search(len(tr.events), func(i int) bool { return tr.events[i].End() > t })
	if i == len(tr.events) || t < tr.events[i].Start {
		return Window{}, false
	}
	e := tr.events[i]
	return Window{Index: tr.index[i], Event: e, Position: (t - e.Start) / e.Duration}, true
}

func (tr *EventTrack) Len() int {
	if tr == nil {
		return 0
	}
	return len(tr.events)
}
