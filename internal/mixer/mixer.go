package mixer

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
)

// Adjustment records a stem that was padded or trimmed to the session
// length. Changes inside the tolerance are recorded under either policy.
type Adjustment struct {
	Stem            string `json:"stem"`
	Action          string `json:"action"`
	Expected        int    `json:"expected_frames"`
	Actual          int    `json:"actual_frames"`
	WithinTolerance bool   `json:"within_tolerance,omitempty"`
}

func (a Adjustment) String() string {
	return fmt.Sprintf("stem %q %s from %d to %d frames", a.Stem, a.Action, a.Actual, a.Expected)
}

// StemLevel is a stem's contribution to the bus after gain and ducking.
type StemLevel struct {
	Stem           string  `json:"stem"`
	GainDB         float64 `json:"gain_db"`
	PeakDB         float64 `json:"peak_dbfs"`
	RMSDB          float64 `json:"rms_dbfs"`
	MaxReductionDB float64 `json:"max_duck_db,omitempty"`
}

type Report struct {
	Stems       []StemLevel  `json:"stems"`
	Adjustments []Adjustment `json:"adjustments,omitempty"`
	// ClippedSamples counts bus samples beyond full scale. They are left
	// in place for the mastering chain.
	ClippedSamples int     `json:"clipped_samples"`
	PeakDB         float64 `json:"peak_dbfs"`
}

type track struct {
	entry Entry
	stem  *audio.Stem
	gain  float64
	duck  []float32
	level StemLevel
}

// sample returns the stem's post-gain frame i, or silence past its end.
func (t *track) sample(i int) (float64, float64) {
	if i >= len(t.stem.L) {
		return 0, 0
	}
	return t.gain * float64(t.stem.L[i]), t.gain * float64(t.stem.R[i])
}

// Mix combines the stems named by plan into one bus of duration seconds.
func Mix(ctx context.Context, plan Plan, stems map[string]*audio.Stem, rc audio.RenderConfig, duration float64) (*audio.Stem, Report, error) {
	var report Report
	if err := plan.Validate(); err != nil {
		return nil, report, err
	}
	if err := rc.Validate(); err != nil {
		return nil, report, err
	}
	inPlan := make(map[string]bool, len(plan.Entries))
	for _, e := range plan.Entries {
		inPlan[e.Stem] = true
	}
	for name := range stems {
		if !inPlan[name] {
			return nil, report, &PlanError{Stem: name, Reason: "stem was rendered but is not in the plan"}
		}
	}

	frames := audio.FramesFor(duration, rc.SampleRate)
	tolerance := audio.FramesFor(plan.tolerance().Seconds(), rc.SampleRate)
	policy, _ := ParsePolicy(string(plan.Policy))

	tracks := make(map[string]*track, len(plan.Entries))
	for _, e := range plan.Entries {
		st, ok := stems[e.Stem]
		if !ok || st == nil {
			return nil, report, &PlanError{Stem: e.Stem, Reason: "no stem was rendered for this entry"}
		}
		if st.SampleRate != rc.SampleRate {
			return nil, report, fmt.Errorf("stem %q: sample rate %d does not match render rate %d", e.Stem, st.SampleRate, rc.SampleRate)
		}
		if n := st.Frames(); n != frames {
			within := abs(n-frames) <= tolerance
			if !within && policy == Strict {
				return nil, report, &audio.DurationMismatchError{Stem: e.Stem, Expected: frames, Actual: n, SampleRate: rc.SampleRate}
			}
			action := "padded"
			if n > frames {
				action = "trimmed"
			}
			report.Adjustments = append(report.Adjustments, Adjustment{Stem: e.Stem, Action: action, Expected: frames, Actual: n, WithinTolerance: within})
		}
		tracks[e.Stem] = &track{
			entry: e,
			stem:  st,
			gain:  audio.DBToLinear(e.GainDB),
			level: StemLevel{Stem: e.Stem, GainDB: e.GainDB},
		}
	}

	// Duck sources are never ducked themselves, so every envelope can be
	// computed from the plain post-gain source.
	for _, e := range plan.Entries {
		if e.Duck == nil {
			continue
		}
		if err := audio.Interrupted(ctx, "mix"); err != nil {
			return nil, report, err
		}
		t := tracks[e.Stem]
		t.duck, t.level.MaxReductionDB = duckCurve(tracks[e.Duck.Source], *e.Duck, frames, rc.SampleRate)
	}

	// Canonical order makes the float64 sum independent of plan order.
	order := make([]*track, 0, len(tracks))
	for _, t := range tracks {
		order = append(order, t)
	}
	sort.Slice(order, func(a, b int) bool { return order[a].entry.Stem < order[b].entry.Stem })

	bus := audio.NewStem("mix", rc.SampleRate, frames)
	peaks := make([]float64, len(order))
	energy := make([]float64, len(order))
	var busPeak float64
	for start := 0; start < frames; start += rc.Block() {
		if err := audio.Interrupted(ctx, "mix"); err != nil {
			return nil, report, err
		}
		for i := start; i < min(start+rc.Block(), frames); i++ {
			var sl, sr float64
			for k, t := range order {
				l, r := t.sample(i)
				if t.duck != nil {
					g := float64(t.duck[i])
					l, r = l*g, r*g
				}
				sl += l
				sr += r
				peaks[k] = math.Max(peaks[k], math.Max(math.Abs(l), math.Abs(r)))
				energy[k] += l*l + r*r
			}
			bus.L[i] = float32(sl)
			bus.R[i] = float32(sr)
			for _, v := range [2]float64{sl, sr} {
				if a := math.Abs(v); a > 1 {
					report.ClippedSamples++
					busPeak = math.Max(busPeak, a)
				} else if a > busPeak {
					busPeak = a
				}
			}
		}
	}
	if err := audio.CheckFinite(bus); err != nil {
		return nil, report, err
	}

	for k, t := range order {
		t.level.PeakDB = audio.LevelDB(peaks[k])
		t.level.RMSDB = audio.SilenceDB
		if frames > 0 {
			t.level.RMSDB = audio.LevelDB(math.Sqrt(energy[k] / float64(2*frames)))
		}
		report.Stems = append(report.Stems, t.level)
	}
	report.PeakDB = audio.LevelDB(busPeak)
	return bus, report, nil
}

// duckCurve follows the source envelope and returns the per-frame gain for
// the ducked stem along with the deepest reduction reached, in dB.
func duckCurve(src *track, d Duck, frames, sampleRate int) ([]float32, float64) {
	follower := dsp.NewFollower(d.Detector, d.Attack.Seconds(), d.Release.Seconds(), sampleRate)
	smoother := dsp.NewSmoother(d.Attack.Seconds(), d.Release.Seconds(), sampleRate, 1)
	threshold := audio.DBToLinear(d.ThresholdDB)
	floor := audio.DBToLinear(-d.DepthDB)
	curve := make([]float32, frames)
	lowest := 1.0
	for i := range curve {
		l, r := src.sample(i)
		var x float64
		if d.Detector == dsp.DetectPeak {
			x = math.Max(math.Abs(l), math.Abs(r))
		} else {
			x = math.Sqrt((l*l + r*r) / 2)
		}
		target := 1.0
		if follower.Process(x) > threshold {
			target = floor
		}
		g := smoother.Process(target)
		lowest = math.Min(lowest, g)
		curve[i] = float32(g)
	}
	return curve, -audio.LevelDB(lowest)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
