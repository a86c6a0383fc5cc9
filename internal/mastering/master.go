package mastering

import (
	"context"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
)

const (
	DefaultTargetLUFS            = -14.0
	DefaultCeilingDBTP           = -1.0
	DefaultToleranceLU           = 0.5
	DefaultMaxLimiterReductionDB = 10.0

	// quantMargin keeps the float ceiling clear of rounding and dither.
	quantMargin   = 0.1
	loopTolerance = 0.1
	maxIterations = 8
)

// Target is the loudness and format the master must meet.
type Target struct {
	TargetLUFS            float64
	CeilingDBTP           float64
	Format                audio.SampleFormat
	ToleranceLU           float64
	MaxLimiterReductionDB float64
	EQ                    *EQ
}

// DefaultTarget returns the streaming-friendly defaults.
func DefaultTarget() Target {
	return Target{
		TargetLUFS:            DefaultTargetLUFS,
		CeilingDBTP:           DefaultCeilingDBTP,
		Format:                audio.FormatPCM24,
		ToleranceLU:           DefaultToleranceLU,
		MaxLimiterReductionDB: DefaultMaxLimiterReductionDB,
	}
}

func (t Target) Validate() error {
	switch {
	case math.IsNaN(t.TargetLUFS) || t.TargetLUFS >= 0 || t.TargetLUFS < absoluteGate:
		return fmt.Errorf("target loudness %g LUFS outside (%g, 0)", t.TargetLUFS, absoluteGate)
	case math.IsNaN(t.CeilingDBTP) || t.CeilingDBTP > 0 || t.CeilingDBTP < -20:
		return fmt.Errorf("true-peak ceiling %g dBTP outside [-20, 0]", t.CeilingDBTP)
	case t.ToleranceLU <= 0:
		return fmt.Errorf("loudness tolerance must be positive")
	case t.MaxLimiterReductionDB < 0:
		return fmt.Errorf("max limiter reduction must be >= 0 dB")
	}
	if _, err := audio.ParseSampleFormat(string(t.Format)); err != nil {
		return err
	}
	return nil
}

// Shortfall explains why the target loudness was not reached.
type Shortfall struct {
	LU     float64 `json:"lu"`
	Reason string  `json:"reason"`
}

// LoudnessReport travels with the master file.
type LoudnessReport struct {
	TargetLUFS             float64    `json:"target_lufs"`
	CeilingDBTP            float64    `json:"true_peak_ceiling_dbtp"`
	InputIntegratedLUFS    float64    `json:"input_integrated_lufs"`
	MeasuredIntegratedLUFS float64    `json:"measured_integrated_lufs"`
	MeasuredTruePeakDBTP   float64    `json:"measured_true_peak_dbtp"`
	AppliedGainDB          float64    `json:"applied_gain_db"`
	LimiterMaxReductionDB  float64    `json:"limiter_max_reduction_db"`
	LoudnessRangeLU        float64    `json:"loudness_range_lu"`
	OutputFormat           string     `json:"output_format"`
	Shortfall              *Shortfall `json:"shortfall,omitempty"`
}

// ShortfallWarning is the non-fatal outcome of a master that kept the
// ceiling but missed the loudness target.
type ShortfallWarning struct {
	Shortfall
	TargetLUFS   float64
	MeasuredLUFS float64
}

func (w *ShortfallWarning) Error() string {
	return fmt.Sprintf("mastering shortfall: measured %.2f LUFS against target %.2f (%.2f LU short): %s",
		w.MeasuredLUFS, w.TargetLUFS, w.LU, w.Reason)
}

// Warning returns a ShortfallWarning when the report carries a shortfall.
func (r LoudnessReport) Warning() error {
	if r.Shortfall == nil {
		return nil
	}
	return &ShortfallWarning{Shortfall: *r.Shortfall, TargetLUFS: r.TargetLUFS, MeasuredLUFS: r.MeasuredIntegratedLUFS}
}

// Result is the delivered master: the integer PCM and its float view.
type Result struct {
	PCM  *audio.PCM
	Stem *audio.Stem
}

func floorDB(v float64) float64 { return math.Max(v, audio.SilenceDB) }

// Master applies EQ, loudness gain and limiting, then quantizes with TPDF
// dither. The ceiling always wins over the loudness target.
func Master(ctx context.Context, rc audio.RenderConfig, in *audio.Stem, target Target) (*Result, LoudnessReport, error) {
	report := LoudnessReport{TargetLUFS: target.TargetLUFS, CeilingDBTP: target.CeilingDBTP, OutputFormat: string(target.Format)}
	if err := target.Validate(); err != nil {
		return nil, report, err
	}
	format, _ := audio.ParseSampleFormat(string(target.Format))
	report.OutputFormat = string(format)
	if err := audio.CheckFinite(in); err != nil {
		return nil, report, err
	}

	work := in.Clone("master")
	if target.EQ != nil {
		target.EQ.Apply(work)
	}
	input := Integrated(work)
	report.InputIntegratedLUFS = floorDB(input)
	ceiling := audio.DBToLinear(target.CeilingDBTP - quantMargin)

	out := work
	var gainDB, reduction float64
	var reason string
	if math.IsInf(input, -1) {
		reason = "input is silent"
	} else {
		gainDB = target.TargetLUFS - input
		for iter := 0; iter < maxIterations; iter++ {
			if err := audio.Interrupted(ctx, "master"); err != nil {
				return nil, report, err
			}
			out, reduction = applyGain(work, gainDB, ceiling)
			if reduction > target.MaxLimiterReductionDB {
				gainDB -= reduction - target.MaxLimiterReductionDB
				out, reduction = applyGain(work, gainDB, ceiling)
				reason = fmt.Sprintf("limiter reduction capped at %.1f dB to hold the %.1f dBTP ceiling", target.MaxLimiterReductionDB, target.CeilingDBTP)
				break
			}
			got := Integrated(out)
			if math.Abs(got-target.TargetLUFS) <= loopTolerance {
				break
			}
			gainDB += target.TargetLUFS - got
		}
	}
	if reason == "" {
		reason = "loudness did not converge under the true-peak ceiling"
	}

	if tp := TruePeak(out); tp > ceiling {
		trim := ceiling / tp
		out.Scale(trim)
		gainDB += audio.LinearToDB(trim)
	}

	r := dsp.NewRand(rc.LayerSeed("dither"))
	pcm := audio.Quantize(out, format, func() float64 { return r.Float64() - r.Float64() })
	final := pcm.Stem("master")
	m := Measure(final)

	report.MeasuredIntegratedLUFS = floorDB(m.IntegratedLUFS)
	report.MeasuredTruePeakDBTP = floorDB(m.TruePeakDBTP)
	report.AppliedGainDB = gainDB
	report.LimiterMaxReductionDB = reduction
	report.LoudnessRangeLU = m.RangeLU
	if diff := target.TargetLUFS - report.MeasuredIntegratedLUFS; math.Abs(diff) > target.ToleranceLU {
		report.Shortfall = &Shortfall{LU: diff, Reason: reason}
	}
	return &Result{PCM: pcm, Stem: final}, report, nil
}

func applyGain(in *audio.Stem, gainDB, ceiling float64) (*audio.Stem, float64) {
	out := in.Clone("master")
	out.Scale(audio.DBToLinear(gainDB))
	return out, limit(out, ceiling)
}
