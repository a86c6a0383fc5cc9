// Package render drives one session from a validated manifest to a mastered
// file: parallel generation, mixing, mastering, output and bookkeeping.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/ledger"
	"github.com/loqalabs/loqa-render/internal/manifest"
	"github.com/loqalabs/loqa-render/internal/mastering"
	"github.com/loqalabs/loqa-render/internal/mixer"
	"github.com/loqalabs/loqa-render/internal/voice"
)

const instrumentationName = "github.com/loqalabs/loqa-render/render"

// Options are per-invocation overrides of the manifest and output settings.
type Options struct {
	// ManifestPath is recorded in the ledger only.
	ManifestPath string
	OutputPath   string
	// SampleRate replaces session.sample_rate when positive.
	SampleRate int
	// Seed replaces session.seed when set.
	Seed *uint64
	// VoicePath replaces the manifest's voice source with a WAV file.
	VoicePath string
	// DebugStemsDir receives one WAV per generated stem when set.
	DebugStemsDir string
	// DryRun validates and sizes the render without synthesizing.
	DryRun bool
}

// StemInfo summarizes a generated stem before mixing.
type StemInfo struct {
	Name    string  `json:"name"`
	Kind    string  `json:"kind"`
	Seconds float64 `json:"seconds"`
	PeakDB  float64 `json:"peak_dbfs"`
	RMSDB   float64 `json:"rms_dbfs"`
	Path    string  `json:"debug_path,omitempty"`
}

// Result describes a finished (or dry-run) render. It is also the content of
// the sidecar report.
type Result struct {
	ID             string                    `json:"render_id"`
	Session        string                    `json:"session"`
	OutputPath     string                    `json:"output_path,omitempty"`
	ReportPath     string                    `json:"-"`
	Seed           uint64                    `json:"seed"`
	SampleRate     int                       `json:"sample_rate"`
	BitDepth       int                       `json:"bit_depth"`
	Duration       float64                   `json:"duration_seconds"`
	EstimatedBytes uint64                    `json:"estimated_bytes"`
	DryRun         bool                      `json:"dry_run,omitempty"`
	Stems          []StemInfo                `json:"stems,omitempty"`
	Mix            *mixer.Report             `json:"mix,omitempty"`
	Loudness       *mastering.LoudnessReport `json:"loudness,omitempty"`
	Warnings       []string                  `json:"warnings,omitempty"`
	Elapsed        time.Duration             `json:"elapsed_ns"`
}

// Renderer executes renders. It is safe for concurrent use; renders to the
// same output path are serialized by a lock file.
type Renderer struct {
	cfg    config.RenderConfig
	voice  voice.Provider
	ledger *ledger.Ledger
	log    *slog.Logger
	tracer trace.Tracer
	inst   *instruments
}

// New builds a Renderer. provider may be nil when no session uses a voice;
// store may be nil to skip bookkeeping.
func New(cfg config.RenderConfig, provider voice.Provider, store *ledger.Ledger, log *slog.Logger) *Renderer {
	log = log.With(slog.String("component", "render"))
	inst, err := newInstruments(otel.Meter(instrumentationName))
	if err != nil {
		log.Warn("failed to initialize render metrics", slog.String("error", err.Error()))
	}
	return &Renderer{
		cfg:    cfg,
		voice:  provider,
		ledger: store,
		log:    log,
		tracer: otel.Tracer(instrumentationName),
		inst:   inst,
	}
}

func (r *Renderer) workers() int {
	if r.cfg.Workers > 0 {
		return r.cfg.Workers
	}
	return runtime.NumCPU()
}

func (r *Renderer) generatorTimeout() time.Duration {
	return time.Duration(r.cfg.GeneratorTimeoutMS) * time.Millisecond
}

// Prepare applies opts to a copy of m and validates the result.
func (r *Renderer) Prepare(m *manifest.Manifest, opts Options) (*manifest.Manifest, error) {
	mm := *m
	if m.Voice != nil {
		v := *m.Voice
		mm.Voice = &v
	}
	if opts.SampleRate > 0 {
		mm.Session.SampleRate = opts.SampleRate
	}
	switch {
	case opts.Seed != nil:
		mm.Session.Seed = *opts.Seed
	case mm.Session.Seed == 0 && r.cfg.DefaultSeed != 0:
		mm.Session.Seed = uint64(r.cfg.DefaultSeed)
	}
	if opts.VoicePath != "" {
		if mm.Voice == nil {
			mm.Voice = &manifest.Voice{}
		}
		mm.Voice.Path = opts.VoicePath
	}
	if err := manifest.Validate(&mm); err != nil {
		return nil, err
	}
	return &mm, nil
}

// Render validates m under opts and, unless opts.DryRun, synthesizes, mixes
// and masters it into opts.OutputPath. A mastering shortfall is reported in
// Result.Warnings, not as an error.
func (r *Renderer) Render(ctx context.Context, m *manifest.Manifest, opts Options) (res *Result, err error) {
	start := time.Now()
	m, err = r.Prepare(m, opts)
	if err != nil {
		return nil, err
	}
	res = &Result{
		ID:         uuid.NewString(),
		Session:    m.Session.Name,
		OutputPath: opts.OutputPath,
		Seed:       m.Session.Seed,
		SampleRate: m.Session.Rate(),
		BitDepth:   m.Session.Bits(),
		Duration:   m.Session.Duration,
		DryRun:     opts.DryRun,
	}
	log := r.log.With(slog.String("render_id", res.ID), slog.String("session", res.Session))

	ctx, span := r.tracer.Start(ctx, "render", trace.WithAttributes(
		attribute.String("render.id", res.ID),
		attribute.String("session.name", res.Session),
		attribute.Int("session.sample_rate", res.SampleRate),
		attribute.Float64("session.duration", res.Duration),
	))
	defer func() {
		if res != nil {
			res.Elapsed = time.Since(start)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	gens, err := m.Generators()
	if err != nil {
		return nil, err
	}
	plan, err := m.Plan()
	if err != nil {
		return nil, err
	}
	target, err := m.Target()
	if err != nil {
		return nil, err
	}
	res.BitDepth = target.Format.BitDepth()

	res.EstimatedBytes = Estimate(m)
	if err := r.checkBudget(res.EstimatedBytes); err != nil {
		return nil, err
	}
	if opts.DryRun {
		log.Info("dry run complete", slog.Int("generators", len(gens)), slog.Uint64("estimated_bytes", res.EstimatedBytes))
		return res, nil
	}
	if opts.OutputPath == "" {
		return nil, errors.New("render: output path is required")
	}
	res.ReportPath = ReportPath(opts.OutputPath)

	unlock, err := lockOutput(ctx, opts.OutputPath, time.Duration(r.cfg.LockTimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer unlock()

	digest, derr := m.Digest()
	if derr != nil {
		log.Warn("failed to hash manifest", slog.String("error", derr.Error()))
	}
	if err := r.ledger.Begin(ctx, ledger.Render{
		ID:             res.ID,
		Session:        res.Session,
		ManifestPath:   opts.ManifestPath,
		ManifestSHA256: digest,
		OutputPath:     opts.OutputPath,
		Seed:           res.Seed,
		SampleRate:     res.SampleRate,
		BitDepth:       res.BitDepth,
		Duration:       res.Duration,
	}); err != nil {
		log.Warn("failed to record render start", slog.String("error", err.Error()))
	}

	log.Info("render started",
		slog.Int("generators", len(gens)),
		slog.Int("workers", r.workers()),
		slog.Uint64("seed", res.Seed),
	)
	err = r.run(ctx, m, gens, plan, target, opts, res, log)
	r.record(ctx, res, err, start, log)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Renderer) run(ctx context.Context, m *manifest.Manifest, gens []audio.Generator, plan mixer.Plan, target mastering.Target, opts Options, res *Result, log *slog.Logger) error {
	rc := m.RenderConfig()
	rc.BlockSize = r.cfg.BlockSize

	stems, kinds, err := r.generate(ctx, m, gens, rc, log)
	if err != nil {
		return err
	}
	res.Stems = describeStems(stems, kinds)
	if opts.DebugStemsDir != "" {
		if err := writeDebugStems(opts.DebugStemsDir, stems, target.Format, res.Stems); err != nil {
			return err
		}
		r.event(ctx, res.ID, "debug_stems", map[string]string{"dir": opts.DebugStemsDir})
	}

	mixCtx, mixSpan := r.tracer.Start(ctx, "render.mix", trace.WithAttributes(attribute.Int("mix.stems", len(stems))))
	bus, mixReport, err := mixer.Mix(mixCtx, plan, stems, rc, m.Session.Duration)
	endSpan(mixSpan, err)
	if err != nil {
		return fmt.Errorf("mix: %w", err)
	}
	// stems are no longer needed once summed
	clear(stems)
	res.Mix = &mixReport
	r.event(ctx, res.ID, "mixed", mixReport)
	for _, adj := range mixReport.Adjustments {
		if !adj.WithinTolerance {
			res.Warnings = append(res.Warnings, adj.String())
		}
	}
	if mixReport.ClippedSamples > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("mix bus exceeded full scale on %d samples before mastering", mixReport.ClippedSamples))
		r.inst.addClipped(ctx, mixReport.ClippedSamples)
	}

	masterCtx, masterSpan := r.tracer.Start(ctx, "render.master", trace.WithAttributes(
		attribute.Float64("master.target_lufs", target.TargetLUFS),
		attribute.Float64("master.ceiling_dbtp", target.CeilingDBTP),
	))
	master, loudness, err := mastering.Master(masterCtx, rc, bus, target)
	endSpan(masterSpan, err)
	if err != nil {
		return fmt.Errorf("master: %w", err)
	}
	res.Loudness = &loudness
	if w := loudness.Warning(); w != nil {
		res.Warnings = append(res.Warnings, w.Error())
		log.Warn("loudness target not reached", slog.String("warning", w.Error()))
	}

	if err := writeMaster(opts.OutputPath, master.PCM); err != nil {
		return err
	}
	if err := writeReport(res.ReportPath, res); err != nil {
		return err
	}
	log.Info("render written",
		slog.String("output", opts.OutputPath),
		slog.Float64("integrated_lufs", loudness.MeasuredIntegratedLUFS),
		slog.Float64("true_peak_dbtp", loudness.MeasuredTruePeakDBTP),
		slog.Int("warnings", len(res.Warnings)),
	)
	return nil
}

// generate runs every generator, plus the voice provider, in a bounded
// errgroup. The first failure cancels the rest.
func (r *Renderer) generate(ctx context.Context, m *manifest.Manifest, gens []audio.Generator, rc audio.RenderConfig, log *slog.Logger) (map[string]*audio.Stem, map[string]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers())

	var mu sync.Mutex
	stems := make(map[string]*audio.Stem, len(gens)+1)
	kinds := make(map[string]string, len(gens)+1)
	keep := func(name, kind string, st *audio.Stem) {
		mu.Lock()
		defer mu.Unlock()
		st.Name = name
		stems[name] = st
		kinds[name] = kind
	}

	if m.Voice != nil {
		g.Go(func() error {
			st, err := r.fetchVoice(gctx, m, rc)
			if err != nil {
				return err
			}
			keep(manifest.VoiceStem, "voice", st)
			return nil
		})
	}
	for _, gen := range gens {
		g.Go(func() error {
			st, err := r.runGenerator(gctx, gen, rc, log)
			if err != nil {
				return err
			}
			keep(gen.Name(), gen.Kind(), st)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return stems, kinds, nil
}

// timed runs fn under the generator timeout and turns an expired deadline
// into a ResourceExhaustionError naming stage.
func (r *Renderer) timed(ctx context.Context, stage string, fn func(context.Context) (*audio.Stem, error)) (*audio.Stem, error) {
	timeout := r.generatorTimeout()
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	st, err := fn(tctx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, &audio.ResourceExhaustionError{Stage: stage, Resource: "time", Limit: timeout.String(), Err: context.DeadlineExceeded}
		}
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	if err := audio.CheckFinite(st); err != nil {
		return nil, err
	}
	return st, nil
}

func (r *Renderer) runGenerator(ctx context.Context, gen audio.Generator, rc audio.RenderConfig, log *slog.Logger) (*audio.Stem, error) {
	ctx, span := r.tracer.Start(ctx, "render.generate", trace.WithAttributes(
		attribute.String("layer.name", gen.Name()),
		attribute.String("layer.kind", gen.Kind()),
	))
	started := time.Now()
	st, err := r.timed(ctx, "layer "+gen.Name(), func(ctx context.Context) (*audio.Stem, error) {
		return gen.Generate(ctx, rc)
	})
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	r.inst.addStem(ctx, gen.Kind())
	log.Debug("layer generated",
		slog.String("layer", gen.Name()),
		slog.String("kind", gen.Kind()),
		slog.Duration("elapsed", time.Since(started)),
	)
	return st, nil
}

func (r *Renderer) fetchVoice(ctx context.Context, m *manifest.Manifest, rc audio.RenderConfig) (*audio.Stem, error) {
	if r.voice == nil {
		return nil, errors.New("voice: manifest has a voice but no provider is configured")
	}
	ctx, span := r.tracer.Start(ctx, "render.generate", trace.WithAttributes(
		attribute.String("layer.name", manifest.VoiceStem),
		attribute.String("layer.kind", "voice"),
	))
	st, err := r.timed(ctx, "voice", func(ctx context.Context) (*audio.Stem, error) {
		return r.voice.Fetch(ctx, voice.Request{
			SessionID:  m.Session.Name,
			Path:       m.Voice.Path,
			Script:     m.Voice.Script,
			Voice:      m.Voice.Name,
			SampleRate: rc.SampleRate,
			Duration:   m.Session.Duration,
		})
	})
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	r.inst.addStem(ctx, "voice")
	return voice.Align(st, m.Voice.Offset), nil
}

func describeStems(stems map[string]*audio.Stem, kinds map[string]string) []StemInfo {
	out := make([]StemInfo, 0, len(stems))
	for name, st := range stems {
		out = append(out, StemInfo{
			Name:    name,
			Kind:    kinds[name],
			Seconds: st.Seconds(),
			PeakDB:  audio.LevelDB(st.Peak()),
			RMSDB:   audio.LevelDB(st.RMS()),
		})
	}
	sortStems(out)
	return out
}

// record closes the ledger row and updates metrics.
func (r *Renderer) record(ctx context.Context, res *Result, err error, start time.Time, log *slog.Logger) {
	out := ledger.Outcome{Status: ledger.StatusSucceeded}
	status := "succeeded"
	if err != nil {
		out.Status = ledger.StatusFailed
		out.Error = err.Error()
		out.ErrorKind = audio.Kind(err)
		status = "failed"
		log.Error("render failed", slog.String("error", err.Error()), slog.String("kind", out.ErrorKind))
	} else if res.Loudness != nil {
		out.IntegratedLUFS = res.Loudness.MeasuredIntegratedLUFS
		out.TruePeakDBTP = res.Loudness.MeasuredTruePeakDBTP
		if res.Loudness.Shortfall != nil {
			out.ShortfallLU = res.Loudness.Shortfall.LU
			r.inst.addShortfall(ctx)
		}
		r.inst.setLoudness(ctx, res.Session, out.IntegratedLUFS)
		if data, mErr := json.Marshal(res); mErr == nil {
			out.Report = data
		}
	}
	r.inst.observeDuration(ctx, time.Since(start), status)
	if lerr := r.ledger.Finish(ctx, res.ID, out); lerr != nil {
		log.Warn("failed to record render outcome", slog.String("error", lerr.Error()))
	}
}

func (r *Renderer) event(ctx context.Context, id, typ string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := r.ledger.AppendEvent(ctx, ledger.Event{RenderID: id, Type: typ, Payload: data}); err != nil {
		r.log.Warn("failed to append render event", slog.String("error", err.Error()))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
