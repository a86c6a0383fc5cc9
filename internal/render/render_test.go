package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/ledger"
	"github.com/loqalabs/loqa-render/internal/manifest"
	"github.com/loqalabs/loqa-render/internal/voice"
)

const sessionYAML = `
session:
  name: short-rest
  duration: 4
  sample_rate: 16000
  bit_depth: 16
  seed: 9
  fade_in: 0.5
  fade_out: 0.5
voice:
  script: "rest now. let go."
layers:
  - name: tone
    type: binaural
    amplitude: 0.4
    params: {carrier: 220}
    sections:
      - {start: 0, end: 4, freq_start: 8, freq_end: 6}
  - name: bed
    type: noise
    amplitude: 0.2
    params: {color: pink}
mix:
  stems:
    - {stem: voice, gain_db: -3}
    - {stem: tone, gain_db: -6, duck: {source: voice, depth_db: 6}}
mastering: {target_lufs: -18, true_peak_ceiling_dbtp: -1.5, output_format: pcm16}
`

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.RenderConfig {
	return config.RenderConfig{
		Workers:            2,
		GeneratorTimeoutMS: 60000,
		LockTimeoutMS:      100,
	}
}

func parse(t *testing.T, doc string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	return m
}

func TestRenderWritesMasterReportAndLedger(t *testing.T) {
	dir := t.TempDir()
	store, err := ledger.Open(context.Background(), config.LedgerConfig{
		Path:          filepath.Join(dir, "renders.db"),
		RetentionMode: "persistent",
	}, newLogger())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer store.Close()

	r := New(testConfig(), &voice.MockProvider{}, store, newLogger())
	out := filepath.Join(dir, "out", "session.wav")
	debug := filepath.Join(dir, "stems")
	res, err := r.Render(context.Background(), parse(t, sessionYAML), Options{OutputPath: out, DebugStemsDir: debug})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	master, info, err := audio.ReadFile(out, "master")
	if err != nil {
		t.Fatalf("read master: %v", err)
	}
	if info.SampleRate != 16000 || info.BitDepth != 16 || master.Frames() != 4*16000 {
		t.Fatalf("unexpected master format %+v frames=%d", info, master.Frames())
	}
	if res.Loudness == nil || res.Loudness.MeasuredTruePeakDBTP > -1.5 {
		t.Fatalf("expected loudness report under ceiling, got %+v", res.Loudness)
	}
	if len(res.Stems) != 3 || res.Stems[0].Name != manifest.VoiceStem {
		t.Fatalf("expected voice first among 3 stems, got %+v", res.Stems)
	}
	for _, st := range res.Stems {
		if _, err := os.Stat(st.Path); err != nil {
			t.Fatalf("debug stem %s missing: %v", st.Name, err)
		}
	}

	data, err := os.ReadFile(ReportPath(out))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report Result
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.ID != res.ID || report.Loudness == nil || report.Seed != 9 {
		t.Fatalf("unexpected sidecar %+v", report)
	}

	row, err := store.Get(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("ledger get: %v", err)
	}
	if row.Status != ledger.StatusSucceeded || row.Session != "short-rest" || row.TruePeakDBTP != res.Loudness.MeasuredTruePeakDBTP {
		t.Fatalf("unexpected ledger row %+v", row)
	}
	if len(row.ManifestSHA256) != 64 {
		t.Fatalf("manifest digest = %q", row.ManifestSHA256)
	}
	events, err := store.Events(context.Background(), res.ID, 10)
	if err != nil || len(events) == 0 {
		t.Fatalf("expected render events, got %d (%v)", len(events), err)
	}
}

func TestRenderIsDeterministicForASeed(t *testing.T) {
	dir := t.TempDir()
	r := New(testConfig(), &voice.MockProvider{}, nil, newLogger())
	m := parse(t, sessionYAML)

	var outputs [][]byte
	for _, name := range []string{"a.wav", "b.wav"} {
		out := filepath.Join(dir, name)
		if _, err := r.Render(context.Background(), m, Options{OutputPath: out}); err != nil {
			t.Fatalf("render %s: %v", name, err)
		}
		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		outputs = append(outputs, data)
	}
	if !bytes.Equal(outputs[0], outputs[1]) {
		t.Fatal("renders with the same seed differ")
	}

	seed := uint64(10)
	out := filepath.Join(dir, "c.wav")
	if _, err := r.Render(context.Background(), m, Options{OutputPath: out, Seed: &seed}); err != nil {
		t.Fatalf("render c: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read c: %v", err)
	}
	if bytes.Equal(outputs[0], data) {
		t.Fatal("seed override did not change the noise")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	dir := t.TempDir()
	r := New(testConfig(), nil, nil, newLogger())
	out := filepath.Join(dir, "session.wav")
	res, err := r.Render(context.Background(), parse(t, sessionYAML), Options{OutputPath: out, DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !res.DryRun || res.EstimatedBytes == 0 || res.Loudness != nil {
		t.Fatalf("unexpected dry-run result %+v", res)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("dry run created output: %v", err)
	}
}

func TestPrepareAppliesOverrides(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultSeed = 77
	r := New(cfg, nil, nil, newLogger())
	m := parse(t, strings.Replace(sessionYAML, "seed: 9", "seed: 0", 1))

	got, err := r.Prepare(m, Options{SampleRate: 22050, VoicePath: "narration.wav"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got.Session.SampleRate != 22050 || got.Session.Seed != 77 || got.Voice.Path != "narration.wav" {
		t.Fatalf("overrides not applied: %+v %+v", got.Session, got.Voice)
	}
	if m.Session.SampleRate != 16000 || m.Voice.Path != "" {
		t.Fatal("prepare modified the caller's manifest")
	}

	seed := uint64(5)
	got, err = r.Prepare(m, Options{Seed: &seed})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got.Session.Seed != 5 {
		t.Fatalf("explicit seed should win, got %d", got.Session.Seed)
	}
}

func TestValidationErrorsSurfaceBeforeSynthesis(t *testing.T) {
	r := New(testConfig(), nil, nil, newLogger())
	// 100 Hz is below the supported sample rate range
	_, err := r.Render(context.Background(), parse(t, sessionYAML), Options{OutputPath: filepath.Join(t.TempDir(), "x.wav"), SampleRate: 100})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if audio.Kind(err) != audio.KindValidation {
		t.Fatalf("expected validation kind, got %q (%v)", audio.Kind(err), err)
	}
}

func TestMemoryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryBudgetMB = 1
	r := New(cfg, nil, nil, newLogger())
	_, err := r.Render(context.Background(), parse(t, sessionYAML), Options{DryRun: true})
	var re *audio.ResourceExhaustionError
	if !errors.As(err, &re) || re.Resource != "memory" {
		t.Fatalf("expected memory exhaustion, got %v", err)
	}
	if !strings.Contains(err.Error(), "MiB") {
		t.Fatalf("expected human-readable sizes, got %q", err.Error())
	}
}

func TestGeneratorTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.GeneratorTimeoutMS = 1
	cfg.BlockSize = 1024
	r := New(cfg, nil, nil, newLogger())
	long := `
session: {name: long, duration: 120, sample_rate: 48000}
layers:
  - name: bed
    type: noise
    params: {color: brown}
mix: {stems: [{stem: bed}]}
`
	_, err := r.Render(context.Background(), parse(t, long), Options{OutputPath: filepath.Join(t.TempDir(), "long.wav")})
	var re *audio.ResourceExhaustionError
	if !errors.As(err, &re) || re.Resource != "time" || !strings.Contains(re.Stage, "bed") {
		t.Fatalf("expected time exhaustion naming the layer, got %v", err)
	}
}

func TestOutputLockIsExclusive(t *testing.T) {
	out := filepath.Join(t.TempDir(), "session.wav")
	held := flock.New(out + ".lock")
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("take lock: %v", err)
	}
	defer held.Unlock()

	r := New(testConfig(), &voice.MockProvider{}, nil, newLogger())
	_, err = r.Render(context.Background(), parse(t, sessionYAML), Options{OutputPath: out})
	if err == nil || !strings.Contains(err.Error(), "locked") {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestEstimateGrowsWithLayers(t *testing.T) {
	m := parse(t, sessionYAML)
	base := Estimate(m)
	m.Session.Duration *= 2
	if Estimate(m) <= base {
		t.Fatal("estimate should grow with duration")
	}
}
