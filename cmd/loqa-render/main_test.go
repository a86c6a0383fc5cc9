package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/render"
)

const sessionYAML = `
session: {name: cli-test, duration: 3, sample_rate: 8000, bit_depth: 16, seed: 4, fade_in: 0.3, fade_out: 0.3}
voice: {script: "hello there."}
layers:
  - name: pulse
    type: isochronic
    amplitude: 0.4
    params: {carrier: 300}
    sections:
      - {start: 0, end: 3, freq_start: 6}
  - name: bed
    type: noise
    amplitude: 0.2
    params: {color: brown}
mix:
  stems:
    - {stem: pulse, gain_db: -6, duck: {source: voice}}
mastering: {target_lufs: -20, true_peak_ceiling_dbtp: -1.5}
`

type cliEnv struct {
	dir string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LOQA_LEDGER_PATH", filepath.Join(dir, "renders.db"))
	t.Setenv("LOQA_VOICE_MODE", "mock")
	return &cliEnv{dir: dir}
}

func (e *cliEnv) write(t *testing.T, name, doc string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func run(args ...string) (string, string, error) {
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestValidateCommand(t *testing.T) {
	env := newCLIEnv(t)
	good := env.write(t, "good.yaml", sessionYAML)
	out, _, err := run("validate", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "valid (3 stems)") {
		t.Fatalf("unexpected output %q", out)
	}

	bad := env.write(t, "bad.yaml", strings.Replace(sessionYAML, "freq_start: 6", "freq_start: -6", 1))
	_, stderr, err := run("validate", bad)
	if exitCode(err) != exitValidation {
		t.Fatalf("expected validation exit code, got %d (%v)", exitCode(err), err)
	}
	if !strings.Contains(stderr, "pulse") {
		t.Fatalf("expected issue table naming the layer, got %q", stderr)
	}
}

func TestRenderCommandWritesMasterAndHistory(t *testing.T) {
	env := newCLIEnv(t)
	manifestPath := env.write(t, "session.yaml", sessionYAML)
	out := filepath.Join(env.dir, "out", "session.wav")

	stdout, _, err := run("render", manifestPath, "-o", out, "--json")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var res render.Result
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, stdout)
	}
	if res.Loudness == nil || res.SampleRate != 8000 || res.BitDepth != 16 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, info, err := audio.ReadFile(out, "master"); err != nil || info.Frames != 3*8000 {
		t.Fatalf("master unreadable or wrong length: %+v %v", info, err)
	}

	stdout, _, err = run("history", "--json")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var entries []historyEntry
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != res.ID || entries[0].Status != "succeeded" {
		t.Fatalf("unexpected history %+v", entries)
	}

	stdout, _, err = run("history")
	if err != nil {
		t.Fatalf("history table: %v", err)
	}
	if !strings.Contains(stdout, "cli-test") {
		t.Fatalf("history table missing session: %q", stdout)
	}
}

func TestRenderDryRunAndOverrides(t *testing.T) {
	env := newCLIEnv(t)
	manifestPath := env.write(t, "session.yaml", sessionYAML)
	stdout, _, err := run("render", manifestPath, "--dry-run", "--sample-rate", "16000", "--seed", "12")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(stdout, "16000 Hz") || !strings.Contains(stdout, "seed 12") {
		t.Fatalf("overrides not reflected: %q", stdout)
	}
}

func TestRenderRequiresOutput(t *testing.T) {
	env := newCLIEnv(t)
	manifestPath := env.write(t, "session.yaml", sessionYAML)
	_, _, err := run("render", manifestPath)
	if err == nil || exitCode(err) != exitOther {
		t.Fatalf("expected usage failure, got %v", err)
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"plain", errors.New("boom"), exitOther},
		{"numeric", &audio.NumericError{Stem: "bed"}, exitRender},
		{"resource wrapped", fmt.Errorf("layer: %w", &audio.ResourceExhaustionError{Stage: "x", Resource: "time"}), exitRender},
		{"render failure", &renderFailure{err: errors.New("disk full")}, exitRender},
		{"duration mismatch", &renderFailure{err: &audio.DurationMismatchError{Stem: "voice"}}, exitRender},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	stdout, _, err := run("version")
	if err != nil || strings.TrimSpace(stdout) != version {
		t.Fatalf("unexpected version output %q (%v)", stdout, err)
	}
}
