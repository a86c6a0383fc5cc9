package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/ledger"
	"github.com/loqalabs/loqa-render/internal/manifest"
	"github.com/loqalabs/loqa-render/internal/render"
	"github.com/loqalabs/loqa-render/internal/runtime"
	"github.com/loqalabs/loqa-render/internal/voice"
)

type renderFlags struct {
	output     string
	sampleRate int
	dryRun     bool
	debugStems string
	seed       uint64
	voicePath  string
}

func newRenderCommand(ctx *commandContext) *cobra.Command {
	var flags renderFlags
	cmd := &cobra.Command{
		Use:   "render MANIFEST",
		Short: "Synthesize, mix and master a session manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flags.dryRun && flags.output == "" {
				return fmt.Errorf("--output is required unless --dry-run is set")
			}
			opts := render.Options{
				ManifestPath:  args[0],
				OutputPath:    flags.output,
				SampleRate:    flags.sampleRate,
				DebugStemsDir: flags.debugStems,
				DryRun:        flags.dryRun,
			}
			if cmd.Flags().Changed("seed") {
				seed := flags.seed
				opts.Seed = &seed
			}
			if flags.voicePath != "" {
				abs, err := filepath.Abs(flags.voicePath)
				if err != nil {
					return err
				}
				opts.VoicePath = abs
			}
			return runRender(cmd, ctx, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Master WAV path")
	cmd.Flags().IntVar(&flags.sampleRate, "sample-rate", 0, "Override session.sample_rate")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Validate and size the render without synthesizing")
	cmd.Flags().StringVar(&flags.debugStems, "debug-stems", "", "Directory for per-stem WAVs")
	cmd.Flags().Uint64Var(&flags.seed, "seed", 0, "Override session.seed")
	cmd.Flags().StringVar(&flags.voicePath, "voice", "", "Voice WAV replacing the manifest's voice source")
	return cmd
}

func runRender(cmd *cobra.Command, cc *commandContext, manifestPath string, opts render.Options) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	log := cc.logger(cmd.ErrOrStderr())

	m, err := manifest.Load(manifestPath)
	if err != nil {
		printIssues(cmd.ErrOrStderr(), err)
		return err
	}

	stopTelemetry := setupTelemetry(cmd.Context(), cfg, log)
	defer stopTelemetry()

	var store *ledger.Ledger
	if !opts.DryRun {
		store, err = ledger.Open(cmd.Context(), cfg.Ledger, log.With(slog.String("component", "ledger")))
		if err != nil {
			log.Warn("render history disabled", slog.String("error", err.Error()))
			store = nil
		}
		defer store.Close()
	}

	provider, err := voice.FromConfig(cfg.Voice, filepath.Dir(manifestPath), log.With(slog.String("component", "voice")))
	if err != nil {
		return err
	}
	renderer := render.New(cfg.Render, provider, store, log)

	res, err := renderer.Render(cmd.Context(), m, opts)
	if err != nil {
		if isValidation(err) {
			printIssues(cmd.ErrOrStderr(), err)
			return err
		}
		return &renderFailure{err: err}
	}

	for _, w := range res.Warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}
	if cc.json() {
		return writeJSON(cmd, res)
	}
	printResult(cmd.OutOrStdout(), m, res)
	return nil
}

// setupTelemetry exports spans only when an OTLP endpoint is configured; the
// CLI never prints traces to stdout.
func setupTelemetry(ctx context.Context, cfg config.Config, log *slog.Logger) func() {
	if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return func() {}
	}
	shutdown, _, err := runtime.SetupTelemetry(ctx, cfg, version, log)
	if err != nil {
		log.Warn("telemetry disabled", slog.String("error", err.Error()))
		return func() {}
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}
}

func printResult(w io.Writer, m *manifest.Manifest, res *render.Result) {
	if res.DryRun {
		rows := make([][]string, 0, len(m.Layers)+1)
		if m.Voice != nil {
			src := m.Voice.Path
			if src == "" {
				src = "script"
			}
			rows = append(rows, []string{manifest.VoiceStem, "voice", src})
		}
		for _, l := range m.Layers {
			state := "enabled"
			if !l.IsEnabled() {
				state = "disabled"
			}
			rows = append(rows, []string{l.Name, string(l.Type), state})
		}
		fmt.Fprintln(w, renderTable([]string{"Stem", "Type", "State"}, rows, nil))
		fmt.Fprintf(w, "%s: %s at %d Hz / %d-bit, seed %d, estimated working set %s\n",
			res.Session, formatSeconds(res.Duration), res.SampleRate, res.BitDepth, res.Seed, humanize.IBytes(res.EstimatedBytes))
		return
	}

	gains := make(map[string]float64)
	if res.Mix != nil {
		for _, s := range res.Mix.Stems {
			gains[s.Stem] = s.GainDB
		}
	}
	rows := make([][]string, 0, len(res.Stems))
	for _, s := range res.Stems {
		rows = append(rows, []string{
			s.Name, s.Kind,
			fmt.Sprintf("%.1f", gains[s.Name]),
			fmt.Sprintf("%.1f", s.PeakDB),
			fmt.Sprintf("%.1f", s.RMSDB),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"Stem", "Kind", "Gain dB", "Peak dBFS", "RMS dBFS"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight}))

	if l := res.Loudness; l != nil {
		loud := [][]string{
			{"Integrated", fmt.Sprintf("%.2f LUFS", l.MeasuredIntegratedLUFS), fmt.Sprintf("%.2f LUFS", l.TargetLUFS)},
			{"True peak", fmt.Sprintf("%.2f dBTP", l.MeasuredTruePeakDBTP), fmt.Sprintf("<= %.2f dBTP", l.CeilingDBTP)},
			{"Gain", fmt.Sprintf("%+.2f dB", l.AppliedGainDB), ""},
			{"Limiter", fmt.Sprintf("%.2f dB", l.LimiterMaxReductionDB), ""},
			{"Range", fmt.Sprintf("%.1f LU", l.LoudnessRangeLU), ""},
		}
		fmt.Fprintln(w, renderTable([]string{"Loudness", "Measured", "Target"}, loud,
			[]columnAlignment{alignLeft, alignRight, alignRight}))
	}
	fmt.Fprintf(w, "wrote %s (%s, %d Hz / %d-bit) in %s\n",
		res.OutputPath, formatSeconds(res.Duration), res.SampleRate, res.BitDepth, res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "report %s\n", res.ReportPath)
}

func formatSeconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Millisecond).String()
}
