package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-render/internal/ledger"
)

type historyEntry struct {
	ID             string  `json:"render_id"`
	Session        string  `json:"session"`
	Status         string  `json:"status"`
	Output         string  `json:"output"`
	Seed           uint64  `json:"seed"`
	IntegratedLUFS float64 `json:"integrated_lufs"`
	TruePeakDBTP   float64 `json:"true_peak_dbtp"`
	ShortfallLU    float64 `json:"shortfall_lu,omitempty"`
	Error          string  `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent renders from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log := ctx.logger(cmd.ErrOrStderr())
			store, err := ledger.Open(cmd.Context(), cfg.Ledger, log.With(slog.String("component", "ledger")))
			if err != nil {
				return err
			}
			defer store.Close()

			renders, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if ctx.json() {
				entries := make([]historyEntry, 0, len(renders))
				for _, r := range renders {
					entries = append(entries, historyEntry{
						ID:             r.ID,
						Session:        r.Session,
						Status:         r.Status,
						Output:         r.OutputPath,
						Seed:           r.Seed,
						IntegratedLUFS: r.IntegratedLUFS,
						TruePeakDBTP:   r.TruePeakDBTP,
						ShortfallLU:    r.ShortfallLU,
						Error:          r.Error,
						CreatedAt:      r.CreatedAt.Format(time.RFC3339),
					})
				}
				return writeJSON(cmd, entries)
			}
			if len(renders) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no renders recorded")
				return nil
			}
			rows := make([][]string, 0, len(renders))
			for _, r := range renders {
				rows = append(rows, historyRow(r))
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Render", "Session", "Status", "LUFS", "dBTP", "Seed", "When"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft}))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of renders to show")
	return cmd
}

func historyRow(r ledger.Render) []string {
	lufs, peak := "-", "-"
	if r.Status == ledger.StatusSucceeded {
		lufs = fmt.Sprintf("%.2f", r.IntegratedLUFS)
		peak = fmt.Sprintf("%.2f", r.TruePeakDBTP)
	}
	status := r.Status
	if r.ShortfallLU > 0 {
		status += fmt.Sprintf(" (-%.1f LU)", r.ShortfallLU)
	}
	if r.ErrorKind != "" {
		status += " (" + r.ErrorKind + ")"
	}
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return []string{id, r.Session, status, lufs, peak, fmt.Sprint(r.Seed), humanize.Time(r.CreatedAt)}
}
