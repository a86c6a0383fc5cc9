package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/manifest"
)

func newValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate MANIFEST",
		Short: "Check a session manifest without rendering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(args[0])
			if err != nil {
				if ctx.json() {
					_ = writeJSON(cmd, validationView(err))
				} else {
					printIssues(cmd.ErrOrStderr(), err)
				}
				return err
			}
			if ctx.json() {
				return writeJSON(cmd, map[string]any{"valid": true, "session": m.Session.Name, "stems": m.StemNames()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d stems)\n", args[0], len(m.StemNames()))
			return nil
		},
	}
}

func isValidation(err error) bool { return audio.Kind(err) == audio.KindValidation }

func validationView(err error) map[string]any {
	out := map[string]any{"valid": false, "error": err.Error()}
	var verr *manifest.ValidationError
	if errors.As(err, &verr) {
		out["issues"] = verr.Issues
	}
	return out
}

// printIssues lists validation issues as a table; other errors are left to
// main.
func printIssues(w io.Writer, err error) {
	var verr *manifest.ValidationError
	if !errors.As(err, &verr) {
		return
	}
	rows := make([][]string, 0, len(verr.Issues))
	for _, is := range verr.Issues {
		rows = append(rows, []string{is.Layer, is.Section, is.Field, is.Message})
	}
	fmt.Fprintln(w, renderTable([]string{"Layer", "Section", "Field", "Problem"}, rows, nil))
}
