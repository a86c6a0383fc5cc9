package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-render/internal/config"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(strings.TrimSpace(*c.configFlag))
	})
	return c.config, c.configErr
}

func (c *commandContext) json() bool { return c.jsonFlag != nil && *c.jsonFlag }

// logger writes text to a terminal and JSON otherwise, at the configured
// level.
func (c *commandContext) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if cfg, err := c.ensureConfig(); err == nil {
		_ = level.UnmarshalText([]byte(cfg.Telemetry.LogLevel))
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.json() || !isTerminal(w) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var jsonFlag bool
	ctx := &commandContext{configFlag: &configFlag, jsonFlag: &jsonFlag}

	rootCmd := &cobra.Command{
		Use:           "loqa-render",
		Short:         "Render entrainment sessions to mastered audio",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Runtime configuration file (defaults plus LOQA_* overrides when empty)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Write machine-readable JSON")

	rootCmd.AddCommand(newRenderCommand(ctx))
	rootCmd.AddCommand(newValidateCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}
