package voice

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/loqalabs/loqa-render/internal/audio"
)

// FileProvider reads a pre-rendered WAV. Relative paths resolve against Dir.
type FileProvider struct {
	Dir    string
	Logger *slog.Logger
}

func (p *FileProvider) Fetch(ctx context.Context, req Request) (*audio.Stem, error) {
	if req.Path == "" {
		return nil, fmt.Errorf("voice: no path given")
	}
	if err := audio.Interrupted(ctx, "voice"); err != nil {
		return nil, err
	}
	path := req.Path
	if !filepath.IsAbs(path) && p.Dir != "" {
		path = filepath.Join(p.Dir, path)
	}
	st, info, err := audio.ReadFile(path, "voice")
	if err != nil {
		return nil, fmt.Errorf("voice: %w", err)
	}
	if p.Logger != nil {
		p.Logger.Info("voice decoded",
			slog.String("path", path),
			slog.Int("sample_rate", info.SampleRate),
			slog.Int("bit_depth", info.BitDepth),
			slog.Int("channels", info.Channels),
			slog.Int("frames", info.Frames),
		)
	}
	if err := checkRate(st, req.SampleRate); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return st, nil
}
