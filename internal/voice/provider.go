package voice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/config"
)

// Router sends path-based requests to a FileProvider and scripted requests to
// the configured speech provider.
type Router struct {
	Files  *FileProvider
	Script Provider
	// DefaultVoice names the speaker when a request leaves it empty.
	DefaultVoice string
}

func (r *Router) Fetch(ctx context.Context, req Request) (*audio.Stem, error) {
	if req.Voice == "" {
		req.Voice = r.DefaultVoice
	}
	if req.Path != "" {
		if r.Files == nil {
			return nil, fmt.Errorf("voice: no file provider configured")
		}
		return r.Files.Fetch(ctx, req)
	}
	if r.Script == nil {
		return nil, fmt.Errorf("voice: manifest has a script but voice.mode is file; set voice.mode to exec or mock")
	}
	return r.Script.Fetch(ctx, req)
}

// FromConfig builds the provider the runtime config asks for. Relative voice
// paths resolve against baseDir.
func FromConfig(cfg config.VoiceConfig, baseDir string, log *slog.Logger) (*Router, error) {
	r := &Router{
		Files:        &FileProvider{Dir: baseDir, Logger: log},
		DefaultVoice: cfg.Voice,
	}
	switch cfg.Mode {
	case "", "file":
	case "exec":
		p, err := NewExecProvider(cfg.Command, cfg.Channels)
		if err != nil {
			return nil, err
		}
		r.Script = p
	case "mock":
		r.Script = &MockProvider{}
	default:
		return nil, fmt.Errorf("unsupported voice mode %q", cfg.Mode)
	}
	return r, nil
}
