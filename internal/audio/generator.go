package audio

import "context"

// Generator produces one full-length stem. Implementations are pure
// functions of their configuration and the RenderConfig, so they may run
// concurrently and are reproducible for a given seed.
type Generator interface {
	Name() string
	Kind() string
	Generate(ctx context.Context, rc RenderConfig) (*Stem, error)
}
