package render

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/manifest"
)

const (
	// bytesPerFrame is one stereo float32 frame.
	bytesPerFrame = 2 * 4
	// pcmBytesPerFrame is one stereo frame of quantized ints.
	pcmBytesPerFrame = 2 * 8
	// workBuffers covers the mix bus, the mastering copy, its limited
	// output and the ducking envelopes.
	workBuffers = 4
)

// Estimate returns the peak working set of rendering m in bytes. Layers
// carrying events hold a second buffer for the overlay.
func Estimate(m *manifest.Manifest) uint64 {
	frames := uint64(audio.FramesFor(m.Session.Duration, m.Session.Rate()))
	buffers := uint64(workBuffers)
	if m.Voice != nil {
		buffers++
	}
	for _, l := range m.Enabled() {
		buffers++
		if len(l.Events) > 0 && l.Type != manifest.TypeBurst {
			buffers++
		}
	}
	return frames*bytesPerFrame*buffers + frames*pcmBytesPerFrame
}

func (r *Renderer) checkBudget(estimate uint64) error {
	if r.cfg.MemoryBudgetMB <= 0 {
		return nil
	}
	budget := uint64(r.cfg.MemoryBudgetMB) << 20
	if estimate <= budget {
		return nil
	}
	return &audio.ResourceExhaustionError{
		Stage:    "render",
		Resource: "memory",
		Limit:    humanize.IBytes(budget),
		Err:      fmt.Errorf("estimated working set %s; shorten the session, lower the sample rate or raise render.memory_budget_mb", humanize.IBytes(estimate)),
	}
}
