// Package voice supplies the spoken stem of a session: a pre-recorded WAV, an
// external speech command, or a synthetic stand-in for tests.
package voice

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-render/internal/audio"
)

// Request describes the voice a render needs.
type Request struct {
	SessionID  string
	Path       string
	Script     string
	Voice      string
	SampleRate int
	// Duration is the session length; providers may use it to size output.
	Duration float64
}

// Provider produces the voice stem at the request's sample rate.
type Provider interface {
	Fetch(ctx context.Context, req Request) (*audio.Stem, error)
}

// Align delays st by offset seconds. The stem is returned unchanged when the
// offset rounds to zero frames.
func Align(st *audio.Stem, offset float64) *audio.Stem {
	pad := audio.FramesFor(offset, st.SampleRate)
	if pad <= 0 {
		return st
	}
	out := audio.NewStem(st.Name, st.SampleRate, pad+st.Frames())
	copy(out.L[pad:], st.L)
	copy(out.R[pad:], st.R)
	return out
}

func checkRate(st *audio.Stem, want int) error {
	if st.SampleRate != want {
		return fmt.Errorf("voice sample rate %d does not match session rate %d; resample the voice first", st.SampleRate, want)
	}
	return nil
}
