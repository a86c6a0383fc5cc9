package main

import (
	"errors"

	"github.com/loqalabs/loqa-render/internal/audio"
)

const (
	exitOK         = 0
	exitOther      = 1
	exitValidation = 2
	exitRender     = 3
)

// renderFailure marks an error raised after validation, during synthesis,
// mixing, mastering or output.
type renderFailure struct{ err error }

func (e *renderFailure) Error() string { return e.err.Error() }
func (e *renderFailure) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if audio.Kind(err) == audio.KindValidation {
		return exitValidation
	}
	var rf *renderFailure
	if errors.As(err, &rf) {
		return exitRender
	}
	switch audio.Kind(err) {
	case audio.KindNumeric, audio.KindDuration, audio.KindResource:
		return exitRender
	}
	return exitOther
}
