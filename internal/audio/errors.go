package audio

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds reported through ErrorKind. The CLI maps them to exit codes.
const (
	KindValidation = "validation"
	KindNumeric    = "numeric"
	KindDuration   = "duration_mismatch"
	KindResource   = "resource_exhausted"
)

// ErrorClassifier lets an error declare its kind.
type ErrorClassifier interface {
	ErrorKind() string
}

// Kind returns the classification of err, or "" when it has none.
func Kind(err error) string {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	return ""
}

// NumericError reports a NaN or infinite sample. It is never repaired.
type NumericError struct {
	Stem    string
	Channel string
	Index   int
	Value   float64
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("stem %q: non-finite sample %v on channel %s at frame %d", e.Stem, e.Value, e.Channel, e.Index)
}

func (e *NumericError) ErrorKind() string { return KindNumeric }

// DurationMismatchError reports a stem whose length is outside the tolerance.
type DurationMismatchError struct {
	Stem       string
	Expected   int
	Actual     int
	SampleRate int
}

func (e *DurationMismatchError) Error() string {
	exp := float64(e.Expected) / float64(max(e.SampleRate, 1))
	act := float64(e.Actual) / float64(max(e.SampleRate, 1))
	return fmt.Sprintf("stem %q: length %d frames (%.3fs) does not match target %d frames (%.3fs)", e.Stem, e.Actual, act, e.Expected, exp)
}

func (e *DurationMismatchError) ErrorKind() string { return KindDuration }

// ResourceExhaustionError reports a time or memory budget overrun.
type ResourceExhaustionError struct {
	Stage    string
	Resource string
	Limit    string
	Err      error
}

func (e *ResourceExhaustionError) Error() string {
	msg := fmt.Sprintf("%s: %s budget exceeded", e.Stage, e.Resource)
	if e.Limit != "" {
		msg += " (limit " + e.Limit + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResourceExhaustionError) Unwrap() error { return e.Err }

func (e *ResourceExhaustionError) ErrorKind() string { return KindResource }

// Interrupted converts a finished context into the error a generator should
// return. A deadline becomes a ResourceExhaustionError naming the stage.
func Interrupted(ctx context.Context, stage string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ResourceExhaustionError{Stage: stage, Resource: "time", Err: err}
	}
	return fmt.Errorf("%s: %w", stage, err)
}
