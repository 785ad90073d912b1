package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("validation error")
	ErrProcessing = errors.New("processing error")
	ErrTranscoder = errors.New("transcoder error")
	ErrResource   = errors.New("resource error")
	ErrCancelled  = errors.New("cancelled")
)

// Wrap tags err with one of the sentinel markers above and prefixes the
// stage and operation that produced it.
func Wrap(marker error, stage, operation string, err error) error {
	if marker == nil {
		marker = ErrProcessing
	}
	detail := buildDetail(stage, operation)
	if err == nil {
		return fmt.Errorf("%w: %s", marker, detail)
	}
	return fmt.Errorf("%w: %s: %w", marker, detail, err)
}

// Validation builds a validation error with a plain message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StageError records which render stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// InStage wraps err with the stage name. Errors without a taxonomy marker are
// classified as processing errors.
func InStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	if Classify(err) == nil {
		err = fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the failing stage name, if any.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// IsCancellation reports a deliberate stop rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Classify returns the sentinel marker carried by err, or nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsCancellation(err) {
		return ErrCancelled
	}
	for _, marker := range []error{ErrValidation, ErrTranscoder, ErrResource, ErrProcessing} {
		if errors.Is(err, marker) {
			return marker
		}
	}
	return nil
}

// Retryable reports whether the queue may try the job again.
func Retryable(err error) bool {
	switch Classify(err) {
	case ErrCancelled, ErrValidation:
		return false
	default:
		return true
	}
}

func buildDetail(stage, operation string) string {
	parts := make([]string, 0, 2)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}
