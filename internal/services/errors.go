package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSourceUnavailable marks network failures against a municipality's
	// public site or media host after retries were exhausted.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrParse marks document chunking or agenda parsing failures.
	ErrParse = errors.New("parse failure")
	// ErrModel marks diarization or transcription model failures.
	ErrModel = errors.New("model failure")
	// ErrSchema marks LLM output that failed structured validation.
	ErrSchema = errors.New("schema violation")
	// ErrNotFound marks missing upstream records or files.
	ErrNotFound = errors.New("not found")
	// ErrConfiguration marks errors that make the whole run invalid. It is
	// the only marker that propagates out of the orchestrator.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransient marks failures worth retrying on the next scheduled run.
	ErrTransient = errors.New("transient failure")
)

// Wrap builds an error message that includes phase context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, phase, operation, message string, err error) error {
	detail := buildDetail(phase, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsFatal reports whether an error must abort the entire run before any
// meeting is touched.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// ReviewRequired reports whether a failed meeting should be flagged for
// manual review rather than retried automatically.
func ReviewRequired(err error) bool {
	return errors.Is(err, ErrSchema) || errors.Is(err, ErrValidationAmbiguity)
}

// ErrValidationAmbiguity marks refinement results that parsed but could not
// be resolved unambiguously (e.g. two people matching a mover name).
var ErrValidationAmbiguity = errors.New("ambiguous resolution")

func buildDetail(phase, operation, message string) string {
	parts := make([]string, 0, 3)
	if phase = strings.TrimSpace(phase); phase != "" {
		parts = append(parts, phase)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
