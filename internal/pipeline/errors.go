package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Reason is a display-safe failure category.
type Reason string

// Failure reasons surfaced in a FAILED result.
const (
	ReasonFetchBlocked          Reason = "FetchBlocked"
	ReasonFetchTimeout          Reason = "FetchTimeout"
	ReasonFetchError            Reason = "FetchError"
	ReasonEmptyContent          Reason = "EmptyContent"
	ReasonExtractionMalformed   Reason = "ExtractionMalformed"
	ReasonExtractionIncomplete  Reason = "ExtractionIncomplete"
	ReasonExtractionUnavailable Reason = "ExtractionUnavailable"
	ReasonStoreConflict         Reason = "StoreConflict"
	ReasonStoreUnavailable      Reason = "StoreUnavailable"
	ReasonTimeout               Reason = "Timeout"
	ReasonInvalidInput          Reason = "InvalidInput"
	ReasonInternal              Reason = "Internal"
)

// Sentinel errors, one per failure reason.
var (
	ErrFetchBlocked          = errors.New("fetch blocked")
	ErrFetchTimeout          = errors.New("fetch timed out")
	ErrFetchError            = errors.New("fetch failed")
	ErrEmptyContent          = errors.New("empty content")
	ErrExtractionMalformed   = errors.New("extraction output malformed")
	ErrExtractionIncomplete  = errors.New("extraction incomplete")
	ErrExtractionUnavailable = errors.New("completion service unavailable")
	ErrStoreConflict         = errors.New("store conflict")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrTimeout               = errors.New("timed out")
	ErrInvalidURL            = errors.New("invalid url")
	ErrNotFound              = errors.New("record not found")
)

var reasonBySentinel = []struct {
	err    error
	reason Reason
}{
	{ErrFetchBlocked, ReasonFetchBlocked},
	{ErrFetchTimeout, ReasonFetchTimeout},
	{ErrFetchError, ReasonFetchError},
	{ErrEmptyContent, ReasonEmptyContent},
	{ErrExtractionMalformed, ReasonExtractionMalformed},
	{ErrExtractionIncomplete, ReasonExtractionIncomplete},
	{ErrExtractionUnavailable, ReasonExtractionUnavailable},
	{ErrStoreConflict, ReasonStoreConflict},
	{ErrStoreUnavailable, ReasonStoreUnavailable},
	{ErrTimeout, ReasonTimeout},
	{ErrInvalidURL, ReasonInvalidInput},
}

// StageError records which state a failure happened in.
type StageError struct {
	Stage  State
	Reason Reason
	Err    error
}

// Error implements error.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Reason, e.Err)
}

// Unwrap exposes the cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// ReasonFor classifies err into a failure reason.
func ReasonFor(err error) Reason {
	if err == nil {
		return ""
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) && stageErr.Reason != "" {
		return stageErr.Reason
	}
	for _, entry := range reasonBySentinel {
		if errors.Is(err, entry.err) {
			return entry.reason
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonTimeout
	}
	return ReasonInternal
}

// FetchErr maps a non-OK fetch status to its sentinel error.
func FetchErr(status FetchStatus) error {
	switch status {
	case FetchOK:
		return nil
	case FetchBlocked:
		return ErrFetchBlocked
	case FetchTimeout:
		return ErrFetchTimeout
	default:
		return ErrFetchError
	}
}
