package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the stable name of an error class, used in logs, audit
// records and API responses.
type ErrorKind string

const (
	KindMalformedEvent    ErrorKind = "MalformedEventError"
	KindContextResolution ErrorKind = "ContextResolutionError"
	KindAttribution       ErrorKind = "AttributionError"
	KindCacheContention   ErrorKind = "CacheContention"
	KindCancelled         ErrorKind = "Cancelled"
	KindNotFound          ErrorKind = "NotFound"
	KindInternal          ErrorKind = "InternalError"
)

// MalformedEventError rejects an input record. Never retried.
type MalformedEventError struct {
	EventID string
	Field   string
	Reason  string
}

func (e *MalformedEventError) Error() string {
	id := e.EventID
	if id == "" {
		id = "<unknown>"
	}
	if e.Field == "" {
		return fmt.Sprintf("malformed event %s: %s", id, e.Reason)
	}
	return fmt.Sprintf("malformed event %s: field %q: %s", id, e.Field, e.Reason)
}

// ContextResolutionError means no context source could be reached at all.
// Callers may retry after a backoff.
type ContextResolutionError struct {
	EventID string
	Reason  string
	Err     error
}

func (e *ContextResolutionError) Error() string {
	msg := fmt.Sprintf("context resolution failed for event %s: %s", e.EventID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ContextResolutionError) Unwrap() error { return e.Err }

// Retryable reports that the failure is transient from the engine's view.
func (e *ContextResolutionError) Retryable() bool { return true }

// AttributionError signals an upstream inconsistency in decision scoring,
// such as a chosen option that did not have the highest score.
type AttributionError struct {
	EventID    string
	ChosenID   string
	RunnerUpID string
	Margin     float64
	Reason     string
}

func (e *AttributionError) Error() string {
	return fmt.Sprintf("attribution failed for event %s: %s (chosen=%s runner_up=%s margin=%g)",
		e.EventID, e.Reason, e.ChosenID, e.RunnerUpID, e.Margin)
}

// ErrNotFound is returned when a requested event or explanation is unknown.
var ErrNotFound = errors.New("not found")

// ErrInFlight is returned when an explanation cannot be evicted because its
// computation has not finished.
var ErrInFlight = errors.New("explanation computation in flight")

// KindOf classifies an error for reporting.
func KindOf(err error) ErrorKind {
	var malformed *MalformedEventError
	var resolution *ContextResolutionError
	var attribution *AttributionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &malformed):
		return KindMalformedEvent
	case errors.As(err, &resolution):
		return KindContextResolution
	case errors.As(err, &attribution):
		return KindAttribution
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInFlight):
		return KindCacheContention
	default:
		return KindInternal
	}
}
