// Package errors consolidates error definitions for the historian.
//
// It provides sentinel errors for every error condition the core can
// surface, category checking functions, and the mapping from errors to
// HTTP status classes used by the query boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Configuration errors
	ErrUnknownTag   = errors.New("unknown tag")
	ErrTagDisabled  = errors.New("tag is disabled")
	ErrUnknownGroup = errors.New("unknown group")

	// Request errors
	ErrInvalidRange     = errors.New("invalid time range")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidRequest   = errors.New("invalid request")

	// Ingestion errors
	ErrOutOfOrderSample   = errors.New("sample older than last recorded")
	ErrDuplicateTimestamp = errors.New("duplicate timestamp")

	// Storage errors
	ErrStorageWrite    = errors.New("storage write failed")
	ErrCorruption      = errors.New("storage corruption detected")
	ErrSegmentSealed   = errors.New("segment is sealed")
	ErrArchiveGap      = errors.New("range includes pruned archives")
	ErrRotationTimeout = errors.New("rotation barrier timeout")

	// Lifecycle errors
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")
	ErrClosed         = errors.New("closed")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// ============================================================================
// Category checks
// ============================================================================

// IsConfig returns true if err stems from tag/group configuration.
func IsConfig(err error) bool {
	return errors.Is(err, ErrUnknownTag) ||
		errors.Is(err, ErrTagDisabled) ||
		errors.Is(err, ErrUnknownGroup)
}

// IsClient returns true for conditions caused by the caller's request,
// as opposed to faults inside the storage engine.
func IsClient(err error) bool {
	return IsConfig(err) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidTimestamp) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsOrdering returns true for per-tag timestamp ordering violations.
func IsOrdering(err error) bool {
	return errors.Is(err, ErrOutOfOrderSample) ||
		errors.Is(err, ErrDuplicateTimestamp)
}

// IsCorruption returns true if err indicates index/data disagreement.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// IsRetriable returns true if the operation may succeed on retry.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrRotationTimeout) ||
		errors.Is(err, ErrStorageWrite)
}

// ============================================================================
// HTTP status mapping for the query boundary
// ============================================================================

// HTTPStatus maps an error to the status code the query boundary returns.
// Client-class conditions map into the 4xx range, storage faults to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownTag), errors.Is(err, ErrUnknownGroup):
		return http.StatusNotFound
	case IsClient(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewUnknownTag creates an unknown-tag error naming the tag.
func NewUnknownTag(tagID string) error {
	return fmt.Errorf("tag %q: %w", tagID, ErrUnknownTag)
}

// NewInvalidRange creates an invalid-range error with both bounds.
func NewInvalidRange(fromMs, toMs int64) error {
	return fmt.Errorf("from %d > to %d: %w", fromMs, toMs, ErrInvalidRange)
}

// NewDuplicate creates a duplicate-timestamp error for a tag.
func NewDuplicate(tagID string, tsMs int64) error {
	return fmt.Errorf("tag %q at %d: %w", tagID, tsMs, ErrDuplicateTimestamp)
}
