// Package errors consolidates error definitions for the entire project.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
package errors

import (
	"errors"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Source errors
	ErrSourceUnavailable  = errors.New("source unavailable")
	ErrSourceExhausted    = errors.New("source rate limit exhausted")
	ErrSourceDiscontinued = errors.New("source data discontinued")

	// Normalization errors
	ErrNormalization      = errors.New("normalization failed")
	ErrNoSessions         = errors.New("no sessions in range")
	ErrTooManyMissing     = errors.New("too many missing sessions")
	ErrOutsideValidity    = errors.New("record outside asset validity window")
	ErrUnorderedSessions  = errors.New("sessions are not strictly ascending")

	// Storage errors
	ErrDuplicateBar  = errors.New("duplicate bar key")
	ErrWriterClosed  = errors.New("writer is closed")
	ErrStoreCorrupt  = errors.New("store file is corrupt")

	// Registry errors
	ErrAmbiguousSymbol = errors.New("symbol resolves to multiple active assets")
	ErrUnknownSymbol   = errors.New("unknown symbol")
	ErrUnknownAsset    = errors.New("unknown asset id")

	// Bundle/version errors
	ErrBundleNotFound      = errors.New("bundle not found")
	ErrVersionNotFound     = errors.New("ingestion version not found")
	ErrNoCommittedVersion  = errors.New("bundle has no committed version")
	ErrIngestionInProgress = errors.New("ingestion already in progress for bundle")
	ErrIngestionFailed     = errors.New("ingestion failed")
	ErrHandleReleased      = errors.New("handle already released")

	// Auxiliary store errors
	ErrAlreadyExists    = errors.New("already exists")
	ErrNotFound         = errors.New("not found")
	ErrDuplicateKey     = errors.New("duplicate (date, asset) key")
	ErrInvalidSchema    = errors.New("invalid dataset schema")
	ErrMissingSentinel  = errors.New("integer column requires a missing-value sentinel")
	ErrUnknownColumn    = errors.New("unknown column")
	ErrInvalidInsertMode = errors.New("invalid insert mode")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsSourceError returns true if err originated in a source adapter.
func IsSourceError(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrSourceExhausted) ||
		errors.Is(err, ErrSourceDiscontinued)
}

// IsNormalizationError returns true if err is a normalization error.
func IsNormalizationError(err error) bool {
	return errors.Is(err, ErrNormalization) ||
		errors.Is(err, ErrNoSessions) ||
		errors.Is(err, ErrTooManyMissing) ||
		errors.Is(err, ErrOutsideValidity) ||
		errors.Is(err, ErrUnorderedSessions)
}

// IsStorageError returns true if err is fatal to the current ingestion.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrDuplicateBar) ||
		errors.Is(err, ErrWriterClosed) ||
		errors.Is(err, ErrStoreCorrupt)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrBundleNotFound) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrUnknownSymbol) ||
		errors.Is(err, ErrUnknownAsset)
}

// IsRetriable returns true if the error is potentially retriable.
// Discontinuation is deliberately not retriable: the data will never appear.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrSourceExhausted)
}
