package domain

import (
	"errors"
	"fmt"
)

// Error kinds recognized across the pipeline. The kind determines the
// propagation policy: transient and normalization failures are recovered
// locally (logged, counted, skipped); config and index failures abort;
// query failures surface to the caller and never touch build state.
var (
	// ErrConfig marks a malformed pipeline configuration or an unknown
	// adapter name. Fatal at load time.
	ErrConfig = errors.New("configuration error")

	// ErrAdapterTransient marks a timeout, 5xx or 429 from a source.
	// Retried; becomes ErrAdapterTerminal on exhaustion.
	ErrAdapterTransient = errors.New("transient adapter error")

	// ErrAdapterTerminal marks a non-retryable adapter failure: 4xx
	// (except 429), malformed payload, schema-incompatible record.
	ErrAdapterTerminal = errors.New("terminal adapter error")

	// ErrNormalization marks a filter or coercion failure for one record.
	ErrNormalization = errors.New("normalization error")

	// ErrIndex marks a write or swap failure. Fatal for the rebuild.
	ErrIndex = errors.New("index error")

	// ErrQuery marks a malformed structured query. Client error.
	ErrQuery = errors.New("query error")

	// ErrNotFound is returned by lookups that match no document.
	ErrNotFound = errors.New("not found")
)

// ConfigErrorf wraps a formatted message as an ErrConfig.
func ConfigErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrConfig, args)...)
}

// TransientErrorf wraps a formatted message as an ErrAdapterTransient.
func TransientErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrAdapterTransient, args)...)
}

// TerminalErrorf wraps a formatted message as an ErrAdapterTerminal.
func TerminalErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrAdapterTerminal, args)...)
}

// NormalizationErrorf wraps a formatted message as an ErrNormalization.
func NormalizationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrNormalization, args)...)
}

// IndexErrorf wraps a formatted message as an ErrIndex.
func IndexErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrIndex, args)...)
}

// QueryErrorf wraps a formatted message as an ErrQuery.
func QueryErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrQuery, args)...)
}

func prepend(err error, args []any) []any {
	return append([]any{err}, args...)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrAdapterTransient)
}
