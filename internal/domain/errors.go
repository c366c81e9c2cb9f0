package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds. Callers classify with errors.Is / errors.As and
// decide the fallback policy themselves.
var (
	// ErrNotFound means the symbol is unknown and not creatable from a
	// master lookup.
	ErrNotFound = errors.New("not found")

	// ErrAlreadySyncing means another caller holds the per-symbol sync lock.
	ErrAlreadySyncing = errors.New("sync already in progress")

	// ErrFxUnavailable means no FX rate resolved within the carry-forward
	// window.
	ErrFxUnavailable = errors.New("exchange rate unavailable")

	// ErrInvariant marks provider data that violates storage invariants
	// (e.g. high < low). The offending bar is rejected, the rest proceed.
	ErrInvariant = errors.New("invariant violation")

	// ErrNotSupported means the provider has no implementation for the
	// requested operation. Composites record it as a skip reason.
	ErrNotSupported = errors.New("operation not supported")
)

// AdapterError records why one provider adapter failed.
type AdapterError struct {
	Adapter string
	Err     error
}

func (e AdapterError) String() string {
	return fmt.Sprintf("%s: %v", e.Adapter, e.Err)
}

// SourceExhaustedError is returned when every provider adapter failed for
// an operation. It carries the per-adapter reasons so operators can see
// which provider is down.
type SourceExhaustedError struct {
	Op      string
	Symbol  string
	Reasons []AdapterError
}

func (e *SourceExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		parts = append(parts, r.String())
	}
	if e.Symbol != "" {
		return fmt.Sprintf("%s failed for %s on all sources: %s", e.Op, e.Symbol, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("%s failed on all sources: %s", e.Op, strings.Join(parts, "; "))
}

// Unwrap exposes the underlying adapter errors to errors.Is.
func (e *SourceExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		errs = append(errs, r.Err)
	}
	return errs
}

// IsSourceExhausted reports whether err wraps a SourceExhaustedError.
func IsSourceExhausted(err error) bool {
	var se *SourceExhaustedError
	return errors.As(err, &se)
}

// TruncateError bounds an error message for persistence.
func TruncateError(err error, limit int) string {
	if err == nil {
		return ""
	}
	return Truncate(err.Error(), limit)
}

// Truncate bounds a message for persistence.
func Truncate(msg string, limit int) string {
	if len(msg) > limit {
		return msg[:limit]
	}
	return msg
}
