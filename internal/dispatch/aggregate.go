package dispatch

import (
	"errors"
	"strings"

	"github.com/howard-nolan/edgeproxy/internal/provider"
)

// AllFailedMessage is the caller-facing error string when the chain is
// exhausted.
const AllFailedMessage = "All AI providers failed"

// ErrAllProvidersFailed matches any *AllFailedError via errors.Is.
var ErrAllProvidersFailed = errors.New("all providers failed")

// AllFailedError is the combined failure of a dispatch. Details holds one
// entry per attempted candidate, in attempt order, with nothing dropped or
// merged.
type AllFailedError struct {
	Details []provider.Failure
}

// Combine builds the reportable error for an exhausted chain. The input
// is copied so later appends by the caller can't change the report.
func Combine(failures []provider.Failure) *AllFailedError {
	details := make([]provider.Failure, len(failures))
	copy(details, failures)
	return &AllFailedError{Details: details}
}

// Error implements the error interface.
func (e *AllFailedError) Error() string {
	if len(e.Details) == 0 {
		return AllFailedMessage + ": no providers configured"
	}
	parts := make([]string, len(e.Details))
	for i := range e.Details {
		parts[i] = e.Details[i].String()
	}
	return AllFailedMessage + ": " + strings.Join(parts, "; ")
}

// Is implements error matching for errors.Is().
func (e *AllFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}
