package googlebooks

import (
	"fmt"

	"github.com/mtholden/libcat/internal/models"
)

// OutcomeKind classifies the final result of a provider lookup. Every
// kind is an ordinary return value: expected provider conditions are
// never surfaced as errors.
type OutcomeKind string

const (
	// KindSuccess means one or more usable fields were extracted.
	KindSuccess OutcomeKind = "success"
	// KindNoMatch means the query executed but nothing relevant was found.
	KindNoMatch OutcomeKind = "no_match"
	// KindRateLimited means the provider signaled quota exhaustion.
	KindRateLimited OutcomeKind = "rate_limited"
	// KindDenied means the provider signaled a non-retryable policy restriction.
	KindDenied OutcomeKind = "denied"
	// KindTransientFailure means a network or server failure occurred.
	KindTransientFailure OutcomeKind = "transient_failure"
)

// Retryable reports whether a lookup with this outcome may be retried.
func (k OutcomeKind) Retryable() bool {
	return k == KindRateLimited || k == KindTransientFailure
}

// Outcome is the normalized result of one lookup, after retries.
type Outcome struct {
	Kind OutcomeKind
	// Fields carries the extracted enrichment on KindSuccess.
	Fields *models.Enrichment
	// Err carries the underlying cause for failure kinds.
	Err error
}

// ClientError indicates a malfunction of the client itself (malformed
// request, undecodable response). Unlike provider outcomes it is fatal
// to the call and is returned as a real error.
type ClientError struct {
	Err error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("lookup client error: %v", e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}
