package domain

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrLedgerWrite wraps storage failures during append; the sequence
	// counter is not advanced and the corresponding snapshot mutation must
	// not be applied.
	ErrLedgerWrite = errors.New("ledger write failed")

	// ErrStale marks market data that exists but is older than the allowed
	// staleness window for the requested timestamp.
	ErrStale = errors.New("market data stale")

	// ErrMissing marks market data absent for the requested key.
	ErrMissing = errors.New("market data missing")
)

// ValidationError rejects a malformed instruction or missing required input
// before any mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvariantViolation rejects an instruction whose deterministic post-state
// would breach a safety invariant (health factor, LTV). The instruction is
// refused before execution; nothing is rolled back because nothing was
// applied.
type InvariantViolation struct {
	Check string
	Have  decimal.Decimal
	Need  decimal.Decimal
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %s violated: have %s, need %s", e.Check, e.Have.String(), e.Need.String())
}

// VenueError reports a failed or timed-out venue call. Transient errors are
// eligible for retry with backoff; terminal ones surface immediately.
type VenueError struct {
	Venue     Venue
	Op        string
	Transient bool
	Err       error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue %s %s failed: %v", e.Venue, e.Op, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// IsTransientVenueError reports whether err is a VenueError flagged transient.
func IsTransientVenueError(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Transient
	}
	return false
}
