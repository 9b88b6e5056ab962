// Package errs defines the error taxonomy shared by the matching engine and
// the settlement pipeline. Callers dispatch on these with errors.Is/errors.As
// to decide between skipping an item, retrying with backoff, or failing
// terminally.
package errs

import (
	"errors"
	"fmt"
)

// ErrNoReferencePrice is returned when two market orders cross and the ledger
// exposes no last trade price, bid or ask to price the fill. The pairing is
// skipped, never matched at zero.
var ErrNoReferencePrice = errors.New("no reference price available")

// ErrUnresolvableOrder is returned when an order reference cannot be mapped
// to a concrete local or external order. Recoverable at the granularity of a
// single match.
var ErrUnresolvableOrder = errors.New("order reference cannot be resolved")

// ErrStaleFill is returned by the order store when a conditional fill update
// loses the race against a concurrent matcher. The candidate is skipped.
var ErrStaleFill = errors.New("order fill state changed concurrently")

// ValidationError reports malformed input. Surfaced synchronously to the
// submitter of the order and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError wraps a store or ledger failure that is worth retrying with
// backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError, or returns nil if err is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// TerminalSettlementError marks a settlement queue item that exhausted its
// attempts. Requires external intervention; never auto-recovered.
type TerminalSettlementError struct {
	ItemID   string
	Attempts int
	Err      error
}

func (e *TerminalSettlementError) Error() string {
	return fmt.Sprintf("settlement item %s failed terminally after %d attempts: %v", e.ItemID, e.Attempts, e.Err)
}

func (e *TerminalSettlementError) Unwrap() error { return e.Err }
