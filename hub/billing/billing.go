// Package billing keeps user entitlements consistent with the payment
// provider and meters monthly credit consumption against them.
//
// Inbound provider webhooks pass through a Verifier, are resolved against the
// tier Catalog and applied by the Reconciler. The Ledger is the only path
// that consumes credits. All writes go through the store's compare-and-set.
package billing

import (
	"errors"
	"fmt"
)

var (
	// Verification failures. Never retried, reported to the provider as 400.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleEvent       = errors.New("webhook event outside tolerance window")
	ErrMalformedEvent   = errors.New("malformed webhook event")

	// Processing failures that indicate drift between the provider and local configuration.
	ErrUnknownTier      = errors.New("unknown tier")
	ErrUnknownCustomer  = errors.New("unknown customer")
	ErrCustomerMismatch = errors.New("customer is linked to a different user")

	// ErrContention is returned when compare-and-set retries are exhausted.
	// It also matches store.ErrVersionConflict.
	ErrContention = errors.New("entitlement contention")

	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("credit amount must be a positive integer")
	ErrInvalidLink         = errors.New("user id and customer id are required")
)

// InsufficientCreditsError reports a rejected spend together with the balance
// the caller can still use. It matches ErrInsufficientCredits.
type InsufficientCreditsError struct {
	Requested int
	Remaining int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: requested %d, remaining %d", e.Requested, e.Remaining)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
