package domain

import (
	"context"
	"errors"
	"fmt"
)

// GatewayErrorKind classifies gateway failures so callers can decide between
// retrying, skipping, or deactivating the billing key.
type GatewayErrorKind string

const (
	// GatewayRejected: the gateway refused billing-key issuance (bad or
	// consumed authorization key). Terminal for this activation attempt.
	GatewayRejected GatewayErrorKind = "rejected"

	// GatewayDeclined: the charge was declined (insufficient funds, limits).
	// Terminal for this attempt; the next scheduled run retries with a fresh
	// order reference.
	GatewayDeclined GatewayErrorKind = "declined"

	// GatewayInvalidBillingKey: the billing key was revoked externally, e.g.
	// the card expired. Retrying cannot succeed.
	GatewayInvalidBillingKey GatewayErrorKind = "invalid_billing_key"

	// GatewayUnavailable: network failure, timeout or 5xx. Transient; safe to
	// retry with the same order reference.
	GatewayUnavailable GatewayErrorKind = "unavailable"
)

// GatewayError is a classified failure from the payment gateway.
type GatewayError struct {
	Kind    GatewayErrorKind
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsTransientGatewayError returns true when the failure is worth an in-run
// retry with the same inputs.
func IsTransientGatewayError(err error) bool {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr.Kind == GatewayUnavailable
	}
	return false
}

// IsInvalidBillingKey returns true when the stored billing key was revoked.
func IsInvalidBillingKey(err error) bool {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr.Kind == GatewayInvalidBillingKey
	}
	return false
}

// PaymentGateway wraps the external payment provider: billing-key issuance
// during activation and recurring charges by billing key. Implementations
// hold no persistent state and are safe to share.
type PaymentGateway interface {
	// IssueBillingKey exchanges a one-time authorization key for a reusable
	// billing key. Must not be blindly re-called after the authorization key
	// was confirmed consumed.
	IssueBillingKey(ctx context.Context, authKey, customerKey string) (string, error)

	// Charge executes a recurring charge. orderReference is the idempotency
	// key: resubmitting the same reference after an ambiguous result is the
	// safe way to retry without double-billing.
	Charge(ctx context.Context, billingKey, customerKey string, amount int64, orderReference string) (*TransactionSnapshot, error)
}
