package domain

import (
	"time"

	sharedDomain "github.com/fanpledge/fanpledge/internal/shared/domain"
	"github.com/google/uuid"
)

// AttemptOutcome is the result of one charge attempt.
type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "success"
	AttemptFailure AttemptOutcome = "failure"
)

// PaymentAttempt is one ledger entry for one charge attempt. Entries are
// append-only audit history and never mutated after creation.
type PaymentAttempt struct {
	sharedDomain.BaseEntity
	subscriptionID uuid.UUID
	amount         int64
	paymentKey     *string
	orderReference string
	outcome        AttemptOutcome
	failureReason  *string
	attemptedAt    time.Time
}

// NewSuccessAttempt records a successful charge. paymentKey is the
// gateway-assigned transaction key.
func NewSuccessAttempt(subscriptionID uuid.UUID, amount int64, paymentKey, orderReference string) *PaymentAttempt {
	return &PaymentAttempt{
		BaseEntity:     sharedDomain.NewBaseEntity(),
		subscriptionID: subscriptionID,
		amount:         amount,
		paymentKey:     &paymentKey,
		orderReference: orderReference,
		outcome:        AttemptSuccess,
		attemptedAt:    time.Now().UTC(),
	}
}

// NewFailureAttempt records a failed charge with the gateway's reason.
func NewFailureAttempt(subscriptionID uuid.UUID, amount int64, orderReference, reason string) *PaymentAttempt {
	return &PaymentAttempt{
		BaseEntity:     sharedDomain.NewBaseEntity(),
		subscriptionID: subscriptionID,
		amount:         amount,
		orderReference: orderReference,
		outcome:        AttemptFailure,
		failureReason:  &reason,
		attemptedAt:    time.Now().UTC(),
	}
}

// RehydratePaymentAttempt recreates an attempt from persisted state.
func RehydratePaymentAttempt(
	entity sharedDomain.BaseEntity,
	subscriptionID uuid.UUID,
	amount int64,
	paymentKey *string,
	orderReference string,
	outcome AttemptOutcome,
	failureReason *string,
	attemptedAt time.Time,
) *PaymentAttempt {
	return &PaymentAttempt{
		BaseEntity:     entity,
		subscriptionID: subscriptionID,
		amount:         amount,
		paymentKey:     paymentKey,
		orderReference: orderReference,
		outcome:        outcome,
		failureReason:  failureReason,
		attemptedAt:    attemptedAt,
	}
}

// NewOrderReference mints a unique order reference for one charge attempt.
// The gateway uses it as the idempotency key: resubmitting the same reference
// after an ambiguous result cannot double-bill.
func NewOrderReference() string {
	return "ord_" + uuid.NewString()
}

func (a *PaymentAttempt) SubscriptionID() uuid.UUID { return a.subscriptionID }
func (a *PaymentAttempt) Amount() int64             { return a.amount }
func (a *PaymentAttempt) PaymentKey() *string       { return a.paymentKey }
func (a *PaymentAttempt) OrderReference() string    { return a.orderReference }
func (a *PaymentAttempt) Outcome() AttemptOutcome   { return a.outcome }
func (a *PaymentAttempt) FailureReason() *string    { return a.failureReason }
func (a *PaymentAttempt) AttemptedAt() time.Time    { return a.attemptedAt }

// Succeeded returns true for a successful attempt.
func (a *PaymentAttempt) Succeeded() bool {
	return a.outcome == AttemptSuccess
}
