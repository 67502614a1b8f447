package domain

import (
	"errors"
	"fmt"
	"time"

	sharedDomain "github.com/fanpledge/fanpledge/internal/shared/domain"
	"github.com/google/uuid"
)

var (
	ErrInvalidAmount      = errors.New("amount must be a positive number of the smallest currency unit")
	ErrNotPending         = errors.New("subscription is not pending activation")
	ErrNotActive          = errors.New("subscription is not active")
	ErrAlreadyInactive    = errors.New("subscription is already inactive")
	ErrMissingBillingKey  = errors.New("billing key cannot be empty")
	ErrSubscriptionExists = errors.New("subscription already exists for this donor and artist")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// SubscriptionStatus is the billing state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionPending  SubscriptionStatus = "pending"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// IsValid checks if the status is a known state.
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionPending, SubscriptionActive, SubscriptionInactive:
		return true
	default:
		return false
	}
}

// Subscription is a donor's recurring monthly pledge to an artist.
//
// Lifecycle: created pending with no money moved; activated exactly once,
// which issues the billing key and takes the first charge; cancelled
// explicitly, which is terminal.
type Subscription struct {
	sharedDomain.BaseAggregateRoot
	donorID        uuid.UUID
	artistID       uuid.UUID
	amount         *int64
	customerKey    string
	billingKey     *string
	status         SubscriptionStatus
	subscribedAt   time.Time
	nextPaymentDue *time.Time
}

// NewSubscription registers a pending subscription. The customer key is
// assigned here and correlates every gateway call for this donor/artist pair
// for the life of the subscription.
func NewSubscription(donorID, artistID uuid.UUID) *Subscription {
	sub := &Subscription{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(),
		donorID:           donorID,
		artistID:          artistID,
		customerKey:       NewCustomerKey(),
		status:            SubscriptionPending,
		subscribedAt:      time.Now().UTC(),
	}
	return sub
}

// RehydrateSubscription recreates a subscription from persisted state.
func RehydrateSubscription(
	entity sharedDomain.BaseEntity,
	donorID, artistID uuid.UUID,
	amount *int64,
	customerKey string,
	billingKey *string,
	status SubscriptionStatus,
	subscribedAt time.Time,
	nextPaymentDue *time.Time,
) *Subscription {
	return &Subscription{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(entity),
		donorID:           donorID,
		artistID:          artistID,
		amount:            amount,
		customerKey:       customerKey,
		billingKey:        billingKey,
		status:            status,
		subscribedAt:      subscribedAt,
		nextPaymentDue:    nextPaymentDue,
	}
}

// NewCustomerKey mints a globally unique customer key.
func NewCustomerKey() string {
	return "cust_" + uuid.NewString()
}

func (s *Subscription) DonorID() uuid.UUID         { return s.donorID }
func (s *Subscription) ArtistID() uuid.UUID        { return s.artistID }
func (s *Subscription) Amount() *int64             { return s.amount }
func (s *Subscription) CustomerKey() string        { return s.customerKey }
func (s *Subscription) BillingKey() *string        { return s.billingKey }
func (s *Subscription) Status() SubscriptionStatus { return s.status }
func (s *Subscription) SubscribedAt() time.Time    { return s.subscribedAt }
func (s *Subscription) NextPaymentDue() *time.Time { return s.nextPaymentDue }

// IsActive returns true while recurring charges are issued.
func (s *Subscription) IsActive() bool {
	return s.status == SubscriptionActive
}

// IsDue returns true when the subscription should be billed at the given time.
func (s *Subscription) IsDue(now time.Time) bool {
	return s.status == SubscriptionActive &&
		s.nextPaymentDue != nil &&
		!s.nextPaymentDue.After(now)
}

// Activate moves a pending subscription to active after the first successful
// charge. Amount and billing key are set together here and never again.
func (s *Subscription) Activate(amount int64, billingKey string, now time.Time) error {
	if s.status != SubscriptionPending {
		return fmt.Errorf("%w: status is %s", ErrNotPending, s.status)
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if billingKey == "" {
		return ErrMissingBillingKey
	}

	due := addMonth(now)
	s.amount = &amount
	s.billingKey = &billingKey
	s.status = SubscriptionActive
	s.nextPaymentDue = &due
	s.Touch()

	s.AddDomainEvent(NewSubscriptionActivated(s))
	return nil
}

// AdvanceBillingCycle records a successful recurring charge and advances the
// due date by one month from the previous due time, so late batch runs do not
// drift the billing day.
func (s *Subscription) AdvanceBillingCycle(orderReference string) error {
	if s.status != SubscriptionActive {
		return fmt.Errorf("%w: status is %s", ErrNotActive, s.status)
	}
	if s.nextPaymentDue == nil {
		return fmt.Errorf("%w: no payment due date", ErrNotActive)
	}

	due := addMonth(*s.nextPaymentDue)
	s.nextPaymentDue = &due
	s.Touch()

	s.AddDomainEvent(NewBillingCycleSucceeded(s, orderReference))
	return nil
}

// addMonth advances t by one calendar month, clamping to the last day of a
// shorter target month. Plain AddDate would normalize Jan 31 into March and
// drift a month-end subscriber's billing day.
func addMonth(t time.Time) time.Time {
	year, month, day := t.Date()
	lastDay := time.Date(year, month+2, 0, 0, 0, 0, 0, t.Location()).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month+1, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// Cancel moves the subscription to inactive. Cancelling a pending
// subscription that never charged is allowed; inactive is terminal either
// way. Payment history is untouched.
func (s *Subscription) Cancel() error {
	if s.status == SubscriptionInactive {
		return ErrAlreadyInactive
	}

	s.status = SubscriptionInactive
	s.nextPaymentDue = nil
	s.Touch()

	s.AddDomainEvent(NewSubscriptionCanceled(s))
	return nil
}
