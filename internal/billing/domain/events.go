package domain

import (
	sharedDomain "github.com/fanpledge/fanpledge/internal/shared/domain"
	"github.com/google/uuid"
)

const aggregateType = "Subscription"

// SubscriptionActivated is emitted when the first charge succeeds.
type SubscriptionActivated struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	DonorID        uuid.UUID `json:"donor_id"`
	ArtistID       uuid.UUID `json:"artist_id"`
	Amount         int64     `json:"amount"`
}

// NewSubscriptionActivated creates a SubscriptionActivated event.
func NewSubscriptionActivated(s *Subscription) *SubscriptionActivated {
	var amount int64
	if s.Amount() != nil {
		amount = *s.Amount()
	}
	return &SubscriptionActivated{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, "billing.subscription.activated"),
		SubscriptionID: s.ID(),
		DonorID:        s.DonorID(),
		ArtistID:       s.ArtistID(),
		Amount:         amount,
	}
}

// BillingCycleSucceeded is emitted when a recurring charge succeeds. The
// notification subsystem consumes it to tell the donor their pledge went
// through.
type BillingCycleSucceeded struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	DonorID        uuid.UUID `json:"donor_id"`
	ArtistID       uuid.UUID `json:"artist_id"`
	Amount         int64     `json:"amount"`
	OrderReference string    `json:"order_reference"`
}

// NewBillingCycleSucceeded creates a BillingCycleSucceeded event.
func NewBillingCycleSucceeded(s *Subscription, orderReference string) *BillingCycleSucceeded {
	var amount int64
	if s.Amount() != nil {
		amount = *s.Amount()
	}
	return &BillingCycleSucceeded{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, "billing.cycle.succeeded"),
		SubscriptionID: s.ID(),
		DonorID:        s.DonorID(),
		ArtistID:       s.ArtistID(),
		Amount:         amount,
		OrderReference: orderReference,
	}
}

// SubscriptionCanceled is emitted when the donor cancels.
type SubscriptionCanceled struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	DonorID        uuid.UUID `json:"donor_id"`
	ArtistID       uuid.UUID `json:"artist_id"`
}

// NewSubscriptionCanceled creates a SubscriptionCanceled event.
func NewSubscriptionCanceled(s *Subscription) *SubscriptionCanceled {
	return &SubscriptionCanceled{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, "billing.subscription.canceled"),
		SubscriptionID: s.ID(),
		DonorID:        s.DonorID(),
		ArtistID:       s.ArtistID(),
	}
}
