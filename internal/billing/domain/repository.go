package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionRepository defines access for subscription persistence.
type SubscriptionRepository interface {
	Save(ctx context.Context, sub *Subscription) error
	Update(ctx context.Context, sub *Subscription) error
	// UpdateCycleResult persists an activation or cycle advance unless the
	// stored row went inactive while the charge was in flight. Returns false
	// without error when the write was suppressed; a committed cancel must
	// never be overwritten by a stale in-memory aggregate.
	UpdateCycleResult(ctx context.Context, sub *Subscription) (bool, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	FindByDonorAndArtist(ctx context.Context, donorID, artistID uuid.UUID) (*Subscription, error)
	// FindDue returns the active subscriptions whose next payment is due at
	// or before now, ordered by due time then id. One call per batch run; the
	// result set is the run's fixed snapshot.
	FindDue(ctx context.Context, now time.Time) ([]*Subscription, error)
}

// PaymentAttemptRepository defines access for the append-only payment ledger.
type PaymentAttemptRepository interface {
	Save(ctx context.Context, attempt *PaymentAttempt) error
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*PaymentAttempt, error)
	// CountConsecutiveFailures returns how many of the most recent attempts
	// for the subscription failed, newest first, stopping at the first
	// success.
	CountConsecutiveFailures(ctx context.Context, subscriptionID uuid.UUID) (int, error)
}

// SnapshotRepository stores gateway confirmation payload mirrors.
type SnapshotRepository interface {
	Save(ctx context.Context, snapshot *TransactionSnapshot) error
	FindByOrderReference(ctx context.Context, orderReference string) (*TransactionSnapshot, error)
}
