package batch

import (
	"context"
	"time"

	"github.com/fanpledge/fanpledge/internal/billing/domain"
)

// Reader selects the due set for one run. The query happens once at run
// start; subscriptions becoming due mid-run wait for the next run, and every
// row appears in exactly one chunk.
type Reader struct {
	subscriptions domain.SubscriptionRepository
}

// NewReader creates a reader over the subscription repository.
func NewReader(subscriptions domain.SubscriptionRepository) *Reader {
	return &Reader{subscriptions: subscriptions}
}

// Read returns the run's fixed snapshot of due subscriptions.
func (r *Reader) Read(ctx context.Context, now time.Time) ([]*domain.Subscription, error) {
	return r.subscriptions.FindDue(ctx, now)
}
