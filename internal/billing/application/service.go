// Package application orchestrates subscription lifecycle transitions:
// registration, activation, recurring billing cycles and cancellation.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fanpledge/fanpledge/internal/billing/domain"
	sharedApplication "github.com/fanpledge/fanpledge/internal/shared/application"
	sharedDomain "github.com/fanpledge/fanpledge/internal/shared/domain"
	"github.com/fanpledge/fanpledge/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
)

// consecutiveFailureAlertThreshold is where the engine starts warning about a
// chronically failing subscription. It never auto-cancels; that call belongs
// to an operator policy outside the engine.
const consecutiveFailureAlertThreshold = 3

// CycleResult is the computed outcome of one billing cycle for one
// subscription, ready for the chunk writer to persist.
type CycleResult struct {
	Subscription *domain.Subscription
	Attempt      *domain.PaymentAttempt
	Snapshot     *domain.TransactionSnapshot
	Events       []sharedDomain.DomainEvent
	Succeeded    bool
}

// SubscriptionDetail is a subscription together with its full payment
// history, for display surfaces.
type SubscriptionDetail struct {
	Subscription *domain.Subscription
	Attempts     []*domain.PaymentAttempt
}

// Service provides the billing use cases.
type Service struct {
	subscriptions domain.SubscriptionRepository
	attempts      domain.PaymentAttemptRepository
	snapshots     domain.SnapshotRepository
	gateway       domain.PaymentGateway
	outbox        outbox.Repository
	uow           sharedApplication.UnitOfWork
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates a new billing service.
func NewService(
	subscriptions domain.SubscriptionRepository,
	attempts domain.PaymentAttemptRepository,
	snapshots domain.SnapshotRepository,
	gateway domain.PaymentGateway,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		subscriptions: subscriptions,
		attempts:      attempts,
		snapshots:     snapshots,
		gateway:       gateway,
		outbox:        outboxRepo,
		uow:           uow,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a pending subscription for the donor/artist pair. No
// money moves here; the customer key assigned now correlates every later
// gateway call.
func (s *Service) Register(ctx context.Context, donorID, artistID uuid.UUID) (*domain.Subscription, error) {
	sub := domain.NewSubscription(donorID, artistID)
	if err := s.subscriptions.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("register subscription: %w", err)
	}

	s.logger.Info("subscription registered",
		"subscription_id", sub.ID(),
		"donor_id", donorID,
		"artist_id", artistID,
		"customer_key", sub.CustomerKey(),
	)
	return sub, nil
}

// Activate issues a billing key with the donor's one-time authorization key,
// takes the first charge and moves the subscription to active. A failure
// anywhere leaves the subscription pending so the caller can retry; a failed
// first charge is still recorded in the ledger.
func (s *Service) Activate(ctx context.Context, subscriptionID uuid.UUID, authKey string, amount int64, orderReference string) (*domain.Subscription, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	sub, err := s.subscriptions.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status() != domain.SubscriptionPending {
		return nil, domain.ErrNotPending
	}

	billingKey, err := s.gateway.IssueBillingKey(ctx, authKey, sub.CustomerKey())
	if err != nil {
		return nil, fmt.Errorf("issue billing key: %w", err)
	}

	snapshot, err := s.gateway.Charge(ctx, billingKey, sub.CustomerKey(), amount, orderReference)
	if err != nil {
		// The first charge failed; the subscription stays pending but the
		// attempt still lands in the ledger.
		attempt := domain.NewFailureAttempt(sub.ID(), amount, orderReference, err.Error())
		if saveErr := s.attempts.Save(ctx, attempt); saveErr != nil {
			s.logger.Error("failed to record activation failure attempt",
				"subscription_id", sub.ID(),
				"error", saveErr,
			)
		}
		return nil, fmt.Errorf("first charge: %w", err)
	}

	if err := sub.Activate(amount, billingKey, s.now()); err != nil {
		return nil, err
	}
	attempt := domain.NewSuccessAttempt(sub.ID(), amount, snapshot.PaymentKey, orderReference)

	result := &CycleResult{
		Subscription: sub,
		Attempt:      attempt,
		Snapshot:     snapshot,
		Events:       collectEvents(sub),
		Succeeded:    true,
	}
	if err := s.PersistCycleResults(ctx, []*CycleResult{result}); err != nil {
		return nil, fmt.Errorf("persist activation: %w", err)
	}

	s.logger.Info("subscription activated",
		"subscription_id", sub.ID(),
		"donor_id", sub.DonorID(),
		"amount", amount,
	)
	return sub, nil
}

// ChargeCycle executes the gateway charge for one due subscription and, on
// success, advances its billing cycle in memory. Nothing is persisted here;
// the caller owns persistence so a batch chunk can commit many results in one
// transaction. The returned error is the classified gateway error, letting
// the caller retry transient failures with the same order reference.
func (s *Service) ChargeCycle(ctx context.Context, sub *domain.Subscription, orderReference string) (*CycleResult, error) {
	if !sub.IsActive() || sub.BillingKey() == nil || sub.Amount() == nil {
		return nil, domain.ErrNotActive
	}

	amount := *sub.Amount()
	snapshot, err := s.gateway.Charge(ctx, *sub.BillingKey(), sub.CustomerKey(), amount, orderReference)
	if err != nil {
		return nil, err
	}

	if err := sub.AdvanceBillingCycle(orderReference); err != nil {
		return nil, err
	}

	return &CycleResult{
		Subscription: sub,
		Attempt:      domain.NewSuccessAttempt(sub.ID(), amount, snapshot.PaymentKey, orderReference),
		Snapshot:     snapshot,
		Events:       collectEvents(sub),
		Succeeded:    true,
	}, nil
}

// FailureResult builds the ledger-only result for a cycle whose charge
// permanently failed this run. Status and due date stay untouched; the next
// scheduled run retries with a fresh order reference.
func (s *Service) FailureResult(sub *domain.Subscription, orderReference string, cause error) *CycleResult {
	var amount int64
	if sub.Amount() != nil {
		amount = *sub.Amount()
	}
	return &CycleResult{
		Subscription: sub,
		Attempt:      domain.NewFailureAttempt(sub.ID(), amount, orderReference, cause.Error()),
		Succeeded:    false,
	}
}

// PersistCycleResults commits a group of cycle results in one transaction:
// updated subscription rows, their ledger entries, gateway snapshots and
// staged notification facts all land together.
func (s *Service) PersistCycleResults(ctx context.Context, results []*CycleResult) error {
	if len(results) == 0 {
		return nil
	}

	err := sharedApplication.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		for _, result := range results {
			if result.Succeeded {
				updated, err := s.subscriptions.UpdateCycleResult(txCtx, result.Subscription)
				if err != nil {
					return err
				}
				if !updated {
					// A cancel committed while the charge was in flight.
					// The money moved, so the ledger entry and snapshot
					// still land; the cycle advance and its events do not,
					// and the cancelled row stays cancelled.
					s.logger.Warn("subscription cancelled mid-cycle, keeping ledger entry only",
						"subscription_id", result.Subscription.ID(),
						"order_reference", result.Attempt.OrderReference(),
					)
				}
				if result.Snapshot != nil {
					if err := s.snapshots.Save(txCtx, result.Snapshot); err != nil {
						return err
					}
				}
				if updated {
					if err := s.stageFacts(txCtx, result); err != nil {
						return err
					}
				}
			}
			if result.Attempt != nil {
				if err := s.attempts.Save(txCtx, result.Attempt); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.warnChronicFailures(ctx, results)
	return nil
}

// RunBillingCycle executes one recurring charge for one subscription and
// persists the outcome. Charge failures are swallowed into a FAILURE ledger
// entry; only infrastructure errors (persistence, lookup) surface, so one
// donor's declined card never aborts anything around it.
func (s *Service) RunBillingCycle(ctx context.Context, subscriptionID uuid.UUID) (*CycleResult, error) {
	sub, err := s.subscriptions.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	orderReference := domain.NewOrderReference()
	result, err := s.ChargeCycle(ctx, sub, orderReference)
	if err != nil {
		s.logger.Warn("billing cycle failed",
			"subscription_id", sub.ID(),
			"order_reference", orderReference,
			"error", err,
		)
		result = s.FailureResult(sub, orderReference, err)
	}

	if err := s.PersistCycleResults(ctx, []*CycleResult{result}); err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel moves the donor's subscription for the artist to inactive. History
// stays; only future cycles are suppressed.
func (s *Service) Cancel(ctx context.Context, donorID, artistID uuid.UUID) error {
	sub, err := s.subscriptions.FindByDonorAndArtist(ctx, donorID, artistID)
	if err != nil {
		return err
	}
	if err := sub.Cancel(); err != nil {
		return err
	}

	events := collectEvents(sub)
	err = sharedApplication.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		if err := s.subscriptions.Update(txCtx, sub); err != nil {
			return err
		}
		return s.saveEvents(txCtx, sub.DonorID(), events)
	})
	if err != nil {
		return err
	}

	s.logger.Info("subscription canceled",
		"subscription_id", sub.ID(),
		"donor_id", donorID,
		"artist_id", artistID,
	)
	return nil
}

// GetStatus reports whether the donor has an active subscription to the artist.
func (s *Service) GetStatus(ctx context.Context, donorID, artistID uuid.UUID) (bool, error) {
	sub, err := s.subscriptions.FindByDonorAndArtist(ctx, donorID, artistID)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			return false, nil
		}
		return false, err
	}
	return sub.IsActive(), nil
}

// GetDetail returns the subscription and its full payment history.
func (s *Service) GetDetail(ctx context.Context, donorID, artistID uuid.UUID) (*SubscriptionDetail, error) {
	sub, err := s.subscriptions.FindByDonorAndArtist(ctx, donorID, artistID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.attempts.ListBySubscription(ctx, sub.ID())
	if err != nil {
		return nil, err
	}
	return &SubscriptionDetail{Subscription: sub, Attempts: attempts}, nil
}

func (s *Service) stageFacts(ctx context.Context, result *CycleResult) error {
	return s.saveEvents(ctx, result.Subscription.DonorID(), result.Events)
}

func (s *Service) saveEvents(ctx context.Context, donorID uuid.UUID, events []sharedDomain.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(donorID))

	msgs := make([]*outbox.Message, 0, len(events))
	for _, event := range events {
		msg, err := outbox.NewMessage(event)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return s.outbox.SaveBatch(ctx, msgs)
}

func (s *Service) warnChronicFailures(ctx context.Context, results []*CycleResult) {
	for _, result := range results {
		if result.Succeeded {
			continue
		}
		count, err := s.attempts.CountConsecutiveFailures(ctx, result.Subscription.ID())
		if err != nil {
			s.logger.Error("failed to count consecutive failures",
				"subscription_id", result.Subscription.ID(),
				"error", err,
			)
			continue
		}
		if count >= consecutiveFailureAlertThreshold {
			s.logger.Warn("subscription failing repeatedly",
				"subscription_id", result.Subscription.ID(),
				"donor_id", result.Subscription.DonorID(),
				"consecutive_failures", count,
			)
		}
	}
}

func collectEvents(sub *domain.Subscription) []sharedDomain.DomainEvent {
	events := sub.DomainEvents()
	sub.ClearDomainEvents()
	return events
}
