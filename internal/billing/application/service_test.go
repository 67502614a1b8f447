package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/fanpledge/fanpledge/internal/billing/domain"
	sharedDomain "github.com/fanpledge/fanpledge/internal/shared/domain"
	"github.com/fanpledge/fanpledge/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeSubscriptionRepo struct {
	subs      map[uuid.UUID]*domain.Subscription
	updates   int
	saveErr   error
	updateErr error
}

func newFakeSubscriptionRepo() *fakeSubscriptionRepo {
	return &fakeSubscriptionRepo{subs: make(map[uuid.UUID]*domain.Subscription)}
}

func (r *fakeSubscriptionRepo) Save(_ context.Context, sub *domain.Subscription) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	for _, existing := range r.subs {
		if existing.DonorID() == sub.DonorID() && existing.ArtistID() == sub.ArtistID() {
			return domain.ErrSubscriptionExists
		}
	}
	r.subs[sub.ID()] = sub
	return nil
}

func (r *fakeSubscriptionRepo) Update(_ context.Context, sub *domain.Subscription) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	if _, ok := r.subs[sub.ID()]; !ok {
		return domain.ErrSubscriptionNotFound
	}
	r.updates++
	r.subs[sub.ID()] = sub
	return nil
}

func (r *fakeSubscriptionRepo) UpdateCycleResult(_ context.Context, sub *domain.Subscription) (bool, error) {
	if r.updateErr != nil {
		return false, r.updateErr
	}
	existing, ok := r.subs[sub.ID()]
	if !ok || existing.Status() == domain.SubscriptionInactive {
		return false, nil
	}
	r.updates++
	r.subs[sub.ID()] = sub
	return true, nil
}

func (r *fakeSubscriptionRepo) FindByID(_ context.Context, id uuid.UUID) (*domain.Subscription, error) {
	sub, ok := r.subs[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (r *fakeSubscriptionRepo) FindByDonorAndArtist(_ context.Context, donorID, artistID uuid.UUID) (*domain.Subscription, error) {
	for _, sub := range r.subs {
		if sub.DonorID() == donorID && sub.ArtistID() == artistID {
			return sub, nil
		}
	}
	return nil, domain.ErrSubscriptionNotFound
}

func (r *fakeSubscriptionRepo) FindDue(_ context.Context, now time.Time) ([]*domain.Subscription, error) {
	var due []*domain.Subscription
	for _, sub := range r.subs {
		if sub.IsDue(now) {
			due = append(due, sub)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextPaymentDue().Before(*due[j].NextPaymentDue())
	})
	return due, nil
}

type fakeAttemptRepo struct {
	attempts []*domain.PaymentAttempt
	saveErr  error
}

func (r *fakeAttemptRepo) Save(_ context.Context, attempt *domain.PaymentAttempt) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.attempts = append(r.attempts, attempt)
	return nil
}

func (r *fakeAttemptRepo) ListBySubscription(_ context.Context, subscriptionID uuid.UUID) ([]*domain.PaymentAttempt, error) {
	var out []*domain.PaymentAttempt
	for _, a := range r.attempts {
		if a.SubscriptionID() == subscriptionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeAttemptRepo) CountConsecutiveFailures(_ context.Context, subscriptionID uuid.UUID) (int, error) {
	count := 0
	for i := len(r.attempts) - 1; i >= 0; i-- {
		a := r.attempts[i]
		if a.SubscriptionID() != subscriptionID {
			continue
		}
		if a.Succeeded() {
			break
		}
		count++
	}
	return count, nil
}

type fakeSnapshotRepo struct {
	snapshots map[string]*domain.TransactionSnapshot
	saveErr   error
}

func newFakeSnapshotRepo() *fakeSnapshotRepo {
	return &fakeSnapshotRepo{snapshots: make(map[string]*domain.TransactionSnapshot)}
}

func (r *fakeSnapshotRepo) Save(_ context.Context, snapshot *domain.TransactionSnapshot) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	if _, ok := r.snapshots[snapshot.OrderReference]; !ok {
		r.snapshots[snapshot.OrderReference] = snapshot
	}
	return nil
}

func (r *fakeSnapshotRepo) FindByOrderReference(_ context.Context, orderReference string) (*domain.TransactionSnapshot, error) {
	snap, ok := r.snapshots[orderReference]
	if !ok {
		return nil, errors.New("snapshot not found")
	}
	return snap, nil
}

// fakeGateway scripts charge outcomes per call and counts money actually
// moved per order reference, so tests can assert nobody double-bills.
type fakeGateway struct {
	billingKey  string
	issueErr    error
	chargeErrs  []error
	charges     map[string]int
	chargeCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{billingKey: "bkey_test", charges: make(map[string]int)}
}

func (g *fakeGateway) IssueBillingKey(_ context.Context, _, _ string) (string, error) {
	if g.issueErr != nil {
		return "", g.issueErr
	}
	return g.billingKey, nil
}

func (g *fakeGateway) Charge(_ context.Context, _, _ string, _ int64, orderReference string) (*domain.TransactionSnapshot, error) {
	g.chargeCalls++
	if len(g.chargeErrs) > 0 {
		err := g.chargeErrs[0]
		g.chargeErrs = g.chargeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	g.charges[orderReference]++
	return &domain.TransactionSnapshot{
		OrderReference: orderReference,
		PaymentKey:     "pay_" + orderReference,
		Method:         "card",
	}, nil
}

type fakeOutboxRepo struct {
	msgs    []*outbox.Message
	saveErr error
}

func (r *fakeOutboxRepo) Save(_ context.Context, msg *outbox.Message) error {
	return r.SaveBatch(context.Background(), []*outbox.Message{msg})
}

func (r *fakeOutboxRepo) SaveBatch(_ context.Context, msgs []*outbox.Message) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *fakeOutboxRepo) GetUnpublished(_ context.Context, _ int) ([]*outbox.Message, error) {
	return nil, nil
}
func (r *fakeOutboxRepo) MarkPublished(_ context.Context, _ int64) error { return nil }
func (r *fakeOutboxRepo) MarkFailed(_ context.Context, _ int64, _ string, _ time.Time) error {
	return nil
}
func (r *fakeOutboxRepo) MarkDead(_ context.Context, _ int64, _ string) error { return nil }
func (r *fakeOutboxRepo) DeleteOld(_ context.Context, _ int) (int64, error)   { return 0, nil }

type fakeUnitOfWork struct {
	begins    int
	commits   int
	rollbacks int
	commitErr error
}

func (u *fakeUnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	u.begins++
	return ctx, nil
}

func (u *fakeUnitOfWork) Commit(_ context.Context) error {
	if u.commitErr != nil {
		return u.commitErr
	}
	u.commits++
	return nil
}

func (u *fakeUnitOfWork) Rollback(_ context.Context) error {
	u.rollbacks++
	return nil
}

type fixture struct {
	service   *Service
	subs      *fakeSubscriptionRepo
	attempts  *fakeAttemptRepo
	snapshots *fakeSnapshotRepo
	gateway   *fakeGateway
	outbox    *fakeOutboxRepo
	uow       *fakeUnitOfWork
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		subs:      newFakeSubscriptionRepo(),
		attempts:  &fakeAttemptRepo{},
		snapshots: newFakeSnapshotRepo(),
		gateway:   newFakeGateway(),
		outbox:    &fakeOutboxRepo{},
		uow:       &fakeUnitOfWork{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.service = NewService(f.subs, f.attempts, f.snapshots, f.gateway, f.outbox, f.uow, logger)
	f.service.now = func() time.Time { return fixedNow }
	return f
}

// activeSubscription seeds an active subscription whose next payment is due
// at the given time.
func (f *fixture) activeSubscription(t *testing.T, amount int64, due time.Time) *domain.Subscription {
	t.Helper()
	sub := domain.NewSubscription(uuid.New(), uuid.New())
	require.NoError(t, sub.Activate(amount, "bkey_test", due.AddDate(0, -1, 0)))
	sub.ClearDomainEvents()
	f.subs.subs[sub.ID()] = sub
	return sub
}

// --- tests ---

func TestRegister(t *testing.T) {
	t.Run("creates pending subscription with customer key", func(t *testing.T) {
		f := newFixture(t)

		sub, err := f.service.Register(context.Background(), uuid.New(), uuid.New())
		require.NoError(t, err)

		assert.Equal(t, domain.SubscriptionPending, sub.Status())
		assert.Contains(t, sub.CustomerKey(), "cust_")
		assert.Nil(t, sub.Amount())
		assert.Nil(t, sub.BillingKey())
		assert.Nil(t, sub.NextPaymentDue())
	})

	t.Run("rejects duplicate donor and artist pair", func(t *testing.T) {
		f := newFixture(t)
		donorID, artistID := uuid.New(), uuid.New()

		_, err := f.service.Register(context.Background(), donorID, artistID)
		require.NoError(t, err)

		_, err = f.service.Register(context.Background(), donorID, artistID)
		assert.ErrorIs(t, err, domain.ErrSubscriptionExists)
	})
}

func TestActivate(t *testing.T) {
	t.Run("first charge succeeds and subscription becomes active", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.service.Register(context.Background(), uuid.New(), uuid.New())
		require.NoError(t, err)

		orderRef := domain.NewOrderReference()
		activated, err := f.service.Activate(context.Background(), sub.ID(), "auth_key", 5000, orderRef)
		require.NoError(t, err)

		assert.Equal(t, domain.SubscriptionActive, activated.Status())
		require.NotNil(t, activated.Amount())
		assert.Equal(t, int64(5000), *activated.Amount())
		require.NotNil(t, activated.BillingKey())
		assert.Equal(t, "bkey_test", *activated.BillingKey())
		require.NotNil(t, activated.NextPaymentDue())
		assert.Equal(t, fixedNow.AddDate(0, 1, 0), *activated.NextPaymentDue())

		require.Len(t, f.attempts.attempts, 1)
		attempt := f.attempts.attempts[0]
		assert.True(t, attempt.Succeeded())
		assert.Equal(t, int64(5000), attempt.Amount())
		assert.Equal(t, orderRef, attempt.OrderReference())

		assert.Contains(t, f.snapshots.snapshots, orderRef)
		assert.Equal(t, 1, f.uow.commits)
		require.NotEmpty(t, f.outbox.msgs)
		assert.Equal(t, "billing.subscription.activated", f.outbox.msgs[0].EventType)
	})

	t.Run("billing key issuance failure leaves subscription pending", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.issueErr = &domain.GatewayError{Kind: domain.GatewayRejected, Message: "authorization key consumed"}
		sub, err := f.service.Register(context.Background(), uuid.New(), uuid.New())
		require.NoError(t, err)

		_, err = f.service.Activate(context.Background(), sub.ID(), "auth_key", 5000, domain.NewOrderReference())
		require.Error(t, err)

		assert.Equal(t, domain.SubscriptionPending, sub.Status())
		assert.Empty(t, f.attempts.attempts)
		assert.Zero(t, f.subs.updates)
	})

	t.Run("declined first charge stays pending but lands in the ledger", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.chargeErrs = []error{
			&domain.GatewayError{Kind: domain.GatewayDeclined, Code: "INSUFFICIENT_FUNDS", Message: "card declined"},
		}
		sub, err := f.service.Register(context.Background(), uuid.New(), uuid.New())
		require.NoError(t, err)

		_, err = f.service.Activate(context.Background(), sub.ID(), "auth_key", 5000, domain.NewOrderReference())
		require.Error(t, err)

		assert.Equal(t, domain.SubscriptionPending, sub.Status())
		assert.Nil(t, sub.NextPaymentDue())
		require.Len(t, f.attempts.attempts, 1)
		assert.False(t, f.attempts.attempts[0].Succeeded())
		assert.Zero(t, f.subs.updates)
		assert.Empty(t, f.snapshots.snapshots)
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service.Activate(context.Background(), uuid.New(), "auth_key", 0, domain.NewOrderReference())
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})

	t.Run("rejects already active subscription", func(t *testing.T) {
		f := newFixture(t)
		sub := f.activeSubscription(t, 5000, fixedNow)

		_, err := f.service.Activate(context.Background(), sub.ID(), "auth_key", 5000, domain.NewOrderReference())
		assert.ErrorIs(t, err, domain.ErrNotPending)
	})
}

func TestChargeCycle(t *testing.T) {
	t.Run("advances due date one month from previous due, not from now", func(t *testing.T) {
		f := newFixture(t)
		due := fixedNow.AddDate(0, 0, -3) // run is 3 days late
		sub := f.activeSubscription(t, 7000, due)

		result, err := f.service.ChargeCycle(context.Background(), sub, "ord_cycle_1")
		require.NoError(t, err)

		assert.True(t, result.Succeeded)
		assert.Equal(t, due.AddDate(0, 1, 0), *sub.NextPaymentDue())
		assert.Equal(t, int64(7000), result.Attempt.Amount())
		assert.True(t, result.Attempt.Succeeded())
		require.NotNil(t, result.Snapshot)
		assert.Equal(t, "ord_cycle_1", result.Snapshot.OrderReference)

		// Compute-only: nothing persisted until the chunk writer commits.
		assert.Zero(t, f.subs.updates)
		assert.Empty(t, f.attempts.attempts)
		assert.Zero(t, f.uow.begins)
	})

	t.Run("declined charge surfaces the classified error and changes nothing", func(t *testing.T) {
		f := newFixture(t)
		sub := f.activeSubscription(t, 7000, fixedNow)
		due := *sub.NextPaymentDue()
		f.gateway.chargeErrs = []error{
			&domain.GatewayError{Kind: domain.GatewayDeclined, Code: "EXCEED_MAX_AMOUNT", Message: "limit exceeded"},
		}

		result, err := f.service.ChargeCycle(context.Background(), sub, "ord_cycle_2")
		require.Error(t, err)
		assert.Nil(t, result)
		assert.False(t, domain.IsTransientGatewayError(err))
		assert.Equal(t, due, *sub.NextPaymentDue())
	})

	t.Run("rejects inactive subscription", func(t *testing.T) {
		f := newFixture(t)
		sub := domain.NewSubscription(uuid.New(), uuid.New())

		_, err := f.service.ChargeCycle(context.Background(), sub, "ord_cycle_3")
		assert.ErrorIs(t, err, domain.ErrNotActive)
	})
}

func TestPersistCycleResults(t *testing.T) {
	t.Run("commits a whole chunk in one transaction", func(t *testing.T) {
		f := newFixture(t)
		subA := f.activeSubscription(t, 5000, fixedNow)
		subB := f.activeSubscription(t, 9000, fixedNow)

		resultA, err := f.service.ChargeCycle(context.Background(), subA, "ord_a")
		require.NoError(t, err)
		resultB, err := f.service.ChargeCycle(context.Background(), subB, "ord_b")
		require.NoError(t, err)

		require.NoError(t, f.service.PersistCycleResults(context.Background(), []*CycleResult{resultA, resultB}))

		assert.Equal(t, 1, f.uow.begins)
		assert.Equal(t, 1, f.uow.commits)
		assert.Equal(t, 2, f.subs.updates)
		assert.Len(t, f.attempts.attempts, 2)
		assert.Len(t, f.snapshots.snapshots, 2)
		assert.Len(t, f.outbox.msgs, 2)
	})

	t.Run("rolls back the chunk when any write fails", func(t *testing.T) {
		f := newFixture(t)
		sub := f.activeSubscription(t, 5000, fixedNow)
		result, err := f.service.ChargeCycle(context.Background(), sub, "ord_roll")
		require.NoError(t, err)

		f.attempts.saveErr = assert.AnError
		err = f.service.PersistCycleResults(context.Background(), []*CycleResult{result})
		require.Error(t, err)

		assert.Equal(t, 1, f.uow.rollbacks)
		assert.Zero(t, f.uow.commits)
	})

	t.Run("cancel committed mid-cycle is not overwritten by the chunk commit", func(t *testing.T) {
		f := newFixture(t)
		sub := f.activeSubscription(t, 5000, fixedNow)

		result, err := f.service.ChargeCycle(context.Background(), sub, "ord_race")
		require.NoError(t, err)

		// The donor's cancel commits while the cycle result is still waiting
		// for the chunk writer: the stored row is inactive, the in-memory
		// aggregate in the result is stale.
		canceled := domain.RehydrateSubscription(
			sharedDomain.RehydrateBaseEntity(sub.ID(), sub.CreatedAt(), sub.UpdatedAt()),
			sub.DonorID(), sub.ArtistID(),
			sub.Amount(), sub.CustomerKey(), sub.BillingKey(),
			domain.SubscriptionInactive,
			sub.SubscribedAt(), nil,
		)
		f.subs.subs[sub.ID()] = canceled

		require.NoError(t, f.service.PersistCycleResults(context.Background(), []*CycleResult{result}))

		// The cancel survives; the charge that already happened still lands
		// in the ledger and snapshot mirror.
		stored := f.subs.subs[sub.ID()]
		assert.Equal(t, domain.SubscriptionInactive, stored.Status())
		assert.Nil(t, stored.NextPaymentDue())
		require.Len(t, f.attempts.attempts, 1)
		assert.True(t, f.attempts.attempts[0].Succeeded())
		assert.Contains(t, f.snapshots.snapshots, "ord_race")
		assert.Empty(t, f.outbox.msgs, "no cycle event for a cancelled subscription")
	})

	t.Run("failure results write only the ledger entry", func(t *testing.T) {
		f := newFixture(t)
		sub := f.activeSubscription(t, 5000, fixedNow)
		due := *sub.NextPaymentDue()
		cause := &domain.GatewayError{Kind: domain.GatewayDeclined, Message: "card declined"}

		result := f.service.FailureResult(sub, "ord_fail", cause)
		require.NoError(t, f.service.PersistCycleResults(context.Background(), []*CycleResult{result}))

		assert.False(t, result.Succeeded)
		assert.Zero(t, f.subs.updates)
		assert.Empty(t, f.snapshots.snapshots)
		assert.Empty(t, f.outbox.msgs)
		require.Len(t, f.attempts.attempts, 1)
		assert.False(t, f.attempts.attempts[0].Succeeded())
		assert.Equal(t, due, *sub.NextPaymentDue())
	})
}

func TestRunBillingCycle(t *testing.T) {
	t.Run("successful cycle persists everything", func(t *testing.T) {
		f := newFixture(t)
		sub := f.activeSubscription(t, 5000, fixedNow)

		result, err := f.service.RunBillingCycle(context.Background(), sub.ID())
		require.NoError(t, err)

		assert.True(t, result.Succeeded)
		assert.Equal(t, 1, f.subs.updates)
		require.Len(t, f.attempts.attempts, 1)
		assert.True(t, f.attempts.attempts[0].Succeeded())
		assert.Len(t, f.snapshots.snapshots, 1)
	})

	t.Run("declined charge becomes a failure ledger entry, not an error", func(t *testing.T) {
		f := newFixture(t)
		sub := f.activeSubscription(t, 5000, fixedNow)
		due := *sub.NextPaymentDue()
		f.gateway.chargeErrs = []error{
			&domain.GatewayError{Kind: domain.GatewayDeclined, Message: "card declined"},
		}

		result, err := f.service.RunBillingCycle(context.Background(), sub.ID())
		require.NoError(t, err)

		assert.False(t, result.Succeeded)
		assert.Equal(t, due, *sub.NextPaymentDue())
		assert.Zero(t, f.subs.updates)
		require.Len(t, f.attempts.attempts, 1)
		assert.False(t, f.attempts.attempts[0].Succeeded())
	})

	t.Run("unknown subscription surfaces the lookup error", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service.RunBillingCycle(context.Background(), uuid.New())
		assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
	})
}

func TestCancel(t *testing.T) {
	t.Run("cancels an active subscription and stages the event", func(t *testing.T) {
		f := newFixture(t)
		sub := f.activeSubscription(t, 5000, fixedNow)

		require.NoError(t, f.service.Cancel(context.Background(), sub.DonorID(), sub.ArtistID()))

		assert.Equal(t, domain.SubscriptionInactive, sub.Status())
		assert.Nil(t, sub.NextPaymentDue())
		require.Len(t, f.outbox.msgs, 1)
		assert.Equal(t, "billing.subscription.canceled", f.outbox.msgs[0].EventType)
	})

	t.Run("cancels a pending subscription that never charged", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.service.Register(context.Background(), uuid.New(), uuid.New())
		require.NoError(t, err)

		require.NoError(t, f.service.Cancel(context.Background(), sub.DonorID(), sub.ArtistID()))
		assert.Equal(t, domain.SubscriptionInactive, sub.Status())
		assert.Empty(t, f.attempts.attempts)
	})

	t.Run("cancel is terminal", func(t *testing.T) {
		f := newFixture(t)
		sub := f.activeSubscription(t, 5000, fixedNow)
		require.NoError(t, f.service.Cancel(context.Background(), sub.DonorID(), sub.ArtistID()))

		err := f.service.Cancel(context.Background(), sub.DonorID(), sub.ArtistID())
		assert.ErrorIs(t, err, domain.ErrAlreadyInactive)
	})
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	active := f.activeSubscription(t, 5000, fixedNow)
	pending, err := f.service.Register(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)

	ok, err := f.service.GetStatus(context.Background(), active.DonorID(), active.ArtistID())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.service.GetStatus(context.Background(), pending.DonorID(), pending.ArtistID())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.service.GetStatus(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetDetail(t *testing.T) {
	f := newFixture(t)
	sub := f.activeSubscription(t, 5000, fixedNow.AddDate(0, 0, -1))

	_, err := f.service.RunBillingCycle(context.Background(), sub.ID())
	require.NoError(t, err)

	detail, err := f.service.GetDetail(context.Background(), sub.DonorID(), sub.ArtistID())
	require.NoError(t, err)
	assert.Equal(t, sub.ID(), detail.Subscription.ID())
	require.Len(t, detail.Attempts, 1)
	assert.True(t, detail.Attempts[0].Succeeded())
}
