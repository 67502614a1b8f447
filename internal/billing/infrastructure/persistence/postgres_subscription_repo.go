package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/fanpledge/fanpledge/internal/billing/domain"
	sharedDomain "github.com/fanpledge/fanpledge/internal/shared/domain"
	sharedPersistence "github.com/fanpledge/fanpledge/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const subscriptionColumns = `
	id, donor_id, artist_id, amount, customer_key, billing_key,
	status, subscribed_at, next_payment_due, created_at, updated_at
`

// PostgresSubscriptionRepository implements SubscriptionRepository with PostgreSQL.
type PostgresSubscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresSubscriptionRepository creates a new repository.
func NewPostgresSubscriptionRepository(pool *pgxpool.Pool) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{pool: pool}
}

// Save inserts a newly registered subscription.
func (r *PostgresSubscriptionRepository) Save(ctx context.Context, sub *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, donor_id, artist_id, amount, customer_key, billing_key,
			status, subscribed_at, next_payment_due, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query,
		sub.ID(),
		sub.DonorID(),
		sub.ArtistID(),
		sub.Amount(),
		sub.CustomerKey(),
		sub.BillingKey(),
		string(sub.Status()),
		sub.SubscribedAt(),
		sub.NextPaymentDue(),
		sub.CreatedAt(),
		sub.UpdatedAt(),
	)
	if isUniqueViolation(err) {
		return domain.ErrSubscriptionExists
	}
	return err
}

// Update persists state transitions of an existing subscription.
func (r *PostgresSubscriptionRepository) Update(ctx context.Context, sub *domain.Subscription) error {
	query := `
		UPDATE subscriptions
		SET amount = $2,
			billing_key = $3,
			status = $4,
			next_payment_due = $5,
			updated_at = $6
		WHERE id = $1
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query,
		sub.ID(),
		sub.Amount(),
		sub.BillingKey(),
		string(sub.Status()),
		sub.NextPaymentDue(),
		sub.UpdatedAt(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

// UpdateCycleResult persists a cycle commit only while the stored row has not
// been cancelled. A cancel that landed between the gateway charge and the
// chunk commit wins: zero rows affected, no error.
func (r *PostgresSubscriptionRepository) UpdateCycleResult(ctx context.Context, sub *domain.Subscription) (bool, error) {
	query := `
		UPDATE subscriptions
		SET amount = $2,
			billing_key = $3,
			status = $4,
			next_payment_due = $5,
			updated_at = $6
		WHERE id = $1 AND status <> $7
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query,
		sub.ID(),
		sub.Amount(),
		sub.BillingKey(),
		string(sub.Status()),
		sub.NextPaymentDue(),
		sub.UpdatedAt(),
		string(domain.SubscriptionInactive),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindByID returns the subscription with the given id.
func (r *PostgresSubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	execer := sharedPersistence.Executor(ctx, r.pool)
	return r.scanSubscription(execer.QueryRow(ctx, query, id))
}

// FindByDonorAndArtist returns the subscription for a donor/artist pair.
func (r *PostgresSubscriptionRepository) FindByDonorAndArtist(ctx context.Context, donorID, artistID uuid.UUID) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE donor_id = $1 AND artist_id = $2`
	execer := sharedPersistence.Executor(ctx, r.pool)
	return r.scanSubscription(execer.QueryRow(ctx, query, donorID, artistID))
}

// FindDue returns active subscriptions due at or before now.
func (r *PostgresSubscriptionRepository) FindDue(ctx context.Context, now time.Time) ([]*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND next_payment_due <= $2
		ORDER BY next_payment_due, id
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	rows, err := execer.Query(ctx, query, string(domain.SubscriptionActive), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := r.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (r *PostgresSubscriptionRepository) scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		id             uuid.UUID
		donorID        uuid.UUID
		artistID       uuid.UUID
		amount         *int64
		customerKey    string
		billingKey     *string
		status         string
		subscribedAt   time.Time
		nextPaymentDue *time.Time
		createdAt      time.Time
		updatedAt      time.Time
	)

	err := row.Scan(
		&id,
		&donorID,
		&artistID,
		&amount,
		&customerKey,
		&billingKey,
		&status,
		&subscribedAt,
		&nextPaymentDue,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}

	return domain.RehydrateSubscription(
		sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		donorID,
		artistID,
		amount,
		customerKey,
		billingKey,
		domain.SubscriptionStatus(status),
		subscribedAt,
		nextPaymentDue,
	), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
