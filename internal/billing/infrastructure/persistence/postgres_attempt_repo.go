package persistence

import (
	"context"
	"time"

	"github.com/fanpledge/fanpledge/internal/billing/domain"
	sharedDomain "github.com/fanpledge/fanpledge/internal/shared/domain"
	sharedPersistence "github.com/fanpledge/fanpledge/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPaymentAttemptRepository implements PaymentAttemptRepository with
// PostgreSQL. Rows are append-only; there is deliberately no update or
// delete.
type PostgresPaymentAttemptRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresPaymentAttemptRepository creates a new repository.
func NewPostgresPaymentAttemptRepository(pool *pgxpool.Pool) *PostgresPaymentAttemptRepository {
	return &PostgresPaymentAttemptRepository{pool: pool}
}

// Save appends one ledger entry.
func (r *PostgresPaymentAttemptRepository) Save(ctx context.Context, attempt *domain.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (
			id, subscription_id, amount, payment_key, order_reference,
			outcome, failure_reason, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query,
		attempt.ID(),
		attempt.SubscriptionID(),
		attempt.Amount(),
		attempt.PaymentKey(),
		attempt.OrderReference(),
		string(attempt.Outcome()),
		attempt.FailureReason(),
		attempt.AttemptedAt(),
	)
	return err
}

// ListBySubscription returns the subscription's attempts oldest first.
func (r *PostgresPaymentAttemptRepository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.PaymentAttempt, error) {
	query := `
		SELECT id, subscription_id, amount, payment_key, order_reference,
		       outcome, failure_reason, attempted_at
		FROM payment_attempts
		WHERE subscription_id = $1
		ORDER BY attempted_at, id
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	rows, err := execer.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.PaymentAttempt
	for rows.Next() {
		var (
			id            uuid.UUID
			subID         uuid.UUID
			amount        int64
			paymentKey    *string
			orderRef      string
			outcome       string
			failureReason *string
			attemptedAt   time.Time
		)
		err := rows.Scan(&id, &subID, &amount, &paymentKey, &orderRef, &outcome, &failureReason, &attemptedAt)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, domain.RehydratePaymentAttempt(
			sharedDomain.RehydrateBaseEntity(id, attemptedAt, attemptedAt),
			subID,
			amount,
			paymentKey,
			orderRef,
			domain.AttemptOutcome(outcome),
			failureReason,
			attemptedAt,
		))
	}
	return attempts, rows.Err()
}

// CountConsecutiveFailures counts trailing failures, newest first, stopping
// at the first success.
func (r *PostgresPaymentAttemptRepository) CountConsecutiveFailures(ctx context.Context, subscriptionID uuid.UUID) (int, error) {
	query := `
		SELECT outcome
		FROM payment_attempts
		WHERE subscription_id = $1
		ORDER BY attempted_at DESC, id DESC
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	rows, err := execer.Query(ctx, query, subscriptionID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var outcome string
		if err := rows.Scan(&outcome); err != nil {
			return 0, err
		}
		if domain.AttemptOutcome(outcome) != domain.AttemptFailure {
			break
		}
		count++
	}
	return count, rows.Err()
}
