package persistence

import (
	"context"
	"errors"

	"github.com/fanpledge/fanpledge/internal/billing/domain"
	sharedPersistence "github.com/fanpledge/fanpledge/internal/shared/infrastructure/persistence"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSnapshotNotFound is returned when no snapshot exists for an order reference.
var ErrSnapshotNotFound = errors.New("transaction snapshot not found")

// PostgresSnapshotRepository implements SnapshotRepository with PostgreSQL.
type PostgresSnapshotRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresSnapshotRepository creates a new repository.
func NewPostgresSnapshotRepository(pool *pgxpool.Pool) *PostgresSnapshotRepository {
	return &PostgresSnapshotRepository{pool: pool}
}

// Save stores the gateway confirmation mirror. Write-once: a snapshot that
// already exists for the order reference is left untouched.
func (r *PostgresSnapshotRepository) Save(ctx context.Context, snapshot *domain.TransactionSnapshot) error {
	query := `
		INSERT INTO transaction_snapshots (
			order_reference, payment_key, method, card_descriptor,
			receipt_url, requested_at, approved_at, raw
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (order_reference) DO NOTHING
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query,
		snapshot.OrderReference,
		snapshot.PaymentKey,
		snapshot.Method,
		snapshot.CardDescriptor,
		snapshot.ReceiptURL,
		snapshot.RequestedAt,
		snapshot.ApprovedAt,
		snapshot.Raw,
	)
	return err
}

// FindByOrderReference returns the snapshot for one order reference.
func (r *PostgresSnapshotRepository) FindByOrderReference(ctx context.Context, orderReference string) (*domain.TransactionSnapshot, error) {
	query := `
		SELECT order_reference, payment_key, method, card_descriptor,
		       receipt_url, requested_at, approved_at, raw
		FROM transaction_snapshots
		WHERE order_reference = $1
	`
	execer := sharedPersistence.Executor(ctx, r.pool)

	var snapshot domain.TransactionSnapshot
	err := execer.QueryRow(ctx, query, orderReference).Scan(
		&snapshot.OrderReference,
		&snapshot.PaymentKey,
		&snapshot.Method,
		&snapshot.CardDescriptor,
		&snapshot.ReceiptURL,
		&snapshot.RequestedAt,
		&snapshot.ApprovedAt,
		&snapshot.Raw,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}
