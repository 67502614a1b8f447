package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fanpledge/fanpledge/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRepository is a test double for outbox.Repository
type mockRepository struct {
	mu           sync.Mutex
	messages     []*outbox.Message
	publishedIDs []int64
	failedIDs    []int64
	deadIDs      []int64
	getErr       error
}

func newMockRepository() *mockRepository {
	return &mockRepository{}
}

func (r *mockRepository) Save(ctx context.Context, msg *outbox.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg.ID = int64(len(r.messages) + 1)
	r.messages = append(r.messages, msg)
	return nil
}

func (r *mockRepository) SaveBatch(ctx context.Context, msgs []*outbox.Message) error {
	for _, msg := range msgs {
		if err := r.Save(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (r *mockRepository) GetUnpublished(ctx context.Context, limit int) ([]*outbox.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.getErr != nil {
		return nil, r.getErr
	}

	var result []*outbox.Message
	now := time.Now()
	for _, msg := range r.messages {
		if msg.PublishedAt == nil && msg.DeadLetteredAt == nil {
			if msg.NextRetryAt != nil && msg.NextRetryAt.After(now) {
				continue
			}
			result = append(result, msg)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (r *mockRepository) MarkPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishedIDs = append(r.publishedIDs, id)
	for _, msg := range r.messages {
		if msg.ID == id {
			now := time.Now()
			msg.PublishedAt = &now
			break
		}
	}
	return nil
}

func (r *mockRepository) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedIDs = append(r.failedIDs, id)
	for _, msg := range r.messages {
		if msg.ID == id {
			msg.RetryCount++
			msg.LastError = &errMsg
			msg.NextRetryAt = &nextRetryAt
			break
		}
	}
	return nil
}

func (r *mockRepository) MarkDead(ctx context.Context, id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadIDs = append(r.deadIDs, id)
	for _, msg := range r.messages {
		if msg.ID == id {
			now := time.Now()
			msg.DeadLetteredAt = &now
			msg.DeadLetterReason = &reason
			break
		}
	}
	return nil
}

func (r *mockRepository) DeleteOld(ctx context.Context, olderThanDays int) (int64, error) {
	return 0, nil
}

// mockPublisher is a test double for eventbus.Publisher
type mockPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *mockPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, routingKey)
	return nil
}

func (p *mockPublisher) Close() error { return nil }

func stageMessage(t *testing.T, repo *mockRepository, routingKey string) *outbox.Message {
	t.Helper()
	msg := &outbox.Message{
		EventID:       uuid.New(),
		AggregateType: "Subscription",
		AggregateID:   uuid.New(),
		EventType:     routingKey,
		RoutingKey:    routingKey,
		Payload:       json.RawMessage(`{"amount":5000}`),
		Metadata:      json.RawMessage(`{}`),
		CreatedAt:     time.Now(),
	}
	require.NoError(t, repo.Save(context.Background(), msg))
	return msg
}

func TestProcessor_PublishesStagedFacts(t *testing.T) {
	repo := newMockRepository()
	pub := &mockPublisher{}
	stageMessage(t, repo, "billing.cycle.succeeded")
	stageMessage(t, repo, "billing.subscription.activated")

	p := outbox.NewProcessor(repo, pub, outbox.DefaultProcessorConfig(), nil)
	require.NoError(t, p.ProcessOnce(context.Background()))

	assert.Equal(t, []string{"billing.cycle.succeeded", "billing.subscription.activated"}, pub.published)
	assert.Len(t, repo.publishedIDs, 2)
	assert.Equal(t, uint64(2), p.GetStats().PublishedCount)
}

func TestProcessor_RetriesWithBackoff(t *testing.T) {
	repo := newMockRepository()
	pub := &mockPublisher{err: errors.New("broker unavailable")}
	msg := stageMessage(t, repo, "billing.cycle.succeeded")

	cfg := outbox.DefaultProcessorConfig()
	cfg.MaxRetries = 3
	p := outbox.NewProcessor(repo, pub, cfg, nil)

	require.NoError(t, p.ProcessOnce(context.Background()))

	assert.Equal(t, []int64{msg.ID}, repo.failedIDs)
	assert.Empty(t, repo.deadIDs)
	assert.Equal(t, 1, msg.RetryCount)
	require.NotNil(t, msg.NextRetryAt)
	assert.True(t, msg.NextRetryAt.After(time.Now()))
}

func TestProcessor_DeadLettersAfterMaxRetries(t *testing.T) {
	repo := newMockRepository()
	pub := &mockPublisher{err: errors.New("broker unavailable")}
	msg := stageMessage(t, repo, "billing.cycle.succeeded")
	msg.RetryCount = 2

	cfg := outbox.DefaultProcessorConfig()
	cfg.MaxRetries = 3
	p := outbox.NewProcessor(repo, pub, cfg, nil)

	require.NoError(t, p.ProcessOnce(context.Background()))

	assert.Equal(t, []int64{msg.ID}, repo.deadIDs)
	assert.True(t, msg.IsDeadLettered())
	assert.Equal(t, uint64(1), p.GetStats().DeadCount)
}

func TestProcessor_RepositoryErrorSurfaces(t *testing.T) {
	repo := newMockRepository()
	repo.getErr = errors.New("connection refused")
	p := outbox.NewProcessor(repo, &mockPublisher{}, outbox.DefaultProcessorConfig(), nil)

	err := p.ProcessOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, "connection refused", p.GetStats().LastError)
}

func TestProcessor_StartStop(t *testing.T) {
	repo := newMockRepository()
	p := outbox.NewProcessor(repo, &mockPublisher{}, outbox.DefaultProcessorConfig(), nil)

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.IsRunning())

	p.Stop()
	assert.False(t, p.IsRunning())
}
