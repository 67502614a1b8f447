package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/fanpledge/fanpledge/internal/billing/application"
	"github.com/fanpledge/fanpledge/internal/billing/domain"
)

// CycleCharger is the slice of the billing service the processor needs.
type CycleCharger interface {
	ChargeCycle(ctx context.Context, sub *domain.Subscription, orderReference string) (*application.CycleResult, error)
	FailureResult(sub *domain.Subscription, orderReference string, cause error) *application.CycleResult
}

// Processor runs one billing cycle per item. Transient gateway failures are
// retried locally with the same order reference, which the gateway treats as
// a safe replay; terminal failures become a FAILURE ledger entry immediately.
type Processor struct {
	service      CycleCharger
	retryLimit   int
	retryBackoff time.Duration
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewProcessor creates a processor with the given local retry policy.
func NewProcessor(service CycleCharger, retryLimit int, retryBackoff time.Duration, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if retryLimit < 1 {
		retryLimit = 1
	}
	return &Processor{
		service:      service,
		retryLimit:   retryLimit,
		retryBackoff: retryBackoff,
		logger:       logger,
		sleep:        sleepCtx,
	}
}

// Process bills one subscription. It always returns a result; a result
// with Succeeded false means the item permanently failed this run and
// counts against the run's skip budget.
func (p *Processor) Process(ctx context.Context, sub *domain.Subscription) *application.CycleResult {
	orderReference := domain.NewOrderReference()

	var lastErr error
	for attempt := 1; attempt <= p.retryLimit; attempt++ {
		result, err := p.service.ChargeCycle(ctx, sub, orderReference)
		if err == nil {
			return result
		}
		lastErr = err

		if !domain.IsTransientGatewayError(err) {
			p.logger.Warn("billing cycle failed",
				"subscription_id", sub.ID(),
				"order_reference", orderReference,
				"error", err,
			)
			return p.service.FailureResult(sub, orderReference, err)
		}

		p.logger.Warn("transient gateway failure, retrying",
			"subscription_id", sub.ID(),
			"order_reference", orderReference,
			"attempt", attempt,
			"error", err,
		)
		if attempt < p.retryLimit {
			if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
				break
			}
		}
	}

	p.logger.Warn("billing cycle exhausted retries",
		"subscription_id", sub.ID(),
		"order_reference", orderReference,
		"error", lastErr,
	)
	return p.service.FailureResult(sub, orderReference, lastErr)
}

func (p *Processor) backoff(attempt int) time.Duration {
	backoff := p.retryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
