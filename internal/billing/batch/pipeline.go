package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fanpledge/fanpledge/internal/billing/application"
	"github.com/fanpledge/fanpledge/internal/billing/domain"
)

// ErrSkipLimitExceeded signals a run aborted because too many items
// permanently failed. Chunks committed before the abort stay committed.
var ErrSkipLimitExceeded = errors.New("skip limit exceeded, billing run aborted")

// itemReader and chunkWriter are satisfied by Reader and Writer; the
// pipeline depends on the interfaces so tests can substitute fakes.
type itemReader interface {
	Read(ctx context.Context, now time.Time) ([]*domain.Subscription, error)
}

type itemProcessor interface {
	Process(ctx context.Context, sub *domain.Subscription) *application.CycleResult
}

type chunkWriter interface {
	Write(ctx context.Context, results []*application.CycleResult) error
}

// PipelineConfig holds the batch tuning knobs.
type PipelineConfig struct {
	ChunkSize  int
	SkipLimit  int
	JobTimeout time.Duration
}

// RunSummary reports what one billing run did.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Read       int
	Succeeded  int
	Skipped    int
	Chunks     int
	Aborted    bool
}

// Pipeline drives one billing run: read the due set once, bill items
// sequentially, commit results a chunk at a time. A chunk that fails to
// commit is retried item by item; only items lost even then count
// against the skip budget.
type Pipeline struct {
	reader    itemReader
	processor itemProcessor
	writer    chunkWriter
	config    PipelineConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline wires the three stages together.
func NewPipeline(reader itemReader, processor itemProcessor, writer chunkWriter, config PipelineConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ChunkSize < 1 {
		config.ChunkSize = 50
	}
	return &Pipeline{
		reader:    reader,
		processor: processor,
		writer:    writer,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes one billing run identified by runID.
func (p *Pipeline) Run(ctx context.Context, runID string) (*RunSummary, error) {
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}

	summary := &RunSummary{RunID: runID, StartedAt: p.now()}
	logger := p.logger.With("run_id", runID)

	due, err := p.reader.Read(ctx, summary.StartedAt)
	if err != nil {
		return summary, fmt.Errorf("reading due subscriptions: %w", err)
	}
	summary.Read = len(due)
	logger.Info("billing run started", "due", len(due))

	chunk := make([]*application.CycleResult, 0, p.config.ChunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := p.writer.Write(ctx, chunk); err != nil {
			// Every charge in this chunk already happened at the gateway.
			// Committing the results one by one lands as many as possible;
			// a result lost here would let the next run bill the same
			// donor again.
			logger.Error("chunk commit failed, falling back to per-item commits",
				"size", len(chunk), "error", err)
			for _, result := range chunk {
				if err := p.writer.Write(ctx, []*application.CycleResult{result}); err != nil {
					logger.Error("cycle result commit failed",
						"subscription_id", result.Subscription.ID(),
						"error", err,
					)
					summary.Skipped++
					continue
				}
				if result.Succeeded {
					summary.Succeeded++
				} else {
					summary.Skipped++
				}
			}
		} else {
			summary.Chunks++
			for _, r := range chunk {
				if r.Succeeded {
					summary.Succeeded++
				} else {
					summary.Skipped++
				}
			}
		}
		chunk = chunk[:0]
		return p.overBudget(logger, summary)
	}

	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			summary.FinishedAt = p.now()
			return summary, fmt.Errorf("billing run interrupted: %w", err)
		}

		chunk = append(chunk, p.processor.Process(ctx, sub))

		if len(chunk) >= p.config.ChunkSize {
			if err := flush(); err != nil {
				summary.FinishedAt = p.now()
				return summary, err
			}
		}
	}
	if err := flush(); err != nil {
		summary.FinishedAt = p.now()
		return summary, err
	}

	summary.FinishedAt = p.now()
	logger.Info("billing run finished",
		"read", summary.Read,
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"chunks", summary.Chunks,
		"duration", summary.FinishedAt.Sub(summary.StartedAt),
	)
	return summary, nil
}

// overBudget aborts the run once committed skips exceed the budget. The
// check runs after each chunk commit so already-committed work stands.
func (p *Pipeline) overBudget(logger *slog.Logger, summary *RunSummary) error {
	if p.config.SkipLimit <= 0 || summary.Skipped <= p.config.SkipLimit {
		return nil
	}
	summary.Aborted = true
	logger.Error("billing run aborted",
		"skipped", summary.Skipped,
		"skip_limit", p.config.SkipLimit,
	)
	return ErrSkipLimitExceeded
}
