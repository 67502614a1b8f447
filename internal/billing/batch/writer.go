package batch

import (
	"context"

	"github.com/fanpledge/fanpledge/internal/billing/application"
)

// CycleResultPersister is the slice of the billing service the writer needs.
type CycleResultPersister interface {
	PersistCycleResults(ctx context.Context, results []*application.CycleResult) error
}

// Writer commits one chunk of cycle results as one transaction. The chunk is
// the unit of atomicity: not the run, not the item.
type Writer struct {
	service CycleResultPersister
}

// NewWriter creates a writer over the billing service.
func NewWriter(service CycleResultPersister) *Writer {
	return &Writer{service: service}
}

// Write persists the chunk.
func (w *Writer) Write(ctx context.Context, results []*application.CycleResult) error {
	return w.service.PersistCycleResults(ctx, results)
}
