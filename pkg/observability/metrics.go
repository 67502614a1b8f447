// Package observability provides lightweight operation metrics for the
// billing engine's outbound calls and batch runs.
package observability

import (
	"sync"
	"time"
)

// OperationMetrics contains metrics for a single named operation.
type OperationMetrics struct {
	Operation       string        `json:"operation"`
	TotalCalls      int64         `json:"total_calls"`
	SuccessfulCalls int64         `json:"successful_calls"`
	FailedCalls     int64         `json:"failed_calls"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastCallAt      time.Time     `json:"last_call_at"`
	LastError       string        `json:"last_error,omitempty"`
}

// MetricsCollector records per-operation call metrics.
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics map[string]*OperationMetrics
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: make(map[string]*OperationMetrics),
	}
}

// RecordOperation records one call of the named operation.
func (c *MetricsCollector) RecordOperation(operation string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.metrics[operation]
	if !ok {
		m = &OperationMetrics{Operation: operation}
		c.metrics[operation] = m
	}

	m.TotalCalls++
	if err != nil {
		m.FailedCalls++
		m.LastError = err.Error()
	} else {
		m.SuccessfulCalls++
		m.LastError = ""
	}
	m.TotalDuration += duration
	m.AverageDuration = m.TotalDuration / time.Duration(m.TotalCalls)
	if duration > m.MaxDuration {
		m.MaxDuration = duration
	}
	m.LastCallAt = time.Now()
}

// Get returns a copy of the metrics for one operation.
func (c *MetricsCollector) Get(operation string) (OperationMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.metrics[operation]
	if !ok {
		return OperationMetrics{}, false
	}
	return *m, true
}

// GetAll returns a copy of all operation metrics.
func (c *MetricsCollector) GetAll() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.metrics))
	for name, m := range c.metrics {
		out[name] = *m
	}
	return out
}
