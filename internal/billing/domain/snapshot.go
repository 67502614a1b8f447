package domain

import (
	"encoding/json"
	"time"
)

// TransactionSnapshot is a write-once mirror of the gateway's confirmation
// payload, kept for audit and customer support. Billing logic never reads it.
type TransactionSnapshot struct {
	OrderReference string
	PaymentKey     string
	Method         string
	CardDescriptor string
	ReceiptURL     string
	RequestedAt    *time.Time
	ApprovedAt     *time.Time
	Raw            json.RawMessage
}
