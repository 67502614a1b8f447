// Package gateway implements the HTTP client for the external payment
// provider: billing-key issuance and billing-key charges.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fanpledge/fanpledge/internal/billing/domain"
	"github.com/fanpledge/fanpledge/pkg/observability"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	issuePath  = "/v1/billing/authorizations/issue"
	chargePath = "/v1/billing/"
)

// Config configures the gateway client.
type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration

	// RateLimit paces outbound calls (requests per second); Burst allows
	// short spikes. Zero disables pacing.
	RateLimit float64
	RateBurst int

	// BreakerFailureThreshold trips the circuit after this many consecutive
	// transport-level failures.
	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:                 15 * time.Second,
		RateLimit:               10,
		RateBurst:               5,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      30 * time.Second,
	}
}

type httpResult struct {
	status int
	body   []byte
}

// Client calls the payment provider over HTTPS with a server-side secret.
// It holds no persistent state and is safe to share across goroutines.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*httpResult]
	metrics    *observability.MetricsCollector
	logger     *slog.Logger
}

// NewClient creates a gateway client.
func NewClient(config Config, metrics *observability.MetricsCollector, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetricsCollector()
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	threshold := config.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := config.BreakerOpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "payment-gateway",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("gateway circuit breaker state changed",
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		breaker:    gobreaker.NewCircuitBreaker[*httpResult](settings),
		metrics:    metrics,
		logger:     logger,
	}
}

type issueRequest struct {
	AuthKey     string `json:"authKey"`
	CustomerKey string `json:"customerKey"`
}

type issueResponse struct {
	BillingKey  string `json:"billingKey"`
	CustomerKey string `json:"customerKey"`
	CardNumber  string `json:"cardNumber"`
}

type chargeRequest struct {
	CustomerKey string `json:"customerKey"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderName   string `json:"orderName"`
}

type chargeResponse struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Status     string `json:"status"`
	Method     string `json:"method"`
	Card       *struct {
		Number     string `json:"number"`
		IssuerCode string `json:"issuerCode"`
	} `json:"card"`
	Receipt *struct {
		URL string `json:"url"`
	} `json:"receipt"`
	RequestedAt *time.Time `json:"requestedAt"`
	ApprovedAt  *time.Time `json:"approvedAt"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IssueBillingKey exchanges a one-time authorization key for a billing key.
func (c *Client) IssueBillingKey(ctx context.Context, authKey, customerKey string) (string, error) {
	start := time.Now()
	result, err := c.post(ctx, issuePath, issueRequest{
		AuthKey:     authKey,
		CustomerKey: customerKey,
	})
	c.metrics.RecordOperation("issue_billing_key", time.Since(start), err)
	if err != nil {
		return "", err
	}

	if result.status != http.StatusOK {
		return "", c.rejectionError(result, domain.GatewayRejected)
	}

	var resp issueResponse
	if err := json.Unmarshal(result.body, &resp); err != nil {
		return "", &domain.GatewayError{
			Kind:    domain.GatewayUnavailable,
			Message: "malformed issue response",
			Err:     err,
		}
	}
	if resp.BillingKey == "" {
		return "", &domain.GatewayError{
			Kind:    domain.GatewayRejected,
			Message: "issue response missing billing key",
		}
	}

	return resp.BillingKey, nil
}

// Charge executes a billing-key charge for one order reference.
func (c *Client) Charge(ctx context.Context, billingKey, customerKey string, amount int64, orderReference string) (*domain.TransactionSnapshot, error) {
	start := time.Now()
	result, err := c.post(ctx, chargePath+billingKey, chargeRequest{
		CustomerKey: customerKey,
		Amount:      amount,
		OrderID:     orderReference,
		OrderName:   "fanpledge monthly pledge",
	})
	c.metrics.RecordOperation("charge", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if result.status != http.StatusOK {
		return nil, c.chargeError(result)
	}

	var resp chargeResponse
	if err := json.Unmarshal(result.body, &resp); err != nil {
		return nil, &domain.GatewayError{
			Kind:    domain.GatewayUnavailable,
			Message: "malformed charge response",
			Err:     err,
		}
	}

	snapshot := &domain.TransactionSnapshot{
		OrderReference: resp.OrderID,
		PaymentKey:     resp.PaymentKey,
		Method:         resp.Method,
		RequestedAt:    resp.RequestedAt,
		ApprovedAt:     resp.ApprovedAt,
		Raw:            json.RawMessage(result.body),
	}
	if snapshot.OrderReference == "" {
		snapshot.OrderReference = orderReference
	}
	if resp.Card != nil {
		snapshot.CardDescriptor = resp.Card.Number
	}
	if resp.Receipt != nil {
		snapshot.ReceiptURL = resp.Receipt.URL
	}

	return snapshot, nil
}

// post runs one JSON round trip through the rate limiter and circuit
// breaker. Transport errors and 5xx responses count as breaker failures;
// 4xx responses are business outcomes and pass through for classification.
func (c *Client) post(ctx context.Context, path string, payload any) (*httpResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &domain.GatewayError{
				Kind:    domain.GatewayUnavailable,
				Message: "rate limiter wait aborted",
				Err:     err,
			}
		}
	}

	result, err := c.breaker.Execute(func() (*httpResult, error) {
		return c.roundTrip(ctx, path, payload)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &domain.GatewayError{
				Kind:    domain.GatewayUnavailable,
				Message: "gateway circuit open",
				Err:     err,
			}
		}
		var gerr *domain.GatewayError
		if errors.As(err, &gerr) {
			return nil, gerr
		}
		return nil, &domain.GatewayError{
			Kind:    domain.GatewayUnavailable,
			Message: "gateway call failed",
			Err:     err,
		}
	}
	return result, nil
}

func (c *Client) roundTrip(ctx context.Context, path string, payload any) (*httpResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+basicAuth(c.config.SecretKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.GatewayError{
			Kind:    domain.GatewayUnavailable,
			Message: "gateway unreachable",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.GatewayError{
			Kind:    domain.GatewayUnavailable,
			Message: "failed to read gateway response",
			Err:     err,
		}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &domain.GatewayError{
			Kind:    domain.GatewayUnavailable,
			Message: fmt.Sprintf("gateway returned %d", resp.StatusCode),
		}
	}

	return &httpResult{status: resp.StatusCode, body: respBody}, nil
}

func (c *Client) rejectionError(result *httpResult, kind domain.GatewayErrorKind) *domain.GatewayError {
	var resp errorResponse
	if err := json.Unmarshal(result.body, &resp); err != nil || resp.Message == "" {
		return &domain.GatewayError{
			Kind:    kind,
			Message: fmt.Sprintf("gateway returned %d", result.status),
		}
	}
	return &domain.GatewayError{Kind: kind, Code: resp.Code, Message: resp.Message}
}

func (c *Client) chargeError(result *httpResult) *domain.GatewayError {
	var resp errorResponse
	_ = json.Unmarshal(result.body, &resp)

	switch resp.Code {
	case "INVALID_BILLING_KEY", "NOT_FOUND_BILLING_KEY":
		return &domain.GatewayError{Kind: domain.GatewayInvalidBillingKey, Code: resp.Code, Message: resp.Message}
	}

	if resp.Message == "" {
		resp.Message = fmt.Sprintf("gateway returned %d", result.status)
	}
	return &domain.GatewayError{Kind: domain.GatewayDeclined, Code: resp.Code, Message: resp.Message}
}

func basicAuth(secretKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(secretKey + ":"))
}
