// Package mpesa wraps the mobile-money gateway: premium collection via STK
// push and claim payouts via B2C transfer. Confirmations arrive later on the
// callback webhook; nothing here blocks on settlement.
package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bodasure/internal/metrics"
)

// ErrRejected indicates the gateway refused the request outright.
var ErrRejected = errors.New("mpesa: request rejected")

// Client provides typed access to the payment gateway API.
type Client struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	http      *http.Client
	baseURL   string
	apiKey    string
	shortCode string
}

// Config holds payment gateway client configuration.
type Config struct {
	BaseURL   string
	APIKey    string
	ShortCode string
	Timeout   time.Duration
}

// New creates a new payment gateway client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		logger:    logger.With("component", "mpesa"),
		metrics:   metricRegistry,
		http:      &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		shortCode: cfg.ShortCode,
	}
}

// ChargeResponse carries the provider transaction id for an initiated charge.
type ChargeResponse struct {
	TransactionID string         `json:"transaction_id"`
	Status        string         `json:"status"`
	Message       string         `json:"message"`
	Raw           map[string]any `json:"raw"`
}

// InitiateCharge starts an STK-push premium collection. The returned
// transaction id is the idempotency key matched by the async callback.
func (c *Client) InitiateCharge(ctx context.Context, phone string, amount int64, reference string) (*ChargeResponse, error) {
	payload := map[string]any{
		"short_code":        c.shortCode,
		"phone_number":      phone,
		"amount":            amount,
		"account_reference": reference,
		"transaction_desc":  "insurance premium",
	}
	data, err := c.post(ctx, "/stkpush", payload)
	if err != nil {
		return nil, err
	}

	resp := &ChargeResponse{
		TransactionID: firstString(data, "transaction_id", "CheckoutRequestID", "checkout_request_id"),
		Status:        firstString(data, "status", "ResponseDescription"),
		Message:       firstString(data, "message", "CustomerMessage"),
		Raw:           data,
	}
	if resp.TransactionID == "" {
		return nil, fmt.Errorf("%w: missing transaction id", ErrRejected)
	}
	return resp, nil
}

// PayoutResponse carries the provider transaction id for an initiated payout.
type PayoutResponse struct {
	TransactionID string         `json:"transaction_id"`
	Status        string         `json:"status"`
	Raw           map[string]any `json:"raw"`
}

// InitiatePayout starts a B2C transfer for an approved claim.
func (c *Client) InitiatePayout(ctx context.Context, phone string, amount int64, remarks string) (*PayoutResponse, error) {
	payload := map[string]any{
		"short_code":   c.shortCode,
		"phone_number": phone,
		"amount":       amount,
		"remarks":      remarks,
		"command_id":   "BusinessPayment",
	}
	data, err := c.post(ctx, "/b2c", payload)
	if err != nil {
		return nil, err
	}

	resp := &PayoutResponse{
		TransactionID: firstString(data, "transaction_id", "ConversationID", "conversation_id"),
		Status:        firstString(data, "status", "ResponseDescription"),
		Raw:           data,
	}
	if resp.TransactionID == "" {
		return nil, fmt.Errorf("%w: missing transaction id", ErrRejected)
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	started := time.Now()
	status := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.MpesaRequests.WithLabelValues(endpoint, status).Inc()
			c.metrics.MpesaLatency.WithLabelValues(endpoint, status).Observe(time.Since(started).Seconds())
		}
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	status = "ok"
	return data, nil
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			switch v := val.(type) {
			case string:
				if strings.TrimSpace(v) != "" {
					return strings.TrimSpace(v)
				}
			case float64:
				return strings.TrimSpace(fmt.Sprintf("%.0f", v))
			}
		}
	}
	return ""
}
