// Package ledger mirrors policy and claim state onto the external ledger.
// The database stays authoritative; every call here is a best-effort
// secondary write whose failure becomes a reconciliation item, never a
// rollback.
package ledger

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

// ErrUnavailable indicates the ledger RPC failed; callers queue a retry.
var ErrUnavailable = errors.New("ledger: unavailable")

// Writer is the mirror surface consumed by the lifecycle orchestrators.
type Writer interface {
	RegisterPolicy(ctx context.Context, req PolicyRegistration) (*Ref, error)
	UpdatePolicyStatus(ctx context.Context, ledgerID, status string) error
	SubmitClaim(ctx context.Context, req ClaimSubmission) (*Ref, error)
	ApproveClaim(ctx context.Context, ledgerClaimID string, payout int64) error
	RejectClaim(ctx context.Context, ledgerClaimID, reason string) error
	MarkClaimPaid(ctx context.Context, ledgerClaimID, paymentRef string) error
}

// Ref identifies a record on the ledger.
type Ref struct {
	LedgerID string `json:"ledger_id"`
	TxHash   string `json:"tx_hash"`
}

// PolicyRegistration carries the fields mirrored for a new policy.
type PolicyRegistration struct {
	PolicyNumber  string    `json:"policy_number"`
	WalletAddress string    `json:"wallet_address"`
	Premium       int64     `json:"premium"`
	SumAssured    int64     `json:"sum_assured"`
	StartAt       time.Time `json:"start_at"`
	EndAt         time.Time `json:"end_at"`
}

// ClaimSubmission carries the fields mirrored for a new claim.
type ClaimSubmission struct {
	ClaimNumber    string    `json:"claim_number"`
	PolicyLedgerID string    `json:"policy_ledger_id"`
	WalletAddress  string    `json:"wallet_address"`
	IncidentAt     time.Time `json:"incident_at"`
	Description    string    `json:"description"`
}

// Client calls the ledger gateway over HTTP.
type Client struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	http    *http.Client
	baseURL string
	apiKey  string
}

var _ Writer = (*Client)(nil)

// Config holds ledger client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New creates a new ledger client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "ledger"),
		metrics: metricRegistry,
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// RegisterPolicy writes a new policy onto the ledger.
func (c *Client) RegisterPolicy(ctx context.Context, req PolicyRegistration) (*Ref, error) {
	var ref Ref
	if err := c.call(ctx, "register_policy", http.MethodPost, "/policies", req, &ref); err != nil {
		return nil, err
	}
	if ref.LedgerID == "" {
		return nil, fmt.Errorf("%w: register returned no ledger id", ErrUnavailable)
	}
	return &ref, nil
}

// UpdatePolicyStatus mirrors a policy status change.
func (c *Client) UpdatePolicyStatus(ctx context.Context, ledgerID, status string) error {
	body := map[string]string{"status": status}
	return c.call(ctx, "update_policy_status", http.MethodPut, "/policies/"+ledgerID+"/status", body, nil)
}

// SubmitClaim writes a new claim onto the ledger.
func (c *Client) SubmitClaim(ctx context.Context, req ClaimSubmission) (*Ref, error) {
	var ref Ref
	if err := c.call(ctx, "submit_claim", http.MethodPost, "/claims", req, &ref); err != nil {
		return nil, err
	}
	if ref.LedgerID == "" {
		return nil, fmt.Errorf("%w: submit returned no ledger id", ErrUnavailable)
	}
	return &ref, nil
}

// ApproveClaim mirrors claim approval with the payout amount.
func (c *Client) ApproveClaim(ctx context.Context, ledgerClaimID string, payout int64) error {
	body := map[string]int64{"payout": payout}
	return c.call(ctx, "approve_claim", http.MethodPost, "/claims/"+ledgerClaimID+"/approve", body, nil)
}

// RejectClaim mirrors claim rejection.
func (c *Client) RejectClaim(ctx context.Context, ledgerClaimID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.call(ctx, "reject_claim", http.MethodPost, "/claims/"+ledgerClaimID+"/reject", body, nil)
}

// MarkClaimPaid mirrors claim settlement.
func (c *Client) MarkClaimPaid(ctx context.Context, ledgerClaimID, paymentRef string) error {
	body := map[string]string{"payment_ref": paymentRef}
	return c.call(ctx, "mark_claim_paid", http.MethodPost, "/claims/"+ledgerClaimID+"/paid", body, nil)
}

func (c *Client) call(ctx context.Context, op, method, path string, payload, out any) error {
	started := time.Now()
	status := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.LedgerRequests.WithLabelValues(op, status).Inc()
			c.metrics.LedgerLatency.WithLabelValues(op, status).Observe(time.Since(started).Seconds())
		}
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrUnavailable, op, err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s status %d: %s", ErrUnavailable, op, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, op, err)
		}
	}

	status = "ok"
	return nil
}
