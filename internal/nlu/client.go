// Package nlu is the free-text fallback: intent classification plus a
// generic grounded response when structured input does not match the
// current dialog state.
package nlu

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
	"bodasure/internal/repo"
)

// Intent labels produced by classification.
type Intent string

const (
	IntentBuy      Intent = "buy"
	IntentClaim    Intent = "claim"
	IntentLanguage Intent = "change_language"
	IntentSupport  Intent = "contact_support"
	IntentCancel   Intent = "cancel"
	IntentUnknown  Intent = "unknown"
)

const (
	providerGemini = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// ErrNoKeys indicates all API keys are cooling down or none are configured.
var ErrNoKeys = errors.New("nlu: no usable api keys")

// Client calls the generative model with DB-backed key rotation.
type Client struct {
	store   repo.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	http    *http.Client
	baseURL string
	model   string
	cooldown time.Duration
}

// Config holds classifier configuration.
type Config struct {
	BaseURL  string
	Model    string
	Timeout  time.Duration
	Cooldown time.Duration
}

// New creates the classifier client.
func New(store repo.Store, logger *slog.Logger, metricRegistry *metrics.Metrics, cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 45 * time.Second
	}
	return &Client{
		store:    store,
		logger:   logger.With("component", "nlu"),
		metrics:  metricRegistry,
		http:     &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		model:    cfg.Model,
		cooldown: cooldown,
	}
}

const classifyPrompt = `Classify the user's message into exactly one label:
buy, claim, change_language, contact_support, cancel, unknown.
Reply with the label only. Message: %q`

// ClassifyIntent labels free text. Unparseable or failed classification
// degrades to IntentUnknown rather than erroring the turn.
func (c *Client) ClassifyIntent(ctx context.Context, text string) (Intent, error) {
	out, err := c.generate(ctx, fmt.Sprintf(classifyPrompt, text))
	if err != nil {
		return IntentUnknown, err
	}
	switch Intent(strings.ToLower(strings.TrimSpace(out))) {
	case IntentBuy:
		return IntentBuy, nil
	case IntentClaim:
		return IntentClaim, nil
	case IntentLanguage:
		return IntentLanguage, nil
	case IntentSupport:
		return IntentSupport, nil
	case IntentCancel:
		return IntentCancel, nil
	default:
		return IntentUnknown, nil
	}
}

const respondPrompt = `You are a helpful assistant for a motorcycle
micro-insurance service reachable over chat. Answer briefly and plainly.
Context: %s
User: %s`

// Respond produces a short knowledge-grounded reply for unmatched free text.
func (c *Client) Respond(ctx context.Context, text, context_ string) (string, error) {
	out, err := c.generate(ctx, fmt.Sprintf(respondPrompt, context_, text))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	started := time.Now()
	status := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.IntentRequests.WithLabelValues(status).Inc()
			c.metrics.IntentLatency.WithLabelValues(status).Observe(time.Since(started).Seconds())
		}
	}()

	keys, err := c.store.ListActiveAPIKeys(ctx, providerGemini)
	if err != nil {
		return "", fmt.Errorf("list api keys: %w", err)
	}

	now := time.Now()
	var lastErr error
	for _, key := range keys {
		if key.CooldownUntil != nil && key.CooldownUntil.After(now) {
			continue
		}

		out, err := c.callModel(ctx, key.Value, prompt)
		if err == nil {
			_ = c.store.TouchAPIKey(ctx, key.ID)
			status = "ok"
			return out, nil
		}
		lastErr = err

		var quotaErr *quotaError
		if errors.As(err, &quotaErr) {
			until := now.Add(c.cooldown)
			if cdErr := c.store.SetCooldownUntil(ctx, key.ID, until); cdErr != nil {
				c.logger.Warn("failed setting key cooldown", "error", cdErr)
			}
			continue
		}
		break
	}

	if lastErr == nil {
		lastErr = ErrNoKeys
	}
	return "", lastErr
}

type quotaError struct {
	status int
}

func (e *quotaError) Error() string {
	return fmt.Sprintf("nlu: quota exhausted (status %d)", e.status)
}

func (c *Client) callModel(ctx context.Context, apiKey, prompt string) (string, error) {
	payload := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		return "", &quotaError{status: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("model status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty model response")
	}
	return decoded.Candidates[0].Content.Parts[0].Text, nil
}
