package mpesa

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bodasure/internal/metrics"
)

// CallbackEvent is a normalized payment confirmation delivered by the
// gateway. TransactionID matches the id returned at initiation time.
type CallbackEvent struct {
	TransactionID string
	Success       bool
	ResultDesc    string
	Payload       map[string]any
	ReceivedAt    time.Time
}

// CallbackProcessor handles confirmed/failed payment events.
type CallbackProcessor interface {
	HandlePaymentEvent(ctx context.Context, event CallbackEvent) error
}

// WebhookHandler authenticates gateway callbacks and forwards normalized
// events to the processor.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	username  string
	secret    string
	processor CallbackProcessor
}

// NewWebhookHandler creates a new callback handler.
func NewWebhookHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, username, secret string, processor CallbackProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "mpesa_webhook"),
		metrics:   metricRegistry,
		username:  username,
		secret:    secret,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.validateAuth(r); err != nil {
		h.metrics.Errors.WithLabelValues("mpesa_webhook_auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.metrics.Errors.WithLabelValues("mpesa_webhook").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	event, err := parseCallback(body)
	if err != nil {
		h.logger.Warn("unparseable payment callback", "error", err)
		h.metrics.Errors.WithLabelValues("mpesa_webhook_parse").Inc()
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	if h.processor != nil {
		if err := h.processor.HandlePaymentEvent(r.Context(), event); err != nil {
			h.logger.Error("failed processing payment callback", "error", err, "txn_id", event.TransactionID)
			h.metrics.Errors.WithLabelValues("mpesa_webhook_process").Inc()
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) validateAuth(r *http.Request) error {
	username, password, ok := r.BasicAuth()
	if !ok {
		signature := strings.TrimSpace(r.Header.Get("X-Callback-Signature"))
		if signature != "" && subtle.ConstantTimeCompare([]byte(signature), []byte(h.secret)) == 1 {
			return nil
		}
		return fmt.Errorf("missing basic auth")
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.secret)) == 1
	if !userOK || !passOK {
		return fmt.Errorf("invalid credentials")
	}
	return nil
}

func parseCallback(body []byte) (CallbackEvent, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return CallbackEvent{}, fmt.Errorf("decode callback: %w", err)
	}

	// STK callbacks nest under Body.stkCallback; B2C results under Result.
	flat := payload
	if body, ok := payload["Body"].(map[string]any); ok {
		if stk, ok := body["stkCallback"].(map[string]any); ok {
			flat = stk
		}
	}
	if result, ok := payload["Result"].(map[string]any); ok {
		flat = result
	}

	txnID := firstString(flat, "transaction_id", "CheckoutRequestID", "ConversationID", "OriginatorConversationID")
	if txnID == "" {
		return CallbackEvent{}, fmt.Errorf("callback missing transaction id")
	}

	resultCode := firstString(flat, "result_code", "ResultCode")
	return CallbackEvent{
		TransactionID: txnID,
		Success:       resultCode == "0" || strings.EqualFold(firstString(flat, "status"), "success"),
		ResultDesc:    firstString(flat, "result_desc", "ResultDesc", "message"),
		Payload:       payload,
		ReceivedAt:    time.Now(),
	}, nil
}
