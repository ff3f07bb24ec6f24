package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bodasure/internal/channel"
	"bodasure/internal/claims"
	"bodasure/internal/convo"
	"bodasure/internal/metrics"
	"bodasure/internal/policy"
	"bodasure/internal/repo"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	MpesaWebhook     http.Handler
	MessagingWebhook http.Handler
}

// Dependencies exposes core dependencies to the admin handlers.
type Dependencies struct {
	Store    repo.Store
	Policies *policy.Service
	Claims   *claims.Service
	Catalog  *convo.Catalog
	Sender   channel.Sender
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	adminToken string
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics,
// webhook and admin endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, adminToken, basePath string) *Server {
	server := &Server{
		logger:     logger.With("component", "http"),
		metrics:    metricRegistry,
		handlers:   handlers,
		adminToken: adminToken,
		basePath:   normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/kyc", server.requireAdmin(server.handleKYCDecision))
	mux.HandleFunc("/admin/claims/review", server.requireAdmin(server.handleClaimReview))
	mux.HandleFunc("/admin/policies/retry-ledger", server.requireAdmin(server.handleRetryLedger))
	mux.HandleFunc("/admin/policies/claimable", server.requireAdmin(server.handleClaimable))
	mux.HandleFunc("/admin/reload-catalog", server.requireAdmin(server.handleReloadCatalog))
	mux.HandleFunc("/admin/lookup", server.requireAdmin(server.handleLookup))

	if handlers.MpesaWebhook != nil {
		mux.Handle("/webhook/mpesa", handlers.MpesaWebhook)
	}
	if handlers.MessagingWebhook != nil {
		mux.Handle("/webhook/messaging", handlers.MessagingWebhook)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			if s.metrics != nil {
				s.metrics.Errors.WithLabelValues("admin_auth").Inc()
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleKYCDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		UserID   string `json:"user_id"`
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	status := ""
	switch req.Decision {
	case "approve":
		status = repo.KYCVerified
	case "reject":
		status = repo.KYCRejected
	default:
		http.Error(w, "decision must be approve or reject", http.StatusBadRequest)
		return
	}

	if err := s.deps.Store.SetKYCStatus(r.Context(), req.UserID, status); err != nil {
		s.logger.Error("failed setting kyc status", "error", err, "user_id", req.UserID)
		http.Error(w, "failed updating user", http.StatusInternalServerError)
		return
	}
	s.logger.Info("kyc decision applied", "user_id", req.UserID, "status", status)

	// Best-effort push so the user doesn't have to message first.
	if s.deps.Sender != nil {
		if user, err := s.deps.Store.GetUserByID(r.Context(), req.UserID); err == nil {
			text := "Good news! Your registration has been approved. Send any message to get started."
			if status == repo.KYCRejected {
				text = "Unfortunately your registration was not approved. Please contact support for help."
			}
			if err := s.deps.Sender.SendText(r.Context(), user.Phone, text); err != nil {
				s.logger.Warn("failed notifying user of kyc decision", "error", err, "user_id", req.UserID)
			}
		}
	}

	writeJSON(w, map[string]string{"status": "ok", "kyc_status": status})
}

func (s *Server) handleClaimReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ClaimID  string `json:"claim_id"`
		Action   string `json:"action"`
		Reviewer string `json:"reviewer"`
		Amount   *int64 `json:"amount"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if req.Reviewer == "" {
		http.Error(w, "reviewer required", http.StatusBadRequest)
		return
	}

	var (
		claim *repo.Claim
		err   error
	)
	switch req.Action {
	case "approve":
		claim, err = s.deps.Claims.Approve(r.Context(), req.ClaimID, req.Reviewer, req.Amount)
	case "reject":
		claim, err = s.deps.Claims.Reject(r.Context(), req.ClaimID, req.Reviewer, req.Reason)
	case "review":
		claim, err = s.deps.Claims.MoveToReview(r.Context(), req.ClaimID, req.Reviewer)
	default:
		http.Error(w, "action must be approve, reject or review", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("claim review action failed", "error", err, "claim_id", req.ClaimID, "action", req.Action)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, map[string]string{
		"status":       "ok",
		"claim_number": claim.ClaimNumber,
		"claim_status": claim.Status,
	})
}

func (s *Server) handleRetryLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		PolicyID string `json:"policy_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	if err := s.deps.Policies.RetryLedger(r.Context(), req.PolicyID); err != nil {
		s.logger.Error("manual ledger retry failed", "error", err, "policy_id", req.PolicyID)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleClaimable flips a policy's claimable flag by administrative
// decision, for example to open a matured policy for its maturity benefit.
func (s *Server) handleClaimable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		PolicyID  string `json:"policy_id"`
		Claimable bool   `json:"claimable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	if err := s.deps.Policies.SetClaimable(r.Context(), req.PolicyID, req.Claimable); err != nil {
		s.logger.Error("failed setting claimable flag", "error", err, "policy_id", req.PolicyID)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.logger.Info("claimable flag updated", "policy_id", req.PolicyID, "claimable", req.Claimable)
	writeJSON(w, map[string]any{"status": "ok", "claimable": req.Claimable})
}

func (s *Server) handleReloadCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Catalog != nil {
		s.deps.Catalog.Reload(r.Context())
	}

	products, err := s.deps.Store.ListActiveProducts(r.Context())
	if err != nil {
		s.logger.Error("failed listing products after reload", "error", err)
		http.Error(w, "failed listing products", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "active_products": len(products)})
}

// handleLookup resolves a policy or claim by its human-readable reference,
// the number support staff get from users over chat.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if number := r.URL.Query().Get("policy_number"); number != "" {
		pol, err := s.deps.Store.GetPolicyByNumber(r.Context(), number)
		if err != nil {
			http.Error(w, "policy not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"policy_number":  pol.PolicyNumber,
			"status":         pol.Status,
			"payment_status": pol.PaymentStatus,
			"start_at":       pol.StartAt,
			"end_at":         pol.EndAt,
			"ledger_id":      pol.LedgerID,
		})
		return
	}

	if number := r.URL.Query().Get("claim_number"); number != "" {
		claim, err := s.deps.Store.GetClaimByNumber(r.Context(), number)
		if err != nil {
			http.Error(w, "claim not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"claim_number":  claim.ClaimNumber,
			"status":        claim.Status,
			"incident_at":   claim.IncidentAt,
			"payout_amount": claim.PayoutAmount,
			"ledger_id":     claim.LedgerClaimID,
		})
		return
	}

	http.Error(w, "policy_number or claim_number required", http.StatusBadRequest)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
