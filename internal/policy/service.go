// Package policy drives the policy lifecycle: quote, purchase, payment
// confirmation, ledger mirroring and expiry. The database is authoritative
// at every step; ledger writes are best effort and recoverable.
package policy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bodasure/internal/ledger"
	"bodasure/internal/metrics"
	"bodasure/internal/mpesa"
	"bodasure/internal/repo"
	"bodasure/internal/wallet"
)

// ErrQuoteExpired indicates the quote's validity window has elapsed.
var ErrQuoteExpired = errors.New("policy: quote expired")

// ErrNotPayable indicates the policy is not in a state that accepts
// payment confirmation.
var ErrNotPayable = errors.New("policy: not awaiting payment")

// Charger initiates premium collection. Satisfied by the mpesa client.
type Charger interface {
	InitiateCharge(ctx context.Context, phone string, amount int64, reference string) (*mpesa.ChargeResponse, error)
}

// Config holds lifecycle tuning knobs.
type Config struct {
	QuoteValidity time.Duration
	TaxRate       float64
}

// Service orchestrates the policy lifecycle.
type Service struct {
	store   repo.Store
	wallets *wallet.Service
	charger Charger
	ledger  ledger.Writer
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

// New creates the policy lifecycle service.
func New(store repo.Store, wallets *wallet.Service, charger Charger, ledgerWriter ledger.Writer, logger *slog.Logger, metricRegistry *metrics.Metrics, cfg Config) *Service {
	if cfg.QuoteValidity <= 0 {
		cfg.QuoteValidity = 24 * time.Hour
	}
	return &Service{
		store:   store,
		wallets: wallets,
		charger: charger,
		ledger:  ledgerWriter,
		logger:  logger.With("component", "policy"),
		metrics: metricRegistry,
		cfg:     cfg,
	}
}

// CalculateQuote prices coverage for a vehicle and persists the quote with
// its validity window. Identical inputs yield identical pricing.
func (s *Service) CalculateQuote(ctx context.Context, userID string, vehicleValue int64, ageYears int, coverage string) (*repo.Quote, error) {
	pricing, err := Price(vehicleValue, ageYears, coverage, s.cfg.TaxRate)
	if err != nil {
		return nil, err
	}

	quote, err := s.store.InsertQuote(ctx, repo.Quote{
		UserID:          userID,
		VehicleValue:    vehicleValue,
		VehicleAgeYears: ageYears,
		Coverage:        coverage,
		BasePremium:     pricing.BasePremium,
		Tax:             pricing.Tax,
		Total:           pricing.Total,
		ValidUntil:      time.Now().Add(s.cfg.QuoteValidity),
	})
	if err != nil {
		return nil, fmt.Errorf("persist quote: %w", err)
	}
	return quote, nil
}

// Purchase initiates premium collection for a product and records the
// pending policy and payment. It returns as soon as the charge is accepted
// by the gateway; activation happens later via ConfirmPayment.
func (s *Service) Purchase(ctx context.Context, user *repo.User, product *repo.Product, quoteID *string) (*repo.Policy, error) {
	if quoteID != nil {
		quote, err := s.store.GetQuoteByID(ctx, *quoteID)
		if err != nil {
			return nil, fmt.Errorf("load quote: %w", err)
		}
		if time.Now().After(quote.ValidUntil) {
			return nil, ErrQuoteExpired
		}
	}

	policyNumber := newReference("BSP")
	charge, err := s.charger.InitiateCharge(ctx, user.Phone, product.Premium, policyNumber)
	if err != nil {
		return nil, fmt.Errorf("initiate charge: %w", err)
	}

	if _, err := s.store.InsertPayment(ctx, repo.Payment{
		TxnID:  charge.TransactionID,
		UserID: user.ID,
		Phone:  user.Phone,
		Amount: product.Premium,
		Type:   repo.PaymentTypePremium,
		Status: repo.PaymentPending,
	}); err != nil {
		return nil, fmt.Errorf("persist payment: %w", err)
	}

	now := time.Now()
	endAt := now.Add(coverageDuration(product))
	maturity := endAt
	txnRef := charge.TransactionID
	created, err := s.store.InsertPolicy(ctx, repo.Policy{
		PolicyNumber:  policyNumber,
		UserID:        user.ID,
		ProductID:     product.ID,
		QuoteID:       quoteID,
		StartAt:       now,
		EndAt:         endAt,
		MaturityAt:    &maturity,
		Premium:       product.Premium,
		PaymentStatus: repo.PaymentPending,
		Status:        repo.PolicyPending,
		PaymentRef:    &txnRef,
	})
	if err != nil {
		return nil, fmt.Errorf("persist policy: %w", err)
	}

	if quoteID != nil {
		if err := s.store.MarkQuoteAccepted(ctx, *quoteID); err != nil {
			s.logger.Warn("failed marking quote accepted", "error", err, "quote_id", *quoteID)
		}
	}

	if s.metrics != nil {
		s.metrics.PolicyEvents.WithLabelValues("purchase_initiated").Inc()
	}
	s.logger.Info("purchase initiated",
		"policy_number", policyNumber, "txn_id", charge.TransactionID, "user_id", user.ID)
	return created, nil
}

// ConfirmPayment applies a confirmed premium payment. Idempotent by
// transaction id: re-delivered callbacks for an already completed payment
// return the policy unchanged. A ledger failure leaves the policy with
// paymentStatus completed and status pending, queued for reconciliation.
func (s *Service) ConfirmPayment(ctx context.Context, txnID string, raw map[string]any) (*repo.Policy, error) {
	payment, err := s.store.GetPaymentByTxnID(ctx, txnID)
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", txnID, err)
	}

	policy, err := s.store.GetPolicyByPaymentRef(ctx, txnID)
	if err != nil {
		return nil, fmt.Errorf("load policy for txn %s: %w", txnID, err)
	}

	if payment.Status == repo.PaymentCompleted {
		s.logger.Info("duplicate payment confirmation ignored", "txn_id", txnID)
		return policy, nil
	}

	if err := s.store.UpdatePaymentStatus(ctx, txnID, repo.PaymentCompleted, raw); err != nil {
		return nil, fmt.Errorf("complete payment: %w", err)
	}
	if err := s.store.UpdatePolicyPaymentStatus(ctx, policy.ID, repo.PaymentCompleted); err != nil {
		return nil, fmt.Errorf("mark policy paid: %w", err)
	}
	policy.PaymentStatus = repo.PaymentCompleted

	if s.metrics != nil {
		s.metrics.PolicyEvents.WithLabelValues("payment_confirmed").Inc()
	}

	if err := s.activate(ctx, policy); err != nil {
		s.logger.Error("ledger registration failed, queued for reconciliation",
			"error", err, "policy_number", policy.PolicyNumber)
		if reconErr := s.store.UpsertReconItem(ctx, repo.ReconPolicyRegister, policy.ID, err.Error()); reconErr != nil {
			s.logger.Error("failed queueing reconciliation item", "error", reconErr, "policy_id", policy.ID)
		}
		return policy, nil
	}
	policy.Status = repo.PolicyActive
	return policy, nil
}

// FailPayment records a declined or cancelled premium charge.
func (s *Service) FailPayment(ctx context.Context, txnID string, raw map[string]any) (*repo.Policy, error) {
	payment, err := s.store.GetPaymentByTxnID(ctx, txnID)
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", txnID, err)
	}
	if payment.Status != repo.PaymentPending {
		return s.store.GetPolicyByPaymentRef(ctx, txnID)
	}

	if err := s.store.UpdatePaymentStatus(ctx, txnID, repo.PaymentFailed, raw); err != nil {
		return nil, fmt.Errorf("fail payment: %w", err)
	}
	policy, err := s.store.GetPolicyByPaymentRef(ctx, txnID)
	if err != nil {
		return nil, fmt.Errorf("load policy for txn %s: %w", txnID, err)
	}
	if err := s.store.UpdatePolicyPaymentStatus(ctx, policy.ID, repo.PaymentFailed); err != nil {
		return nil, fmt.Errorf("mark policy payment failed: %w", err)
	}
	policy.PaymentStatus = repo.PaymentFailed

	if s.metrics != nil {
		s.metrics.PolicyEvents.WithLabelValues("payment_failed").Inc()
	}
	return policy, nil
}

// activate mirrors the paid policy onto the ledger and flips it active.
func (s *Service) activate(ctx context.Context, policy *repo.Policy) error {
	w, err := s.wallets.EnsureWallet(ctx, policy.UserID)
	if err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	product, err := s.store.GetProductByID(ctx, policy.ProductID)
	if err != nil {
		return fmt.Errorf("load product: %w", err)
	}

	ref, err := s.ledger.RegisterPolicy(ctx, ledger.PolicyRegistration{
		PolicyNumber:  policy.PolicyNumber,
		WalletAddress: w.Address,
		Premium:       policy.Premium,
		SumAssured:    product.SumAssured,
		StartAt:       policy.StartAt,
		EndAt:         policy.EndAt,
	})
	if err != nil {
		return err
	}

	if err := s.store.SetPolicyLedger(ctx, policy.ID, ref.LedgerID, ref.TxHash); err != nil {
		return fmt.Errorf("store ledger ref: %w", err)
	}
	if err := s.store.UpdatePolicyStatus(ctx, policy.ID, repo.PolicyActive); err != nil {
		return fmt.Errorf("activate policy: %w", err)
	}
	policy.LedgerID = &ref.LedgerID
	policy.LedgerTxHash = &ref.TxHash

	if s.metrics != nil {
		s.metrics.PolicyEvents.WithLabelValues("activated").Inc()
	}
	s.logger.Info("policy activated", "policy_number", policy.PolicyNumber, "ledger_id", ref.LedgerID)
	return nil
}

// RetryLedger re-attempts only the ledger write for a paid policy stuck in
// pending. Used by the reconciliation worker and the admin retry endpoint.
func (s *Service) RetryLedger(ctx context.Context, policyID string) error {
	policy, err := s.store.GetPolicyByID(ctx, policyID)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	if policy.PaymentStatus != repo.PaymentCompleted {
		return fmt.Errorf("%w: payment status %s", ErrNotPayable, policy.PaymentStatus)
	}
	if policy.Status != repo.PolicyPending {
		return nil
	}
	return s.activate(ctx, policy)
}

// SweepExpired moves policies whose coverage window has elapsed to expired
// and mirrors the change best effort. Policies that reached their maturity
// date are additionally flagged claimable for the maturity benefit; this
// sweep and the admin review surface are the only writers of that flag.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now()
	policies, err := s.store.ListActivePoliciesEndedBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list ended policies: %w", err)
	}

	expired := 0
	for _, p := range policies {
		if err := s.store.UpdatePolicyStatus(ctx, p.ID, repo.PolicyExpired); err != nil {
			s.logger.Error("failed expiring policy", "error", err, "policy_number", p.PolicyNumber)
			continue
		}
		expired++
		if !p.Claimable && p.MaturityAt != nil && !now.Before(*p.MaturityAt) {
			if err := s.store.SetPolicyClaimable(ctx, p.ID, true); err != nil {
				s.logger.Error("failed flagging matured policy claimable", "error", err, "policy_number", p.PolicyNumber)
			}
		}
		if s.metrics != nil {
			s.metrics.PolicyEvents.WithLabelValues("expired").Inc()
		}

		if p.LedgerID == nil {
			continue
		}
		if err := s.ledger.UpdatePolicyStatus(ctx, *p.LedgerID, repo.PolicyExpired); err != nil {
			s.logger.Warn("ledger expiry mirror failed, queued for reconciliation",
				"error", err, "policy_number", p.PolicyNumber)
			if reconErr := s.store.UpsertReconItem(ctx, repo.ReconPolicyStatus, p.ID, err.Error()); reconErr != nil {
				s.logger.Error("failed queueing reconciliation item", "error", reconErr, "policy_id", p.ID)
			}
		}
	}
	return expired, nil
}

// SetClaimable is the explicit administrative override of the claimable
// flag. Outside this call only the maturity sweep may turn the flag on.
func (s *Service) SetClaimable(ctx context.Context, policyID string, claimable bool) error {
	if _, err := s.store.GetPolicyByID(ctx, policyID); err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	if err := s.store.SetPolicyClaimable(ctx, policyID, claimable); err != nil {
		return fmt.Errorf("set claimable: %w", err)
	}
	return nil
}

// MarkClaimed flips a policy to claimed after its claim is paid out.
func (s *Service) MarkClaimed(ctx context.Context, policyID string) error {
	policy, err := s.store.GetPolicyByID(ctx, policyID)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	if policy.Status == repo.PolicyClaimed {
		return nil
	}
	if err := s.store.UpdatePolicyStatus(ctx, policyID, repo.PolicyClaimed); err != nil {
		return fmt.Errorf("mark claimed: %w", err)
	}
	if err := s.store.SetPolicyClaimable(ctx, policyID, false); err != nil {
		s.logger.Warn("failed clearing claimable flag", "error", err, "policy_id", policyID)
	}
	if s.metrics != nil {
		s.metrics.PolicyEvents.WithLabelValues("claimed").Inc()
	}

	if policy.LedgerID != nil {
		if err := s.ledger.UpdatePolicyStatus(ctx, *policy.LedgerID, repo.PolicyClaimed); err != nil {
			s.logger.Warn("ledger claimed mirror failed, queued for reconciliation",
				"error", err, "policy_number", policy.PolicyNumber)
			if reconErr := s.store.UpsertReconItem(ctx, repo.ReconPolicyStatus, policyID, err.Error()); reconErr != nil {
				s.logger.Error("failed queueing reconciliation item", "error", reconErr, "policy_id", policyID)
			}
		}
	}
	return nil
}

func coverageDuration(product *repo.Product) time.Duration {
	switch strings.ToLower(product.Tier) {
	case "weekly":
		return 7 * 24 * time.Hour
	case "annual":
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// newReference builds a human-readable unique reference such as BSP-20260831-4F2A9C.
func newReference(prefix string) string {
	buf := make([]byte, 3)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%s-%s", prefix, time.Now().UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(buf)))
}
