// Package claims drives the claim lifecycle from first notice of loss to
// payout. Transitions are explicit and terminal states are absorbing:
// rejected claims stay rejected, paid claims stay paid, and re-delivered
// events against a settled claim are no-ops.
package claims

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
	"bodasure/internal/policy"
	"bodasure/internal/repo"
)

// ErrPolicyNotClaimable indicates the target policy cannot accept a claim.
var ErrPolicyNotClaimable = errors.New("claims: policy not claimable")

// ErrBadTransition indicates the requested status change is not allowed
// from the claim's current state.
var ErrBadTransition = errors.New("claims: invalid status transition")

// Payer initiates claim payouts. Satisfied by the mpesa client.
type Payer interface {
	InitiatePayout(ctx context.Context, phone string, amount int64, remarks string) (*mpesa.PayoutResponse, error)
}

// Service orchestrates the claim lifecycle.
type Service struct {
	store    repo.Store
	policies *policy.Service
	payer    Payer
	ledger   ledger.Writer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates the claims lifecycle service.
func New(store repo.Store, policies *policy.Service, payer Payer, ledgerWriter ledger.Writer, logger *slog.Logger, metricRegistry *metrics.Metrics) *Service {
	return &Service{
		store:    store,
		policies: policies,
		payer:    payer,
		ledger:   ledgerWriter,
		logger:   logger.With("component", "claims"),
		metrics:  metricRegistry,
	}
}

// Submission carries the first-notice-of-loss fields collected in chat.
type Submission struct {
	IncidentAt  time.Time
	Location    string
	Description string
	MediaRefs   []string
}

// Submit files a claim against an active policy. Filing the same incident
// twice returns the existing claim instead of creating a duplicate.
func (s *Service) Submit(ctx context.Context, user *repo.User, policyID string, sub Submission) (*repo.Claim, error) {
	pol, err := s.store.GetPolicyByID(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if pol.UserID != user.ID {
		return nil, fmt.Errorf("%w: policy belongs to another user", ErrPolicyNotClaimable)
	}
	if pol.Status != repo.PolicyActive {
		return nil, fmt.Errorf("%w: status %s", ErrPolicyNotClaimable, pol.Status)
	}
	if sub.IncidentAt.Before(pol.StartAt) || sub.IncidentAt.After(pol.EndAt) {
		return nil, fmt.Errorf("%w: incident outside coverage window", ErrPolicyNotClaimable)
	}

	if existing, err := s.store.FindClaimByIncident(ctx, user.ID, policyID, sub.IncidentAt); err == nil && existing != nil {
		s.logger.Info("duplicate claim submission returned existing claim",
			"claim_number", existing.ClaimNumber)
		return existing, nil
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("check existing claim: %w", err)
	}

	claim, err := s.store.InsertClaim(ctx, repo.Claim{
		ClaimNumber: newClaimNumber(),
		UserID:      user.ID,
		PolicyID:    policyID,
		IncidentAt:  sub.IncidentAt,
		Location:    sub.Location,
		Description: sub.Description,
		MediaRefs:   sub.MediaRefs,
		Status:      repo.ClaimReceived,
	})
	if err != nil {
		return nil, fmt.Errorf("persist claim: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ClaimEvents.WithLabelValues("submitted").Inc()
	}
	s.logger.Info("claim submitted", "claim_number", claim.ClaimNumber, "policy_number", pol.PolicyNumber)

	s.mirrorSubmission(ctx, claim, pol)
	return claim, nil
}

func (s *Service) mirrorSubmission(ctx context.Context, claim *repo.Claim, pol *repo.Policy) {
	if pol.LedgerID == nil {
		// Policy itself is still awaiting its ledger write; the claim
		// mirror is queued behind it.
		s.queueRecon(ctx, repo.ReconClaimSubmit, claim.ID, "policy has no ledger reference yet")
		return
	}

	w, err := s.store.GetWalletByUserID(ctx, claim.UserID)
	address := ""
	if err == nil {
		address = w.Address
	}

	ref, err := s.ledger.SubmitClaim(ctx, ledger.ClaimSubmission{
		ClaimNumber:    claim.ClaimNumber,
		PolicyLedgerID: *pol.LedgerID,
		WalletAddress:  address,
		IncidentAt:     claim.IncidentAt,
		Description:    claim.Description,
	})
	if err != nil {
		s.logger.Warn("claim ledger mirror failed, queued for reconciliation",
			"error", err, "claim_number", claim.ClaimNumber)
		s.queueRecon(ctx, repo.ReconClaimSubmit, claim.ID, err.Error())
		return
	}
	if err := s.store.SetClaimLedger(ctx, claim.ID, ref.LedgerID); err != nil {
		s.logger.Error("failed storing claim ledger ref", "error", err, "claim_id", claim.ID)
		return
	}
	claim.LedgerClaimID = &ref.LedgerID
}

// Approve moves a claim from received/review to approved and starts the
// payout transfer. Payout defaults to the product's sum assured when no
// explicit amount is given.
func (s *Service) Approve(ctx context.Context, claimID, reviewer string, payout *int64) (*repo.Claim, error) {
	claim, err := s.store.GetClaimByID(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("load claim: %w", err)
	}
	if claim.Status == repo.ClaimApproved {
		return claim, nil
	}
	if claim.Status != repo.ClaimReceived && claim.Status != repo.ClaimReview {
		return nil, fmt.Errorf("%w: %s -> approved", ErrBadTransition, claim.Status)
	}

	pol, err := s.store.GetPolicyByID(ctx, claim.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if pol.Status != repo.PolicyActive {
		return nil, fmt.Errorf("%w: policy status %s", ErrPolicyNotClaimable, pol.Status)
	}
	if time.Now().After(pol.EndAt) {
		return nil, fmt.Errorf("%w: coverage window elapsed", ErrPolicyNotClaimable)
	}

	amount, err := s.resolvePayout(ctx, pol, payout)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateClaimStatus(ctx, claimID, repo.ClaimApproved, &reviewer, &amount); err != nil {
		return nil, fmt.Errorf("approve claim: %w", err)
	}
	claim.Status = repo.ClaimApproved
	claim.PayoutAmount = &amount
	claim.Reviewer = &reviewer

	if s.metrics != nil {
		s.metrics.ClaimEvents.WithLabelValues("approved").Inc()
	}

	if claim.LedgerClaimID == nil {
		// The submit mirror is still queued; the approval follows it
		// through reconciliation once the claim has a ledger reference.
		s.queueRecon(ctx, repo.ReconClaimApprove, claimID, "claim not yet mirrored on ledger")
	} else if err := s.ledger.ApproveClaim(ctx, *claim.LedgerClaimID, amount); err != nil {
		s.logger.Warn("approval ledger mirror failed, queued for reconciliation",
			"error", err, "claim_number", claim.ClaimNumber)
		s.queueRecon(ctx, repo.ReconClaimApprove, claimID, err.Error())
	}

	if err := s.startPayout(ctx, claim, amount); err != nil {
		// Approval already stands; the reconciliation worker re-initiates
		// the transfer once the gateway recovers.
		s.logger.Error("payout initiation failed, queued for reconciliation",
			"error", err, "claim_number", claim.ClaimNumber)
		s.queueRecon(ctx, repo.ReconClaimPayout, claimID, err.Error())
	}
	return claim, nil
}

// RetryPayout re-initiates the payout transfer for an approved claim whose
// initiation failed. A transfer already on record makes this a no-op.
func (s *Service) RetryPayout(ctx context.Context, claimID string) error {
	claim, err := s.store.GetClaimByID(ctx, claimID)
	if err != nil {
		return fmt.Errorf("load claim: %w", err)
	}
	if claim.Status != repo.ClaimApproved {
		return nil
	}
	if claim.PayoutAmount == nil {
		return fmt.Errorf("claim %s has no payout amount", claim.ClaimNumber)
	}

	if _, err := s.store.FindPayoutByClaim(ctx, claimID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("check existing payout: %w", err)
	}
	return s.startPayout(ctx, claim, *claim.PayoutAmount)
}

func (s *Service) resolvePayout(ctx context.Context, pol *repo.Policy, explicit *int64) (int64, error) {
	if explicit != nil {
		if *explicit <= 0 {
			return 0, fmt.Errorf("payout amount must be positive")
		}
		return *explicit, nil
	}
	product, err := s.store.GetProductByID(ctx, pol.ProductID)
	if err != nil {
		return 0, fmt.Errorf("load product: %w", err)
	}
	return product.SumAssured, nil
}

func (s *Service) startPayout(ctx context.Context, claim *repo.Claim, amount int64) error {
	user, err := s.store.GetUserByID(ctx, claim.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	resp, err := s.payer.InitiatePayout(ctx, user.Phone, amount, "claim "+claim.ClaimNumber)
	if err != nil {
		return fmt.Errorf("initiate payout: %w", err)
	}

	claimID := claim.ID
	if _, err := s.store.InsertPayment(ctx, repo.Payment{
		TxnID:   resp.TransactionID,
		UserID:  claim.UserID,
		ClaimID: &claimID,
		Phone:   user.Phone,
		Amount:  amount,
		Type:    repo.PaymentTypeClaimPayout,
		Status:  repo.PaymentPending,
	}); err != nil {
		return fmt.Errorf("persist payout payment: %w", err)
	}

	s.logger.Info("payout initiated", "claim_number", claim.ClaimNumber, "txn_id", resp.TransactionID, "amount", amount)
	return nil
}

// Reject moves a claim from received/review to rejected. Terminal.
func (s *Service) Reject(ctx context.Context, claimID, reviewer, reason string) (*repo.Claim, error) {
	claim, err := s.store.GetClaimByID(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("load claim: %w", err)
	}
	if claim.Status == repo.ClaimRejected {
		return claim, nil
	}
	if claim.Status != repo.ClaimReceived && claim.Status != repo.ClaimReview {
		return nil, fmt.Errorf("%w: %s -> rejected", ErrBadTransition, claim.Status)
	}

	if err := s.store.UpdateClaimStatus(ctx, claimID, repo.ClaimRejected, &reviewer, nil); err != nil {
		return nil, fmt.Errorf("reject claim: %w", err)
	}
	claim.Status = repo.ClaimRejected
	claim.Reviewer = &reviewer

	if s.metrics != nil {
		s.metrics.ClaimEvents.WithLabelValues("rejected").Inc()
	}

	if claim.LedgerClaimID == nil {
		s.queueRecon(ctx, repo.ReconClaimReject, claimID, "claim not yet mirrored on ledger")
	} else if err := s.ledger.RejectClaim(ctx, *claim.LedgerClaimID, reason); err != nil {
		s.logger.Warn("rejection ledger mirror failed, queued for reconciliation",
			"error", err, "claim_number", claim.ClaimNumber)
		s.queueRecon(ctx, repo.ReconClaimReject, claimID, err.Error())
	}
	return claim, nil
}

// MarkPaid settles an approved claim after its payout transfer confirms.
// The backing policy flips to claimed.
func (s *Service) MarkPaid(ctx context.Context, claimID, paymentRef string) (*repo.Claim, error) {
	claim, err := s.store.GetClaimByID(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("load claim: %w", err)
	}
	if claim.Status == repo.ClaimPaid {
		return claim, nil
	}
	if claim.Status != repo.ClaimApproved {
		return nil, fmt.Errorf("%w: %s -> paid", ErrBadTransition, claim.Status)
	}

	if err := s.store.UpdateClaimStatus(ctx, claimID, repo.ClaimPaid, nil, nil); err != nil {
		return nil, fmt.Errorf("mark claim paid: %w", err)
	}
	claim.Status = repo.ClaimPaid

	if s.metrics != nil {
		s.metrics.ClaimEvents.WithLabelValues("paid").Inc()
	}
	s.logger.Info("claim settled", "claim_number", claim.ClaimNumber, "payment_ref", paymentRef)

	if err := s.policies.MarkClaimed(ctx, claim.PolicyID); err != nil {
		s.logger.Error("failed marking policy claimed", "error", err, "policy_id", claim.PolicyID)
	}

	if claim.LedgerClaimID == nil {
		s.queueRecon(ctx, repo.ReconClaimPaid, claimID, "claim not yet mirrored on ledger")
	} else if err := s.ledger.MarkClaimPaid(ctx, *claim.LedgerClaimID, paymentRef); err != nil {
		s.logger.Warn("settlement ledger mirror failed, queued for reconciliation",
			"error", err, "claim_number", claim.ClaimNumber)
		s.queueRecon(ctx, repo.ReconClaimPaid, claimID, err.Error())
	}
	return claim, nil
}

// MoveToReview flags a claim for manual review.
func (s *Service) MoveToReview(ctx context.Context, claimID, reviewer string) (*repo.Claim, error) {
	claim, err := s.store.GetClaimByID(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("load claim: %w", err)
	}
	if claim.Status == repo.ClaimReview {
		return claim, nil
	}
	if claim.Status != repo.ClaimReceived {
		return nil, fmt.Errorf("%w: %s -> review", ErrBadTransition, claim.Status)
	}
	if err := s.store.UpdateClaimStatus(ctx, claimID, repo.ClaimReview, &reviewer, nil); err != nil {
		return nil, fmt.Errorf("move claim to review: %w", err)
	}
	claim.Status = repo.ClaimReview
	return claim, nil
}

// RetryLedger re-attempts only the ledger mirror for a claim, dispatched by
// the reconciliation kind recorded when the original write failed.
func (s *Service) RetryLedger(ctx context.Context, claimID, kind string) error {
	claim, err := s.store.GetClaimByID(ctx, claimID)
	if err != nil {
		return fmt.Errorf("load claim: %w", err)
	}

	if kind == repo.ReconClaimSubmit {
		if claim.LedgerClaimID != nil {
			return nil
		}
		pol, err := s.store.GetPolicyByID(ctx, claim.PolicyID)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		if pol.LedgerID == nil {
			return fmt.Errorf("policy %s has no ledger reference yet", pol.PolicyNumber)
		}
		w, err := s.store.GetWalletByUserID(ctx, claim.UserID)
		address := ""
		if err == nil {
			address = w.Address
		}
		ref, err := s.ledger.SubmitClaim(ctx, ledger.ClaimSubmission{
			ClaimNumber:    claim.ClaimNumber,
			PolicyLedgerID: *pol.LedgerID,
			WalletAddress:  address,
			IncidentAt:     claim.IncidentAt,
			Description:    claim.Description,
		})
		if err != nil {
			return err
		}
		return s.store.SetClaimLedger(ctx, claim.ID, ref.LedgerID)
	}

	if claim.LedgerClaimID == nil {
		return fmt.Errorf("claim %s has no ledger reference yet", claim.ClaimNumber)
	}
	switch kind {
	case repo.ReconClaimApprove:
		amount := int64(0)
		if claim.PayoutAmount != nil {
			amount = *claim.PayoutAmount
		}
		return s.ledger.ApproveClaim(ctx, *claim.LedgerClaimID, amount)
	case repo.ReconClaimReject:
		return s.ledger.RejectClaim(ctx, *claim.LedgerClaimID, "rejected on review")
	case repo.ReconClaimPaid:
		return s.ledger.MarkClaimPaid(ctx, *claim.LedgerClaimID, claim.ClaimNumber)
	default:
		return fmt.Errorf("unknown reconciliation kind %q", kind)
	}
}

func (s *Service) queueRecon(ctx context.Context, kind, targetID, lastErr string) {
	if err := s.store.UpsertReconItem(ctx, kind, targetID, lastErr); err != nil {
		s.logger.Error("failed queueing reconciliation item", "error", err, "kind", kind, "target_id", targetID)
	}
}

// newClaimNumber builds a human-readable unique reference such as BSC-20260831-4F2A9C.
func newClaimNumber() string {
	buf := make([]byte, 3)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("BSC-%s-%s", time.Now().UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(buf)))
}
