package claims

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"bodasure/internal/ledger"
	"bodasure/internal/mpesa"
	"bodasure/internal/policy"
	"bodasure/internal/repo"
	"bodasure/internal/wallet"

	"github.com/stretchr/testify/require"
)

type stubPayer struct {
	txnID string
	fail  bool
	calls int
}

func (s *stubPayer) InitiatePayout(context.Context, string, int64, string) (*mpesa.PayoutResponse, error) {
	s.calls++
	if s.fail {
		return nil, fmt.Errorf("gateway timeout")
	}
	return &mpesa.PayoutResponse{TransactionID: s.txnID, Status: "pending"}, nil
}

type stubCharger struct{ txnID string }

func (s *stubCharger) InitiateCharge(context.Context, string, int64, string) (*mpesa.ChargeResponse, error) {
	return &mpesa.ChargeResponse{TransactionID: s.txnID}, nil
}

type stubLedger struct {
	failClaims bool
	submits    int
	approvals  int
	paids      int
}

func (s *stubLedger) RegisterPolicy(context.Context, ledger.PolicyRegistration) (*ledger.Ref, error) {
	return &ledger.Ref{LedgerID: "LP-1", TxHash: "0xfeed"}, nil
}

func (s *stubLedger) UpdatePolicyStatus(context.Context, string, string) error { return nil }

func (s *stubLedger) SubmitClaim(context.Context, ledger.ClaimSubmission) (*ledger.Ref, error) {
	if s.failClaims {
		return nil, ledger.ErrUnavailable
	}
	s.submits++
	return &ledger.Ref{LedgerID: "LC-1", TxHash: "0xbeef"}, nil
}

func (s *stubLedger) ApproveClaim(context.Context, string, int64) error {
	if s.failClaims {
		return ledger.ErrUnavailable
	}
	s.approvals++
	return nil
}

func (s *stubLedger) RejectClaim(context.Context, string, string) error { return nil }

func (s *stubLedger) MarkClaimPaid(context.Context, string, string) error {
	if s.failClaims {
		return ledger.ErrUnavailable
	}
	s.paids++
	return nil
}

type fixture struct {
	store  *repo.Memory
	svc    *Service
	payer  *stubPayer
	ledger *stubLedger
	user   *repo.User
	policy *repo.Policy
}

// newFixture provisions a user with an active, ledger-registered policy.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := repo.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	wallets, err := wallet.New(store, "test-secret", logger)
	require.NoError(t, err)

	ldg := &stubLedger{}
	policySvc := policy.New(store, wallets, &stubCharger{txnID: "TXN-1"}, ldg, logger, nil, policy.Config{
		QuoteValidity: time.Hour,
		TaxRate:       0.0025,
	})
	payer := &stubPayer{txnID: "PAYOUT-1"}
	svc := New(store, policySvc, payer, ldg, logger, nil)

	user, err := store.UpsertUserByPhone(ctx, repo.UserProfile{Phone: "254712000002"})
	require.NoError(t, err)

	product := store.SeedProduct(repo.Product{
		Name:       "Boda Comprehensive Monthly",
		Premium:    1200,
		SumAssured: 150000,
		Category:   policy.CoverageComprehensive,
		Tier:       "monthly",
		Active:     true,
	})

	pol, err := policySvc.Purchase(ctx, user, &product, nil)
	require.NoError(t, err)
	pol, err = policySvc.ConfirmPayment(ctx, "TXN-1", nil)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyActive, pol.Status)

	// Backdate the coverage start so recent incidents fall inside the window.
	backdated := *pol
	backdated.StartAt = time.Now().Add(-72 * time.Hour)
	store.ReplacePolicyForTest(backdated)

	return &fixture{store: store, svc: svc, payer: payer, ledger: ldg, user: user, policy: &backdated}
}

func submission() Submission {
	return Submission{
		IncidentAt:  time.Now().Add(-2 * time.Hour),
		Location:    "Ngong Road, Nairobi",
		Description: "collision with a matatu at the junction",
		MediaRefs:   []string{"cloud:media-1"},
	}
}

func TestSubmitCreatesReceivedClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	claim, err := f.svc.Submit(ctx, f.user, f.policy.ID, submission())
	require.NoError(t, err)
	require.Equal(t, repo.ClaimReceived, claim.Status)
	require.NotEmpty(t, claim.ClaimNumber)
	require.NotNil(t, claim.LedgerClaimID)
	require.Equal(t, 1, f.ledger.submits)
}

func TestSubmitDuplicateIncidentReturnsExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := submission()

	first, err := f.svc.Submit(ctx, f.user, f.policy.ID, sub)
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, f.user, f.policy.ID, sub)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, f.ledger.submits)
}

func TestSubmitRejectsInactivePolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpdatePolicyStatus(ctx, f.policy.ID, repo.PolicyExpired))

	_, err := f.svc.Submit(ctx, f.user, f.policy.ID, submission())
	require.ErrorIs(t, err, ErrPolicyNotClaimable)
}

func TestSubmitRejectsIncidentOutsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := submission()
	sub.IncidentAt = f.policy.StartAt.Add(-24 * time.Hour)
	_, err := f.svc.Submit(ctx, f.user, f.policy.ID, sub)
	require.ErrorIs(t, err, ErrPolicyNotClaimable)
}

func TestSubmitLedgerFailureStillCreatesClaim(t *testing.T) {
	f := newFixture(t)
	f.ledger.failClaims = true
	ctx := context.Background()

	claim, err := f.svc.Submit(ctx, f.user, f.policy.ID, submission())
	require.NoError(t, err)
	require.Equal(t, repo.ClaimReceived, claim.Status)
	require.Nil(t, claim.LedgerClaimID)

	items, err := f.store.ListPendingReconItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, repo.ReconClaimSubmit, items[0].Kind)
}

func TestApproveInitiatesPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	claim, err := f.svc.Submit(ctx, f.user, f.policy.ID, submission())
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, claim.ID, "reviewer-1", nil)
	require.NoError(t, err)
	require.Equal(t, repo.ClaimApproved, approved.Status)
	require.NotNil(t, approved.PayoutAmount)
	require.Equal(t, int64(150000), *approved.PayoutAmount)
	require.Equal(t, 1, f.payer.calls)

	payout, err := f.store.GetPaymentByTxnID(ctx, "PAYOUT-1")
	require.NoError(t, err)
	require.Equal(t, repo.PaymentTypeClaimPayout, payout.Type)
	require.Equal(t, repo.PaymentPending, payout.Status)
	require.NotNil(t, payout.ClaimID)
	require.Equal(t, claim.ID, *payout.ClaimID)
}

func TestApproveFailsWhenPolicyNotActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	claim, err := f.svc.Submit(ctx, f.user, f.policy.ID, submission())
	require.NoError(t, err)
	require.NoError(t, f.store.UpdatePolicyStatus(ctx, f.policy.ID, repo.PolicyCancelled))

	_, err = f.svc.Approve(ctx, claim.ID, "reviewer-1", nil)
	require.ErrorIs(t, err, ErrPolicyNotClaimable)

	stored, err := f.store.GetClaimByID(ctx, claim.ID)
	require.NoError(t, err)
	require.Equal(t, repo.ClaimReceived, stored.Status)
	require.Zero(t, f.payer.calls)
}

func TestApprovePayoutFailureQueuesRetry(t *testing.T) {
	f := newFixture(t)
	f.payer.fail = true
	ctx := context.Background()

	claim, err := f.svc.Submit(ctx, f.user, f.policy.ID, submission())
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, claim.ID, "reviewer-1", nil)
	require.NoError(t, err)
	require.Equal(t, repo.ClaimApproved, approved.Status)
	require.Equal(t, 1, f.payer.calls)

	// No payment was recorded, but the failed initiation is on the
	// reconciliation table instead of only in a log line.
	_, err = f.store.FindPayoutByClaim(ctx, claim.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	items, err := f.store.ListPendingReconItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, repo.ReconClaimPayout, items[0].Kind)
	require.Equal(t, claim.ID, items[0].TargetID)

	f.payer.fail = false
	require.NoError(t, f.svc.RetryPayout(ctx, claim.ID))

	payout, err := f.store.GetPaymentByTxnID(ctx, "PAYOUT-1")
	require.NoError(t, err)
	require.Equal(t, repo.PaymentPending, payout.Status)
	require.NotNil(t, payout.ClaimID)
	require.Equal(t, claim.ID, *payout.ClaimID)

	// A second retry finds the pending transfer and does nothing.
	require.NoError(t, f.svc.RetryPayout(ctx, claim.ID))
	require.Equal(t, 2, f.payer.calls)
}

func TestApproveBeforeLedgerMirrorQueuesApproval(t *testing.T) {
	f := newFixture(t)
	f.ledger.failClaims = true
	ctx := context.Background()

	claim, err := f.svc.Submit(ctx, f.user, f.policy.ID, submission())
	require.NoError(t, err)
	require.Nil(t, claim.LedgerClaimID)

	approved, err := f.svc.Approve(ctx, claim.ID, "reviewer-1", nil)
	require.NoError(t, err)
	require.Equal(t, repo.ClaimApproved, approved.Status)

	items, err := f.store.ListPendingReconItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, repo.ReconClaimSubmit, items[0].Kind)
	require.Equal(t, repo.ReconClaimApprove, items[1].Kind)

	// The approval retry is held back until the submit mirror lands.
	f.ledger.failClaims = false
	err = f.svc.RetryLedger(ctx, claim.ID, repo.ReconClaimSubmit)
	require.NoError(t, err)
	err = f.svc.RetryLedger(ctx, claim.ID, repo.ReconClaimApprove)
	require.NoError(t, err)
	require.Equal(t, 1, f.ledger.approvals)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	claim, err := f.svc.Submit(ctx, f.user, f.policy.ID, submission())
	require.NoError(t, err)

	rejected, err := f.svc.Reject(ctx, claim.ID, "reviewer-1", "no police abstract")
	require.NoError(t, err)
	require.Equal(t, repo.ClaimRejected, rejected.Status)

	_, err = f.svc.Approve(ctx, claim.ID, "reviewer-1", nil)
	require.ErrorIs(t, err, ErrBadTransition)
}

func TestMarkPaidOnlyFromApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	claim, err := f.svc.Submit(ctx, f.user, f.policy.ID, submission())
	require.NoError(t, err)

	_, err = f.svc.MarkPaid(ctx, claim.ID, "PAYOUT-1")
	require.ErrorIs(t, err, ErrBadTransition)

	_, err = f.svc.Approve(ctx, claim.ID, "reviewer-1", nil)
	require.NoError(t, err)

	paid, err := f.svc.MarkPaid(ctx, claim.ID, "PAYOUT-1")
	require.NoError(t, err)
	require.Equal(t, repo.ClaimPaid, paid.Status)

	pol, err := f.store.GetPolicyByID(ctx, f.policy.ID)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyClaimed, pol.Status)

	// Replayed settlement is a no-op.
	again, err := f.svc.MarkPaid(ctx, claim.ID, "PAYOUT-1")
	require.NoError(t, err)
	require.Equal(t, repo.ClaimPaid, again.Status)
	require.Equal(t, 1, f.ledger.paids)
}
