package recon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"bodasure/internal/claims"
	"bodasure/internal/ledger"
	"bodasure/internal/mpesa"
	"bodasure/internal/policy"
	"bodasure/internal/repo"
	"bodasure/internal/wallet"

	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	payoutFail bool
}

func (*stubGateway) InitiateCharge(context.Context, string, int64, string) (*mpesa.ChargeResponse, error) {
	return &mpesa.ChargeResponse{TransactionID: "TXN-1", Status: "pending"}, nil
}

func (s *stubGateway) InitiatePayout(context.Context, string, int64, string) (*mpesa.PayoutResponse, error) {
	if s.payoutFail {
		return nil, fmt.Errorf("gateway timeout")
	}
	return &mpesa.PayoutResponse{TransactionID: "PAYOUT-1"}, nil
}

type flakyLedger struct {
	fail      bool
	registers int
	submits   int
}

func (f *flakyLedger) RegisterPolicy(context.Context, ledger.PolicyRegistration) (*ledger.Ref, error) {
	if f.fail {
		return nil, ledger.ErrUnavailable
	}
	f.registers++
	return &ledger.Ref{LedgerID: "LP-1", TxHash: "0xfeed"}, nil
}

func (f *flakyLedger) UpdatePolicyStatus(context.Context, string, string) error {
	if f.fail {
		return ledger.ErrUnavailable
	}
	return nil
}

func (f *flakyLedger) SubmitClaim(context.Context, ledger.ClaimSubmission) (*ledger.Ref, error) {
	if f.fail {
		return nil, ledger.ErrUnavailable
	}
	f.submits++
	return &ledger.Ref{LedgerID: "LC-1", TxHash: "0xbeef"}, nil
}

func (f *flakyLedger) ApproveClaim(context.Context, string, int64) error {
	if f.fail {
		return ledger.ErrUnavailable
	}
	return nil
}

func (f *flakyLedger) RejectClaim(context.Context, string, string) error { return nil }

func (f *flakyLedger) MarkClaimPaid(context.Context, string, string) error { return nil }

type fixture struct {
	store    *repo.Memory
	ledger   *flakyLedger
	gateway  *stubGateway
	policies *policy.Service
	claims   *claims.Service
	user     *repo.User
	product  repo.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repo.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	wallets, err := wallet.New(store, "test-secret", logger)
	require.NoError(t, err)

	ldg := &flakyLedger{}
	gateway := &stubGateway{}
	policySvc := policy.New(store, wallets, gateway, ldg, logger, nil, policy.Config{
		QuoteValidity: time.Hour,
		TaxRate:       0.0025,
	})
	claimSvc := claims.New(store, policySvc, gateway, ldg, logger, nil)

	user, err := store.UpsertUserByPhone(context.Background(), repo.UserProfile{Phone: "254712000002"})
	require.NoError(t, err)
	product := store.SeedProduct(repo.Product{
		Name:       "Boda Comprehensive Monthly",
		Premium:    1200,
		SumAssured: 150000,
		Category:   policy.CoverageComprehensive,
		Tier:       "monthly",
		Active:     true,
	})

	return &fixture{store: store, ledger: ldg, gateway: gateway, policies: policySvc, claims: claimSvc, user: user, product: product}
}

func (f *fixture) worker(cfg Config) *Worker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f.store, f.policies, f.claims, f.ledger, logger, nil, cfg)
}

// queuePendingRegistration confirms a premium while the ledger is down so a
// policy_register item lands on the reconciliation table.
func (f *fixture) queuePendingRegistration(t *testing.T) *repo.Policy {
	t.Helper()
	ctx := context.Background()

	f.ledger.fail = true
	_, err := f.policies.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)
	pol, err := f.policies.ConfirmPayment(ctx, "TXN-1", nil)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyPending, pol.Status)
	return pol
}

func TestRunOnceResolvesPolicyRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pol := f.queuePendingRegistration(t)

	f.ledger.fail = false
	require.NoError(t, f.worker(Config{}).RunOnce(ctx))

	stored, err := f.store.GetPolicyByID(ctx, pol.ID)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyActive, stored.Status)
	require.NotNil(t, stored.LedgerID)
	require.Equal(t, 1, f.ledger.registers)

	items, err := f.store.ListPendingReconItems(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestRunOnceStopsRetryingExhaustedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pol := f.queuePendingRegistration(t)

	w := f.worker(Config{MaxTries: 1})
	require.NoError(t, w.RunOnce(ctx))

	// The retry budget is spent. Even with the ledger back, the item is
	// failed and no longer picked up; an operator retriggers it by hand.
	f.ledger.fail = false
	require.NoError(t, w.RunOnce(ctx))

	stored, err := f.store.GetPolicyByID(ctx, pol.ID)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyPending, stored.Status)
	require.Equal(t, 0, f.ledger.registers)

	items, err := f.store.ListPendingReconItems(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestRunOnceResolvesClaimSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.policies.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)
	pol, err := f.policies.ConfirmPayment(ctx, "TXN-1", nil)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyActive, pol.Status)

	// Backdate the coverage start so the incident falls inside the window.
	backdated := *pol
	backdated.StartAt = time.Now().Add(-72 * time.Hour)
	f.store.ReplacePolicyForTest(backdated)

	f.ledger.fail = true
	claim, err := f.claims.Submit(ctx, f.user, pol.ID, claims.Submission{
		IncidentAt:  time.Now().Add(-time.Hour),
		Location:    "Ngong Road",
		Description: "side mirror clipped by a matatu",
	})
	require.NoError(t, err)
	require.Nil(t, claim.LedgerClaimID)

	f.ledger.fail = false
	require.NoError(t, f.worker(Config{}).RunOnce(ctx))

	stored, err := f.store.GetClaimByID(ctx, claim.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LedgerClaimID)
	require.Equal(t, 1, f.ledger.submits)
}

func TestRunOnceReinitiatesFailedPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.policies.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)
	pol, err := f.policies.ConfirmPayment(ctx, "TXN-1", nil)
	require.NoError(t, err)

	backdated := *pol
	backdated.StartAt = time.Now().Add(-72 * time.Hour)
	f.store.ReplacePolicyForTest(backdated)

	claim, err := f.claims.Submit(ctx, f.user, pol.ID, claims.Submission{
		IncidentAt:  time.Now().Add(-time.Hour),
		Location:    "Ngong Road",
		Description: "side mirror clipped by a matatu",
	})
	require.NoError(t, err)

	// The gateway is down at approval time, so no transfer is on record.
	f.gateway.payoutFail = true
	_, err = f.claims.Approve(ctx, claim.ID, "reviewer-1", nil)
	require.NoError(t, err)
	_, err = f.store.FindPayoutByClaim(ctx, claim.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	f.gateway.payoutFail = false
	require.NoError(t, f.worker(Config{}).RunOnce(ctx))

	payout, err := f.store.FindPayoutByClaim(ctx, claim.ID)
	require.NoError(t, err)
	require.Equal(t, repo.PaymentPending, payout.Status)
	require.Equal(t, "PAYOUT-1", payout.TxnID)

	items, err := f.store.ListPendingReconItems(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}
