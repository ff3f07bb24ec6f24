package policy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"bodasure/internal/ledger"
	"bodasure/internal/mpesa"
	"bodasure/internal/repo"
	"bodasure/internal/wallet"

	"github.com/stretchr/testify/require"
)

type stubCharger struct {
	txnID string
	calls int
}

func (s *stubCharger) InitiateCharge(context.Context, string, int64, string) (*mpesa.ChargeResponse, error) {
	s.calls++
	return &mpesa.ChargeResponse{TransactionID: s.txnID, Status: "pending"}, nil
}

type stubLedger struct {
	fail      bool
	registers int
	updates   int
}

func (s *stubLedger) RegisterPolicy(context.Context, ledger.PolicyRegistration) (*ledger.Ref, error) {
	if s.fail {
		return nil, ledger.ErrUnavailable
	}
	s.registers++
	return &ledger.Ref{LedgerID: "LP-1", TxHash: "0xfeed"}, nil
}

func (s *stubLedger) UpdatePolicyStatus(context.Context, string, string) error {
	if s.fail {
		return ledger.ErrUnavailable
	}
	s.updates++
	return nil
}

func (s *stubLedger) SubmitClaim(context.Context, ledger.ClaimSubmission) (*ledger.Ref, error) {
	return &ledger.Ref{LedgerID: "LC-1", TxHash: "0xbeef"}, nil
}

func (s *stubLedger) ApproveClaim(context.Context, string, int64) error { return nil }

func (s *stubLedger) RejectClaim(context.Context, string, string) error { return nil }

func (s *stubLedger) MarkClaimPaid(context.Context, string, string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *repo.Memory
	svc     *Service
	charger *stubCharger
	ledger  *stubLedger
	user    *repo.User
	product repo.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repo.NewMemory()
	logger := testLogger()

	wallets, err := wallet.New(store, "test-secret", logger)
	require.NoError(t, err)

	charger := &stubCharger{txnID: "TXN-100"}
	ldg := &stubLedger{}
	svc := New(store, wallets, charger, ldg, logger, nil, Config{
		QuoteValidity: time.Hour,
		TaxRate:       0.0025,
	})

	user, err := store.UpsertUserByPhone(context.Background(), repo.UserProfile{Phone: "254712000001"})
	require.NoError(t, err)

	product := store.SeedProduct(repo.Product{
		Name:       "Boda Comprehensive Monthly",
		Premium:    1200,
		SumAssured: 150000,
		Category:   CoverageComprehensive,
		Tier:       "monthly",
		Active:     true,
	})

	return &fixture{store: store, svc: svc, charger: charger, ledger: ldg, user: user, product: product}
}

func TestPurchaseCreatesPendingRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pol, err := f.svc.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyPending, pol.Status)
	require.Equal(t, repo.PaymentPending, pol.PaymentStatus)
	require.NotNil(t, pol.PaymentRef)
	require.Equal(t, "TXN-100", *pol.PaymentRef)
	require.False(t, pol.Claimable, "claimable is never set on creation")

	payment, err := f.store.GetPaymentByTxnID(ctx, "TXN-100")
	require.NoError(t, err)
	require.Equal(t, repo.PaymentPending, payment.Status)
	require.Equal(t, repo.PaymentTypePremium, payment.Type)
	require.Equal(t, f.product.Premium, payment.Amount)
}

func TestConfirmPaymentActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	quote, err := f.svc.CalculateQuote(ctx, f.user.ID, 150000, 3, CoverageComprehensive)
	require.NoError(t, err)

	pol, err := f.svc.Purchase(ctx, f.user, &f.product, &quote.ID)
	require.NoError(t, err)

	confirmed, err := f.svc.ConfirmPayment(ctx, "TXN-100", map[string]any{"ResultCode": "0"})
	require.NoError(t, err)
	require.Equal(t, repo.PolicyActive, confirmed.Status)
	require.Equal(t, repo.PaymentCompleted, confirmed.PaymentStatus)
	require.NotNil(t, confirmed.LedgerID)
	require.Equal(t, 1, f.ledger.registers)

	stored, err := f.store.GetPolicyByID(ctx, pol.ID)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyActive, stored.Status)
	require.False(t, stored.Claimable, "activation must not touch the claimable flag")

	accepted, err := f.store.GetQuoteByID(ctx, quote.ID)
	require.NoError(t, err)
	require.True(t, accepted.Accepted)
}

func TestConfirmPaymentLedgerFailureLeavesPolicyPending(t *testing.T) {
	f := newFixture(t)
	f.ledger.fail = true
	ctx := context.Background()

	pol, err := f.svc.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)

	confirmed, err := f.svc.ConfirmPayment(ctx, "TXN-100", nil)
	require.NoError(t, err)
	require.Equal(t, repo.PaymentCompleted, confirmed.PaymentStatus)
	require.Equal(t, repo.PolicyPending, confirmed.Status)

	items, err := f.store.ListPendingReconItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, repo.ReconPolicyRegister, items[0].Kind)
	require.Equal(t, pol.ID, items[0].TargetID)
}

func TestConfirmPaymentIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)

	first, err := f.svc.ConfirmPayment(ctx, "TXN-100", nil)
	require.NoError(t, err)
	second, err := f.svc.ConfirmPayment(ctx, "TXN-100", nil)
	require.NoError(t, err)

	require.Equal(t, first.Status, second.Status)
	require.Equal(t, 1, f.ledger.registers, "replayed confirmation must not re-register on the ledger")
}

func TestRetryLedgerOnlyRepeatsTheMirror(t *testing.T) {
	f := newFixture(t)
	f.ledger.fail = true
	ctx := context.Background()

	pol, err := f.svc.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, "TXN-100", nil)
	require.NoError(t, err)

	f.ledger.fail = false
	require.NoError(t, f.svc.RetryLedger(ctx, pol.ID))

	stored, err := f.store.GetPolicyByID(ctx, pol.ID)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyActive, stored.Status)
	require.Equal(t, 1, f.ledger.registers)
	require.Equal(t, 1, f.charger.calls, "retry must not charge again")
}

func TestRetryLedgerRequiresCompletedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pol, err := f.svc.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)

	err = f.svc.RetryLedger(ctx, pol.ID)
	require.ErrorIs(t, err, ErrNotPayable)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)
	confirmed, err := f.svc.ConfirmPayment(ctx, "TXN-100", nil)
	require.NoError(t, err)

	// Backdate the coverage window so the sweep picks it up.
	require.NoError(t, f.store.UpdatePolicyStatus(ctx, confirmed.ID, repo.PolicyActive))
	backdated := *confirmed
	backdated.EndAt = time.Now().Add(-time.Hour)
	maturity := backdated.EndAt
	backdated.MaturityAt = &maturity
	f.store.ReplacePolicyForTest(backdated)

	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := f.store.GetPolicyByID(ctx, confirmed.ID)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyExpired, stored.Status)
	require.True(t, stored.Claimable, "a matured policy becomes claimable for the maturity benefit")
}

func TestClaimableOnlySetByMaturityOrAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pol, err := f.svc.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)
	require.False(t, pol.Claimable)

	confirmed, err := f.svc.ConfirmPayment(ctx, "TXN-100", nil)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyActive, confirmed.Status)
	require.False(t, confirmed.Claimable)

	require.NoError(t, f.svc.SetClaimable(ctx, pol.ID, true))
	stored, err := f.store.GetPolicyByID(ctx, pol.ID)
	require.NoError(t, err)
	require.True(t, stored.Claimable)
}
