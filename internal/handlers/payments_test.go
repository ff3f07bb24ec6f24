package handlers

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"bodasure/internal/channel"
	"bodasure/internal/claims"
	"bodasure/internal/ledger"
	"bodasure/internal/mpesa"
	"bodasure/internal/policy"
	"bodasure/internal/repo"
	"bodasure/internal/wallet"

	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	texts []string
}

func (f *fakeSender) SendText(_ context.Context, _, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendButtons(ctx context.Context, to, body string, options []channel.Option) error {
	return f.SendText(ctx, to, channel.EnumerateOptions(body, options))
}

func (f *fakeSender) SendList(ctx context.Context, to, body, _ string, sections []channel.Section) error {
	return f.SendText(ctx, to, channel.EnumerateSections(body, sections))
}

func (f *fakeSender) SendMedia(context.Context, string, []byte, string, string) error { return nil }

// fakeGuard is an in-process stand-in for the redis replay marker.
type fakeGuard struct {
	keys map[string]bool
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{keys: map[string]bool{}}
}

func (g *fakeGuard) SetNX(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	if g.keys[key] {
		return false, nil
	}
	g.keys[key] = true
	return true, nil
}

func (g *fakeGuard) Delete(_ context.Context, key string) error {
	delete(g.keys, key)
	return nil
}

type stubGateway struct {
	chargeID string
	payoutID string
}

func (s *stubGateway) InitiateCharge(context.Context, string, int64, string) (*mpesa.ChargeResponse, error) {
	return &mpesa.ChargeResponse{TransactionID: s.chargeID}, nil
}

func (s *stubGateway) InitiatePayout(context.Context, string, int64, string) (*mpesa.PayoutResponse, error) {
	return &mpesa.PayoutResponse{TransactionID: s.payoutID}, nil
}

type okLedger struct{}

func (okLedger) RegisterPolicy(context.Context, ledger.PolicyRegistration) (*ledger.Ref, error) {
	return &ledger.Ref{LedgerID: "LP-1", TxHash: "0xfeed"}, nil
}

func (okLedger) UpdatePolicyStatus(context.Context, string, string) error { return nil }

func (okLedger) SubmitClaim(context.Context, ledger.ClaimSubmission) (*ledger.Ref, error) {
	return &ledger.Ref{LedgerID: "LC-1", TxHash: "0xbeef"}, nil
}

func (okLedger) ApproveClaim(context.Context, string, int64) error { return nil }

func (okLedger) RejectClaim(context.Context, string, string) error { return nil }

func (okLedger) MarkClaimPaid(context.Context, string, string) error { return nil }

type fixture struct {
	store     *repo.Memory
	processor *PaymentProcessor
	sender    *fakeSender
	policies  *policy.Service
	claims    *claims.Service
	user      *repo.User
	product   repo.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := repo.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	wallets, err := wallet.New(store, "test-secret", logger)
	require.NoError(t, err)

	gateway := &stubGateway{chargeID: "TXN-1", payoutID: "PAYOUT-1"}
	policySvc := policy.New(store, wallets, gateway, okLedger{}, logger, nil, policy.Config{
		QuoteValidity: time.Hour,
		TaxRate:       0.0025,
	})
	claimSvc := claims.New(store, policySvc, gateway, okLedger{}, logger, nil)

	sender := &fakeSender{}
	processor := NewPaymentProcessor(store, policySvc, claimSvc, sender, nil, logger)

	user, err := store.UpsertUserByPhone(ctx, repo.UserProfile{Phone: "254712000005"})
	require.NoError(t, err)
	product := store.SeedProduct(repo.Product{
		Name:       "Boda Third Party Weekly",
		Premium:    150,
		SumAssured: 50000,
		Category:   policy.CoverageThirdParty,
		Tier:       "weekly",
		Active:     true,
	})

	return &fixture{
		store: store, processor: processor, sender: sender,
		policies: policySvc, claims: claimSvc, user: user, product: product,
	}
}

func (f *fixture) processorWithGuard(g ReplayGuard) *PaymentProcessor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPaymentProcessor(f.store, f.policies, f.claims, f.sender, g, logger)
}

// activatedPolicy buys and activates cover, backdating the coverage start so
// recent incidents fall inside the window.
func (f *fixture) activatedPolicy(t *testing.T) *repo.Policy {
	t.Helper()
	ctx := context.Background()
	_, err := f.policies.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)
	pol, err := f.policies.ConfirmPayment(ctx, "TXN-1", nil)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyActive, pol.Status)

	backdated := *pol
	backdated.StartAt = time.Now().Add(-72 * time.Hour)
	f.store.ReplacePolicyForTest(backdated)
	return &backdated
}

func TestUnknownTransactionIsAckedWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.processor.HandlePaymentEvent(ctx, mpesa.CallbackEvent{
		TransactionID: "TXN-UNKNOWN",
		Success:       true,
	})
	require.NoError(t, err)
	require.Empty(t, f.sender.texts)
}

func TestPremiumConfirmationActivatesPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pol, err := f.policies.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)

	err = f.processor.HandlePaymentEvent(ctx, mpesa.CallbackEvent{
		TransactionID: "TXN-1",
		Success:       true,
		Payload:       map[string]any{"ResultCode": "0"},
	})
	require.NoError(t, err)

	stored, err := f.store.GetPolicyByID(ctx, pol.ID)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyActive, stored.Status)
	require.Equal(t, repo.PaymentCompleted, stored.PaymentStatus)
	require.NotEmpty(t, f.sender.texts)
}

func TestPremiumFailureMarksPaymentFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pol, err := f.policies.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)

	err = f.processor.HandlePaymentEvent(ctx, mpesa.CallbackEvent{
		TransactionID: "TXN-1",
		Success:       false,
		ResultDesc:    "Request cancelled by user",
	})
	require.NoError(t, err)

	stored, err := f.store.GetPolicyByID(ctx, pol.ID)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyPending, stored.Status)
	require.Equal(t, repo.PaymentFailed, stored.PaymentStatus)
}

func TestPayoutConfirmationSettlesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pol := f.activatedPolicy(t)

	claim, err := f.claims.Submit(ctx, f.user, pol.ID, claims.Submission{
		IncidentAt:  time.Now().Add(-time.Hour),
		Location:    "Thika Road",
		Description: "rear-ended at a stop",
		MediaRefs:   []string{"cloud:m1"},
	})
	require.NoError(t, err)
	_, err = f.claims.Approve(ctx, claim.ID, "reviewer-1", nil)
	require.NoError(t, err)

	err = f.processor.HandlePaymentEvent(ctx, mpesa.CallbackEvent{
		TransactionID: "PAYOUT-1",
		Success:       true,
	})
	require.NoError(t, err)

	stored, err := f.store.GetClaimByID(ctx, claim.ID)
	require.NoError(t, err)
	require.Equal(t, repo.ClaimPaid, stored.Status)

	payout, err := f.store.GetPaymentByTxnID(ctx, "PAYOUT-1")
	require.NoError(t, err)
	require.Equal(t, repo.PaymentCompleted, payout.Status)

	storedPol, err := f.store.GetPolicyByID(ctx, pol.ID)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyClaimed, storedPol.Status)
}

func TestReplayedCallbackShortCircuitsOnGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	processor := f.processorWithGuard(newFakeGuard())

	_, err := f.policies.Purchase(ctx, f.user, &f.product, nil)
	require.NoError(t, err)

	event := mpesa.CallbackEvent{TransactionID: "TXN-1", Success: true}
	require.NoError(t, processor.HandlePaymentEvent(ctx, event))
	require.Len(t, f.sender.texts, 1)

	// The re-delivery is dropped at the marker, before any notification.
	require.NoError(t, processor.HandlePaymentEvent(ctx, event))
	require.Len(t, f.sender.texts, 1)
}

func TestFailedCallbackReleasesReplayMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	processor := f.processorWithGuard(newFakeGuard())

	// A premium payment with no backing policy makes confirmation fail the
	// same way a transient database error would.
	_, err := f.store.InsertPayment(ctx, repo.Payment{
		TxnID:  "TXN-ORPHAN",
		UserID: f.user.ID,
		Phone:  f.user.Phone,
		Amount: f.product.Premium,
		Type:   repo.PaymentTypePremium,
		Status: repo.PaymentPending,
	})
	require.NoError(t, err)

	event := mpesa.CallbackEvent{TransactionID: "TXN-ORPHAN", Success: true}
	require.Error(t, processor.HandlePaymentEvent(ctx, event))

	// The gateway retries after the failure; the marker must not swallow
	// the retry into a success acknowledgement.
	require.Error(t, processor.HandlePaymentEvent(ctx, event))
}

func TestPayoutFailureKeepsClaimApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pol := f.activatedPolicy(t)

	claim, err := f.claims.Submit(ctx, f.user, pol.ID, claims.Submission{
		IncidentAt:  time.Now().Add(-time.Hour),
		Location:    "Thika Road",
		Description: "rear-ended at a stop",
	})
	require.NoError(t, err)
	_, err = f.claims.Approve(ctx, claim.ID, "reviewer-1", nil)
	require.NoError(t, err)

	err = f.processor.HandlePaymentEvent(ctx, mpesa.CallbackEvent{
		TransactionID: "PAYOUT-1",
		Success:       false,
		ResultDesc:    "insufficient float",
	})
	require.NoError(t, err)

	stored, err := f.store.GetClaimByID(ctx, claim.ID)
	require.NoError(t, err)
	require.Equal(t, repo.ClaimApproved, stored.Status)

	payout, err := f.store.GetPaymentByTxnID(ctx, "PAYOUT-1")
	require.NoError(t, err)
	require.Equal(t, repo.PaymentFailed, payout.Status)
}
