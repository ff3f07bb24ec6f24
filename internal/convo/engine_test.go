package convo

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"bodasure/internal/channel"
	"bodasure/internal/claims"
	"bodasure/internal/ledger"
	"bodasure/internal/mpesa"
	"bodasure/internal/nlu"
	"bodasure/internal/policy"
	"bodasure/internal/repo"
	"bodasure/internal/wallet"

	"github.com/stretchr/testify/require"
)

// recordingSender captures every outbound message as plain text so tests can
// assert on what the user saw.
type recordingSender struct {
	sent []string
}

func (r *recordingSender) SendText(_ context.Context, _, text string) error {
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingSender) SendButtons(ctx context.Context, to, body string, options []channel.Option) error {
	return r.SendText(ctx, to, channel.EnumerateOptions(body, options))
}

func (r *recordingSender) SendList(ctx context.Context, to, body, _ string, sections []channel.Section) error {
	return r.SendText(ctx, to, channel.EnumerateSections(body, sections))
}

func (r *recordingSender) SendMedia(context.Context, string, []byte, string, string) error { return nil }

func (r *recordingSender) last() string {
	if len(r.sent) == 0 {
		return ""
	}
	return r.sent[len(r.sent)-1]
}

func (r *recordingSender) reset() { r.sent = nil }

type stubClassifier struct {
	intent nlu.Intent
	answer string
}

func (s *stubClassifier) ClassifyIntent(context.Context, string) (nlu.Intent, error) {
	return s.intent, nil
}

func (s *stubClassifier) Respond(context.Context, string, string) (string, error) {
	return s.answer, nil
}

type stubGateway struct {
	charges int
}

func (s *stubGateway) InitiateCharge(context.Context, string, int64, string) (*mpesa.ChargeResponse, error) {
	s.charges++
	return &mpesa.ChargeResponse{TransactionID: "TXN-77", Status: "pending"}, nil
}

func (s *stubGateway) InitiatePayout(context.Context, string, int64, string) (*mpesa.PayoutResponse, error) {
	return &mpesa.PayoutResponse{TransactionID: "PAYOUT-77"}, nil
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
	store      *repo.Memory
	engine     *Engine
	sender     *recordingSender
	classifier *stubClassifier
	gateway    *stubGateway
	policies   *policy.Service
	claims     *claims.Service
	product    repo.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repo.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	wallets, err := wallet.New(store, "test-secret", logger)
	require.NoError(t, err)

	gateway := &stubGateway{}
	policySvc := policy.New(store, wallets, gateway, okLedger{}, logger, nil, policy.Config{
		QuoteValidity: time.Hour,
		TaxRate:       0.0025,
	})
	claimSvc := claims.New(store, policySvc, gateway, okLedger{}, logger, nil)

	sender := &recordingSender{}
	classifier := &stubClassifier{intent: nlu.IntentUnknown}
	catalog := NewCatalog(store, nil, logger)
	engine := New(store, sender, policySvc, claimSvc, wallets, classifier, catalog, logger, nil)

	product := store.SeedProduct(repo.Product{
		Name:       "Boda Comprehensive Monthly",
		Premium:    1200,
		SumAssured: 150000,
		Category:   policy.CoverageComprehensive,
		Tier:       "monthly",
		Active:     true,
	})

	return &fixture{
		store: store, engine: engine, sender: sender, classifier: classifier,
		gateway: gateway, policies: policySvc, claims: claimSvc, product: product,
	}
}

func (f *fixture) text(from, body string) {
	f.engine.Process(context.Background(), channel.ParsedMessage{
		From: from, Body: body, Type: channel.TypeText,
	})
}

func (f *fixture) image(from, mediaRef string) {
	f.engine.Process(context.Background(), channel.ParsedMessage{
		From: from, Type: channel.TypeImage, MediaRef: mediaRef,
	})
}

func (f *fixture) user(t *testing.T, phone string) *repo.User {
	t.Helper()
	u, err := f.store.GetUserByPhone(context.Background(), phone)
	require.NoError(t, err)
	return u
}

// verifiedUser creates a user already through onboarding and parked at the
// main menu.
func (f *fixture) verifiedUser(t *testing.T, phone string) *repo.User {
	t.Helper()
	ctx := context.Background()
	u, err := f.store.UpsertUserByPhone(ctx, repo.UserProfile{Phone: phone})
	require.NoError(t, err)
	require.NoError(t, f.store.SetLanguage(ctx, u.ID, "en"))
	require.NoError(t, f.store.SetKYCStatus(ctx, u.ID, repo.KYCVerified))
	require.NoError(t, f.store.UpdateDialogState(ctx, u.ID, StateMainMenu, nil))
	return f.user(t, phone)
}

// activePolicy buys and activates cover for the user, backdating the start
// so a recent incident falls inside the coverage window.
func (f *fixture) activePolicy(t *testing.T, u *repo.User) *repo.Policy {
	t.Helper()
	ctx := context.Background()
	_, err := f.policies.Purchase(ctx, u, &f.product, nil)
	require.NoError(t, err)
	pol, err := f.policies.ConfirmPayment(ctx, "TXN-77", nil)
	require.NoError(t, err)
	require.Equal(t, repo.PolicyActive, pol.Status)

	backdated := *pol
	backdated.StartAt = time.Now().Add(-72 * time.Hour)
	f.store.ReplacePolicyForTest(backdated)
	return &backdated
}

func TestFirstContactPromptsForLanguage(t *testing.T) {
	f := newFixture(t)

	f.text("254712000010", "hi")

	require.Contains(t, f.sender.last(), "choose your language")
	require.Equal(t, StateLangSelect, f.user(t, "254712000010").DialogState)
}

func TestLanguageChoiceStartsRegistration(t *testing.T) {
	f := newFixture(t)

	f.text("254712000010", "hi")
	f.text("254712000010", "1")

	u := f.user(t, "254712000010")
	require.Equal(t, "en", u.Language)
	require.Equal(t, StateRegisterName, u.DialogState)
	require.Contains(t, f.sender.last(), "full name")
}

func TestPendingUserIsHeldAtReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.store.UpsertUserByPhone(ctx, repo.UserProfile{Phone: "254712000011"})
	require.NoError(t, err)
	require.NoError(t, f.store.SetKYCStatus(ctx, u.ID, repo.KYCPending))
	require.NoError(t, f.store.UpdateDialogState(ctx, u.ID, StateWaitingApproval, nil))

	f.text("254712000011", "hi")

	require.Contains(t, f.sender.last(), "under review")
	require.Equal(t, StateWaitingApproval, f.user(t, "254712000011").DialogState)
}

func TestApprovalUnparksWaitingUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.store.UpsertUserByPhone(ctx, repo.UserProfile{Phone: "254712000012"})
	require.NoError(t, err)
	require.NoError(t, f.store.SetKYCStatus(ctx, u.ID, repo.KYCPending))
	require.NoError(t, f.store.UpdateDialogState(ctx, u.ID, StateWaitingApproval, nil))

	require.NoError(t, f.store.SetKYCStatus(ctx, u.ID, repo.KYCVerified))
	f.text("254712000012", "hi")

	require.Equal(t, StateMainMenu, f.user(t, "254712000012").DialogState)
	require.Contains(t, strings.Join(f.sender.sent, "\n"), "approved")
}

func TestRegistrationWalksEveryField(t *testing.T) {
	f := newFixture(t)
	phone := "254712000013"

	f.text(phone, "hi")
	f.text(phone, "1")

	// Wrong modality gets a re-prompt without advancing.
	f.image(phone, "cloud:selfie")
	require.Equal(t, StateRegisterName, f.user(t, phone).DialogState)
	require.Contains(t, f.sender.last(), "reply with text")

	f.text(phone, "Jane Wanjiru")
	require.Equal(t, StateRegisterPhone, f.user(t, phone).DialogState)

	f.text(phone, "not a phone")
	require.Equal(t, StateRegisterPhone, f.user(t, phone).DialogState)
	f.text(phone, "0712345678")
	require.Equal(t, StateRegisterID, f.user(t, phone).DialogState)

	f.text(phone, "12345678")
	f.text(phone, "31/02/1990")
	require.Equal(t, StateRegisterDOB, f.user(t, phone).DialogState)
	f.text(phone, "14/02/1990")
	require.Equal(t, StateRegisterPlate, f.user(t, phone).DialogState)

	f.text(phone, "kmee 123a")
	require.Equal(t, StateRegisterPhotos, f.user(t, phone).DialogState)

	for i, ref := range []string{"cloud:p1", "cloud:p2", "cloud:p3", "cloud:p4"} {
		f.image(phone, ref)
		if i < 3 {
			require.Equal(t, StateRegisterPhotos, f.user(t, phone).DialogState)
		}
	}

	u := f.user(t, phone)
	require.Equal(t, StateWaitingApproval, u.DialogState)
	require.Equal(t, repo.KYCPending, u.KYCStatus)
	require.NotNil(t, u.FullName)
	require.Equal(t, "Jane Wanjiru", *u.FullName)
	require.NotNil(t, u.PlateNumber)
	require.Equal(t, "KMEE123A", *u.PlateNumber)

	// The custodial wallet is provisioned at submission.
	w, err := f.store.GetWalletByUserID(context.Background(), u.ID)
	require.NoError(t, err)
	require.NotEmpty(t, w.Address)
}

func TestRedeliveredFinalPhotoDoesNotResubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "254712000014"

	f.text(phone, "hi")
	f.text(phone, "1")
	f.text(phone, "Jane Wanjiru")
	f.text(phone, "0712345678")
	f.text(phone, "12345678")
	f.text(phone, "14/02/1990")
	f.text(phone, "KMEE 123A")
	for _, ref := range []string{"cloud:p1", "cloud:p2", "cloud:p3", "cloud:p4"} {
		f.image(phone, ref)
	}
	u := f.user(t, phone)
	require.Equal(t, repo.KYCPending, u.KYCStatus)

	// Simulate a crash after the registration write but before the state
	// advanced to completion, then redeliver the final photo with a draft
	// that disagrees with what was saved.
	stale := Draft{Registration: &RegistrationDraft{
		FullName:    "Someone Else",
		DateOfBirth: "01/01/2000",
		PhotoRefs:   []string{"cloud:p1", "cloud:p2", "cloud:p3"},
	}}
	require.NoError(t, f.store.UpdateDialogState(ctx, u.ID, StateRegisterPhotos, encodeDraft(stale)))

	f.image(phone, "cloud:p4")

	u = f.user(t, phone)
	require.Equal(t, StateWaitingApproval, u.DialogState)
	require.Equal(t, "Jane Wanjiru", *u.FullName, "replayed submission must not overwrite the filed registration")
}

func TestBuyFlowEndToEnd(t *testing.T) {
	f := newFixture(t)
	phone := "254712000015"
	f.verifiedUser(t, phone)

	f.text(phone, "1") // menu: buy
	require.Equal(t, StateBuySelectCover, f.user(t, phone).DialogState)

	f.text(phone, "2") // comprehensive
	require.Equal(t, StateBuySelectProduct, f.user(t, phone).DialogState)
	require.Contains(t, f.sender.last(), "Boda Comprehensive Monthly")

	f.text(phone, "1")
	require.Equal(t, StateBuyVehicleValue, f.user(t, phone).DialogState)

	f.text(phone, "abc")
	require.Equal(t, StateBuyVehicleValue, f.user(t, phone).DialogState)
	f.text(phone, "150000")
	require.Equal(t, StateBuyVehicleAge, f.user(t, phone).DialogState)

	f.text(phone, "3")
	require.Equal(t, StateBuyConfirm, f.user(t, phone).DialogState)

	f.text(phone, "buy_yes")
	u := f.user(t, phone)
	require.Equal(t, StateMainMenu, u.DialogState)
	require.Contains(t, f.sender.last(), "M-PESA PIN")

	policies, err := f.store.ListPoliciesByUser(context.Background(), u.ID)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	require.Equal(t, repo.PolicyPending, policies[0].Status)
	require.Equal(t, 1, f.gateway.charges)
}

func TestRedeliveredConfirmationDoesNotChargeTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "254712000016"
	f.verifiedUser(t, phone)

	f.text(phone, "1")
	f.text(phone, "2")
	f.text(phone, "1")
	f.text(phone, "150000")
	f.text(phone, "3")

	// Capture the confirm-state draft, confirm, then replay the same
	// confirmation against the restored draft.
	confirmDraft := f.user(t, phone).Draft
	f.text(phone, "buy_yes")
	u := f.user(t, phone)
	require.NoError(t, f.store.UpdateDialogState(ctx, u.ID, StateBuyConfirm, confirmDraft))

	f.text(phone, "buy_yes")

	policies, err := f.store.ListPoliciesByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	require.Equal(t, 1, f.gateway.charges)
	require.Equal(t, StateMainMenu, f.user(t, phone).DialogState)
}

func TestClaimFlowEndToEnd(t *testing.T) {
	f := newFixture(t)
	phone := "254712000017"
	u := f.verifiedUser(t, phone)
	f.activePolicy(t, u)

	yesterday := time.Now().Add(-24 * time.Hour).Format("02/01/2006")

	f.text(phone, "2") // menu: claim
	require.Equal(t, StateClaimSelectPolicy, f.user(t, phone).DialogState)

	f.text(phone, "1")
	require.Equal(t, StateClaimDate, f.user(t, phone).DialogState)

	f.text(phone, "yesterday")
	require.Equal(t, StateClaimDate, f.user(t, phone).DialogState)
	f.text(phone, yesterday)
	require.Equal(t, StateClaimTime, f.user(t, phone).DialogState)

	f.text(phone, "14:30")
	f.text(phone, "Ngong Road, opposite the market")
	f.text(phone, "Hit by a car while turning, front wheel bent")
	require.Equal(t, StateClaimPhotos, f.user(t, phone).DialogState)

	// "done" without any photo is refused.
	f.text(phone, "done")
	require.Equal(t, StateClaimPhotos, f.user(t, phone).DialogState)

	f.image(phone, "cloud:damage1")
	f.text(phone, "done")

	require.Equal(t, StateMainMenu, f.user(t, phone).DialogState)
	require.Contains(t, f.sender.last(), "received")

	claims, err := f.store.ListClaimsByPolicy(context.Background(), f.activePolicyID(t, u))
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, repo.ClaimReceived, claims[0].Status)
	require.Equal(t, []string{"cloud:damage1"}, claims[0].MediaRefs)
}

func (f *fixture) activePolicyID(t *testing.T, u *repo.User) string {
	t.Helper()
	policies, err := f.store.ListPoliciesByUser(context.Background(), u.ID)
	require.NoError(t, err)
	require.NotEmpty(t, policies)
	return policies[0].ID
}

func TestCancelWordReturnsToMenu(t *testing.T) {
	f := newFixture(t)
	phone := "254712000018"
	f.verifiedUser(t, phone)

	f.text(phone, "1")
	f.text(phone, "2")
	require.Equal(t, StateBuySelectProduct, f.user(t, phone).DialogState)

	f.text(phone, "cancel")
	u := f.user(t, phone)
	require.Equal(t, StateMainMenu, u.DialogState)
	require.Empty(t, decodeDraft(u.Draft).Purchase)
}

func TestCancelWordDuringRegistrationRestartsFlow(t *testing.T) {
	f := newFixture(t)
	phone := "254712000023"

	f.text(phone, "hi")
	f.text(phone, "1")
	f.text(phone, "Jane Wanjiru")
	require.Equal(t, StateRegisterPhone, f.user(t, phone).DialogState)

	f.text(phone, "cancel")
	u := f.user(t, phone)
	require.Equal(t, StateRegisterName, u.DialogState)
	require.Nil(t, decodeDraft(u.Draft).Registration)
	require.Contains(t, f.sender.last(), "full name")

	// The control word itself is never stored as a field value.
	f.text(phone, "reset")
	u = f.user(t, phone)
	require.Equal(t, StateRegisterName, u.DialogState)
	require.Nil(t, decodeDraft(u.Draft).Registration)

	f.text(phone, "Amina Otieno")
	u = f.user(t, phone)
	require.Equal(t, StateRegisterPhone, u.DialogState)
	require.Equal(t, "Amina Otieno", decodeDraft(u.Draft).Registration.FullName)
}

func TestUnknownDialogStateResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "254712000019"
	u := f.verifiedUser(t, phone)
	require.NoError(t, f.store.UpdateDialogState(ctx, u.ID, "state_from_an_old_release", nil))

	f.text(phone, "hi")

	require.Equal(t, StateLangSelect, f.user(t, phone).DialogState)
	require.Contains(t, f.sender.last(), "choose your language")
}

func TestFreeTextIntentStartsPurchase(t *testing.T) {
	f := newFixture(t)
	phone := "254712000020"
	f.verifiedUser(t, phone)
	f.classifier.intent = nlu.IntentBuy

	f.text(phone, "nataka kununua bima ya pikipiki")

	require.Equal(t, StateBuySelectCover, f.user(t, phone).DialogState)
}

func TestFreeTextUnknownIntentFallsBackToAnswer(t *testing.T) {
	f := newFixture(t)
	phone := "254712000021"
	f.verifiedUser(t, phone)
	f.classifier.intent = nlu.IntentUnknown
	f.classifier.answer = "Cover starts as soon as your payment is confirmed."

	f.text(phone, "when does my cover start?")

	require.Equal(t, StateMainMenu, f.user(t, phone).DialogState)
	require.Contains(t, f.sender.last(), "payment is confirmed")
}

func TestEveryTransitionLandsInAKnownState(t *testing.T) {
	f := newFixture(t)
	phone := "254712000022"
	u := f.verifiedUser(t, phone)
	f.activePolicy(t, u)

	script := []func(){
		func() { f.text(phone, "hi") },
		func() { f.text(phone, "1") },
		func() { f.text(phone, "2") },
		func() { f.text(phone, "cancel") },
		func() { f.text(phone, "2") },
		func() { f.text(phone, "1") },
		func() { f.text(phone, "menu") },
		func() { f.text(phone, "4") },
		func() { f.text(phone, "2") },
		func() { f.text(phone, "3") },
		func() { f.image(phone, "cloud:x") },
	}
	for i, step := range script {
		step()
		state := f.user(t, phone).DialogState
		require.Truef(t, KnownState(state), "step %d left user in undeclared state %q", i, state)
	}
}
