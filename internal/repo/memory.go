package repo

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store used by tests and local development.
type Memory struct {
	mu sync.Mutex

	users    map[string]*User
	products map[string]*Product
	quotes   map[string]*Quote
	policies map[string]*Policy
	claims   map[string]*Claim
	payments map[string]*Payment
	wallets  map[string]*Wallet
	recon    map[string]*ReconciliationItem
	apiKeys  map[string]*APIKey
	messages []MessageRecord
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    map[string]*User{},
		products: map[string]*Product{},
		quotes:   map[string]*Quote{},
		policies: map[string]*Policy{},
		claims:   map[string]*Claim{},
		payments: map[string]*Payment{},
		wallets:  map[string]*Wallet{},
		recon:    map[string]*ReconciliationItem{},
		apiKeys:  map[string]*APIKey{},
	}
}

func (m *Memory) Close() {}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) RunMigrations(context.Context, fs.FS) error { return nil }

// ReplacePolicyForTest overwrites a policy row directly; test helper.
func (m *Memory) ReplacePolicyForTest(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.policies[p.ID] = &cp
}

// SeedProduct inserts a catalog entry directly; test helper.
func (m *Memory) SeedProduct(p Product) Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now()
	m.products[p.ID] = &p
	return p
}

func (m *Memory) UpsertUserByPhone(_ context.Context, profile UserProfile) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Phone == profile.Phone {
			if profile.JID != nil {
				u.JID = profile.JID
			}
			if profile.DisplayName != nil {
				u.DisplayName = profile.DisplayName
			}
			u.UpdatedAt = time.Now()
			cp := *u
			return &cp, nil
		}
	}
	lang := "en"
	if profile.Language != nil {
		lang = *profile.Language
	}
	u := &User{
		ID:            uuid.NewString(),
		Phone:         profile.Phone,
		JID:           profile.JID,
		DisplayName:   profile.DisplayName,
		KYCStatus:     KYCUnverified,
		DialogState:   "lang_select",
		Language:      lang,
		Role:          RoleRider,
		AccountStatus: AccountActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	m.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByPhone(_ context.Context, phone string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Phone == phone {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateDialogState(_ context.Context, userID, state string, draft []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.DialogState = state
	u.Draft = draft
	u.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SaveRegistration(_ context.Context, userID string, reg Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.FullName = &reg.FullName
	u.SecondaryPhone = &reg.SecondaryPhone
	u.IDNumber = &reg.IDNumber
	dob := reg.DateOfBirth
	u.DateOfBirth = &dob
	u.PlateNumber = &reg.PlateNumber
	u.PhotoRefs = append([]string(nil), reg.PhotoRefs...)
	u.KYCStatus = KYCPending
	u.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetKYCStatus(_ context.Context, userID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.KYCStatus = status
	u.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetLanguage(_ context.Context, userID, language string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Language = language
	return nil
}

func (m *Memory) SetWalletID(_ context.Context, userID, walletID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.WalletID != nil {
		return fmt.Errorf("set wallet id: user %s already has a wallet", userID)
	}
	u.WalletID = &walletID
	return nil
}

func (m *Memory) ListActiveProducts(context.Context) ([]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Product
	for _, p := range m.products {
		if p.Active {
			res = append(res, *p)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Tier == res[j].Tier {
			return res[i].Premium < res[j].Premium
		}
		return res[i].Tier < res[j].Tier
	})
	return res, nil
}

func (m *Memory) ListProductsByCategory(_ context.Context, category string) ([]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Product
	for _, p := range m.products {
		if p.Active && p.Category == category {
			res = append(res, *p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Premium < res[j].Premium })
	return res, nil
}

func (m *Memory) GetProductByID(_ context.Context, id string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) InsertQuote(_ context.Context, quote Quote) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	quote.ID = uuid.NewString()
	quote.CreatedAt = time.Now()
	m.quotes[quote.ID] = &quote
	cp := quote
	return &cp, nil
}

func (m *Memory) GetQuoteByID(_ context.Context, id string) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *Memory) MarkQuoteAccepted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[id]
	if !ok || q.Accepted {
		return fmt.Errorf("mark quote accepted: quote %s missing or already accepted", id)
	}
	q.Accepted = true
	return nil
}

func (m *Memory) InsertPolicy(_ context.Context, policy Policy) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	policy.ID = uuid.NewString()
	policy.CreatedAt = time.Now()
	policy.UpdatedAt = policy.CreatedAt
	m.policies[policy.ID] = &policy
	cp := policy
	return &cp, nil
}

func (m *Memory) GetPolicyByID(_ context.Context, id string) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) GetPolicyByNumber(_ context.Context, number string) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.policies {
		if p.PolicyNumber == number {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetPolicyByPaymentRef(_ context.Context, ref string) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.policies {
		if p.PaymentRef != nil && *p.PaymentRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListPoliciesByUser(_ context.Context, userID string) ([]Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Policy
	for _, p := range m.policies {
		if p.UserID == userID {
			res = append(res, *p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (m *Memory) ListActivePoliciesEndedBefore(_ context.Context, cutoff time.Time) ([]Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Policy
	for _, p := range m.policies {
		if p.Status == PolicyActive && p.EndAt.Before(cutoff) {
			res = append(res, *p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].EndAt.Before(res[j].EndAt) })
	return res, nil
}

func (m *Memory) UpdatePolicyPaymentStatus(_ context.Context, id, paymentStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return ErrNotFound
	}
	p.PaymentStatus = paymentStatus
	p.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) UpdatePolicyStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetPolicyLedger(_ context.Context, id, ledgerID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return ErrNotFound
	}
	p.LedgerID = &ledgerID
	p.LedgerTxHash = &txHash
	p.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetPolicyClaimable(_ context.Context, id string, claimable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return ErrNotFound
	}
	p.Claimable = claimable
	return nil
}

func (m *Memory) InsertClaim(_ context.Context, claim Claim) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim.ID = uuid.NewString()
	claim.CreatedAt = time.Now()
	claim.UpdatedAt = claim.CreatedAt
	m.claims[claim.ID] = &claim
	cp := claim
	return &cp, nil
}

func (m *Memory) GetClaimByID(_ context.Context, id string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) GetClaimByNumber(_ context.Context, number string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.claims {
		if c.ClaimNumber == number {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListClaimsByPolicy(_ context.Context, policyID string) ([]Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Claim
	for _, c := range m.claims {
		if c.PolicyID == policyID {
			res = append(res, *c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (m *Memory) FindClaimByIncident(_ context.Context, userID, policyID string, incidentAt time.Time) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.claims {
		if c.UserID == userID && c.PolicyID == policyID && c.IncidentAt.Equal(incidentAt) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateClaimStatus(_ context.Context, id, status string, reviewer *string, payout *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	if reviewer != nil {
		c.Reviewer = reviewer
		now := time.Now()
		c.ReviewedAt = &now
	}
	if payout != nil {
		c.PayoutAmount = payout
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetClaimLedger(_ context.Context, id, ledgerClaimID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrNotFound
	}
	c.LedgerClaimID = &ledgerClaimID
	return nil
}

func (m *Memory) InsertPayment(_ context.Context, payment Payment) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TxnID == payment.TxnID {
			return nil, fmt.Errorf("insert payment: duplicate txn id %s", payment.TxnID)
		}
	}
	payment.ID = uuid.NewString()
	payment.CreatedAt = time.Now()
	payment.UpdatedAt = payment.CreatedAt
	m.payments[payment.ID] = &payment
	cp := payment
	return &cp, nil
}

func (m *Memory) GetPaymentByTxnID(_ context.Context, txnID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TxnID == txnID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindPayoutByClaim(_ context.Context, claimID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Payment
	for _, p := range m.payments {
		if p.ClaimID == nil || *p.ClaimID != claimID || p.Type != PaymentTypeClaimPayout {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) UpdatePaymentStatus(_ context.Context, txnID, status string, raw map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TxnID == txnID {
			p.Status = status
			if raw != nil {
				p.RawPayload = raw
			}
			p.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) InsertWallet(_ context.Context, wallet Wallet) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wallets {
		if w.UserID == wallet.UserID {
			return nil, fmt.Errorf("insert wallet: user %s already has a wallet", wallet.UserID)
		}
	}
	wallet.ID = uuid.NewString()
	wallet.CreatedAt = time.Now()
	m.wallets[wallet.ID] = &wallet
	cp := wallet
	return &cp, nil
}

func (m *Memory) GetWalletByUserID(_ context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wallets {
		if w.UserID == userID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpsertReconItem(_ context.Context, kind, targetID string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.recon {
		if item.Kind == kind && item.TargetID == targetID {
			item.Status = ReconPending
			if lastErr != "" {
				item.LastError = &lastErr
			}
			item.UpdatedAt = time.Now()
			return nil
		}
	}
	item := &ReconciliationItem{
		ID:        uuid.NewString(),
		Kind:      kind,
		TargetID:  targetID,
		Status:    ReconPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if lastErr != "" {
		item.LastError = &lastErr
	}
	m.recon[item.ID] = item
	return nil
}

func (m *Memory) ListPendingReconItems(_ context.Context, limit int) ([]ReconciliationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	var res []ReconciliationItem
	for _, item := range m.recon {
		if item.Status == ReconPending {
			res = append(res, *item)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *Memory) ResolveReconItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.recon[id]
	if !ok {
		return ErrNotFound
	}
	item.Status = ReconDone
	item.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) BumpReconItem(_ context.Context, id string, lastErr string, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.recon[id]
	if !ok {
		return ErrNotFound
	}
	item.Attempts++
	if lastErr != "" {
		item.LastError = &lastErr
	}
	if failed {
		item.Status = ReconFailed
	}
	item.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SyncAPIKeys(_ context.Context, provider string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, key := range keys {
		found := false
		for _, k := range m.apiKeys {
			if k.Provider == provider && k.Value == key {
				k.Priority = idx
				found = true
				break
			}
		}
		if !found {
			k := &APIKey{
				ID:        uuid.NewString(),
				Provider:  provider,
				Value:     key,
				Priority:  idx,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			m.apiKeys[k.ID] = k
		}
	}
	return nil
}

func (m *Memory) ListActiveAPIKeys(_ context.Context, provider string) ([]APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []APIKey
	for _, k := range m.apiKeys {
		if k.Provider == provider {
			res = append(res, *k)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Priority < res[j].Priority })
	return res, nil
}

func (m *Memory) SetCooldownUntil(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	k.CooldownUntil = &until
	return nil
}

func (m *Memory) TouchAPIKey(_ context.Context, id string) error {
	return nil
}

func (m *Memory) InsertMessage(_ context.Context, msg MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.CreatedAt = time.Now()
	m.messages = append(m.messages, msg)
	return nil
}
