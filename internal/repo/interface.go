package repo

import (
	"context"
	"io/fs"
	"time"
)

// Store defines the interface for data persistence. The Postgres
// implementation is authoritative; a memory implementation backs tests.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Users
	UpsertUserByPhone(ctx context.Context, profile UserProfile) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByPhone(ctx context.Context, phone string) (*User, error)
	UpdateDialogState(ctx context.Context, userID, state string, draft []byte) error
	SaveRegistration(ctx context.Context, userID string, reg Registration) error
	SetKYCStatus(ctx context.Context, userID, status string) error
	SetLanguage(ctx context.Context, userID, language string) error
	SetWalletID(ctx context.Context, userID, walletID string) error

	// Products
	ListActiveProducts(ctx context.Context) ([]Product, error)
	ListProductsByCategory(ctx context.Context, category string) ([]Product, error)
	GetProductByID(ctx context.Context, id string) (*Product, error)

	// Quotes
	InsertQuote(ctx context.Context, quote Quote) (*Quote, error)
	GetQuoteByID(ctx context.Context, id string) (*Quote, error)
	MarkQuoteAccepted(ctx context.Context, id string) error

	// Policies
	InsertPolicy(ctx context.Context, policy Policy) (*Policy, error)
	GetPolicyByID(ctx context.Context, id string) (*Policy, error)
	GetPolicyByNumber(ctx context.Context, number string) (*Policy, error)
	GetPolicyByPaymentRef(ctx context.Context, ref string) (*Policy, error)
	ListPoliciesByUser(ctx context.Context, userID string) ([]Policy, error)
	ListActivePoliciesEndedBefore(ctx context.Context, cutoff time.Time) ([]Policy, error)
	UpdatePolicyPaymentStatus(ctx context.Context, id, paymentStatus string) error
	UpdatePolicyStatus(ctx context.Context, id, status string) error
	SetPolicyLedger(ctx context.Context, id, ledgerID, txHash string) error
	SetPolicyClaimable(ctx context.Context, id string, claimable bool) error

	// Claims
	InsertClaim(ctx context.Context, claim Claim) (*Claim, error)
	GetClaimByID(ctx context.Context, id string) (*Claim, error)
	GetClaimByNumber(ctx context.Context, number string) (*Claim, error)
	ListClaimsByPolicy(ctx context.Context, policyID string) ([]Claim, error)
	FindClaimByIncident(ctx context.Context, userID, policyID string, incidentAt time.Time) (*Claim, error)
	UpdateClaimStatus(ctx context.Context, id, status string, reviewer *string, payout *int64) error
	SetClaimLedger(ctx context.Context, id, ledgerClaimID string) error

	// Payments
	InsertPayment(ctx context.Context, payment Payment) (*Payment, error)
	GetPaymentByTxnID(ctx context.Context, txnID string) (*Payment, error)
	FindPayoutByClaim(ctx context.Context, claimID string) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, txnID, status string, raw map[string]any) error

	// Wallets
	InsertWallet(ctx context.Context, wallet Wallet) (*Wallet, error)
	GetWalletByUserID(ctx context.Context, userID string) (*Wallet, error)

	// Reconciliation
	UpsertReconItem(ctx context.Context, kind, targetID string, lastErr string) error
	ListPendingReconItems(ctx context.Context, limit int) ([]ReconciliationItem, error)
	ResolveReconItem(ctx context.Context, id string) error
	BumpReconItem(ctx context.Context, id string, lastErr string, failed bool) error

	// API keys
	SyncAPIKeys(ctx context.Context, provider string, keys []string) error
	ListActiveAPIKeys(ctx context.Context, provider string) ([]APIKey, error)
	SetCooldownUntil(ctx context.Context, id string, until time.Time) error
	TouchAPIKey(ctx context.Context, id string) error

	// Messages
	InsertMessage(ctx context.Context, msg MessageRecord) error
}

// UserProfile carries data used to upsert a user on first contact.
type UserProfile struct {
	Phone       string
	JID         *string
	DisplayName *string
	Language    *string
}

// Registration carries the KYC fields collected during onboarding.
type Registration struct {
	FullName       string
	SecondaryPhone string
	IDNumber       string
	DateOfBirth    time.Time
	PlateNumber    string
	PhotoRefs      []string
}
