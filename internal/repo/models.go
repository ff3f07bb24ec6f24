package repo

import "time"

// KYC status values for a user.
const (
	KYCUnverified = "unverified"
	KYCPending    = "pending"
	KYCVerified   = "verified"
	KYCRejected   = "rejected"
)

// User roles.
const (
	RoleRider   = "rider"
	RoleAdmin   = "admin"
	RolePartner = "partner"
)

// Account status values.
const (
	AccountActive  = "active"
	AccountBlocked = "blocked"
)

// Payment status and type values.
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"

	PaymentTypePremium     = "premium"
	PaymentTypeClaimPayout = "claim_payout"
)

// Policy status values.
const (
	PolicyPending   = "pending"
	PolicyActive    = "active"
	PolicyExpired   = "expired"
	PolicyClaimed   = "claimed"
	PolicyCancelled = "cancelled"
)

// Claim status values.
const (
	ClaimReceived = "received"
	ClaimReview   = "review"
	ClaimApproved = "approved"
	ClaimRejected = "rejected"
	ClaimPaid     = "paid"
)

// Reconciliation item kinds and statuses.
const (
	ReconPolicyRegister = "policy_register"
	ReconPolicyStatus   = "policy_status"
	ReconClaimSubmit    = "claim_submit"
	ReconClaimApprove   = "claim_approve"
	ReconClaimReject    = "claim_reject"
	ReconClaimPaid      = "claim_paid"
	ReconClaimPayout    = "claim_payout"

	ReconPending = "pending"
	ReconDone    = "done"
	ReconFailed  = "failed"
)

// User represents the users table row. Dialog state and the in-progress
// flow draft are embedded here so one row drives the whole conversation.
type User struct {
	ID             string
	Phone          string
	JID            *string
	DisplayName    *string
	FullName       *string
	SecondaryPhone *string
	IDNumber       *string
	DateOfBirth    *time.Time
	PlateNumber    *string
	PhotoRefs      []string
	KYCStatus      string
	DialogState    string
	Draft          []byte
	Language       string
	WalletID       *string
	Role           string
	AccountStatus  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Product is a catalog entry. Priced history is immutable: changes create
// new products rather than mutating rows referenced by policies.
type Product struct {
	ID         string
	Name       string
	Premium    int64
	SumAssured int64
	Category   string
	Tier       string
	Active     bool
	CreatedAt  time.Time
}

// Quote is derived pricing for a user+vehicle+coverage tuple.
type Quote struct {
	ID              string
	UserID          string
	VehicleValue    int64
	VehicleAgeYears int
	Coverage        string
	BasePremium     float64
	Tax             float64
	Total           float64
	ValidUntil      time.Time
	Accepted        bool
	CreatedAt       time.Time
}

// Policy is the authoritative insurance contract.
type Policy struct {
	ID            string
	PolicyNumber  string
	UserID        string
	ProductID     string
	QuoteID       *string
	StartAt       time.Time
	EndAt         time.Time
	MaturityAt    *time.Time
	Premium       int64
	PaymentStatus string
	Status        string
	Claimable     bool
	LedgerID      *string
	LedgerTxHash  *string
	PaymentRef    *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Claim records an incident filed against a policy.
type Claim struct {
	ID            string
	ClaimNumber   string
	UserID        string
	PolicyID      string
	IncidentAt    time.Time
	Location      string
	Description   string
	MediaRefs     []string
	Status        string
	PayoutAmount  *int64
	Reviewer      *string
	ReviewedAt    *time.Time
	LedgerClaimID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Payment is one money movement. TxnID is the provider transaction id and
// the idempotency key for callbacks.
type Payment struct {
	ID         string
	TxnID      string
	UserID     string
	PolicyID   *string
	ClaimID    *string
	Phone      string
	Amount     int64
	Type       string
	Status     string
	RawPayload map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Wallet holds a custodial key pair; the private key is stored encrypted.
type Wallet struct {
	ID           string
	UserID       string
	Address      string
	EncryptedKey string
	CreatedAt    time.Time
}

// ReconciliationItem flags a record confirmed in the database but not yet
// mirrored on the ledger.
type ReconciliationItem struct {
	ID        string
	Kind      string
	TargetID  string
	Status    string
	Attempts  int
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKey represents a record in api_keys table.
type APIKey struct {
	ID            string
	Provider      string
	Value         string
	Priority      int
	CooldownUntil *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessageRecord is used to persist conversation logs.
type MessageRecord struct {
	UserID    string
	Direction string
	Type      string
	Content   *string
	MediaURL  *string
	Raw       any
	CreatedAt time.Time
}
