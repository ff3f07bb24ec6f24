package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const policyColumns = `
id, policy_number, user_id, product_id, quote_id, start_at, end_at, maturity_at,
premium, payment_status, status, claimable, ledger_id, ledger_tx_hash,
payment_ref, created_at, updated_at`

func scanPolicy(row pgx.Row) (*Policy, error) {
	var p Policy
	err := row.Scan(
		&p.ID, &p.PolicyNumber, &p.UserID, &p.ProductID, &p.QuoteID,
		&p.StartAt, &p.EndAt, &p.MaturityAt, &p.Premium, &p.PaymentStatus,
		&p.Status, &p.Claimable, &p.LedgerID, &p.LedgerTxHash, &p.PaymentRef,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// InsertPolicy creates a policy record, normally in pending state right
// after payment initiation.
func (r *Postgres) InsertPolicy(ctx context.Context, policy Policy) (*Policy, error) {
	q := `
INSERT INTO policies (policy_number, user_id, product_id, quote_id, start_at, end_at, maturity_at, premium, payment_status, status, claimable, payment_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING ` + policyColumns + `;`
	row := r.pool.QueryRow(ctx, q,
		policy.PolicyNumber, policy.UserID, policy.ProductID, policy.QuoteID,
		policy.StartAt, policy.EndAt, policy.MaturityAt, policy.Premium,
		policy.PaymentStatus, policy.Status, policy.Claimable, policy.PaymentRef,
	)
	inserted, err := scanPolicy(row)
	if err != nil {
		return nil, fmt.Errorf("insert policy: %w", err)
	}
	return inserted, nil
}

// GetPolicyByID retrieves a policy by internal id.
func (r *Postgres) GetPolicyByID(ctx context.Context, id string) (*Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1 LIMIT 1;`
	return r.getPolicy(ctx, q, id)
}

// GetPolicyByNumber retrieves a policy by its human-readable number.
func (r *Postgres) GetPolicyByNumber(ctx context.Context, number string) (*Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE policy_number = $1 LIMIT 1;`
	return r.getPolicy(ctx, q, number)
}

// GetPolicyByPaymentRef retrieves the policy tied to a provider transaction id.
func (r *Postgres) GetPolicyByPaymentRef(ctx context.Context, ref string) (*Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE payment_ref = $1 LIMIT 1;`
	return r.getPolicy(ctx, q, ref)
}

func (r *Postgres) getPolicy(ctx context.Context, q string, arg any) (*Policy, error) {
	policy, err := scanPolicy(r.pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return policy, nil
}

// ListPoliciesByUser returns all policies owned by a user, newest first.
func (r *Postgres) ListPoliciesByUser(ctx context.Context, userID string) ([]Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE user_id = $1 ORDER BY created_at DESC;`
	return r.queryPolicies(ctx, q, userID)
}

// ListActivePoliciesEndedBefore returns active policies whose coverage window
// has elapsed, for the expiry sweep.
func (r *Postgres) ListActivePoliciesEndedBefore(ctx context.Context, cutoff time.Time) ([]Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE status = 'active' AND end_at < $1 ORDER BY end_at;`
	return r.queryPolicies(ctx, q, cutoff)
}

func (r *Postgres) queryPolicies(ctx context.Context, q string, args ...any) ([]Policy, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return policies, nil
}

// UpdatePolicyPaymentStatus updates only the payment leg of the policy.
func (r *Postgres) UpdatePolicyPaymentStatus(ctx context.Context, id, paymentStatus string) error {
	const q = `UPDATE policies SET payment_status = $2, updated_at = NOW() WHERE id = $1;`
	return r.execPolicy(ctx, q, id, paymentStatus)
}

// UpdatePolicyStatus updates the policy lifecycle status.
func (r *Postgres) UpdatePolicyStatus(ctx context.Context, id, status string) error {
	const q = `UPDATE policies SET status = $2, updated_at = NOW() WHERE id = $1;`
	return r.execPolicy(ctx, q, id, status)
}

// SetPolicyLedger records the ledger reference once the mirror write succeeds.
func (r *Postgres) SetPolicyLedger(ctx context.Context, id, ledgerID, txHash string) error {
	const q = `UPDATE policies SET ledger_id = $2, ledger_tx_hash = $3, updated_at = NOW() WHERE id = $1;`
	return r.execPolicy(ctx, q, id, ledgerID, txHash)
}

// SetPolicyClaimable flips the claimable flag (admin action or maturity sweep).
func (r *Postgres) SetPolicyClaimable(ctx context.Context, id string, claimable bool) error {
	const q = `UPDATE policies SET claimable = $2, updated_at = NOW() WHERE id = $1;`
	return r.execPolicy(ctx, q, id, claimable)
}

func (r *Postgres) execPolicy(ctx context.Context, q string, args ...any) error {
	ct, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("update policy: %w", ErrNotFound)
	}
	return nil
}
