package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const claimColumns = `
id, claim_number, user_id, policy_id, incident_at, location, description,
media_refs, status, payout_amount, reviewer, reviewed_at, ledger_claim_id,
created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	var mediaRefs []byte
	err := row.Scan(
		&c.ID, &c.ClaimNumber, &c.UserID, &c.PolicyID, &c.IncidentAt,
		&c.Location, &c.Description, &mediaRefs, &c.Status, &c.PayoutAmount,
		&c.Reviewer, &c.ReviewedAt, &c.LedgerClaimID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.MediaRefs = fromJSONList(mediaRefs)
	return &c, nil
}

// InsertClaim creates a claim in received state.
func (r *Postgres) InsertClaim(ctx context.Context, claim Claim) (*Claim, error) {
	media, err := toJSONList(claim.MediaRefs)
	if err != nil {
		return nil, err
	}
	q := `
INSERT INTO claims (claim_number, user_id, policy_id, incident_at, location, description, media_refs, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + claimColumns + `;`
	row := r.pool.QueryRow(ctx, q,
		claim.ClaimNumber, claim.UserID, claim.PolicyID, claim.IncidentAt,
		claim.Location, claim.Description, string(media), claim.Status,
	)
	inserted, err := scanClaim(row)
	if err != nil {
		return nil, fmt.Errorf("insert claim: %w", err)
	}
	return inserted, nil
}

// GetClaimByID retrieves a claim.
func (r *Postgres) GetClaimByID(ctx context.Context, id string) (*Claim, error) {
	q := `SELECT ` + claimColumns + ` FROM claims WHERE id = $1 LIMIT 1;`
	return r.getClaim(ctx, q, id)
}

// GetClaimByNumber retrieves a claim by its human-readable number.
func (r *Postgres) GetClaimByNumber(ctx context.Context, number string) (*Claim, error) {
	q := `SELECT ` + claimColumns + ` FROM claims WHERE claim_number = $1 LIMIT 1;`
	return r.getClaim(ctx, q, number)
}

func (r *Postgres) getClaim(ctx context.Context, q string, arg any) (*Claim, error) {
	claim, err := scanClaim(r.pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return claim, nil
}

// ListClaimsByPolicy returns all claims filed against one policy.
func (r *Postgres) ListClaimsByPolicy(ctx context.Context, policyID string) ([]Claim, error) {
	q := `SELECT ` + claimColumns + ` FROM claims WHERE policy_id = $1 ORDER BY created_at DESC;`
	rows, err := r.pool.Query(ctx, q, policyID)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", err)
	}
	return claims, nil
}

// FindClaimByIncident matches an existing claim for the same user, policy and
// incident time. Used as the idempotence check on terminal-state redelivery.
func (r *Postgres) FindClaimByIncident(ctx context.Context, userID, policyID string, incidentAt time.Time) (*Claim, error) {
	q := `
SELECT ` + claimColumns + `
FROM claims
WHERE user_id = $1 AND policy_id = $2 AND incident_at = $3
ORDER BY created_at DESC LIMIT 1;`
	return r.getClaim2(ctx, q, userID, policyID, incidentAt)
}

func (r *Postgres) getClaim2(ctx context.Context, q string, args ...any) (*Claim, error) {
	claim, err := scanClaim(r.pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return claim, nil
}

// UpdateClaimStatus transitions the claim and records reviewer/payout fields.
func (r *Postgres) UpdateClaimStatus(ctx context.Context, id, status string, reviewer *string, payout *int64) error {
	const q = `
UPDATE claims SET
    status = $2,
    reviewer = COALESCE($3, reviewer),
    payout_amount = COALESCE($4, payout_amount),
    reviewed_at = CASE WHEN $3 IS NULL THEN reviewed_at ELSE NOW() END,
    updated_at = NOW()
WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id, status, reviewer, payout)
	if err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("update claim status: %w", ErrNotFound)
	}
	return nil
}

// SetClaimLedger records the on-ledger claim reference.
func (r *Postgres) SetClaimLedger(ctx context.Context, id, ledgerClaimID string) error {
	const q = `UPDATE claims SET ledger_claim_id = $2, updated_at = NOW() WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id, ledgerClaimID)
	if err != nil {
		return fmt.Errorf("set claim ledger: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set claim ledger: %w", ErrNotFound)
	}
	return nil
}
