package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const paymentColumns = `
id, txn_id, user_id, policy_id, claim_id, phone, amount, type, status,
raw_payload, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var raw []byte
	err := row.Scan(
		&p.ID, &p.TxnID, &p.UserID, &p.PolicyID, &p.ClaimID, &p.Phone,
		&p.Amount, &p.Type, &p.Status, &raw, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.RawPayload = fromJSON(raw)
	return &p, nil
}

// InsertPayment stores a new money movement keyed by provider transaction id.
func (r *Postgres) InsertPayment(ctx context.Context, payment Payment) (*Payment, error) {
	raw, err := toJSON(payment.RawPayload)
	if err != nil {
		return nil, err
	}
	q := `
INSERT INTO payments (txn_id, user_id, policy_id, claim_id, phone, amount, type, status, raw_payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + paymentColumns + `;`
	row := r.pool.QueryRow(ctx, q,
		payment.TxnID, payment.UserID, payment.PolicyID, payment.ClaimID,
		payment.Phone, payment.Amount, payment.Type, payment.Status, jsonParam(raw),
	)
	inserted, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return inserted, nil
}

// GetPaymentByTxnID retrieves a payment by the provider transaction id.
func (r *Postgres) GetPaymentByTxnID(ctx context.Context, txnID string) (*Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE txn_id = $1 LIMIT 1;`
	payment, err := scanPayment(r.pool.QueryRow(ctx, q, txnID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return payment, nil
}

// FindPayoutByClaim retrieves the most recent payout payment for a claim.
func (r *Postgres) FindPayoutByClaim(ctx context.Context, claimID string) (*Payment, error) {
	q := `SELECT ` + paymentColumns + `
FROM payments
WHERE claim_id = $1 AND type = $2
ORDER BY created_at DESC
LIMIT 1;`
	payment, err := scanPayment(r.pool.QueryRow(ctx, q, claimID, PaymentTypeClaimPayout))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("find payout payment: %w", err)
	}
	return payment, nil
}

// UpdatePaymentStatus updates status and merges the raw provider payload for audit.
func (r *Postgres) UpdatePaymentStatus(ctx context.Context, txnID, status string, raw map[string]any) error {
	data, err := toJSON(raw)
	if err != nil {
		return err
	}
	const q = `
UPDATE payments
SET status = $2,
    raw_payload = COALESCE($3, raw_payload),
    updated_at = NOW()
WHERE txn_id = $1;`
	ct, err := r.pool.Exec(ctx, q, txnID, status, jsonParam(data))
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("update payment status: %w", ErrNotFound)
	}
	return nil
}
