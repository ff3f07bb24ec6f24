package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertQuote stores a derived quote.
func (r *Postgres) InsertQuote(ctx context.Context, quote Quote) (*Quote, error) {
	const q = `
INSERT INTO quotes (user_id, vehicle_value, vehicle_age_years, coverage, base_premium, tax, total, valid_until)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at;`
	err := r.pool.QueryRow(ctx, q,
		quote.UserID, quote.VehicleValue, quote.VehicleAgeYears, quote.Coverage,
		quote.BasePremium, quote.Tax, quote.Total, quote.ValidUntil,
	).Scan(&quote.ID, &quote.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert quote: %w", err)
	}
	return &quote, nil
}

// GetQuoteByID retrieves a quote.
func (r *Postgres) GetQuoteByID(ctx context.Context, id string) (*Quote, error) {
	const q = `
SELECT id, user_id, vehicle_value, vehicle_age_years, coverage, base_premium, tax, total, valid_until, accepted, created_at
FROM quotes WHERE id = $1 LIMIT 1;`
	var quote Quote
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&quote.ID, &quote.UserID, &quote.VehicleValue, &quote.VehicleAgeYears,
		&quote.Coverage, &quote.BasePremium, &quote.Tax, &quote.Total,
		&quote.ValidUntil, &quote.Accepted, &quote.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get quote: %w", err)
	}
	return &quote, nil
}

// MarkQuoteAccepted flags a quote as consumed by a policy. Accepted quotes
// are immutable afterwards.
func (r *Postgres) MarkQuoteAccepted(ctx context.Context, id string) error {
	const q = `UPDATE quotes SET accepted = TRUE WHERE id = $1 AND NOT accepted;`
	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("mark quote accepted: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("mark quote accepted: quote %s missing or already accepted", id)
	}
	return nil
}
