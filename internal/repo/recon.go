package repo

import (
	"context"
	"fmt"
)

// UpsertReconItem records a pending ledger mirror for a target record. A
// repeated failure for the same (kind, target) reuses the existing row.
func (r *Postgres) UpsertReconItem(ctx context.Context, kind, targetID string, lastErr string) error {
	const q = `
INSERT INTO reconciliation_items (kind, target_id, status, attempts, last_error)
VALUES ($1, $2, 'pending', 0, $3)
ON CONFLICT (kind, target_id) DO UPDATE SET
    status = 'pending',
    last_error = EXCLUDED.last_error,
    updated_at = NOW();`
	if _, err := r.pool.Exec(ctx, q, kind, targetID, nullable(lastErr)); err != nil {
		return fmt.Errorf("upsert recon item: %w", err)
	}
	return nil
}

// ListPendingReconItems returns mirror-pending items oldest first.
func (r *Postgres) ListPendingReconItems(ctx context.Context, limit int) ([]ReconciliationItem, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, kind, target_id, status, attempts, last_error, created_at, updated_at
FROM reconciliation_items
WHERE status = 'pending'
ORDER BY created_at ASC
LIMIT $1;`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list recon items: %w", err)
	}
	defer rows.Close()

	var items []ReconciliationItem
	for rows.Next() {
		var item ReconciliationItem
		if err := rows.Scan(&item.ID, &item.Kind, &item.TargetID, &item.Status, &item.Attempts, &item.LastError, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan recon item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recon items: %w", err)
	}
	return items, nil
}

// ResolveReconItem marks the mirror as done.
func (r *Postgres) ResolveReconItem(ctx context.Context, id string) error {
	const q = `UPDATE reconciliation_items SET status = 'done', updated_at = NOW() WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("resolve recon item: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("resolve recon item: %w", ErrNotFound)
	}
	return nil
}

// BumpReconItem increments the attempt counter after a failed retry. When
// failed is true the item is parked for manual follow-up.
func (r *Postgres) BumpReconItem(ctx context.Context, id string, lastErr string, failed bool) error {
	status := ReconPending
	if failed {
		status = ReconFailed
	}
	const q = `
UPDATE reconciliation_items
SET attempts = attempts + 1, last_error = $2, status = $3, updated_at = NOW()
WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id, nullable(lastErr), status)
	if err != nil {
		return fmt.Errorf("bump recon item: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("bump recon item: %w", ErrNotFound)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
