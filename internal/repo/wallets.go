package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertWallet stores a custodial wallet for a user. The unique constraint on
// user_id guarantees at most one wallet per user.
func (r *Postgres) InsertWallet(ctx context.Context, wallet Wallet) (*Wallet, error) {
	const q = `
INSERT INTO wallets (user_id, address, encrypted_key)
VALUES ($1, $2, $3)
RETURNING id, user_id, address, encrypted_key, created_at;`
	var inserted Wallet
	err := r.pool.QueryRow(ctx, q, wallet.UserID, wallet.Address, wallet.EncryptedKey).Scan(
		&inserted.ID, &inserted.UserID, &inserted.Address, &inserted.EncryptedKey, &inserted.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert wallet: %w", err)
	}
	return &inserted, nil
}

// GetWalletByUserID retrieves the user's wallet.
func (r *Postgres) GetWalletByUserID(ctx context.Context, userID string) (*Wallet, error) {
	const q = `
SELECT id, user_id, address, encrypted_key, created_at
FROM wallets WHERE user_id = $1 LIMIT 1;`
	var w Wallet
	err := r.pool.QueryRow(ctx, q, userID).Scan(&w.ID, &w.UserID, &w.Address, &w.EncryptedKey, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}
