package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("repo: not found")

const userColumns = `
id, phone, jid, display_name, full_name, secondary_phone, id_number,
date_of_birth, plate_number, photo_refs, kyc_status, dialog_state, draft,
language, wallet_id, role, account_status, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var photoRefs []byte
	err := row.Scan(
		&u.ID, &u.Phone, &u.JID, &u.DisplayName, &u.FullName, &u.SecondaryPhone,
		&u.IDNumber, &u.DateOfBirth, &u.PlateNumber, &photoRefs, &u.KYCStatus,
		&u.DialogState, &u.Draft, &u.Language, &u.WalletID, &u.Role,
		&u.AccountStatus, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.PhotoRefs = fromJSONList(photoRefs)
	return &u, nil
}

// UpsertUserByPhone stores or updates the user profile based on phone identity.
// A previously unknown phone gets a fresh row in lang_select state.
func (r *Postgres) UpsertUserByPhone(ctx context.Context, profile UserProfile) (*User, error) {
	q := `
INSERT INTO users (phone, jid, display_name, language, updated_at)
VALUES ($1, $2, $3, COALESCE($4, 'en'), NOW())
ON CONFLICT (phone) DO UPDATE SET
    jid = COALESCE(EXCLUDED.jid, users.jid),
    display_name = COALESCE(EXCLUDED.display_name, users.display_name),
    updated_at = NOW()
RETURNING ` + userColumns + `;`
	row := r.pool.QueryRow(ctx, q, profile.Phone, profile.JID, profile.DisplayName, profile.Language)
	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return user, nil
}

// GetUserByID returns user by internal identifier.
func (r *Postgres) GetUserByID(ctx context.Context, id string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1;`
	user, err := scanUser(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

// GetUserByPhone returns user by phone identity.
func (r *Postgres) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE phone = $1 LIMIT 1;`
	user, err := scanUser(r.pool.QueryRow(ctx, q, phone))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get user by phone: %w", err)
	}
	return user, nil
}

// UpdateDialogState persists the conversation state and flow draft. This runs
// before any outbound send so a crash after the write is recoverable.
func (r *Postgres) UpdateDialogState(ctx context.Context, userID, state string, draft []byte) error {
	const q = `
UPDATE users SET dialog_state = $2, draft = $3, updated_at = NOW() WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, userID, state, jsonParam(draft))
	if err != nil {
		return fmt.Errorf("update dialog state: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("update dialog state: %w", ErrNotFound)
	}
	return nil
}

// SaveRegistration writes the collected KYC fields and flips the user to the
// pending review status.
func (r *Postgres) SaveRegistration(ctx context.Context, userID string, reg Registration) error {
	photos, err := toJSONList(reg.PhotoRefs)
	if err != nil {
		return err
	}
	const q = `
UPDATE users SET
    full_name = $2,
    secondary_phone = $3,
    id_number = $4,
    date_of_birth = $5,
    plate_number = $6,
    photo_refs = $7,
    kyc_status = $8,
    updated_at = NOW()
WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, userID,
		reg.FullName, reg.SecondaryPhone, reg.IDNumber, reg.DateOfBirth,
		reg.PlateNumber, string(photos), KYCPending)
	if err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("save registration: %w", ErrNotFound)
	}
	return nil
}

// SetKYCStatus updates verification status (admin review action).
func (r *Postgres) SetKYCStatus(ctx context.Context, userID, status string) error {
	const q = `UPDATE users SET kyc_status = $2, updated_at = NOW() WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, userID, status)
	if err != nil {
		return fmt.Errorf("set kyc status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set kyc status: %w", ErrNotFound)
	}
	return nil
}

// SetLanguage updates the preferred language.
func (r *Postgres) SetLanguage(ctx context.Context, userID, language string) error {
	const q = `UPDATE users SET language = $2, updated_at = NOW() WHERE id = $1;`
	if _, err := r.pool.Exec(ctx, q, userID, language); err != nil {
		return fmt.Errorf("set language: %w", err)
	}
	return nil
}

// SetWalletID links the custodial wallet to the user exactly once.
func (r *Postgres) SetWalletID(ctx context.Context, userID, walletID string) error {
	const q = `
UPDATE users SET wallet_id = $2, updated_at = NOW()
WHERE id = $1 AND wallet_id IS NULL;`
	ct, err := r.pool.Exec(ctx, q, userID, walletID)
	if err != nil {
		return fmt.Errorf("set wallet id: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set wallet id: user %s already has a wallet", userID)
	}
	return nil
}
