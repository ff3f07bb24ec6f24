package repo

import (
	"context"
	"fmt"
)

// InsertMessage stores a message record for auditing purposes.
func (r *Postgres) InsertMessage(ctx context.Context, msg MessageRecord) error {
	const q = `
INSERT INTO messages (user_id, direction, message_type, content, media_url, raw_payload)
VALUES ($1, $2, $3, $4, $5, $6);`
	_, err := r.pool.Exec(ctx, q,
		msg.UserID,
		msg.Direction,
		msg.Type,
		msg.Content,
		msg.MediaURL,
		msg.Raw,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}
