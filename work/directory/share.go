package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ShareToken grants a guest temporary access to a fixed set of channels
// inside a time window, without an account of their own. Sessions opened
// through a share token still count against the OWNING user's connection
// limit.
type ShareToken struct {
	Token      string
	UserID     int64
	ChannelIDs []int64
	StartsAt   time.Time
	ExpiresAt  time.Time
}

// ActiveAt reports whether the token window covers the given instant.
func (t *ShareToken) ActiveAt(now time.Time) bool {
	return !now.Before(t.StartsAt) && now.Before(t.ExpiresAt)
}

// AllowsChannel reports whether the token covers a channel.
func (t *ShareToken) AllowsChannel(channelID int64) bool {
	for _, id := range t.ChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// CreateShareToken mints a share token for a user covering the given
// channels between starts and expires.
func (d *Directory) CreateShareToken(ctx context.Context, userID int64, channelIDs []int64, starts, expires time.Time) (*ShareToken, error) {
	ids, err := json.Marshal(channelIDs)
	if err != nil {
		return nil, err
	}

	token := &ShareToken{
		Token:      uuid.NewString(),
		UserID:     userID,
		ChannelIDs: channelIDs,
		StartsAt:   starts.UTC(),
		ExpiresAt:  expires.UTC(),
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO temporary_tokens (token, user_id, channel_ids, starts_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		token.Token, userID, string(ids), token.StartsAt, token.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// GetShareToken looks a share token up. Expired tokens are still returned;
// the caller decides what an out-of-window token means for the request at
// hand.
func (d *Directory) GetShareToken(ctx context.Context, token string) (*ShareToken, error) {
	var t ShareToken
	var ids string
	err := d.db.QueryRowContext(ctx, `
		SELECT token, user_id, channel_ids, starts_at, expires_at
		FROM temporary_tokens WHERE token = ?`, token).
		Scan(&t.Token, &t.UserID, &ids, &t.StartsAt, &t.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &t.ChannelIDs); err != nil {
		return nil, err
	}
	return &t, nil
}

// PruneExpiredTokens removes tokens whose window closed before cutoff.
func (d *Directory) PruneExpiredTokens(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM temporary_tokens WHERE expires_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
