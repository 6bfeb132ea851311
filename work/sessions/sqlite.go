package sessions

import (
	"context"
	"database/sql"
	"time"

	"iptv-relay/work/database"
	"iptv-relay/work/logger"
)

// SQLiteStore keeps the registry in the current_streams table. WAL mode
// lets several relay processes share the file.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore wraps an open database.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Add(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO current_streams (user_id, ip, channel_name, provider_id, owner, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.UserID, sess.IP, sess.ChannelName, sess.ProviderID, sess.Owner, sess.StartedAt.UTC())
	return err
}

func (s *SQLiteStore) Remove(ctx context.Context, k Key) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM current_streams
		WHERE user_id = ? AND ip = ? AND channel_name = ? AND provider_id = ?`,
		k.UserID, k.IP, k.ChannelName, k.ProviderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) FindUserIP(ctx context.Context, userID int64, ip string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, ip, channel_name, provider_id, owner, started_at
		FROM current_streams WHERE user_id = ? AND ip = ?`,
		userID, ip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// CountUser counts distinct tuples, not rows: duplicate rows for one tuple
// (two processes racing the same 100ms window) still cost one slot.
func (s *SQLiteStore) CountUser(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT DISTINCT user_id, ip, channel_name, provider_id
			FROM current_streams WHERE user_id = ?
		)`, userID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) CountProvider(ctx context.Context, providerID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT DISTINCT user_id, ip, channel_name, provider_id
			FROM current_streams WHERE provider_id = ?
		)`, providerID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) IsActive(ctx context.Context, k Key) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM current_streams
			WHERE user_id = ? AND ip = ? AND channel_name = ? AND provider_id = ?
		)`, k.UserID, k.IP, k.ChannelName, k.ProviderID).Scan(&exists)
	return exists, err
}

func (s *SQLiteStore) All(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, ip, channel_name, provider_id, owner, started_at
		FROM current_streams ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) PurgeOwner(ctx context.Context, owner string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM current_streams WHERE owner = ?`, owner)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("{sessions/sqlite - PurgeOwner} removed %d stale sessions for %s", n, owner)
	}
	return int(n), nil
}

// Close is a no-op: the database handle is owned by the caller and shared
// with the directory layer.
func (s *SQLiteStore) Close() error { return nil }

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		var sess Session
		var started time.Time
		if err := rows.Scan(&sess.UserID, &sess.IP, &sess.ChannelName, &sess.ProviderID, &sess.Owner, &started); err != nil {
			return nil, err
		}
		sess.StartedAt = started
		out = append(out, sess)
	}
	return out, rows.Err()
}
