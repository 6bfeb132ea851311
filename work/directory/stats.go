package directory

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"

	"iptv-relay/work/database"
	"iptv-relay/work/logger"
)

// Stats records view history off the request path. Writes go through a
// worker pool so a slow disk never delays stream startup.
type Stats struct {
	db   *database.DB
	pool *ants.Pool
}

// NewStats builds a Stats writer over the shared pool.
func NewStats(db *database.DB, pool *ants.Pool) *Stats {
	return &Stats{db: db, pool: pool}
}

// RecordView queues a view event. Best effort: a full pool or failed insert
// is logged and forgotten.
func (s *Stats) RecordView(userID int64, ch *Channel) {
	channelID, name, streamType := ch.ID, ch.Name, ch.StreamType
	err := s.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO stream_stats (user_id, channel_id, channel_name, stream_type)
			VALUES (?, ?, ?, ?)`,
			userID, channelID, name, streamType)
		if err != nil {
			logger.Warn("{directory/stats - RecordView} insert failed: %v", err)
		}
	})
	if err != nil {
		logger.Warn("{directory/stats - RecordView} pool rejected view event: %v", err)
	}
}

// ChannelViews is one row of the view leaderboard.
type ChannelViews struct {
	ChannelID   int64  `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	Views       int64  `json:"views"`
}

// TopChannels returns the most-viewed channels, newest data first.
func (s *Stats) TopChannels(ctx context.Context, limit int) ([]ChannelViews, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, channel_name, COUNT(*) AS views
		FROM stream_stats
		GROUP BY channel_id, channel_name
		ORDER BY views DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelViews
	for rows.Next() {
		var cv ChannelViews
		if err := rows.Scan(&cv.ChannelID, &cv.ChannelName, &cv.Views); err != nil {
			return nil, err
		}
		out = append(out, cv)
	}
	return out, rows.Err()
}
