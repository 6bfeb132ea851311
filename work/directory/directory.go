// Package directory reads the account and catalog side of the database:
// users, providers, the channels a provider carries and which of them a
// given user is allowed to tune.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"iptv-relay/work/database"
	"iptv-relay/work/logger"
)

var (
	// ErrNotFound is returned for unknown users, providers or channels.
	ErrNotFound = errors.New("not found")
	// ErrNotAuthorized is returned when a user asks for a channel outside
	// their grants.
	ErrNotAuthorized = errors.New("channel not authorized for user")
)

// User is a relay account.
type User struct {
	ID             int64
	Username       string
	Password       string
	MaxConnections int
	Enabled        bool
	ExpiresAt      *time.Time
}

// Expired reports whether the account is past its expiry date.
func (u *User) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && now.After(*u.ExpiresAt)
}

// Provider is an upstream IPTV origin with Xtream-style credentials.
// MaxConnections of zero means unlimited.
type Provider struct {
	ID             int64
	Name           string
	Server         string
	Username       string
	Password       string
	MaxConnections int
	UserAgent      string
	Enabled        bool
}

// Channel is one stream a provider carries.
type Channel struct {
	ID         int64
	ProviderID int64
	Name       string
	StreamID   string
	StreamType string
	Category   string
	Metadata   map[string]string
	BackupURLs []string
}

// Directory reads the catalog tables.
type Directory struct {
	db *database.DB
}

// New builds a Directory over an open database.
func New(db *database.DB) *Directory {
	return &Directory{db: db}
}

// DB exposes the underlying handle for surfaces that report raw statistics.
func (d *Directory) DB() *database.DB { return d.db }

// GetUser looks an account up by username.
func (d *Directory) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	var enabled int
	var expires sql.NullTime
	err := d.db.QueryRowContext(ctx, `
		SELECT id, username, password, max_connections, enabled, expires_at
		FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.Password, &u.MaxConnections, &enabled, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Enabled = enabled != 0
	if expires.Valid {
		t := expires.Time
		u.ExpiresAt = &t
	}
	return &u, nil
}

// GetUserByID looks an account up by id.
func (d *Directory) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	var enabled int
	var expires sql.NullTime
	err := d.db.QueryRowContext(ctx, `
		SELECT id, username, password, max_connections, enabled, expires_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Password, &u.MaxConnections, &enabled, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Enabled = enabled != 0
	if expires.Valid {
		t := expires.Time
		u.ExpiresAt = &t
	}
	return &u, nil
}

// GetProvider looks a provider up by id.
func (d *Directory) GetProvider(ctx context.Context, id int64) (*Provider, error) {
	var p Provider
	var enabled int
	var userAgent sql.NullString
	err := d.db.QueryRowContext(ctx, `
		SELECT id, name, server, username, password, max_connections, user_agent, enabled
		FROM providers WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Server, &p.Username, &p.Password, &p.MaxConnections, &userAgent, &enabled)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	p.UserAgent = userAgent.String
	return &p, nil
}

// GetChannel looks a channel up by id, without any authorization check.
func (d *Directory) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	return d.scanChannel(d.db.QueryRowContext(ctx, `
		SELECT id, provider_id, name, stream_id, stream_type, category, metadata, backup_urls
		FROM provider_channels WHERE id = ?`, id))
}

// GetChannelForUser returns the channel only when the user holds a grant for
// it, either directly or through its category. The ownership join happens in
// SQL so an unauthorized channel id never even materializes a Channel.
func (d *Directory) GetChannelForUser(ctx context.Context, userID, channelID int64) (*Channel, error) {
	ch, err := d.scanChannel(d.db.QueryRowContext(ctx, `
		SELECT c.id, c.provider_id, c.name, c.stream_id, c.stream_type, c.category, c.metadata, c.backup_urls
		FROM provider_channels c
		WHERE c.id = ?
		  AND (
			EXISTS (SELECT 1 FROM user_channels uc WHERE uc.user_id = ? AND uc.channel_id = c.id)
			OR EXISTS (SELECT 1 FROM user_categories ug WHERE ug.user_id = ? AND ug.category = c.category)
		  )`, channelID, userID, userID))
	if errors.Is(err, ErrNotFound) {
		// Distinguish "no such channel" from "not yours" for logging only;
		// the caller treats both as a 404-shaped failure.
		if _, probe := d.GetChannel(ctx, channelID); probe == nil {
			logger.Debug("{directory/directory - GetChannelForUser} user %d denied channel %d", userID, channelID)
			return nil, ErrNotAuthorized
		}
	}
	return ch, err
}

func (d *Directory) scanChannel(row *sql.Row) (*Channel, error) {
	var ch Channel
	var category, metadata, backups sql.NullString
	err := row.Scan(&ch.ID, &ch.ProviderID, &ch.Name, &ch.StreamID, &ch.StreamType, &category, &metadata, &backups)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ch.Category = category.String
	ch.Metadata = ParseMetadata(metadata.String)
	ch.BackupURLs = ParseBackupURLs(backups.String)
	return &ch, nil
}

// StreamURL builds the upstream Xtream-style URL for a channel through its
// provider. streamType selects the path shape: live and timeshift streams
// use bare .ts paths, movie and series use the container extension carried
// in the channel metadata (defaulting to mp4).
func StreamURL(p *Provider, ch *Channel, streamType string) string {
	server := strings.TrimSuffix(p.Server, "/")
	user := url.PathEscape(p.Username)
	pass := url.PathEscape(p.Password)

	switch streamType {
	case "movie":
		return fmt.Sprintf("%s/movie/%s/%s/%s.%s", server, user, pass, ch.StreamID, containerExt(ch))
	case "series":
		return fmt.Sprintf("%s/series/%s/%s/%s.%s", server, user, pass, ch.StreamID, containerExt(ch))
	default:
		return fmt.Sprintf("%s/live/%s/%s/%s.ts", server, user, pass, ch.StreamID)
	}
}

// TimeshiftURL builds the upstream catch-up URL: duration minutes of content
// starting at the given timestamp (YYYY-MM-DD:HH-MM form, passed through as
// the provider expects it). ext selects the archive form the client asked
// for, .m3u8 for the playlist and .ts for the raw stream.
func TimeshiftURL(p *Provider, ch *Channel, duration, start, ext string) string {
	if ext != ".m3u8" {
		ext = ".ts"
	}
	server := strings.TrimSuffix(p.Server, "/")
	return fmt.Sprintf("%s/timeshift/%s/%s/%s/%s/%s%s",
		server, url.PathEscape(p.Username), url.PathEscape(p.Password), duration, start, ch.StreamID, ext)
}

func containerExt(ch *Channel) string {
	if ext, ok := ch.Metadata["container_extension"]; ok && ext != "" {
		return ext
	}
	return "mp4"
}

// Candidates returns the ordered origin list for a channel: the primary
// provider URL first, then any backups from the catalog.
func Candidates(p *Provider, ch *Channel, streamType string) []string {
	out := make([]string, 0, 1+len(ch.BackupURLs))
	out = append(out, StreamURL(p, ch, streamType))
	out = append(out, ch.BackupURLs...)
	return out
}
