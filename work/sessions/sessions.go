// Package sessions is the shared registry of live viewing sessions. Every
// relay process pointed at the same backing store sees the same rows, which
// is what makes connection limits hold across a multi-process deployment.
//
// A session is identified by the tuple (user, client IP, channel name,
// provider). Multiple requests for the same tuple count as ONE session: a
// player that opens three sockets for one stream still occupies one slot.
package sessions

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session is one admitted viewing session.
type Session struct {
	UserID      int64     `json:"user_id"`
	IP          string    `json:"ip"`
	ChannelName string    `json:"channel_name"`
	ProviderID  int64     `json:"provider_id"`
	Owner       string    `json:"owner"`
	StartedAt   time.Time `json:"started_at"`
}

// Key is the identity tuple of a session.
type Key struct {
	UserID      int64
	IP          string
	ChannelName string
	ProviderID  int64
}

// Key returns the identity tuple of a session.
func (s Session) Key() Key {
	return Key{UserID: s.UserID, IP: s.IP, ChannelName: s.ChannelName, ProviderID: s.ProviderID}
}

// String renders the key in its wire form, used as redis hash field and in
// debug logs. Channel names may contain anything except our separator, which
// is stripped on the way in.
func (k Key) String() string {
	return fmt.Sprintf("%d|%s|%s|%d", k.UserID, sanitize(k.IP), sanitize(k.ChannelName), k.ProviderID)
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "|", "_")
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, "|", 4)
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("malformed session key: %q", s)
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed session key user: %q", s)
	}
	providerID, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed session key provider: %q", s)
	}
	return Key{UserID: userID, IP: parts[1], ChannelName: parts[2], ProviderID: providerID}, nil
}

// Store is the persistence backend for the registry. Implementations must be
// safe for concurrent use from multiple goroutines AND multiple processes.
type Store interface {
	// Add records a session. Adding an already-present key is not an
	// error; the distinct-tuple counting rules make it a no-op in effect.
	Add(ctx context.Context, s Session) error

	// Remove deletes every record for the key and reports whether any
	// existed. Removing an absent key is a no-op.
	Remove(ctx context.Context, k Key) (bool, error)

	// FindUserIP returns the sessions registered for a user at a client IP.
	FindUserIP(ctx context.Context, userID int64, ip string) ([]Session, error)

	// CountUser returns the number of DISTINCT session tuples for a user.
	CountUser(ctx context.Context, userID int64) (int, error)

	// CountProvider returns the number of DISTINCT session tuples hitting
	// a provider, across all users.
	CountProvider(ctx context.Context, providerID int64) (int, error)

	// IsActive reports whether the exact tuple is registered.
	IsActive(ctx context.Context, k Key) (bool, error)

	// All returns every registered session, for the status surface.
	All(ctx context.Context) ([]Session, error)

	// PurgeOwner removes every session registered by the given owner and
	// returns how many were dropped. Run at startup so rows left by a
	// crashed predecessor with our identity do not eat slots forever.
	PurgeOwner(ctx context.Context, owner string) (int, error)

	Close() error
}

// ProcessOwner returns this process's owner identity (host:pid) for session
// rows.
func ProcessOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
