// Package auth verifies stream credentials. Password checks are bcrypt when
// the stored hash says so and constant-time legacy comparison otherwise, and
// verified pairs are cached briefly so a segment-hungry HLS player does not
// hammer bcrypt sixty times a minute.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/crypto/bcrypt"

	"iptv-relay/work/directory"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
)

var (
	// ErrBadCredentials covers unknown users and wrong passwords alike;
	// callers must not be able to tell the two apart.
	ErrBadCredentials = errors.New("invalid credentials")
	// ErrAccountDisabled is returned for valid credentials on a disabled
	// or expired account.
	ErrAccountDisabled = errors.New("account disabled or expired")
)

// Authenticator verifies users against the directory with a verification
// cache on top.
type Authenticator struct {
	dir   *directory.Directory
	cache *ristretto.Cache[string, int64]
	ttl   time.Duration
}

// New builds an Authenticator. ttl bounds how long a verified credential
// pair is trusted without rechecking the database.
func New(dir *directory.Directory, ttl time.Duration) (*Authenticator, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, int64]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Authenticator{dir: dir, cache: cache, ttl: ttl}, nil
}

// cacheKey hashes the pair so plaintext passwords never sit in cache memory.
func cacheKey(username, password string) string {
	sum := sha256.Sum256([]byte(username + ":" + password))
	return hex.EncodeToString(sum[:])
}

// Authenticate verifies a username/password pair and returns the account.
//
// The cache stores only the user id for a verified pair; account state
// (enabled, expiry, connection limit) is re-read from the directory on every
// call so a ban takes effect within one request, not one TTL.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*directory.User, error) {
	if username == "" || password == "" {
		return nil, ErrBadCredentials
	}

	key := cacheKey(username, password)
	if userID, found := a.cache.Get(key); found {
		metrics.AuthCacheHits.Inc()
		user, err := a.dir.GetUserByID(ctx, userID)
		if err != nil {
			return nil, ErrBadCredentials
		}
		return checkAccount(user)
	}
	metrics.AuthCacheMisses.Inc()

	user, err := a.dir.GetUser(ctx, username)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			logger.Error("{auth/auth - Authenticate} directory lookup failed: %v", err)
		}
		// Burn comparable time for unknown users so response timing does
		// not leak which usernames exist.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))
		return nil, ErrBadCredentials
	}

	if !verifyPassword(user.Password, password) {
		return nil, ErrBadCredentials
	}

	a.cache.SetWithTTL(key, user.ID, 1, a.ttl)
	return checkAccount(user)
}

// verifyPassword handles both stored forms: bcrypt hashes from current
// provisioning and bare legacy passwords from imported accounts.
func verifyPassword(stored, supplied string) bool {
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

func checkAccount(user *directory.User) (*directory.User, error) {
	if !user.Enabled || user.Expired(time.Now()) {
		return nil, ErrAccountDisabled
	}
	return user, nil
}

// HashPassword produces a bcrypt hash for provisioning tools.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// Close releases the cache.
func (a *Authenticator) Close() {
	a.cache.Close()
}
