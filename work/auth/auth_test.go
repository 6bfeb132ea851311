package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptv-relay/work/database"
	"iptv-relay/work/directory"
)

func testAuth(t *testing.T) (*Authenticator, *database.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	a, err := New(directory.New(db), time.Minute)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, db
}

func TestAuthenticateLegacyPassword(t *testing.T) {
	a, db := testAuth(t)
	ctx := context.Background()

	_, err := db.Exec(`INSERT INTO users (username, password, max_connections) VALUES ('alice', 'plaintext', 2)`)
	require.NoError(t, err)

	user, err := a.Authenticate(ctx, "alice", "plaintext")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = a.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestAuthenticateBcrypt(t *testing.T) {
	a, db := testAuth(t)
	ctx := context.Background()

	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (username, password) VALUES ('bob', ?)`, hash)
	require.NoError(t, err)

	_, err = a.Authenticate(ctx, "bob", "hunter2")
	require.NoError(t, err)

	_, err = a.Authenticate(ctx, "bob", "hunter3")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	a, _ := testAuth(t)

	_, err := a.Authenticate(context.Background(), "ghost", "x")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = a.Authenticate(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestAuthenticateDisabledAndExpired(t *testing.T) {
	a, db := testAuth(t)
	ctx := context.Background()

	_, err := db.Exec(`INSERT INTO users (username, password, enabled) VALUES ('off', 'pw', 0)`)
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, "off", "pw")
	assert.ErrorIs(t, err, ErrAccountDisabled)

	_, err = db.Exec(`INSERT INTO users (username, password, expires_at) VALUES ('old', 'pw', ?)`,
		time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, "old", "pw")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestDisableTakesEffectDespiteCache(t *testing.T) {
	a, db := testAuth(t)
	ctx := context.Background()

	res, err := db.Exec(`INSERT INTO users (username, password) VALUES ('carol', 'pw')`)
	require.NoError(t, err)
	carolID, _ := res.LastInsertId()

	_, err = a.Authenticate(ctx, "carol", "pw")
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE users SET enabled = 0 WHERE id = ?`, carolID)
	require.NoError(t, err)

	// Even if the credential pair is still cached, account state is
	// re-read on every call.
	_, err = a.Authenticate(ctx, "carol", "pw")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}
