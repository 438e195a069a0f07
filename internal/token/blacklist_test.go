package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlacklist(t *testing.T) (*Blacklist, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewBlacklist(rdb), mr
}

func TestRevokeAndIsRevoked(t *testing.T) {
	blacklist, _ := newTestBlacklist(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour).Unix()

	revoked, err := blacklist.IsRevoked(ctx, "tok-a", "user-1")
	require.NoError(t, err)
	assert.False(t, revoked, "absent ledger means nothing is revoked")

	require.NoError(t, blacklist.Revoke(ctx, "tok-a", "user-1", expiresAt))

	revoked, err = blacklist.IsRevoked(ctx, "tok-a", "user-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = blacklist.IsRevoked(ctx, "tok-b", "user-1")
	require.NoError(t, err)
	assert.False(t, revoked, "only the exact token string is revoked")

	revoked, err = blacklist.IsRevoked(ctx, "tok-a", "user-2")
	require.NoError(t, err)
	assert.False(t, revoked, "the ledger is per subject")
}

func TestRevokeIsIdempotent(t *testing.T) {
	blacklist, _ := newTestBlacklist(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour).Unix()

	require.NoError(t, blacklist.Revoke(ctx, "tok-a", "user-1", expiresAt))
	require.NoError(t, blacklist.Revoke(ctx, "tok-a", "user-1", expiresAt))

	revoked, err := blacklist.IsRevoked(ctx, "tok-a", "user-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	blacklist, mr := newTestBlacklist(t)
	ctx := context.Background()

	require.NoError(t, blacklist.Revoke(ctx, "tok-a", "user-1", time.Now().Add(-time.Minute).Unix()))

	revoked, err := blacklist.IsRevoked(ctx, "tok-a", "user-1")
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.False(t, mr.Exists("token_blacklist_user-1"), "no ledger is written for a dead token")
}

func TestLedgerExpiresWithTheToken(t *testing.T) {
	blacklist, mr := newTestBlacklist(t)
	ctx := context.Background()

	// Revoked one second before natural expiry: revoked now, reclaimed by
	// the store once the token would have died anyway.
	require.NoError(t, blacklist.Revoke(ctx, "tok-a", "user-1", time.Now().Add(2*time.Second).Unix()))

	revoked, err := blacklist.IsRevoked(ctx, "tok-a", "user-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(3 * time.Second)

	revoked, err = blacklist.IsRevoked(ctx, "tok-a", "user-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeAllClearsLedgerAndBumpsEpoch(t *testing.T) {
	blacklist, _ := newTestBlacklist(t)
	ctx := context.Background()

	require.NoError(t, blacklist.Revoke(ctx, "tok-a", "user-1", time.Now().Add(time.Hour).Unix()))
	require.NoError(t, blacklist.RevokeAll(ctx, "user-1", time.Hour))

	revoked, err := blacklist.IsRevoked(ctx, "tok-a", "user-1")
	require.NoError(t, err)
	assert.False(t, revoked, "revoke-all clears the per-token ledger")

	epoch, err := blacklist.Epoch(ctx, "user-1")
	require.NoError(t, err)
	assert.Greater(t, epoch, int64(0))

	epoch, err = blacklist.Epoch(ctx, "user-2")
	require.NoError(t, err)
	assert.Zero(t, epoch)
}

func TestVerifyRejectsBlacklistedAccessToken(t *testing.T) {
	blacklist, _ := newTestBlacklist(t)
	codec := newTestCodec(t, Config{}, nil, blacklist)
	ctx := context.Background()

	pair, err := codec.Issue(ctx, map[string]any{"id": "user-1", "username": "alice"}, time.Hour, time.Hour)
	require.NoError(t, err)

	_, err = codec.Verify(ctx, pair.AccessToken, TypeAccess)
	require.NoError(t, err)

	require.NoError(t, blacklist.Revoke(ctx, pair.AccessToken, "user-1", pair.AccessExpiresAt))

	_, err = codec.Verify(ctx, pair.AccessToken, TypeAccess)
	require.ErrorIs(t, err, ErrTokenRevoked)

	// Refresh tokens are not subject to the blacklist walk.
	_, err = codec.Verify(ctx, pair.RefreshToken, TypeRefresh)
	require.NoError(t, err)
}

func TestVerifyRejectsTokensPredatingEpoch(t *testing.T) {
	blacklist, _ := newTestBlacklist(t)
	codec := newTestCodec(t, Config{}, nil, blacklist)
	ctx := context.Background()

	now := time.Now().UTC()
	older, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":       "user-1",
		"username": "alice",
		"exp":      now.Add(time.Hour).Unix(),
		"iat":      now.Add(-time.Minute).Unix(),
		"type":     string(TypeAccess),
	}).SignedString(testAccessSecret)
	require.NoError(t, err)

	_, err = codec.Verify(ctx, older, TypeAccess)
	require.NoError(t, err)

	require.NoError(t, blacklist.RevokeAll(ctx, "user-1", time.Hour))

	_, err = codec.Verify(ctx, older, TypeAccess)
	require.ErrorIs(t, err, ErrTokenRevoked, "tokens issued before the epoch are dead even though never individually revoked")
}

func TestVerifyFailsClosedWhenStoreIsDown(t *testing.T) {
	blacklist, mr := newTestBlacklist(t)
	codec := newTestCodec(t, Config{}, nil, blacklist)
	ctx := context.Background()

	pair, err := codec.Issue(ctx, map[string]any{"id": "user-1", "username": "alice"}, time.Hour, time.Hour)
	require.NoError(t, err)

	mr.Close()

	_, err = codec.Verify(ctx, pair.AccessToken, TypeAccess)
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
