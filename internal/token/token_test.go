package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testAccessSecret  = []byte("access-secret-0123456789abcdef0123456789")
	testRefreshSecret = []byte("refresh-secret-0123456789abcdef012345678")
)

type staticTTLSource struct {
	access  int
	refresh int
	err     error
}

func (s staticTTLSource) TokenTTLs(ctx context.Context) (int, int, error) {
	return s.access, s.refresh, s.err
}

func newTestCodec(t *testing.T, config Config, ttls TTLSource, revocations RevocationSource) *Codec {
	t.Helper()
	if config.AccessSecret == nil {
		config.AccessSecret = testAccessSecret
	}
	if config.RefreshSecret == nil {
		config.RefreshSecret = testRefreshSecret
	}
	codec, err := NewCodec(config, ttls, revocations)
	require.NoError(t, err)
	return codec
}

func TestNewCodecRejectsBadConfig(t *testing.T) {
	_, err := NewCodec(Config{AccessSecret: []byte("short"), RefreshSecret: testRefreshSecret}, nil, nil)
	require.Error(t, err)

	_, err = NewCodec(Config{AccessSecret: testAccessSecret, RefreshSecret: testAccessSecret}, nil, nil)
	require.Error(t, err, "identical per-class secrets must be rejected")

	_, err = NewCodec(Config{AccessSecret: testAccessSecret, RefreshSecret: testRefreshSecret, Algorithm: "RS256"}, nil, nil)
	require.Error(t, err)
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	codec := newTestCodec(t, Config{}, nil, nil)
	ctx := context.Background()

	pair, err := codec.Issue(ctx, map[string]any{
		"id":       "user-1",
		"username": "alice",
		"tenant":   "acme",
	}, time.Minute, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	access, err := codec.Verify(ctx, pair.AccessToken, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", access["id"])
	assert.Equal(t, "alice", access["username"])
	assert.Equal(t, "acme", access["tenant"], "access token must carry the full claim set")
	assert.Equal(t, string(TypeAccess), access["type"])

	refresh, err := codec.Verify(ctx, pair.RefreshToken, TypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, "user-1", refresh["id"])
	assert.Equal(t, "alice", refresh["username"])
	assert.NotContains(t, refresh, "tenant", "refresh token must carry only the subject identity")
}

func TestIssueRequiresSubjectClaims(t *testing.T) {
	codec := newTestCodec(t, Config{}, nil, nil)

	_, err := codec.Issue(context.Background(), map[string]any{"username": "alice"}, 0, 0)
	require.ErrorIs(t, err, ErrMissingSubject)

	_, err = codec.Issue(context.Background(), map[string]any{"id": "user-1"}, 0, 0)
	require.ErrorIs(t, err, ErrMissingSubject)
}

func TestVerifyRejectsTypeConfusion(t *testing.T) {
	codec := newTestCodec(t, Config{}, nil, nil)
	ctx := context.Background()

	pair, err := codec.Issue(ctx, map[string]any{"id": "user-1", "username": "alice"}, time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = codec.Verify(ctx, pair.RefreshToken, TypeAccess)
	require.Error(t, err, "refresh token presented as access must fail")

	_, err = codec.Verify(ctx, pair.AccessToken, TypeRefresh)
	require.Error(t, err, "access token presented as refresh must fail")

	// Even under the right secret, a mismatched type claim is rejected.
	now := time.Now().UTC()
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":       "user-1",
		"username": "alice",
		"exp":      now.Add(time.Minute).Unix(),
		"iat":      now.Unix(),
		"type":     string(TypeRefresh),
	}).SignedString(testAccessSecret)
	require.NoError(t, err)

	_, err = codec.Verify(ctx, forged, TypeAccess)
	require.ErrorIs(t, err, ErrWrongTokenType)
}

func TestVerifyRejectsExpiredAndGarbled(t *testing.T) {
	codec := newTestCodec(t, Config{}, nil, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":       "user-1",
		"username": "alice",
		"exp":      now.Add(-time.Minute).Unix(),
		"iat":      now.Add(-time.Hour).Unix(),
		"type":     string(TypeAccess),
	}).SignedString(testAccessSecret)
	require.NoError(t, err)

	_, err = codec.Verify(ctx, expired, TypeAccess)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = codec.Verify(ctx, "not.a.token", TypeAccess)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = codec.Verify(ctx, "", TypeAccess)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTTLResolutionChain(t *testing.T) {
	ctx := context.Background()

	expiresIn := func(pair Pair) time.Duration {
		return time.Until(time.Unix(pair.AccessExpiresAt, 0))
	}

	// Explicit argument beats everything.
	codec := newTestCodec(t, Config{AccessTTL: time.Hour}, staticTTLSource{access: 99}, nil)
	pair, err := codec.Issue(ctx, map[string]any{"id": "u", "username": "u"}, 2*time.Minute, time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, (2 * time.Minute).Seconds(), expiresIn(pair).Seconds(), 5)

	// Static config next.
	pair, err = codec.Issue(ctx, map[string]any{"id": "u", "username": "u"}, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, time.Hour.Seconds(), expiresIn(pair).Seconds(), 5)

	// Runtime source next.
	codec = newTestCodec(t, Config{}, staticTTLSource{access: 3, refresh: 10}, nil)
	pair, err = codec.Issue(ctx, map[string]any{"id": "u", "username": "u"}, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, (3 * time.Minute).Seconds(), expiresIn(pair).Seconds(), 5)

	// A failing source is a soft fallback to the hard default, not an error.
	codec = newTestCodec(t, Config{}, staticTTLSource{err: errors.New("db down")}, nil)
	pair, err = codec.Issue(ctx, map[string]any{"id": "u", "username": "u"}, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, defaultAccessTTL.Seconds(), expiresIn(pair).Seconds(), 5)
}
