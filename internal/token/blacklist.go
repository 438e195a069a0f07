package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	blacklistKeyPrefix = "token_blacklist_"
	epochKeyPrefix     = "token_epoch_"
)

// Blacklist is a revocation ledger over the TTL store, keyed by subject.
// Each subject's entry maps raw token strings to their original expiry; the
// entry's own TTL is the maximum remaining validity of the tokens it holds,
// so the store reclaims it exactly when the last token would have died anyway.
type Blacklist struct {
	rdb redis.UniversalClient
}

func NewBlacklist(rdb redis.UniversalClient) *Blacklist {
	return &Blacklist{rdb: rdb}
}

func blacklistKey(userID string) string { return blacklistKeyPrefix + userID }
func epochKey(userID string) string     { return epochKeyPrefix + userID }

// Revoke adds the token to the subject's ledger for its remaining validity.
// An already-expired token is a no-op. Revoking the same token twice is
// indistinguishable from revoking it once.
func (b *Blacklist) Revoke(ctx context.Context, token, userID string, expiresAt int64) error {
	remaining := time.Until(time.Unix(expiresAt, 0))
	if remaining <= 0 {
		return nil
	}

	key := blacklistKey(userID)
	entries, err := b.entries(ctx, key)
	if err != nil {
		return err
	}
	entries[token] = expiresAt

	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode blacklist entry: %w", err)
	}
	if err := b.rdb.Set(ctx, key, encoded, remaining).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return nil
}

// IsRevoked reports whether the exact token string is in the subject's
// ledger. An absent ledger means nothing is revoked.
func (b *Blacklist) IsRevoked(ctx context.Context, token, userID string) (bool, error) {
	entries, err := b.entries(ctx, blacklistKey(userID))
	if err != nil {
		return false, err
	}
	_, revoked := entries[token]
	return revoked, nil
}

// RevokeAll invalidates every outstanding token for the subject: it clears
// the per-token ledger and bumps the subject's epoch so that any token issued
// before now is rejected regardless of its own expiry. The epoch lives for
// the given horizon, which should cover the longest issued token lifetime.
func (b *Blacklist) RevokeAll(ctx context.Context, userID string, horizon time.Duration) error {
	if horizon <= 0 {
		horizon = defaultRefreshTTL
	}

	if err := b.rdb.Del(ctx, blacklistKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := b.rdb.Set(ctx, epochKey(userID), time.Now().UTC().Unix(), horizon).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return nil
}

// Epoch returns the subject's revocation epoch in unix seconds, or 0 when no
// revoke-all has been recorded.
func (b *Blacklist) Epoch(ctx context.Context, userID string) (int64, error) {
	value, err := b.rdb.Get(ctx, epochKey(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return value, nil
}

func (b *Blacklist) entries(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := b.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	entries := map[string]int64{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode blacklist entry: %w", err)
	}
	return entries, nil
}
