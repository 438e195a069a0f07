package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	attemptKeyPrefix = "login_attempt_user_"
	lockoutKeyPrefix = "login_lockout_ip_"
)

// ErrGuardUnavailable indicates the attempt store is unreachable. Callers
// must treat it as a denial: the guard fails closed.
var ErrGuardUnavailable = errors.New("login guard backend unavailable")

// ErrLoginThrottled is returned when an address is locked out or a username
// has exhausted its failure budget. The message is deliberately generic and
// does not reveal which identity triggered the lockout.
type ErrLoginThrottled struct {
	RetryAfter time.Duration
}

func (e ErrLoginThrottled) Error() string {
	return "too many failed login attempts"
}

type GuardConfig struct {
	FailedAttemptLimit int           // failures per username before lockout
	AttemptWindow      time.Duration // sliding window for the failure counter
	IPLockoutDuration  time.Duration // fixed penalty for the presenting address
}

// LoginGuard counts login failures per username and, once a username crosses
// the limit, locks out the network address that presented it. Counting and
// penalizing deliberately use separate keys: a distributed attack on one
// account still locks each participating host, while one host probing many
// usernames is only caught when some username crosses the limit.
type LoginGuard struct {
	rdb    redis.UniversalClient
	config GuardConfig
}

func NewLoginGuard(rdb redis.UniversalClient, config GuardConfig) *LoginGuard {
	if config.FailedAttemptLimit <= 0 {
		config.FailedAttemptLimit = 15
	}
	if config.AttemptWindow <= 0 {
		config.AttemptWindow = 5 * time.Minute
	}
	if config.IPLockoutDuration <= 0 {
		config.IPLockoutDuration = 15 * time.Minute
	}
	return &LoginGuard{rdb: rdb, config: config}
}

func attemptKey(username string) string {
	return attemptKeyPrefix + strings.ToLower(username)
}

func lockoutKey(ip string) string {
	return lockoutKeyPrefix + ip
}

// CheckAllowed gates a credential submission. It returns ErrLoginThrottled
// when the address is locked out or the username's failure count has reached
// the limit; crossing the limit writes a fresh lockout record for the
// presenting address.
func (g *LoginGuard) CheckAllowed(ctx context.Context, username, ip string) error {
	locked, err := g.rdb.Exists(ctx, lockoutKey(ip)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuardUnavailable, err)
	}
	if locked > 0 {
		retryAfter, err := g.rdb.TTL(ctx, lockoutKey(ip)).Result()
		if err != nil || retryAfter < 0 {
			retryAfter = g.config.IPLockoutDuration
		}
		return ErrLoginThrottled{RetryAfter: retryAfter}
	}

	attempts, err := g.rdb.Get(ctx, attemptKey(username)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrGuardUnavailable, err)
	}
	if attempts >= int64(g.config.FailedAttemptLimit) {
		if err := g.rdb.Set(ctx, lockoutKey(ip), true, g.config.IPLockoutDuration).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrGuardUnavailable, err)
		}
		return ErrLoginThrottled{RetryAfter: g.config.IPLockoutDuration}
	}

	return nil
}

// RecordFailure increments the username's failure counter atomically and
// restarts its expiry window, so the count only decays after a quiet period.
func (g *LoginGuard) RecordFailure(ctx context.Context, username string) error {
	key := attemptKey(username)
	if err := g.rdb.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrGuardUnavailable, err)
	}
	if err := g.rdb.Expire(ctx, key, g.config.AttemptWindow).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrGuardUnavailable, err)
	}
	return nil
}

// RecordSuccess discards the username's failure counter unconditionally.
// An existing IP lockout is left to expire on its own.
func (g *LoginGuard) RecordSuccess(ctx context.Context, username string) error {
	if err := g.rdb.Del(ctx, attemptKey(username)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrGuardUnavailable, err)
	}
	return nil
}
