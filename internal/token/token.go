package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type discriminates the two token classes. Verify refuses any token whose
// embedded type claim does not match the expected class, so a leaked refresh
// token can never be replayed as an access token or vice versa.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	ErrInvalidToken     = errors.New("invalid or expired token")
	ErrWrongTokenType   = errors.New("wrong token type")
	ErrTokenRevoked     = errors.New("token revoked")
	ErrMissingSubject   = errors.New("token claims missing id or username")
	ErrStoreUnavailable = errors.New("token store unavailable")
)

// TTLSource supplies token lifetimes from runtime configuration (the first
// row of the basic_config table). A failing or empty source is a soft
// fallback, never an issuance error.
type TTLSource interface {
	TokenTTLs(ctx context.Context) (accessMinutes, refreshMinutes int, err error)
}

// RevocationSource answers whether an access token is currently revoked,
// either individually (blacklist) or wholesale (subject epoch).
type RevocationSource interface {
	IsRevoked(ctx context.Context, token, userID string) (bool, error)
	Epoch(ctx context.Context, userID string) (int64, error)
}

type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Algorithm     string        // HS256 (default), HS384 or HS512
	AccessTTL     time.Duration // 0 = consult the TTL source, then the default
	RefreshTTL    time.Duration
}

// Pair is the result of issuing both token classes at once.
type Pair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt int64 // unix seconds
}

// Codec signs and verifies both token classes. It is the single authority for
// "is this token currently usable": signature, expiry, type and revocation
// checks all live here.
type Codec struct {
	config      Config
	method      jwt.SigningMethod
	ttls        TTLSource
	revocations RevocationSource
}

func NewCodec(config Config, ttls TTLSource, revocations RevocationSource) (*Codec, error) {
	if len(config.AccessSecret) < 32 || len(config.RefreshSecret) < 32 {
		return nil, errors.New("token secrets must be at least 32 bytes")
	}
	if subtle.ConstantTimeCompare(config.AccessSecret, config.RefreshSecret) == 1 {
		return nil, errors.New("access and refresh secrets must differ")
	}

	var method jwt.SigningMethod
	switch config.Algorithm {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", config.Algorithm)
	}

	return &Codec{
		config:      config,
		method:      method,
		ttls:        ttls,
		revocations: revocations,
	}, nil
}

// Issue signs an access/refresh pair for the given claim set. The claim set
// must carry at least "id" and "username"; the access token embeds the full
// set, the refresh token only the subject identity. TTL arguments override
// the static config, which overrides the runtime TTL source, which falls back
// to hard defaults.
func (c *Codec) Issue(ctx context.Context, data map[string]any, accessTTL, refreshTTL time.Duration) (Pair, error) {
	id, _ := data["id"].(string)
	username, _ := data["username"].(string)
	if id == "" || username == "" {
		return Pair{}, ErrMissingSubject
	}

	accessTTL, refreshTTL = c.resolveTTLs(ctx, accessTTL, refreshTTL)

	now := time.Now().UTC()
	accessExpiry := now.Add(accessTTL)

	accessClaims := jwt.MapClaims{}
	for key, value := range data {
		accessClaims[key] = value
	}
	accessClaims["exp"] = accessExpiry.Unix()
	accessClaims["iat"] = now.Unix()
	accessClaims["type"] = string(TypeAccess)

	// Deliberately minimal: the longer-lived credential carries nothing
	// beyond the subject identity.
	refreshClaims := jwt.MapClaims{
		"id":       id,
		"username": username,
		"exp":      now.Add(refreshTTL).Unix(),
		"iat":      now.Unix(),
		"type":     string(TypeRefresh),
	}

	access, err := jwt.NewWithClaims(c.method, accessClaims).SignedString(c.config.AccessSecret)
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := jwt.NewWithClaims(c.method, refreshClaims).SignedString(c.config.RefreshSecret)
	if err != nil {
		return Pair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return Pair{
		AccessToken:     access,
		RefreshToken:    refresh,
		AccessExpiresAt: accessExpiry.Unix(),
	}, nil
}

// Verify decodes tokenStr under the secret matching expectedType and returns
// its claims. Access tokens are additionally checked against the revocation
// source: an individually blacklisted token, or one issued before the
// subject's current epoch, is rejected. Revocation store errors fail closed.
func (c *Codec) Verify(ctx context.Context, tokenStr string, expectedType Type) (jwt.MapClaims, error) {
	if tokenStr == "" {
		return nil, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
	)
	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return c.secretFor(expectedType), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	if got, _ := claims["type"].(string); got != string(expectedType) {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrWrongTokenType, expectedType, got)
	}

	if expectedType == TypeAccess && c.revocations != nil {
		if err := c.checkRevocation(ctx, tokenStr, claims); err != nil {
			return nil, err
		}
	}

	return claims, nil
}

func (c *Codec) checkRevocation(ctx context.Context, tokenStr string, claims jwt.MapClaims) error {
	userID, _ := claims["id"].(string)
	if userID == "" {
		return nil
	}

	revoked, err := c.revocations.IsRevoked(ctx, tokenStr, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if revoked {
		return ErrTokenRevoked
	}

	epoch, err := c.revocations.Epoch(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if epoch > 0 {
		if iat, ok := claims["iat"].(float64); ok && int64(iat) < epoch {
			return ErrTokenRevoked
		}
	}

	return nil
}

func (c *Codec) secretFor(tokenType Type) []byte {
	if tokenType == TypeRefresh {
		return c.config.RefreshSecret
	}
	return c.config.AccessSecret
}

// resolveTTLs applies the per-class fallback chain independently:
// explicit argument, static config, runtime source, hard default.
func (c *Codec) resolveTTLs(ctx context.Context, accessTTL, refreshTTL time.Duration) (time.Duration, time.Duration) {
	if accessTTL <= 0 {
		accessTTL = c.config.AccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = c.config.RefreshTTL
	}

	if (accessTTL <= 0 || refreshTTL <= 0) && c.ttls != nil {
		accessMinutes, refreshMinutes, err := c.ttls.TokenTTLs(ctx)
		if err == nil {
			if accessTTL <= 0 && accessMinutes > 0 {
				accessTTL = time.Duration(accessMinutes) * time.Minute
			}
			if refreshTTL <= 0 && refreshMinutes > 0 {
				refreshTTL = time.Duration(refreshMinutes) * time.Minute
			}
		}
	}

	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}

	return accessTTL, refreshTTL
}
