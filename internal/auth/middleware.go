package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"zq-admin/internal/observability"
	"zq-admin/internal/token"
)

// IdentityStore is the slice of the identity & permission store the gateway
// needs to resolve a principal and its grants.
type IdentityStore interface {
	GetUserByID(ctx context.Context, id string) (User, error)
	HasAnyButton(ctx context.Context, userID string) (bool, error)
	HasButton(ctx context.Context, userID, api string, method int) (bool, error)
}

type GatewayConfig struct {
	// DemoMode blocks every mutating verb for non-superusers and superusers
	// alike, before any permission lookup.
	DemoMode bool
	// ModuleGatePrefixes require the principal to hold at least one granted
	// button before endpoint-specific matching is attempted.
	ModuleGatePrefixes []string
	// StreamPrefix is the only subtree the query-token variant will serve.
	StreamPrefix string
}

// Gateway decides, per request, whether the bearer of a credential may
// proceed, as whom, and with what authorizations. The decision sequence is
// strictly ordered and short-circuits at the first match; every internal
// fault is swallowed here and normalized to a generic rejection.
type Gateway struct {
	codec     *token.Codec
	store     IdentityStore
	whitelist *Whitelist
	config    GatewayConfig
	logger    *observability.Logger
}

func NewGateway(codec *token.Codec, store IdentityStore, whitelist *Whitelist, config GatewayConfig, logger *observability.Logger) *Gateway {
	if len(config.ModuleGatePrefixes) == 0 {
		config.ModuleGatePrefixes = []string{"/api/crm"}
	}
	if config.StreamPrefix == "" {
		config.StreamPrefix = "/api/system/file_manager/stream/"
	}
	return &Gateway{
		codec:     codec,
		store:     store,
		whitelist: whitelist,
		config:    config,
		logger:    logger,
	}
}

type userContextKey struct{}

// UserFromContext returns the authenticated principal placed by the gateway.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userContextKey{}).(User)
	return user, ok
}

type denial struct {
	status  int
	message string
}

// Middleware authenticates and authorizes every request it wraps, using the
// bearer token from the Authorization header.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}

		user, rejected := g.authenticate(r.Context(), tokenStr, r.URL.Path, r.Method)
		if rejected != nil {
			writeError(w, rejected.status, rejected.message)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// StreamMiddleware is the reduced-scope variant for streaming downloads: the
// token arrives as a query parameter and is verified, but no permission walk
// happens — exposure control for the stream subtree lives elsewhere.
func (g *Gateway) StreamMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, g.config.StreamPrefix) {
			writeError(w, http.StatusForbidden, "No Permission")
			return
		}

		tokenStr := strings.TrimSpace(r.URL.Query().Get("token"))
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		if _, err := g.codec.Verify(r.Context(), tokenStr, token.TypeAccess); err != nil {
			g.logger.Warn("stream_token_rejected", map[string]any{"reason": err.Error()})
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authenticate runs the ordered decision sequence. The sub-reason for a
// credential rejection (signature vs expiry vs blacklist) is logged with full
// detail but never surfaced to the caller.
func (g *Gateway) authenticate(ctx context.Context, tokenStr, path, method string) (User, *denial) {
	claims, err := g.codec.Verify(ctx, tokenStr, token.TypeAccess)
	if err != nil {
		if errors.Is(err, token.ErrStoreUnavailable) {
			return g.fault(err)
		}
		g.logger.Warn("access_token_rejected", map[string]any{
			"path":   path,
			"reason": err.Error(),
		})
		return User{}, &denial{http.StatusUnauthorized, "Invalid or expired token"}
	}

	userID, _ := claims["id"].(string)
	if userID == "" {
		return User{}, &denial{http.StatusUnauthorized, "Invalid token payload"}
	}

	user, err := g.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, &denial{http.StatusUnauthorized, "User not found"}
		}
		return g.fault(err)
	}

	if !user.IsActive {
		return User{}, &denial{http.StatusForbidden, "User account is disabled or deleted"}
	}

	// Evaluated before any permission lookup, superuser included.
	if g.config.DemoMode && method != http.MethodGet {
		return User{}, &denial{http.StatusForbidden, "Modifications are not allowed in demo environment"}
	}

	if user.IsSuperuser {
		return user, nil
	}

	normalized := NormalizePath(path)
	if g.whitelist.Match(ctx, normalized) {
		return user, nil
	}

	for _, prefix := range g.config.ModuleGatePrefixes {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		granted, err := g.store.HasAnyButton(ctx, user.ID)
		if err != nil {
			return g.fault(err)
		}
		if !granted {
			return User{}, &denial{http.StatusForbidden, "No permission to access this module"}
		}
	}

	code, ok := MethodCode(method)
	if !ok {
		return User{}, &denial{http.StatusForbidden, "No Permission"}
	}

	matched, err := g.store.HasButton(ctx, user.ID, normalized, code)
	if err != nil {
		return g.fault(err)
	}
	if !matched {
		return User{}, &denial{http.StatusForbidden, "No Permission"}
	}

	return user, nil
}

func (g *Gateway) fault(err error) (User, *denial) {
	sentry.CaptureException(err)
	g.logger.Error("authentication_fault", map[string]any{"error": err.Error()})
	return User{}, &denial{http.StatusUnauthorized, "Authentication failed"}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	tokenStr := strings.TrimSpace(parts[1])
	if tokenStr == "" {
		return "", false
	}

	return tokenStr, true
}
