package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"zq-admin/internal/token"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrInvalidAccessToken = errors.New("invalid access token")
	ErrInvalidRefresh     = errors.New("invalid refresh token")
)

// UserStore is the slice of the identity store the login flows need.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

// Service implements the credential flows around the gateway: login (gated
// by the attempt guard), refresh, logout and password change.
type Service struct {
	users         UserStore
	guard         *LoginGuard
	codec         *token.Codec
	blacklist     *token.Blacklist
	revokeHorizon time.Duration
}

func NewService(users UserStore, guard *LoginGuard, codec *token.Codec, blacklist *token.Blacklist) *Service {
	return &Service{
		users:         users,
		guard:         guard,
		codec:         codec,
		blacklist:     blacklist,
		revokeHorizon: 7 * 24 * time.Hour,
	}
}

// WithRevokeHorizon sets how long a revoke-all epoch is retained. It should
// cover the longest refresh-token lifetime in use.
func (s *Service) WithRevokeHorizon(horizon time.Duration) {
	if horizon > 0 {
		s.revokeHorizon = horizon
	}
}

// Login checks the attempt guard before touching credentials, records
// failures against the username, and clears the counter on success.
func (s *Service) Login(ctx context.Context, username, password, ip string) (Tokens, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	if err := s.guard.CheckAllowed(ctx, username, ip); err != nil {
		return Tokens{}, err
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if recErr := s.guard.RecordFailure(ctx, username); recErr != nil {
				return Tokens{}, recErr
			}
			return Tokens{}, ErrInvalidCredentials
		}
		return Tokens{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if recErr := s.guard.RecordFailure(ctx, username); recErr != nil {
			return Tokens{}, recErr
		}
		return Tokens{}, ErrInvalidCredentials
	}

	if !user.IsActive {
		return Tokens{}, ErrAccountDisabled
	}

	if err := s.guard.RecordSuccess(ctx, username); err != nil {
		return Tokens{}, err
	}

	return s.issueTokens(ctx, user)
}

// Refresh mints a new token pair from a valid refresh token. The refresh
// token itself carries only the subject identity; everything else is
// re-resolved from the identity store.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrInvalidRefresh
	}

	claims, err := s.codec.Verify(ctx, refreshToken, token.TypeRefresh)
	if err != nil {
		return Tokens{}, ErrInvalidRefresh
	}

	userID, _ := claims["id"].(string)
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tokens{}, ErrInvalidRefresh
		}
		return Tokens{}, err
	}
	if !user.IsActive {
		return Tokens{}, ErrAccountDisabled
	}

	return s.issueTokens(ctx, user)
}

// Logout blacklists the presented access token for its remaining validity.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.codec.Verify(ctx, accessToken, token.TypeAccess)
	if err != nil {
		return ErrInvalidAccessToken
	}

	userID, _ := claims["id"].(string)
	exp, _ := claims["exp"].(float64)

	return s.blacklist.Revoke(ctx, accessToken, userID, int64(exp))
}

// ChangePassword verifies the old password, stores the new hash, blacklists
// the presenting token and bumps the subject's revocation epoch so every
// outstanding token dies with the old password.
func (s *Service) ChangePassword(ctx context.Context, accessToken, oldPassword, newPassword string) error {
	claims, err := s.codec.Verify(ctx, accessToken, token.TypeAccess)
	if err != nil {
		return ErrInvalidAccessToken
	}
	userID, _ := claims["id"].(string)

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return err
	}

	exp, _ := claims["exp"].(float64)
	if err := s.blacklist.Revoke(ctx, accessToken, userID, int64(exp)); err != nil {
		return err
	}

	return s.blacklist.RevokeAll(ctx, userID, s.revokeHorizon)
}

// BootstrapAdmin creates or refreshes the initial superuser when both env
// values are present. Missing values are not an error.
func BootstrapAdmin(ctx context.Context, repo *Repository, adminUsername, adminPassword string) error {
	adminUsername = strings.TrimSpace(strings.ToLower(adminUsername))
	adminPassword = strings.TrimSpace(adminPassword)

	if adminUsername == "" && adminPassword == "" {
		return nil
	}
	if adminUsername == "" || adminPassword == "" {
		return errors.New("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	return repo.UpsertSuperuser(ctx, adminUsername, adminPassword)
}

func (s *Service) issueTokens(ctx context.Context, user User) (Tokens, error) {
	pair, err := s.codec.Issue(ctx, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	}, 0, 0)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.AccessExpiresAt - time.Now().UTC().Unix(),
	}, nil
}
