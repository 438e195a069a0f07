package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Repository reads the identity and permission entities this gateway depends
// on. Users, roles and buttons are owned by the surrounding application; the
// gateway only resolves them.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_active, is_superuser, created_at, updated_at
		FROM system_users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsActive, &user.IsSuperuser, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}

	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_active, is_superuser, created_at, updated_at
		FROM system_users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsActive, &user.IsSuperuser, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by username: %w", err)
	}

	return user, nil
}

// HasAnyButton reports whether the user's roles grant at least one button.
// The module gate rejects on an empty grant set before any endpoint-specific
// matching happens.
func (r *Repository) HasAnyButton(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM system_user_roles ur
			JOIN system_role_buttons rb ON rb.role_id = ur.role_id
			WHERE ur.user_id = $1
		)
	`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query granted buttons: %w", err)
	}

	return exists, nil
}

// HasButton reports whether any of the user's granted buttons matches the
// normalized path template and method code.
func (r *Repository) HasButton(ctx context.Context, userID, api string, method int) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM system_user_roles ur
			JOIN system_role_buttons rb ON rb.role_id = ur.role_id
			JOIN system_buttons b ON b.id = rb.button_id
			WHERE ur.user_id = $1 AND b.api = $2 AND b.method = $3
		)
	`, userID, api, method).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query button match: %w", err)
	}

	return exists, nil
}

// TokenTTLs reads the runtime token lifetimes from the first basic_config
// row. Zero values mean "not configured"; the codec treats both a missing
// row and an error as a soft fallback.
func (r *Repository) TokenTTLs(ctx context.Context) (int, int, error) {
	var accessMinutes, refreshMinutes sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT access_token_timeout, refresh_token_timeout
		FROM basic_config
		ORDER BY created_at ASC
		LIMIT 1
	`).Scan(&accessMinutes, &refreshMinutes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("query basic config: %w", err)
	}

	return int(accessMinutes.Int64), int(refreshMinutes.Int64), nil
}

func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE system_users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	return nil
}

// UpsertSuperuser creates or refreshes the bootstrap superuser. Idempotent;
// used only during startup.
func (r *Repository) UpsertSuperuser(ctx context.Context, username, plainPassword string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO system_users (id, username, password_hash, is_active, is_superuser, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, TRUE, $4, $4)
		ON CONFLICT (username)
		DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			is_active = TRUE,
			is_superuser = TRUE,
			updated_at = EXCLUDED.updated_at
	`, id.String(), username, string(hash), now)
	if err != nil {
		return fmt.Errorf("upsert superuser: %w", err)
	}

	return nil
}
