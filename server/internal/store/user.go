package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fuzzctl/fuzzctl/server/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateUser inserts a new local operator account.
func (s *Store) CreateUser(ctx context.Context, user *db.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// GetUserByID returns ErrNotFound if no user with id exists.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get user by id: %w", err)
	}
	return &user, nil
}

// UpdateUser persists all fields of an existing user record.
func (s *Store) UpdateUser(ctx context.Context, user *db.User) error {
	result := s.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("store: update user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUserByEmail returns ErrNotFound if no user with email exists.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get user by email: %w", err)
	}
	return &user, nil
}

// CreateRefreshToken persists a hashed refresh token (spec ambient auth —
// the raw token never touches the database, see auth.LocalAuthProvider).
func (s *Store) CreateRefreshToken(ctx context.Context, token *db.RefreshToken) error {
	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("store: create refresh token: %w", err)
	}
	return nil
}

// GetRefreshTokenByHash returns ErrNotFound if no token with hash exists.
func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	var token db.RefreshToken
	err := s.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get refresh token by hash: %w", err)
	}
	return &token, nil
}

// DeleteRefreshTokenByHash is a no-op if no token matches hash — the
// desired state (token gone) is already met.
func (s *Store) DeleteRefreshTokenByHash(ctx context.Context, hash string) error {
	if err := s.db.WithContext(ctx).Where("token_hash = ?", hash).Delete(&db.RefreshToken{}).Error; err != nil {
		return fmt.Errorf("store: delete refresh token: %w", err)
	}
	return nil
}

// DeleteRefreshTokensForUser removes every refresh token belonging to a
// user, used by AuthService.LogoutAllSessions to force re-login everywhere.
// A password change through the profile-update handler does not call it.
func (s *Store) DeleteRefreshTokensForUser(ctx context.Context, userID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&db.RefreshToken{}).Error; err != nil {
		return fmt.Errorf("store: delete refresh tokens for user: %w", err)
	}
	return nil
}

// DeleteExpiredRefreshTokens permanently removes every expired refresh
// token. Intended to run periodically from a background ticker.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("expires_at < CURRENT_TIMESTAMP").Delete(&db.RefreshToken{}).Error; err != nil {
		return fmt.Errorf("store: delete expired refresh tokens: %w", err)
	}
	return nil
}

// GetSetting returns ErrNotFound if key has never been set.
func (s *Store) GetSetting(ctx context.Context, key string) (*db.Setting, error) {
	var setting db.Setting
	err := s.db.WithContext(ctx).First(&setting, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get setting: %w", err)
	}
	return &setting, nil
}

// SetSetting upserts a key-value configuration entry (used to persist the
// webhook notification target, spec §4.7).
func (s *Store) SetSetting(ctx context.Context, key string, value db.EncryptedString) error {
	setting := db.Setting{Key: key, Value: value}
	err := s.db.WithContext(ctx).
		Clauses(clauseOnConflictUpdate()).
		Create(&setting).Error
	if err != nil {
		return fmt.Errorf("store: set setting: %w", err)
	}
	return nil
}
