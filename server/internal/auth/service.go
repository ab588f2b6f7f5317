package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fuzzctl/fuzzctl/server/internal/store"
)

// AuthService is the entry point for all authentication operations. The
// REST API layer depends on AuthService, never on LocalAuthProvider
// directly.
type AuthService struct {
	local      *LocalAuthProvider
	store      *store.Store
	jwtManager *JWTManager
}

// NewAuthService creates an AuthService with the given dependencies.
func NewAuthService(local *LocalAuthProvider, st *store.Store, jwtManager *JWTManager) *AuthService {
	return &AuthService{
		local:      local,
		store:      st,
		jwtManager: jwtManager,
	}
}

// LoginLocal authenticates a user via email and password.
func (s *AuthService) LoginLocal(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	return s.local.Login(ctx, req)
}

// RefreshToken validates and rotates a refresh token.
func (s *AuthService) RefreshToken(ctx context.Context, rawToken string) (*TokenPair, error) {
	return s.local.RefreshToken(ctx, rawToken)
}

// Logout invalidates the given refresh token.
func (s *AuthService) Logout(ctx context.Context, rawToken string) error {
	return s.local.Logout(ctx, rawToken)
}

// LogoutAllSessions revokes all active refresh tokens for a user, by
// deleting them outright — this service has no revocation-list concept,
// only presence (spec ambient auth: a deleted row is unconditionally
// invalid, simpler than a revoked_at marker kept around for audit).
func (s *AuthService) LogoutAllSessions(ctx context.Context, userID uuid.UUID) error {
	if err := s.store.DeleteRefreshTokensForUser(ctx, userID); err != nil {
		return fmt.Errorf("auth: revoking all sessions for user %s: %w", userID, err)
	}
	return nil
}

// ValidateAccessToken parses and verifies a JWT access token.
// Used by the HTTP middleware to authenticate incoming requests.
func (s *AuthService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwtManager.ValidateAccessToken(tokenString)
}

// JWTManager exposes the underlying JWTManager for cases where the caller
// needs direct access, e.g. to serve a JWKS endpoint.
func (s *AuthService) JWTManager() *JWTManager {
	return s.jwtManager
}
