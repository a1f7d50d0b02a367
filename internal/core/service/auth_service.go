package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/ports"
)

// AuthService implements the account lifecycle: registration, login,
// logout and deregistration.
type AuthService struct {
	store          ports.CredentialStore
	tokens         *TokenService
	hasher         PasswordHasher
	defaultLicense domain.LicenseTier
	log            zerolog.Logger
}

func NewAuthService(store ports.CredentialStore, tokens *TokenService, hasher PasswordHasher, defaultLicense domain.LicenseTier, log zerolog.Logger) *AuthService {
	if hasher == nil {
		hasher = SHA256Hasher{}
	}
	if !defaultLicense.Valid() {
		defaultLicense = domain.LicenseDemo
	}
	return &AuthService{store: store, tokens: tokens, hasher: hasher, defaultLicense: defaultLicense, log: log}
}

func (s *AuthService) Register(ctx context.Context, username, password, email string) (*domain.User, error) {
	if username == "" || password == "" || email == "" {
		return nil, domain.ErrInvalidCredentials
	}

	digest, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		ID:             uuid.NewString(),
		Username:       username,
		Email:          email,
		PasswordDigest: digest,
		License:        s.defaultLicense,
		Role:           domain.RoleNormal,
		CreatedAt:      time.Now().UTC(),
	}

	created, err := s.store.CreateUser(ctx, user)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("user_id", created.ID).Str("username", created.Username).Msg("user registered")
	return created, nil
}

func (s *AuthService) Login(ctx context.Context, username, password string) (string, *domain.User, error) {
	if username == "" || password == "" {
		return "", nil, domain.ErrInvalidCredentials
	}

	user, err := s.store.ByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return "", nil, domain.ErrInvalidCredentials
		}
		return "", nil, err
	}

	if !s.hasher.Verify(user.PasswordDigest, password) {
		return "", nil, domain.ErrInvalidCredentials
	}
	if user.LoggedIn {
		return "", nil, domain.ErrAlreadyLoggedIn
	}

	// The flag is claimed before the token exists; of concurrent logins
	// only one passes.
	if err := s.store.MarkLoggedIn(ctx, user.ID); err != nil {
		return "", nil, err
	}
	user.LoggedIn = true

	token, err := s.tokens.Issue(user)
	if err != nil {
		if rerr := s.store.SetLoggedIn(ctx, user.ID, false); rerr != nil {
			s.log.Warn().Err(rerr).Str("user_id", user.ID).Msg("release logged flag")
		}
		return "", nil, fmt.Errorf("issue token: %w", err)
	}

	s.log.Info().Str("user_id", user.ID).Msg("user logged in")
	return token, user, nil
}

func (s *AuthService) Logout(ctx context.Context, userID string) error {
	user, err := s.store.ByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.LoggedIn {
		return domain.ErrNotLoggedIn
	}
	if err := s.store.SetLoggedIn(ctx, userID, false); err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID).Msg("user logged out")
	return nil
}

func (s *AuthService) Deregister(ctx context.Context, userID string) error {
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID).Msg("user deregistered")
	return nil
}
