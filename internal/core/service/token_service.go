package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/ports"
)

const defaultTokenTTL = 60 * time.Minute

// Claims is the signed token payload. Subject carries the license tier the
// user held when the token was issued.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenConfig holds the token signing and policy settings.
type TokenConfig struct {
	Secret            string
	Issuer            string
	TTL               time.Duration
	PermittedLicenses []domain.LicenseTier
}

// TokenService issues and validates bearer tokens and applies the
// authorization policy on top of them.
type TokenService struct {
	secret    []byte
	issuer    string
	ttl       time.Duration
	permitted map[domain.LicenseTier]struct{}
	users     ports.CredentialStore
	now       func() time.Time
}

func NewTokenService(cfg TokenConfig, users ports.CredentialStore) *TokenService {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	permitted := make(map[domain.LicenseTier]struct{}, len(cfg.PermittedLicenses))
	for _, l := range cfg.PermittedLicenses {
		permitted[l] = struct{}{}
	}
	if len(permitted) == 0 {
		permitted[domain.LicenseDemo] = struct{}{}
	}
	return &TokenService{
		secret:    []byte(cfg.Secret),
		issuer:    cfg.Issuer,
		ttl:       ttl,
		permitted: permitted,
		users:     users,
		now:       time.Now,
	}
}

// Issue signs a token for user valid for the configured TTL.
func (s *TokenService) Issue(user *domain.User) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: user.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   string(user.License),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

// Validate checks signature, issuer and expiry. Failures are *domain.AuthError.
func (s *TokenService) Validate(token string) (*Claims, error) {
	if token == "" {
		return nil, &domain.AuthError{Reason: domain.AuthMissingToken, Detail: "missing authentication key"}
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, &domain.AuthError{Reason: domain.AuthExpired, Detail: "token expired"}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return nil, &domain.AuthError{Reason: domain.AuthInvalidIssuer, Detail: "invalid token issuer"}
	default:
		return nil, &domain.AuthError{Reason: domain.AuthInvalidToken, Detail: "invalid token"}
	}
	if claims.UserID == "" {
		return nil, &domain.AuthError{Reason: domain.AuthInvalidToken, Detail: "invalid token"}
	}
	return claims, nil
}

// Authorize validates token and resolves the user it names. The user must
// exist and the token subject must be a permitted license tier.
func (s *TokenService) Authorize(ctx context.Context, token string) (*domain.User, error) {
	claims, err := s.Validate(token)
	if err != nil {
		return nil, err
	}

	user, err := s.users.ByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, &domain.AuthError{Reason: domain.AuthUnknownUser, Detail: "unknown user"}
		}
		return nil, fmt.Errorf("%w: resolve token user: %v", domain.ErrStorage, err)
	}

	tier := domain.LicenseTier(claims.Subject)
	if _, ok := s.permitted[tier]; !ok {
		return nil, &domain.AuthError{
			Reason: domain.AuthLicenseDenied,
			Detail: fmt.Sprintf("license %q is not permitted", tier),
		}
	}
	return user, nil
}
