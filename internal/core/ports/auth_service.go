package ports

import (
	"context"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

type AuthService interface {
	Register(ctx context.Context, username, password, email string) (*domain.User, error)
	Login(ctx context.Context, username, password string) (string, *domain.User, error)
	Logout(ctx context.Context, userID string) error
	Deregister(ctx context.Context, userID string) error
}

// TokenAuthorizer resolves a bearer token to the user it was issued for.
// Failures are *domain.AuthError.
type TokenAuthorizer interface {
	Authorize(ctx context.Context, token string) (*domain.User, error)
}
