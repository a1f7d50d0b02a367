package ports

import (
	"context"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

// CredentialStore persists users and their license tier.
type CredentialStore interface {
	// CreateUser inserts a user. Unique username and email are enforced by
	// the store and reported as domain.ErrUserExists.
	CreateUser(ctx context.Context, user *domain.User) (*domain.User, error)
	ByID(ctx context.Context, id string) (*domain.User, error)
	ByUsername(ctx context.Context, username string) (*domain.User, error)
	ByEmail(ctx context.Context, email string) (*domain.User, error)
	DeleteUser(ctx context.Context, id string) error
	// SetLoggedIn is idempotent: setting the current value is a no-op success.
	SetLoggedIn(ctx context.Context, id string, loggedIn bool) error
	// MarkLoggedIn sets the logged flag only if it is clear. It returns
	// domain.ErrAlreadyLoggedIn when the flag was already set.
	MarkLoggedIn(ctx context.Context, id string) error
	SetRole(ctx context.Context, id string, role domain.Role) error
	GetLicense(ctx context.Context, id string) (domain.LicenseTier, error)
	Ping(ctx context.Context) error
}
