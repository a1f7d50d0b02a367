package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

const uniqueViolation = "23505"

// UserRepository implements ports.CredentialStore. The license tier lives
// in its own table keyed by user id.
type UserRepository struct {
	db DB
}

func NewUserRepository(db DB) *UserRepository {
	return &UserRepository{db: db}
}

const selectUser = `
SELECT u.id, u.username, u.email, u.password_digest, COALESCE(l.tier, ''), u.role, u.created_at, u.logged_in
FROM users u LEFT JOIN licenses l ON l.user_id = u.id
`

func (r *UserRepository) CreateUser(ctx context.Context, user *domain.User) (*domain.User, error) {
	_, err := r.db.Exec(ctx, `
WITH u AS (
	INSERT INTO users (id, username, email, password_digest, role, created_at, logged_in)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING id
)
INSERT INTO licenses (user_id, tier) SELECT id, $8 FROM u`,
		user.ID, user.Username, user.Email, user.PasswordDigest, string(user.Role), user.CreatedAt.UTC(), user.LoggedIn, string(user.License))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, domain.ErrUserExists
		}
		return nil, fmt.Errorf("%w: insert user: %v", domain.ErrStorage, err)
	}
	created := *user
	return &created, nil
}

func (r *UserRepository) findOne(ctx context.Context, where string, arg any) (*domain.User, error) {
	var u domain.User
	var license, role string
	err := r.db.QueryRow(ctx, selectUser+where, arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordDigest, &license, &role, &u.CreatedAt, &u.LoggedIn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: find user: %v", domain.ErrStorage, err)
	}
	u.License = domain.LicenseTier(license)
	u.Role = domain.Role(role)
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (r *UserRepository) ByID(ctx context.Context, id string) (*domain.User, error) {
	return r.findOne(ctx, "WHERE u.id = $1", id)
}

func (r *UserRepository) ByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.findOne(ctx, "WHERE u.username = $1", username)
}

func (r *UserRepository) ByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, "WHERE u.email = $1", email)
}

func (r *UserRepository) exec(ctx context.Context, op, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrStorage, op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) DeleteUser(ctx context.Context, id string) error {
	return r.exec(ctx, "delete user", `DELETE FROM users WHERE id = $1`, id)
}

func (r *UserRepository) SetLoggedIn(ctx context.Context, id string, loggedIn bool) error {
	return r.exec(ctx, "set logged flag", `UPDATE users SET logged_in = $2 WHERE id = $1`, id, loggedIn)
}

func (r *UserRepository) MarkLoggedIn(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET logged_in = true WHERE id = $1 AND logged_in = false`, id)
	if err != nil {
		return fmt.Errorf("%w: mark logged in: %v", domain.ErrStorage, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var loggedIn bool
	if err := r.db.QueryRow(ctx, `SELECT logged_in FROM users WHERE id = $1`, id).Scan(&loggedIn); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrUserNotFound
		}
		return fmt.Errorf("%w: mark logged in: %v", domain.ErrStorage, err)
	}
	return domain.ErrAlreadyLoggedIn
}

func (r *UserRepository) SetRole(ctx context.Context, id string, role domain.Role) error {
	return r.exec(ctx, "set role", `UPDATE users SET role = $2 WHERE id = $1`, id, string(role))
}

func (r *UserRepository) GetLicense(ctx context.Context, id string) (domain.LicenseTier, error) {
	var tier string
	err := r.db.QueryRow(ctx, `SELECT tier FROM licenses WHERE user_id = $1`, id).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrUserNotFound
		}
		return "", fmt.Errorf("%w: get license: %v", domain.ErrStorage, err)
	}
	return domain.LicenseTier(tier), nil
}

func (r *UserRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("%w: ping: %v", domain.ErrStorage, err)
	}
	return nil
}
