package service

import (
	"context"
	"sync"
	"time"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

type stubStore struct {
	mu    sync.Mutex
	users map[string]*domain.User
	err   error

	// readDelay is slept before every lookup.
	readDelay time.Duration
}

func newStubStore() *stubStore {
	return &stubStore{users: make(map[string]*domain.User)}
}

func cloneUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}

func (s *stubStore) CreateUser(_ context.Context, user *domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == user.Username || u.Email == user.Email {
			return nil, domain.ErrUserExists
		}
	}
	s.users[user.ID] = cloneUser(user)
	return cloneUser(user), nil
}

func (s *stubStore) find(match func(*domain.User) bool) (*domain.User, error) {
	if s.readDelay > 0 {
		time.Sleep(s.readDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, u := range s.users {
		if match(u) {
			return cloneUser(u), nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (s *stubStore) ByID(_ context.Context, id string) (*domain.User, error) {
	return s.find(func(u *domain.User) bool { return u.ID == id })
}

func (s *stubStore) ByUsername(_ context.Context, username string) (*domain.User, error) {
	return s.find(func(u *domain.User) bool { return u.Username == username })
}

func (s *stubStore) ByEmail(_ context.Context, email string) (*domain.User, error) {
	return s.find(func(u *domain.User) bool { return u.Email == email })
}

func (s *stubStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return domain.ErrUserNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *stubStore) SetLoggedIn(_ context.Context, id string, loggedIn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.LoggedIn = loggedIn
	return nil
}

func (s *stubStore) MarkLoggedIn(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	if u.LoggedIn {
		return domain.ErrAlreadyLoggedIn
	}
	u.LoggedIn = true
	return nil
}

func (s *stubStore) SetRole(_ context.Context, id string, role domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.Role = role
	return nil
}

func (s *stubStore) GetLicense(ctx context.Context, id string) (domain.LicenseTier, error) {
	u, err := s.ByID(ctx, id)
	if err != nil {
		return "", err
	}
	return u.License, nil
}

func (s *stubStore) Ping(context.Context) error { return nil }
