// Package memory keeps users and audit rows in process memory. It is the
// default store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

type executionKey struct {
	runID string
	id    uint32
}

// Store implements ports.CredentialStore and ports.AuditRepository.
type Store struct {
	mu         sync.RWMutex
	users      map[string]*domain.User
	byUsername map[string]string
	byEmail    map[string]string

	auditMu    sync.Mutex
	executions map[executionKey]domain.ExecutionRecord
	access     []domain.HTTPAccess
}

func NewStore() *Store {
	return &Store{
		users:      make(map[string]*domain.User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		executions: make(map[executionKey]domain.ExecutionRecord),
	}
}

func clone(u *domain.User) *domain.User {
	c := *u
	return &c
}

func (s *Store) CreateUser(_ context.Context, user *domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUsername[user.Username]; ok {
		return nil, domain.ErrUserExists
	}
	if _, ok := s.byEmail[user.Email]; ok {
		return nil, domain.ErrUserExists
	}
	if _, ok := s.users[user.ID]; ok {
		return nil, domain.ErrUserExists
	}
	stored := clone(user)
	s.users[user.ID] = stored
	s.byUsername[user.Username] = user.ID
	s.byEmail[user.Email] = user.ID
	return clone(stored), nil
}

func (s *Store) ByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return clone(u), nil
}

func (s *Store) ByUsername(ctx context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	id, ok := s.byUsername[username]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return s.ByID(ctx, id)
}

func (s *Store) ByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[email]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return s.ByID(ctx, id)
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	delete(s.byUsername, u.Username)
	delete(s.byEmail, u.Email)
	delete(s.users, id)
	return nil
}

func (s *Store) update(id string, fn func(*domain.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	fn(u)
	return nil
}

func (s *Store) SetLoggedIn(_ context.Context, id string, loggedIn bool) error {
	return s.update(id, func(u *domain.User) { u.LoggedIn = loggedIn })
}

func (s *Store) MarkLoggedIn(_ context.Context, id string) error {
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

func (s *Store) SetRole(_ context.Context, id string, role domain.Role) error {
	return s.update(id, func(u *domain.User) { u.Role = role })
}

func (s *Store) GetLicense(ctx context.Context, id string) (domain.LicenseTier, error) {
	u, err := s.ByID(ctx, id)
	if err != nil {
		return "", err
	}
	return u.License, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) UpsertExecution(_ context.Context, runID string, rec domain.ExecutionRecord) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.executions[executionKey{runID, rec.ExecutionID}] = rec
	return nil
}

func (s *Store) InsertAccess(_ context.Context, access domain.HTTPAccess) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.access = append(s.access, access)
	return nil
}

// Executions returns the audit rows of runID ordered by execution id.
func (s *Store) Executions(runID string) []domain.ExecutionRecord {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	var out []domain.ExecutionRecord
	for k, rec := range s.executions {
		if k.runID == runID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out
}

// Access returns the recorded HTTP access rows in insertion order.
func (s *Store) Access() []domain.HTTPAccess {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	return append([]domain.HTTPAccess(nil), s.access...)
}
