package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// RoleStore persists role membership.
type RoleStore interface {
	HasRole(ctx context.Context, role Role, account string) (bool, error)
	AddRoleMember(ctx context.Context, role Role, account string) error
	RemoveRoleMember(ctx context.Context, role Role, account string) error
	RoleMembers(ctx context.Context, role Role) ([]string, error)
}

// Gate answers role checks and guards grant/revoke behind the admin role.
type Gate struct {
	store RoleStore
}

func NewGate(store RoleStore) (*Gate, error) {
	if store == nil {
		return nil, errors.New("role store is required")
	}
	return &Gate{store: store}, nil
}

// Bootstrap grants admin to the given accounts without a caller check.
// Used once at startup to seed the first administrators.
func (g *Gate) Bootstrap(ctx context.Context, admins ...string) error {
	for _, a := range admins {
		a = NormalizeAccount(a)
		if a == "" {
			continue
		}
		if err := g.store.AddRoleMember(ctx, RoleAdmin, a); err != nil {
			return fmt.Errorf("bootstrap admin %s: %w", a, err)
		}
	}
	return nil
}

func (g *Gate) HasRole(ctx context.Context, role Role, account string) (bool, error) {
	account = NormalizeAccount(account)
	if account == "" || !role.Valid() {
		return false, nil
	}
	return g.store.HasRole(ctx, role, account)
}

// RequireRole returns ErrUnauthorized naming the missing role when account
// does not hold it.
func (g *Gate) RequireRole(ctx context.Context, role Role, account string) error {
	ok, err := g.HasRole(ctx, role, account)
	if err != nil {
		return err
	}
	if !ok {
		return MissingRole(account, role)
	}
	return nil
}

func (g *Gate) GrantRole(ctx context.Context, caller string, role Role, account string) error {
	account, err := g.prepareChange(ctx, caller, role, account)
	if err != nil {
		return err
	}
	return g.store.AddRoleMember(ctx, role, account)
}

func (g *Gate) RevokeRole(ctx context.Context, caller string, role Role, account string) error {
	account, err := g.prepareChange(ctx, caller, role, account)
	if err != nil {
		return err
	}
	return g.store.RemoveRoleMember(ctx, role, account)
}

func (g *Gate) Members(ctx context.Context, role Role) ([]string, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return g.store.RoleMembers(ctx, role)
}

func (g *Gate) prepareChange(ctx context.Context, caller string, role Role, account string) (string, error) {
	if err := g.RequireRole(ctx, RoleAdmin, caller); err != nil {
		return "", err
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	account = NormalizeAccount(account)
	if account == "" {
		return "", fmt.Errorf("%w: account is required", ErrInvalidInput)
	}
	return account, nil
}

// MissingRole builds the error reported when account lacks role.
func MissingRole(account string, role Role) error {
	return fmt.Errorf("%w: account %s is missing role %s", ErrUnauthorized, NormalizeAccount(account), role.ID())
}

// MemoryRoles is an in-process RoleStore.
type MemoryRoles struct {
	mu      sync.RWMutex
	members map[Role]map[string]struct{}
}

func NewMemoryRoles() *MemoryRoles {
	return &MemoryRoles{members: make(map[Role]map[string]struct{})}
}

func (m *MemoryRoles) HasRole(_ context.Context, role Role, account string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[role][account]
	return ok, nil
}

func (m *MemoryRoles) AddRoleMember(_ context.Context, role Role, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[role]
	if !ok {
		set = make(map[string]struct{})
		m.members[role] = set
	}
	set[account] = struct{}{}
	return nil
}

func (m *MemoryRoles) RemoveRoleMember(_ context.Context, role Role, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[role], account)
	return nil
}

func (m *MemoryRoles) RoleMembers(_ context.Context, role Role) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.members[role]))
	for a := range m.members[role] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}
