package pg

import (
	"context"

	"nut4health.org/internal/auth"
)

func (s *Store) HasRole(ctx context.Context, role auth.Role, account string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from account_roles where role = $1 and account = $2)
	`, string(role), account).Scan(&ok)
	return ok, err
}

func (s *Store) AddRoleMember(ctx context.Context, role auth.Role, account string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into account_roles (role, account)
		values ($1, $2)
		on conflict (role, account) do nothing
	`, string(role), account)
	return err
}

func (s *Store) RemoveRoleMember(ctx context.Context, role auth.Role, account string) error {
	_, err := s.db.ExecContext(ctx, `delete from account_roles where role = $1 and account = $2`, string(role), account)
	return err
}

func (s *Store) RoleMembers(ctx context.Context, role auth.Role) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select account from account_roles where role = $1 order by account
	`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	members := []string{}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		members = append(members, a)
	}
	return members, rows.Err()
}
