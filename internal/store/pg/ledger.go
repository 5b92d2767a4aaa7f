package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"nut4health.org/internal/ids"
	"nut4health.org/internal/ledger"
)

func (s *Store) Mint(ctx context.Context, account string, amt ledger.Amount) (ledger.Amount, error) {
	account = ledger.NormalizeAccount(account)
	if account == "" {
		return ledger.Amount{}, ledger.ErrInvalidAccount
	}
	if amt.Token == "" {
		return ledger.Amount{}, ledger.ErrInvalidToken
	}
	if !amt.IsPositive() {
		return ledger.Amount{}, ledger.ErrInvalidAmount
	}
	var total int64
	err := s.db.QueryRowContext(ctx, `
		insert into token_balances (token, account, amount)
		values ($1, $2, $3)
		on conflict (token, account) do update
		set amount = token_balances.amount + excluded.amount
		returning amount
	`, amt.Token, account, amt.Value).Scan(&total)
	if err != nil {
		return ledger.Amount{}, err
	}
	return ledger.Amount{Token: amt.Token, Value: total}, nil
}

func (s *Store) BalanceOf(ctx context.Context, token, account string) (ledger.Amount, error) {
	if token == "" {
		return ledger.Amount{}, ledger.ErrInvalidToken
	}
	var v int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce((select amount from token_balances where token = $1 and account = $2), 0)
	`, token, ledger.NormalizeAccount(account)).Scan(&v)
	if err != nil {
		return ledger.Amount{}, err
	}
	return ledger.Amount{Token: token, Value: v}, nil
}

func (s *Store) Approve(ctx context.Context, owner, spender string, amt ledger.Amount) error {
	owner, spender = ledger.NormalizeAccount(owner), ledger.NormalizeAccount(spender)
	if owner == "" || spender == "" {
		return ledger.ErrInvalidAccount
	}
	if amt.Token == "" {
		return ledger.ErrInvalidToken
	}
	if amt.Value < 0 {
		return ledger.ErrInvalidAmount
	}
	_, err := s.db.ExecContext(ctx, `
		insert into token_allowances (token, owner, spender, amount)
		values ($1, $2, $3, $4)
		on conflict (token, owner, spender) do update
		set amount = excluded.amount
	`, amt.Token, owner, spender, amt.Value)
	return err
}

func (s *Store) Allowance(ctx context.Context, token, owner, spender string) (ledger.Amount, error) {
	if token == "" {
		return ledger.Amount{}, ledger.ErrInvalidToken
	}
	var v int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce((select amount from token_allowances where token = $1 and owner = $2 and spender = $3), 0)
	`, token, ledger.NormalizeAccount(owner), ledger.NormalizeAccount(spender)).Scan(&v)
	if err != nil {
		return ledger.Amount{}, err
	}
	return ledger.Amount{Token: token, Value: v}, nil
}

func (s *Store) TransferFrom(ctx context.Context, spender, from, to string, amt ledger.Amount, idemKey string) (ledger.Transfer, error) {
	if err := ledger.ValidateTransfer(spender, from, to, amt); err != nil {
		return ledger.Transfer{}, err
	}
	spender, from, to = ledger.NormalizeAccount(spender), ledger.NormalizeAccount(from), ledger.NormalizeAccount(to)

	var out ledger.Transfer
	err := s.inTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(tx *sql.Tx) error {
		// Idempotency: return existing transfer if idemKey already recorded
		if idemKey != "" {
			t, err := scanTransfer(tx.QueryRowContext(ctx, `
				select id, created_at, token, spender, from_account, to_account, amount, sequence, coalesce(idempotency_key, '')
				from token_transfers where idempotency_key = $1
			`, idemKey))
			if err == nil {
				if err := ledger.CheckReplay(t, spender, from, to, amt); err != nil {
					return err
				}
				out = t
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		var allowed int64
		err := tx.QueryRowContext(ctx, `
			select amount from token_allowances
			where token = $1 and owner = $2 and spender = $3
			for update
		`, amt.Token, from, spender).Scan(&allowed)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if allowed < amt.Value {
			return fmt.Errorf("%w: %s allowed %d of %s to %s, need %d",
				ledger.ErrInsufficientAllowance, from, allowed, amt.Token, spender, amt.Value)
		}

		var held int64
		err = tx.QueryRowContext(ctx, `
			select amount from token_balances
			where token = $1 and account = $2
			for update
		`, amt.Token, from).Scan(&held)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if held < amt.Value {
			return fmt.Errorf("%w: %s holds %d of %s, need %d",
				ledger.ErrInsufficientFunds, from, held, amt.Token, amt.Value)
		}

		if amt.Value > 0 {
			if _, err := tx.ExecContext(ctx, `
				update token_allowances set amount = amount - $4
				where token = $1 and owner = $2 and spender = $3
			`, amt.Token, from, spender, amt.Value); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				update token_balances set amount = amount - $3
				where token = $1 and account = $2
			`, amt.Token, from, amt.Value); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				insert into token_balances (token, account, amount)
				values ($1, $2, $3)
				on conflict (token, account) do update
				set amount = token_balances.amount + excluded.amount
			`, amt.Token, to, amt.Value); err != nil {
				return err
			}
		}

		out = ledger.Transfer{
			ID:             ids.WithPrefix("trf"),
			Token:          amt.Token,
			Spender:        spender,
			From:           from,
			To:             to,
			Value:          amt.Value,
			IdempotencyKey: idemKey,
		}
		return tx.QueryRowContext(ctx, `
			insert into token_transfers (id, token, spender, from_account, to_account, amount, idempotency_key)
			values ($1, $2, $3, $4, $5, $6, nullif($7, ''))
			returning sequence, created_at
		`, out.ID, out.Token, out.Spender, out.From, out.To, out.Value, idemKey).Scan(&out.Sequence, &out.CreatedAt)
	})
	if err != nil {
		return ledger.Transfer{}, err
	}
	return out, nil
}

func (s *Store) ListTransfers(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Transfer, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, created_at, token, spender, from_account, to_account, amount, sequence, coalesce(idempotency_key, '')
		from token_transfers
		where sequence > $1
		order by sequence asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.Transfer
	var last uint64
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, t)
		last = t.Sequence
	}
	return res, last, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (ledger.Transfer, error) {
	var t ledger.Transfer
	err := row.Scan(&t.ID, &t.CreatedAt, &t.Token, &t.Spender, &t.From, &t.To, &t.Value, &t.Sequence, &t.IdempotencyKey)
	if err != nil {
		return ledger.Transfer{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}
