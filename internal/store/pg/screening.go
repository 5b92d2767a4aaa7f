package pg

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nut4health.org/internal/screening"
)

// Update runs fn in a serializable transaction. Events staged by fn are
// appended to the events table in the same transaction.
func (s *Store) Update(ctx context.Context, fn func(screening.Tx) error) ([]screening.Event, error) {
	var committed []screening.Event
	err := s.inTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(sqlTx *sql.Tx) error {
		tx := &pgTx{tx: sqlTx}
		if err := fn(tx); err != nil {
			return err
		}
		committed = committed[:0]
		for _, ev := range tx.events {
			fields, err := json.Marshal(ev.Fields)
			if err != nil {
				return fmt.Errorf("encode event fields: %w", err)
			}
			if err := sqlTx.QueryRowContext(ctx, `
				insert into events (id, name, actor, fields, occurred_at)
				values ($1, $2, $3, $4, $5)
				returning sequence
			`, ev.ID, ev.Name, ev.Actor, string(fields), ev.OccurredAt).Scan(&ev.Sequence); err != nil {
				return err
			}
			committed = append(committed, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (s *Store) View(ctx context.Context, fn func(screening.ReadTx) error) error {
	return s.runTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(sqlTx *sql.Tx) error {
		return fn(&pgTx{tx: sqlTx})
	})
}

func (s *Store) Events(ctx context.Context, afterSeq uint64, limit int) ([]screening.Event, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select sequence, id, name, actor, fields, occurred_at
		from events
		where sequence > $1
		order by sequence asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []screening.Event
	var last uint64
	for rows.Next() {
		var (
			ev     screening.Event
			fields []byte
		)
		if err := rows.Scan(&ev.Sequence, &ev.ID, &ev.Name, &ev.Actor, &fields, &ev.OccurredAt); err != nil {
			return nil, 0, err
		}
		ev.Fields = map[string]any{}
		dec := json.NewDecoder(bytes.NewReader(fields))
		dec.UseNumber()
		if err := dec.Decode(&ev.Fields); err != nil {
			return nil, 0, fmt.Errorf("decode event %d: %w", ev.Sequence, err)
		}
		for k, v := range ev.Fields {
			if n, ok := v.(json.Number); ok {
				ev.Fields[k] = numberValue(n)
			}
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		res = append(res, ev)
		last = ev.Sequence
	}
	return res, last, rows.Err()
}

// pgTx implements screening.Tx over one SQL transaction.
type pgTx struct {
	tx     *sql.Tx
	events []screening.Event
}

func (t *pgTx) HealthCentre(ctx context.Context, id string) (screening.HealthCentre, bool, error) {
	c := screening.HealthCentre{ID: id, HealthServices: []string{}}
	err := t.tx.QueryRowContext(ctx, `select created_at from health_centres where id = $1`, id).Scan(&c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return screening.HealthCentre{}, false, nil
	}
	if err != nil {
		return screening.HealthCentre{}, false, err
	}
	c.CreatedAt = c.CreatedAt.UTC()

	rows, err := t.tx.QueryContext(ctx, `
		select account from health_centre_services
		where centre_id = $1
		order by assigned_at, account
	`, id)
	if err != nil {
		return screening.HealthCentre{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return screening.HealthCentre{}, false, err
		}
		c.HealthServices = append(c.HealthServices, a)
	}
	return c, true, rows.Err()
}

func (t *pgTx) PaymentConfiguration(ctx context.Context, id uint32) (screening.PaymentConfiguration, bool, error) {
	pc := screening.PaymentConfiguration{ID: id}
	err := t.tx.QueryRowContext(ctx, `select reward from payment_configurations where id = $1`, int64(id)).Scan(&pc.Reward)
	if errors.Is(err, sql.ErrNoRows) {
		return screening.PaymentConfiguration{}, false, nil
	}
	if err != nil {
		return screening.PaymentConfiguration{}, false, err
	}
	return pc, true, nil
}

func (t *pgTx) ScreenerConfiguration(ctx context.Context, screener string) (uint32, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		select configuration_id from screener_configurations where screener = $1
	`, screener).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint32(id), true, nil
}

func (t *pgTx) Diagnosis(ctx context.Context, id string) (screening.Diagnosis, bool, error) {
	var (
		d      screening.Diagnosis
		status int16
	)
	err := t.tx.QueryRowContext(ctx, `
		select id, screener, health_centre_id, reward, status, coalesce(validator, ''), created_at, updated_at
		from diagnoses where id = $1
	`, id).Scan(&d.ID, &d.Screener, &d.HealthCentreID, &d.Reward, &status, &d.Validator, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return screening.Diagnosis{}, false, nil
	}
	if err != nil {
		return screening.Diagnosis{}, false, err
	}
	d.Status = screening.Status(status)
	d.CreatedAt, d.UpdatedAt = d.CreatedAt.UTC(), d.UpdatedAt.UTC()
	return d, true, nil
}

func (t *pgTx) Settlement(ctx context.Context) (screening.Settlement, error) {
	var st screening.Settlement
	err := t.tx.QueryRowContext(ctx, `select token, payer from settlement where singleton`).Scan(&st.Token, &st.Payer)
	if errors.Is(err, sql.ErrNoRows) {
		return screening.Settlement{}, nil
	}
	return st, err
}

func (t *pgTx) CreateHealthCentre(ctx context.Context, c screening.HealthCentre) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into health_centres (id, created_at) values ($1, $2)
	`, c.ID, c.CreatedAt)
	if isPgCode(err, pgErrUniqueViolation) {
		return fmt.Errorf("%w: health centre %q", screening.ErrAlreadyExists, c.ID)
	}
	if err != nil {
		return err
	}
	for _, a := range c.HealthServices {
		if err := t.AssignHealthService(ctx, c.ID, a); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) AssignHealthService(ctx context.Context, centreID, account string) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into health_centre_services (centre_id, account)
		values ($1, $2)
		on conflict (centre_id, account) do nothing
	`, centreID, account)
	if isPgCode(err, pgErrForeignKeyViolation) {
		return fmt.Errorf("%w: health centre %q", screening.ErrNotFound, centreID)
	}
	return err
}

func (t *pgTx) AddPaymentConfiguration(ctx context.Context, reward int64) (uint32, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		insert into payment_configurations (reward) values ($1) returning id
	`, reward).Scan(&id)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

func (t *pgTx) UpdatePaymentConfiguration(ctx context.Context, id uint32, reward int64) error {
	res, err := t.tx.ExecContext(ctx, `
		update payment_configurations set reward = $2, updated_at = now() where id = $1
	`, int64(id), reward)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: payment configuration %d", screening.ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) SetScreenerConfiguration(ctx context.Context, screener string, id uint32) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into screener_configurations (screener, configuration_id)
		values ($1, $2)
		on conflict (screener) do update set configuration_id = excluded.configuration_id
	`, screener, int64(id))
	if isPgCode(err, pgErrForeignKeyViolation) {
		return fmt.Errorf("%w: payment configuration %d", screening.ErrNotFound, id)
	}
	return err
}

func (t *pgTx) PutDiagnosis(ctx context.Context, d screening.Diagnosis) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into diagnoses (id, screener, health_centre_id, reward, status, validator, created_at, updated_at)
		values ($1, $2, $3, $4, $5, nullif($6, ''), $7, $8)
		on conflict (id) do update
		set status = excluded.status,
		    validator = excluded.validator,
		    updated_at = excluded.updated_at
	`, d.ID, d.Screener, d.HealthCentreID, d.Reward, int16(d.Status), d.Validator, d.CreatedAt, nonZero(d.UpdatedAt, d.CreatedAt))
	if isPgCode(err, pgErrForeignKeyViolation) {
		return fmt.Errorf("%w: health centre %q", screening.ErrNotFound, d.HealthCentreID)
	}
	return err
}

func (t *pgTx) SetSettlement(ctx context.Context, st screening.Settlement) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into settlement (singleton, token, payer, updated_at)
		values (true, $1, $2, now())
		on conflict (singleton) do update
		set token = excluded.token, payer = excluded.payer, updated_at = excluded.updated_at
	`, st.Token, st.Payer)
	return err
}

func (t *pgTx) Emit(ev screening.Event) { t.events = append(t.events, ev) }

// numberValue turns a decoded event number into the int64 the service
// emitted; non-integral numbers fall back to float64.
func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func nonZero(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
