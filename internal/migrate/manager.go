// Package migrate applies the embedded schema migrations and seed files.
// Each file runs in its own transaction together with the bookkeeping row
// that marks it applied.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// ErrNothingApplied is returned by Down when no migration is recorded.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// fileSet is one kind of tracked SQL file: a directory, the suffix that
// selects files in it and the table recording which ones ran.
type fileSet struct {
	dir    string
	suffix string
	table  string
}

type Manager struct {
	db         *sql.DB
	fsys       fs.FS
	migrations fileSet
	seeds      fileSet
	now        func() time.Time
}

type Option func(*Manager)

func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrations.table = name
		}
	}
}

func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seeds.table = name
		}
	}
}

// NewManager reads "<migrationsDir>/*.up.sql" with matching ".down.sql"
// files and "<seedsDir>/*.sql" from fsys.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		fsys:       fsys,
		migrations: fileSet{dir: migrationsDir, suffix: ".up.sql", table: "schema_migrations"},
		seeds:      fileSet{dir: seedsDir, suffix: ".sql", table: "schema_seeds"},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in name order.
func (m *Manager) Up(ctx context.Context) error {
	_, err := m.apply(ctx, m.migrations)
	return err
}

// Seed applies seed files that have not run yet.
func (m *Manager) Seed(ctx context.Context) error {
	_, err := m.apply(ctx, m.seeds)
	return err
}

// Down reverts the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	applied, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNothingApplied
	}
	last := applied[len(applied)-1]
	down := path.Join(m.migrations.dir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
	if _, err := fs.Stat(m.fsys, down); err != nil {
		return fmt.Errorf("migrate: %s has no down migration", last)
	}
	err = m.run(ctx, down, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrations.table), last)
		return err
	})
	if err != nil {
		return fmt.Errorf("revert %s: %w", last, err)
	}
	return nil
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, m.migrations.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Pending lists migrations Up would apply, in order.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	files, err := m.pending(ctx, m.migrations)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = path.Base(f)
	}
	return names, nil
}

func (m *Manager) apply(ctx context.Context, set fileSet) ([]string, error) {
	files, err := m.pending(ctx, set)
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(files))
	for _, file := range files {
		name := path.Base(file)
		err := m.run(ctx, file, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, set.table),
				name, m.now().UTC())
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// pending returns the paths in set whose names are not recorded in its table.
func (m *Manager) pending(ctx context.Context, set fileSet) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, set.table))
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		done[name] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	files, err := collectSQL(m.fsys, set.dir, set.suffix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if _, ok := done[path.Base(f)]; !ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrations.table, m.seeds.table} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

// run executes the statements of file and then record in one transaction.
func (m *Manager) run(ctx context.Context, file string, record func(*sql.Tx) error) error {
	body, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// collectSQL returns the paths under dir ending in suffix, sorted by file
// name. A missing directory yields nothing.
func collectSQL(fsys fs.FS, dir, suffix string) ([]string, error) {
	if fsys == nil || dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, path.Join(dir, e.Name()))
		}
	}
	sort.Slice(files, func(i, j int) bool { return path.Base(files[i]) < path.Base(files[j]) })
	return files, nil
}

// splitStatements cuts a script on semicolons that sit outside quoted
// literals. "--" comments are dropped up to the end of the line.
func splitStatements(script string) []string {
	var (
		stmts   []string
		cur     strings.Builder
		quoted  bool
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case comment:
			if r == '\n' {
				comment = false
				cur.WriteRune(r)
			}
		case !quoted && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
			i++
		case r == '\'':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ';' && !quoted:
			cur.WriteRune(r)
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return stmts
}
