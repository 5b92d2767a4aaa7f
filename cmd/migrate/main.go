package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"nut4health.org/internal/migrate"
	"nut4health.org/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dsn     string
		dir     string
		timeout time.Duration
	)
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply nut4health database migrations and seeds",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("N4H_PG_DSN"), "PostgreSQL DSN (default $N4H_PG_DSN)")
	root.PersistentFlags().StringVar(&dir, "dir", "", "read migrations from this directory instead of the embedded set")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")

	// run opens the database and hands a manager to fn.
	run := func(fn func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				return fmt.Errorf("missing DSN: provide via --dsn or N4H_PG_DSN")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			var fsys fs.FS = migrations.FS
			if dir != "" {
				fsys = os.DirFS(dir)
			}
			return fn(ctx, cmd, migrate.NewManager(db, fsys, "sql", "seeds"))
		}
	}
	list := func(get func(*migrate.Manager, context.Context) ([]string, error)) func(*cobra.Command, []string) error {
		return run(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
			items, err := get(m, ctx)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Fprintln(cmd.OutOrStdout(), item)
			}
			return nil
		})
	}
	apply := func(step func(*migrate.Manager, context.Context) error) func(*cobra.Command, []string) error {
		return run(func(ctx context.Context, _ *cobra.Command, m *migrate.Manager) error {
			return step(m, ctx)
		})
	}

	root.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply all pending migrations", Args: cobra.NoArgs, RunE: apply((*migrate.Manager).Up)},
		&cobra.Command{Use: "down", Short: "Roll back the latest migration", Args: cobra.NoArgs, RunE: apply((*migrate.Manager).Down)},
		&cobra.Command{Use: "seed", Short: "Apply seed files not yet applied", Args: cobra.NoArgs, RunE: apply((*migrate.Manager).Seed)},
		&cobra.Command{Use: "status", Short: "List applied migrations", Args: cobra.NoArgs, RunE: list((*migrate.Manager).Status)},
		&cobra.Command{Use: "pending", Short: "List migrations not yet applied", Args: cobra.NoArgs, RunE: list((*migrate.Manager).Pending)},
	)
	return root
}
