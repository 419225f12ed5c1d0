// Command authctl runs maintenance tasks against the token service's stores:
// schema migrations, an out-of-band purge and forced session revocation.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/tokenkeeper/internal/backend"
	"github.com/example/tokenkeeper/internal/config"
	"github.com/example/tokenkeeper/internal/lifecycle"
	"github.com/example/tokenkeeper/internal/logging"
	"github.com/example/tokenkeeper/migrations"
)

type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Force(version int) error
	Close() error
}

// app holds the seams the commands depend on so tests can swap them.
type app struct {
	stdout       io.Writer
	log          *zap.Logger
	loadConfig   func() (*config.Config, error)
	openBackend  func(ctx context.Context, c *config.Config, log *zap.Logger) (*backend.Backend, error)
	openMigrator func(dsn string, log *zap.Logger) (migrator, error)
}

func defaultApp() *app {
	return &app{
		stdout:      os.Stdout,
		loadConfig:  config.New,
		openBackend: backend.Open,
		openMigrator: func(dsn string, log *zap.Logger) (migrator, error) {
			return migrations.Open(dsn, log)
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "authctl",
		Short:         "Maintenance commands for the token service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.log != nil {
				return nil
			}
			l, err := logging.New(logging.Options{Level: logLevel})
			if err != nil {
				return err
			}
			a.log = l
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	root.SetOut(a.stdout)

	root.AddCommand(newMigrateCmd(a), newPurgeCmd(a), newRevokeAllCmd(a))
	return root
}

func (a *app) migrator() (migrator, error) {
	c, err := a.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if c.DBAdapter != "postgres" {
		return nil, fmt.Errorf("migrations only work with PostgreSQL. Current adapter: %s", c.DBAdapter)
	}
	return a.openMigrator(c.PostgresDSN, a.log)
}

// withMigrator opens a migrator for the duration of fn.
func (a *app) withMigrator(fn func(m migrator) error) error {
	m, err := a.migrator()
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	var upSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMigrator(func(m migrator) error {
				var err error
				if upSteps > 0 {
					err = m.Steps(upSteps)
				} else {
					err = m.Up()
				}
				if err != nil {
					return fmt.Errorf("migration up failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied successfully")
				return nil
			})
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "number of migrations to apply (0 applies all)")

	var downSteps int
	var downAll bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if downSteps <= 0 && !downAll {
				return fmt.Errorf("refusing to roll back everything without --all (or pass --steps)")
			}
			return a.withMigrator(func(m migrator) error {
				var err error
				if downSteps > 0 {
					err = m.Steps(-downSteps)
				} else {
					err = m.Down()
				}
				if err != nil {
					return fmt.Errorf("migration down failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back successfully")
				return nil
			})
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 0, "number of migrations to roll back")
	down.Flags().BoolVar(&downAll, "all", false, "roll back every migration")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMigrator(func(m migrator) error {
				v, dirty, err := m.Version()
				if err != nil {
					return fmt.Errorf("failed to get version: %w", err)
				}
				if dirty {
					return fmt.Errorf("database is in a dirty state (version %d)", v)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "current migration version: %d\n", v)
				return nil
			})
		},
	}

	force := &cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 0 {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return a.withMigrator(func(m migrator) error {
				if err := m.Force(v); err != nil {
					return fmt.Errorf("force migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forced database to version %d\n", v)
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, version, force)
	return cmd
}

// withEngine opens the configured stores and builds an engine over them.
func (a *app) withEngine(ctx context.Context, fn func(e *lifecycle.Engine) error) error {
	c, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	b, err := a.openBackend(ctx, c, a.log)
	if err != nil {
		return err
	}
	defer b.Close()
	e, err := backend.NewEngine(c, b, a.log, nil)
	if err != nil {
		return err
	}
	return fn(e)
}

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired refresh records once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(e *lifecycle.Engine) error {
				n, err := e.PurgeExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired refresh records\n", n)
				return nil
			})
		},
	}
}

func newRevokeAllCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke-all <subject>",
		Short: "Revoke every active refresh token of a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *lifecycle.Engine) error {
				n, err := e.RevokeAll(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %d refresh tokens for %s\n", n, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", lifecycle.ReasonAdmin, "revocation reason recorded on each token")
	return cmd
}

func main() {
	root := newRootCmd(defaultApp())
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
