package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/splax/voicetodo/internal/app/migrate"
	"github.com/splax/voicetodo/pkg/config"
	"github.com/splax/voicetodo/pkg/logger"
)

type options struct {
	dir     string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the task database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.dir, "dir", "", "migrations directory (defaults to DB_MIGRATIONS_DIR or the embedded set)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", time.Minute, "command timeout")

	var target int64
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration, or down to --target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd, opts, func(ctx context.Context, r migrate.Runner) error {
				steps, err := r.Down(ctx, target)
				if err != nil {
					return err
				}
				return printSteps(cmd, steps)
			})
		},
	}
	down.Flags().Int64Var(&target, "target", 0, "target version (optional)")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRunner(cmd, opts, func(ctx context.Context, r migrate.Runner) error {
					return r.Ensure(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRunner(cmd, opts, func(ctx context.Context, r migrate.Runner) error {
					steps, err := r.Status(ctx)
					if err != nil {
						return err
					}
					return printSteps(cmd, steps)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRunner(cmd, opts, func(ctx context.Context, r migrate.Runner) error {
					v, err := r.Version(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), v)
					return nil
				})
			},
		},
		down,
	)
	return root
}

func withRunner(cmd *cobra.Command, opts *options, fn func(context.Context, migrate.Runner) error) error {
	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", slog.LevelInfo)

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	dir := cfg.MigrationsDir
	if opts.dir != "" {
		dir = opts.dir
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, dir, log)
	if err != nil {
		pool.Close()
		return err
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		return err
	}
	if err := fn(ctx, runner); err != nil {
		return err
	}
	log.Info("migration command completed", "command", cmd.Name())
	return nil
}

func printSteps(cmd *cobra.Command, steps []migrate.Step) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED\tFILE")
	for _, s := range steps {
		applied := "-"
		if !s.AppliedAt.IsZero() {
			applied = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.State, applied, s.Path)
	}
	return tw.Flush()
}
