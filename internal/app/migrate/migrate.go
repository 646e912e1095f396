package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/splax/voicetodo/db"
)

const stepTimeout = time.Minute

// Step describes one migration as reported by goose.
type Step struct {
	Version   int64
	Path      string
	State     string
	AppliedAt time.Time
	Duration  time.Duration
}

// Runner applies the task schema using goose providers.
type Runner struct {
	pool   *pgxpool.Pool
	dsn    string
	source fs.FS
	origin string
	log    *slog.Logger
}

// New returns a migration runner. An empty migrationsDir selects the
// migrations compiled into the binary.
func New(pool *pgxpool.Pool, dsn, migrationsDir string, log *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("nil pool provided")
	}
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if log == nil {
		log = slog.Default()
	}
	source, origin, err := migrationSource(migrationsDir)
	if err != nil {
		return Runner{}, err
	}
	return Runner{pool: pool, dsn: dsn, source: source, origin: origin, log: log.With("component", "migrate")}, nil
}

func migrationSource(dir string) (fs.FS, string, error) {
	if dir == "" {
		sub, err := fs.Sub(db.Migrations, "migrations")
		if err != nil {
			return nil, "", fmt.Errorf("open embedded migrations: %w", err)
		}
		return sub, "embedded", nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, "", fmt.Errorf("locate migrations dir: %w", err)
	}
	if !info.IsDir() {
		return nil, "", fmt.Errorf("migrations path %s is not a directory", dir)
	}
	return os.DirFS(dir), dir, nil
}

// Ensure applies pending migrations and logs each one.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		results, err := p.Up(ctx)
		for _, res := range results {
			r.log.Info("migration applied", "version", res.Source.Version, "path", res.Source.Path, "duration", res.Duration)
		}
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		if len(results) == 0 {
			r.log.Info("schema up to date", "source", r.origin)
		}
		return nil
	})
}

// Status lists every known migration with its applied state.
func (r Runner) Status(ctx context.Context) ([]Step, error) {
	var steps []Step
	err := r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, s := range statuses {
			steps = append(steps, Step{
				Version:   s.Source.Version,
				Path:      s.Source.Path,
				State:     string(s.State),
				AppliedAt: s.AppliedAt,
			})
		}
		return nil
	})
	return steps, err
}

// Down rolls back the latest migration, or every migration above targetVersion
// when it is positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) ([]Step, error) {
	var steps []Step
	err := r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		var results []*goose.MigrationResult
		if targetVersion > 0 {
			rolled, err := p.DownTo(ctx, targetVersion)
			if err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
			results = rolled
		} else {
			rolled, err := p.Down(ctx)
			if err != nil {
				return fmt.Errorf("rollback latest migration: %w", err)
			}
			results = append(results, rolled)
		}
		for _, res := range results {
			if res == nil {
				continue
			}
			r.log.Info("migration rolled back", "version", res.Source.Version, "duration", res.Duration)
			steps = append(steps, Step{Version: res.Source.Version, Path: res.Source.Path, State: "rolled_back", Duration: res.Duration})
		}
		return nil
	})
	return steps, err
}

// Version returns the current schema version.
func (r Runner) Version(ctx context.Context) (int64, error) {
	var version int64
	err := r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		v, err := p.GetDBVersion(ctx)
		version = v
		return err
	})
	return version, err
}

// Ping ensures the database connection is alive.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r Runner) Close() {
	r.pool.Close()
}

func (r Runner) withProvider(ctx context.Context, fn func(context.Context, *goose.Provider) error) error {
	sqlDB, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, r.source)
	if err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("configure goose: %w", err)
	}
	defer provider.Close()

	runCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	return fn(runCtx, provider)
}
