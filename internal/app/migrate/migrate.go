// Package migrate applies the call event schema with goose.
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

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/splax/callwatch/db"
)

// MigrationState is one row of the status report.
type MigrationState struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// Runner applies schema migrations against a postgres DSN.
type Runner struct {
	dsn  string
	fsys fs.FS
	log  *slog.Logger
}

// New returns a runner. An empty dir uses the migrations bundled with the binary.
func New(dsn, dir string, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if log == nil {
		log = slog.Default()
	}
	fsys := db.Migrations()
	if dir != "" {
		if _, err := os.Stat(dir); err == nil {
			fsys = os.DirFS(dir)
		} else {
			log.Warn("migrations dir not found, using bundled migrations", "dir", dir)
		}
	}
	return Runner{dsn: dsn, fsys: fsys, log: log.With("component", "migrate")}, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withProvider(func(p *goose.Provider) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		results, err := p.Up(runCtx)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		for _, res := range results {
			r.log.Info("migration applied", "version", res.Source.Version, "duration", res.Duration)
		}
		return nil
	})
}

// Status lists applied and pending migrations.
func (r Runner) Status(ctx context.Context) ([]MigrationState, error) {
	var states []MigrationState
	err := r.withProvider(func(p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, s := range statuses {
			states = append(states, MigrationState{
				Version:   s.Source.Version,
				Path:      s.Source.Path,
				Applied:   s.State == goose.StateApplied,
				AppliedAt: s.AppliedAt,
			})
		}
		return nil
	})
	return states, err
}

// Down rolls back the latest migration, or everything above targetVersion when it is positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withProvider(func(p *goose.Provider) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if targetVersion > 0 {
			if _, err := p.DownTo(runCtx, targetVersion); err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
			r.log.Info("rolled back", "target", targetVersion)
			return nil
		}
		res, err := p.Down(runCtx)
		if err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		r.log.Info("rolled back", "version", res.Source.Version)
		return nil
	})
}

func (r Runner) withProvider(fn func(*goose.Provider) error) error {
	sqlDB, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, r.fsys)
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	return fn(provider)
}
