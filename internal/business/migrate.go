package business

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/XSAM/otelsql"
	"github.com/pressly/goose/v3"
	"github.com/samber/oops"

	// Register pgx driver
	_ "github.com/jackc/pgx/v5/stdlib"

	slogctx "github.com/veqryn/slog-context"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/internal/store/postgres/migrations"
)

// MigrateMain applies the schema of the postgres store.
func MigrateMain(ctx context.Context, cfg *config.Config) error {
	const dialect = "pgx"
	dbSystemName := semconv.DBSystemNamePostgreSQL

	if cfg.Storage.Type != config.StoragePostgres {
		slogctx.Info(ctx, "Nothing to migrate", "storage", cfg.Storage.Type)
		return nil
	}

	connStr, err := config.MakeConnStr(cfg.Storage.Database)
	if err != nil {
		return fmt.Errorf("making connection string from config: %w", err)
	}

	db, err := otelsql.Open(dialect, connStr, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		return oops.In("main").Wrapf(err, "opening DB connection")
	}
	defer db.Close()

	reg, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		return fmt.Errorf("registering db stats metrics: %w", err)
	}

	defer func() {
		err = reg.Unregister()
		if err != nil {
			slogctx.Error(ctx, "failed to unregister db stats metrics", "error", err)
		}
	}()

	goose.SetBaseFS(migrationsFS(cfg.Migrate))

	err = goose.SetDialect(dialect)
	if err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	err = goose.UpContext(ctx, db, ".")
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	slogctx.Info(ctx, "Applied migrations")

	return nil
}

// migrationsFS returns the embedded migrations unless a directory is given.
func migrationsFS(cfg config.Migrate) fs.FS {
	if cfg.Source == "" || cfg.Source == "embedded" {
		return migrations.FS
	}

	return os.DirFS(cfg.Source)
}
