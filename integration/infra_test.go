//go:build integration

package integration_test

import (
	"context"
	"testing"

	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/internal/dbtest/postgrestest"
	"github.com/openkcm/session-worker/internal/dbtest/valkeytest"
)

type closeFunc func(ctx context.Context)

type infraStat struct {
	closeFuncs []closeFunc
}

// PreparePostgres starts a migrated database and points the storage at it.
func (istat *infraStat) PreparePostgres(t *testing.T, cfg *config.Config) {
	t.Helper()

	pgClient, pgPort, pgTerminate := postgrestest.Start(t.Context())
	pgClient.Close()

	istat.closeFuncs = append(istat.closeFuncs, pgTerminate)

	cfg.Storage.Type = config.StoragePostgres
	cfg.Storage.Database = postgrestest.Config(pgPort)
}

// PrepareValKey starts a ValKey instance and points the storage at it.
func (istat *infraStat) PrepareValKey(t *testing.T, cfg *config.Config) {
	t.Helper()

	_, vkPort, vkTerminate := valkeytest.Start(t.Context())

	istat.closeFuncs = append(istat.closeFuncs, vkTerminate)

	cfg.Storage.Type = config.StorageValKey
	cfg.Storage.ValKey = valkeytest.Config(vkPort, "integration")
}

func (istat *infraStat) Close(ctx context.Context) {
	for _, close := range istat.closeFuncs {
		close(ctx)
	}
}
