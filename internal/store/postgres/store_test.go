//go:build integration

package storepg_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-worker/internal/dbtest/postgrestest"
	"github.com/openkcm/session-worker/internal/store"
	storepg "github.com/openkcm/session-worker/internal/store/postgres"
)

func TestStore(t *testing.T) {
	ctx := t.Context()
	db, _, terminate := postgrestest.Start(ctx)
	defer terminate(ctx)

	s := storepg.NewStore(db, 0)

	t.Run("set and get data successfully", func(t *testing.T) {
		require.NoError(t, s.SetData(ctx, "pkce_code_verifier#0", `{"state":"request_0"}`))

		got, err := s.GetData(ctx, "pkce_code_verifier#0")
		require.NoError(t, err)
		assert.JSONEq(t, `{"state":"request_0"}`, got)
	})

	t.Run("get returns not found for absent key", func(t *testing.T) {
		_, err := s.GetData(ctx, "non-existent-key")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("overwrites existing key", func(t *testing.T) {
		require.NoError(t, s.SetData(ctx, "session", "v1"))
		require.NoError(t, s.SetData(ctx, "session", "v2"))

		got, err := s.GetData(ctx, "session")
		require.NoError(t, err)
		assert.Equal(t, "v2", got)
	})

	t.Run("remove non-existent key does not error", func(t *testing.T) {
		require.NoError(t, s.RemoveData(ctx, "non-existent-key-remove"))
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, s.Ping(ctx))
	})
}

func TestStorePurge(t *testing.T) {
	ctx := t.Context()
	db, _, terminate := postgrestest.Start(ctx)
	defer terminate(ctx)

	s := storepg.NewStore(db, time.Second)

	require.NoError(t, s.SetData(ctx, "pkce_code_verifier#1", "stale"))
	_, err := db.Exec(ctx, `UPDATE store_entries SET updated_at = now() - interval '1 hour' WHERE key = $1;`, "pkce_code_verifier#1")
	require.NoError(t, err)
	require.NoError(t, s.SetData(ctx, "pkce_code_verifier#2", "fresh"))

	_, err = s.GetData(ctx, "pkce_code_verifier#1")
	require.ErrorIs(t, err, store.ErrNotFound)

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetData(ctx, "pkce_code_verifier#2")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
}
