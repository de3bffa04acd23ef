package business

import (
	"context"
	"testing"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/internal/store/memory"
)

func TestLoadHTTPClient(t *testing.T) {
	t.Run("plain client", func(t *testing.T) {
		client, err := loadHTTPClient(config.Client{})
		require.NoError(t, err)
		assert.Equal(t, httpClientTimeout, client.Timeout)
		assert.Nil(t, client.Transport)
	})

	t.Run("mTLS with missing files", func(t *testing.T) {
		_, err := loadHTTPClient(config.Client{
			MTLS: &commoncfg.MTLS{
				Cert:    commoncfg.SourceRef{Source: "file", File: commoncfg.CredentialFile{Path: "/nonexistent/cert.pem"}},
				CertKey: commoncfg.SourceRef{Source: "file", File: commoncfg.CredentialFile{Path: "/nonexistent/key.pem"}},
			},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loading mTLS config")
	})
}

func TestIDPConfig(t *testing.T) {
	base := config.Client{
		BaseURL:        "https://idp.example.com",
		ClientID:       "client",
		AfterSignInURL: "https://app.example.com/callback",
		Scope:          []string{"profile"},
		Endpoints:      config.Endpoints{Token: "https://idp.example.com/token"},
	}

	t.Run("public client", func(t *testing.T) {
		got, err := idpConfig(base)
		require.NoError(t, err)
		assert.Empty(t, got.ClientSecret)
		assert.Equal(t, "https://app.example.com/callback", got.RedirectURL)
		assert.Equal(t, "https://idp.example.com/token", got.Endpoints.Token)
	})

	t.Run("embedded secret", func(t *testing.T) {
		c := base
		c.ClientSecret = commoncfg.SourceRef{Source: "embedded", Value: "s3cret"}

		got, err := idpConfig(c)
		require.NoError(t, err)
		assert.Equal(t, "s3cret", got.ClientSecret)
	})

	t.Run("unreadable secret", func(t *testing.T) {
		c := base
		c.ClientSecret = commoncfg.SourceRef{Source: "file", File: commoncfg.CredentialFile{Path: "/nonexistent/secret"}}

		_, err := idpConfig(c)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loading client secret")
	})
}

func TestInitStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		st, closeFn, err := initStore(t.Context(), &config.Config{Storage: config.Storage{Type: config.StorageMemory}})
		require.NoError(t, err)
		defer closeFn()

		assert.IsType(t, &memory.Store{}, st)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, closeFn, err := initStore(t.Context(), &config.Config{Storage: config.Storage{Type: "etcd"}})
		require.Error(t, err)
		closeFn()
	})

	t.Run("postgres with unreadable host", func(t *testing.T) {
		cfg := &config.Config{Storage: config.Storage{
			Type: config.StoragePostgres,
			Database: config.Database{
				Host: commoncfg.SourceRef{Source: "file", File: commoncfg.CredentialFile{Path: "/nonexistent/file"}},
				Name: "db",
			},
		}}

		_, _, err := initStore(t.Context(), cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "making dsn from config")
	})

	t.Run("valkey with unreadable host", func(t *testing.T) {
		cfg := &config.Config{Storage: config.Storage{
			Type: config.StorageValKey,
			ValKey: config.ValKey{
				Host: commoncfg.SourceRef{Source: "file", File: commoncfg.CredentialFile{Path: "/nonexistent/file"}},
			},
		}}

		_, _, err := initStore(t.Context(), cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loading valkey host")
	})
}

func TestMain_InvalidStorage(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()

	err := Main(ctx, &config.Config{Storage: config.Storage{Type: "etcd"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialising the store")
}
