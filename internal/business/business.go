package business

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-worker/internal/authclient"
	"github.com/openkcm/session-worker/internal/business/server"
	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/internal/idp"
	"github.com/openkcm/session-worker/internal/store"
	"github.com/openkcm/session-worker/internal/store/memory"
	storepg "github.com/openkcm/session-worker/internal/store/postgres"
	storevalkey "github.com/openkcm/session-worker/internal/store/valkey"
	"github.com/openkcm/session-worker/internal/worker"
)

const httpClientTimeout = 30 * time.Second

// Main starts the worker and serves it over gRPC.
func Main(ctx context.Context, cfg *config.Config) error {
	st, closeFn, err := initStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the store: %w", err)
	}
	defer closeFn()

	w, err := initWorker(cfg, st)
	if err != nil {
		return fmt.Errorf("initialising the worker: %w", err)
	}

	if pg, ok := st.(*storepg.Store); ok && cfg.Storage.EntryTTL > 0 {
		go purgeExpired(ctx, pg, cfg.Housekeeper.TriggerInterval)
	}

	return server.StartGRPCServer(ctx, cfg, w)
}

func initWorker(cfg *config.Config, st store.Store) (*worker.Worker, error) {
	httpClient, err := loadHTTPClient(cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("loading http client: %w", err)
	}

	idpCfg, err := idpConfig(cfg.Client)
	if err != nil {
		return nil, err
	}

	client := authclient.New(&cfg.Client, st, idp.NewClient(idpCfg, httpClient))

	return worker.New(client)
}

func idpConfig(c config.Client) (idp.Config, error) {
	idpCfg := idp.Config{
		BaseURL:     c.BaseURL,
		ClientID:    c.ClientID,
		RedirectURL: c.AfterSignInURL,
		Scopes:      c.Scope,
		SigningAlgs: c.SigningAlgs,
		ClockSkew:   c.ClockSkew,
		AuthParams:  c.AuthParams,
		Endpoints: idp.Endpoints{
			Discovery:     c.Endpoints.Discovery,
			Issuer:        c.Endpoints.Issuer,
			Authorization: c.Endpoints.Authorization,
			Token:         c.Endpoints.Token,
			JWKS:          c.Endpoints.JWKS,
			EndSession:    c.Endpoints.EndSession,
			Profile:       c.Endpoints.Profile,
		},
	}

	if c.ClientSecret.Source != "" {
		secret, err := commoncfg.LoadValueFromSourceRef(c.ClientSecret)
		if err != nil {
			return idp.Config{}, fmt.Errorf("loading client secret: %w", err)
		}

		idpCfg.ClientSecret = string(secret)
	}

	return idpCfg, nil
}

// initStore opens the configured backend. closeFn is always safe to call.
func initStore(ctx context.Context, cfg *config.Config) (_ store.Store, closeFn func(), _ error) {
	nop := func() {}

	switch cfg.Storage.Type {
	case config.StorageMemory, "":
		return memory.New(cfg.Storage.EntryTTL), nop, nil
	case config.StorageValKey:
		client, err := storevalkey.NewClient(cfg.Storage.ValKey)
		if err != nil {
			return nil, nop, err
		}

		return storevalkey.NewStore(client, cfg.Storage.ValKey.Prefix, cfg.Storage.EntryTTL), client.Close, nil
	case config.StoragePostgres:
		connStr, err := config.MakeConnStr(cfg.Storage.Database)
		if err != nil {
			return nil, nop, fmt.Errorf("making dsn from config: %w", err)
		}

		db, err := storepg.NewPool(ctx, connStr)
		if err != nil {
			return nil, nop, fmt.Errorf("initialising pgxpool connection: %w", err)
		}

		return storepg.NewStore(db, cfg.Storage.EntryTTL), db.Close, nil
	default:
		return nil, nop, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// loadHTTPClient returns the client used for every provider request. With
// mTLS configured the client certificate authenticates the worker.
func loadHTTPClient(cfg config.Client) (*http.Client, error) {
	if cfg.MTLS == nil {
		return &http.Client{Timeout: httpClientTimeout}, nil
	}

	tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.MTLS)
	if err != nil {
		return nil, fmt.Errorf("loading mTLS config: %w", err)
	}

	return &http.Client{
		Timeout: httpClientTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}, nil
}

func purgeExpired(ctx context.Context, pg *storepg.Store, interval time.Duration) {
	c := time.Tick(interval)
	for {
		n, err := pg.Purge(ctx)
		if err != nil {
			slogctx.Error(ctx, "Failed to purge expired store entries", "error", err)
		} else if n > 0 {
			slogctx.Info(ctx, "Purged expired store entries", "count", n)
		}

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return
		}
	}
}
