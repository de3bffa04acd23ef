package business

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/pkg/rpc"
	"github.com/openkcm/session-worker/pkg/rpc/grpcrpc"
	"github.com/openkcm/session-worker/pkg/serviceerr"
	"github.com/openkcm/session-worker/pkg/session"
)

// housekeeping is the part of the session helper the housekeeper drives.
type housekeeping interface {
	Sweep(ctx context.Context) (rpc.SweepResult, error)
	RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error)
}

var _ housekeeping = (*session.Helper)(nil)

// HousekeeperMain periodically asks a running worker to drop expired
// authorization requests and to refresh a session that is about to expire.
// It never touches the store itself.
func HousekeeperMain(ctx context.Context, cfg *config.Config) error {
	conn, err := dialWorker(cfg.Housekeeper)
	if err != nil {
		return fmt.Errorf("failed to connect to the worker: %w", err)
	}
	defer conn.Close()

	client := rpc.NewClient(grpcrpc.NewTransport(conn))
	defer client.Close()

	helper := session.Remote(client)

	c := time.Tick(cfg.Housekeeper.TriggerInterval)
	for {
		if err := runHousekeeping(ctx, helper, cfg.Housekeeper); err != nil {
			slogctx.Error(ctx, "Error during session housekeeping", "error", err)
		}

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return nil
		}
	}
}

func runHousekeeping(ctx context.Context, h housekeeping, cfg config.Housekeeper) error {
	swept, err := h.Sweep(ctx)
	if err != nil {
		return err
	}
	slogctx.Debug(ctx, "Swept authorization requests", "removed", swept.Removed, "outstanding", swept.Outstanding)

	if cfg.RefreshBefore <= 0 {
		return nil
	}

	refreshed, err := h.RefreshIfExpiring(ctx, cfg.RefreshBefore)
	switch {
	case errors.Is(err, serviceerr.ErrNotAuthenticated):
		slogctx.Debug(ctx, "No session to refresh")
		return nil
	case errors.Is(err, serviceerr.ErrInvalidGrant):
		slogctx.Warn(ctx, "Refresh token rejected, session signed out")
		return nil
	case err != nil:
		return err
	}

	if refreshed {
		slogctx.Info(ctx, "Refreshed expiring session")
	}

	return nil
}

func dialWorker(cfg config.Housekeeper) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if cfg.MTLS != nil {
		tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading mTLS config: %w", err)
		}

		creds = credentials.NewTLS(tlsConfig)
	}

	return grpc.NewClient(cfg.Target, grpc.WithTransportCredentials(creds))
}
