//go:build integration

package integration_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openkcm/session-worker/internal/business"
	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/internal/idp/idptest"
	"github.com/openkcm/session-worker/pkg/rpc"
	"github.com/openkcm/session-worker/pkg/rpc/grpcrpc"
	"github.com/openkcm/session-worker/pkg/session"
)

// freeAddress lets the OS choose a port for the worker.
func freeAddress(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	return addr
}

func baseConfig(t *testing.T, p *idptest.Provider) config.Config {
	t.Helper()

	cfg := config.Config{
		GRPC: config.GRPCServer{
			GRPCServer:      commoncfg.GRPCServer{Address: freeAddress(t)},
			ShutdownTimeout: time.Second,
		},
		Client: config.Client{
			BaseURL:        p.URL(),
			ClientID:       idptest.ClientID,
			AfterSignInURL: "https://app.example.com/callback",
		},
		Housekeeper: config.Housekeeper{
			TriggerInterval: 100 * time.Millisecond,
			RefreshBefore:   5 * time.Minute,
		},
	}
	cfg.ApplyDefaults()

	return cfg
}

// startWorker runs the serve command's business logic until the test ends.
func startWorker(t *testing.T, cfg *config.Config) {
	t.Helper()

	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() {
		errc <- business.Main(ctx, cfg)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

// dialWorker connects a session helper and waits until the worker answers.
func dialWorker(t *testing.T, target string) *session.Helper {
	t.Helper()

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client := rpc.NewClient(grpcrpc.NewTransport(conn))
	t.Cleanup(func() {
		_ = client.Close()
		_ = conn.Close()
	})

	h := session.Remote(client)
	require.Eventually(t, func() bool {
		_, err := h.IsAuthenticated(t.Context())
		return err == nil
	}, 10*time.Second, 100*time.Millisecond, "worker never became reachable")

	return h
}
