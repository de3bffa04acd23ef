//go:build integration

package integration_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/internal/idp/idptest"
	"github.com/openkcm/session-worker/pkg/rpc"
	"github.com/openkcm/session-worker/pkg/serviceerr"
)

func TestSessionOverGRPC(t *testing.T) {
	storages := map[string]func(*infraStat, *testing.T, *config.Config){
		"memory":   func(*infraStat, *testing.T, *config.Config) {},
		"postgres": (*infraStat).PreparePostgres,
		"valkey":   (*infraStat).PrepareValKey,
	}

	for name, prepare := range storages {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			istat := &infraStat{}
			defer istat.Close(ctx)

			p := idptest.New(t)
			cfg := baseConfig(t, p)
			prepare(istat, t, &cfg)

			startWorker(t, &cfg)
			h := dialWorker(t, cfg.GRPC.Address)

			res, err := h.SignIn(ctx, nil)
			require.NoError(t, err)
			assert.Regexp(t, `^request_\d+$`, res.State)

			code, err := p.Approve(res.RedirectURL)
			require.NoError(t, err)

			info, err := h.HandleCallback(ctx, rpc.CallbackArgs{Code: code, State: res.State})
			require.NoError(t, err)
			assert.Equal(t, "signed_in", info.Status)

			// replaying the callback finds no pending request
			_, err = h.HandleCallback(ctx, rpc.CallbackArgs{Code: code, State: res.State})
			require.ErrorIs(t, err, serviceerr.ErrUnknownOrExpiredRequest)

			user, err := h.GetUser(ctx)
			require.NoError(t, err)
			assert.Equal(t, p.Subject, user.Subject)

			token, err := h.GetAccessToken(ctx)
			require.NoError(t, err)
			assert.NotEmpty(t, token)

			_, err = h.SignOut(ctx, true)
			require.NoError(t, err)

			ok, err := h.IsAuthenticated(ctx)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
