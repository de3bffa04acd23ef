package business

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-worker/internal/authclient"
	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/internal/idp"
	"github.com/openkcm/session-worker/internal/idp/idptest"
	"github.com/openkcm/session-worker/internal/store/memory"
	"github.com/openkcm/session-worker/internal/worker"
	"github.com/openkcm/session-worker/pkg/rpc"
	"github.com/openkcm/session-worker/pkg/serviceerr"
	"github.com/openkcm/session-worker/pkg/session"
)

type fakeHousekeeping struct {
	sweepErr   error
	refreshErr error
	refreshed  bool

	windows []time.Duration
}

func (f *fakeHousekeeping) Sweep(context.Context) (rpc.SweepResult, error) {
	return rpc.SweepResult{Removed: 1}, f.sweepErr
}

func (f *fakeHousekeeping) RefreshIfExpiring(_ context.Context, window time.Duration) (bool, error) {
	f.windows = append(f.windows, window)
	return f.refreshed, f.refreshErr
}

func TestRunHousekeeping(t *testing.T) {
	cfg := config.Housekeeper{RefreshBefore: 5 * time.Minute}

	tests := []struct {
		name        string
		fake        *fakeHousekeeping
		cfg         config.Housekeeper
		wantErr     error
		wantRefresh int
	}{
		{
			name:        "refreshes with the configured window",
			fake:        &fakeHousekeeping{refreshed: true},
			cfg:         cfg,
			wantRefresh: 1,
		},
		{
			name:        "refresh disabled",
			fake:        &fakeHousekeeping{},
			cfg:         config.Housekeeper{},
			wantRefresh: 0,
		},
		{
			name:        "sweep failure stops the run",
			fake:        &fakeHousekeeping{sweepErr: serviceerr.ErrStorageUnavailable},
			cfg:         cfg,
			wantErr:     serviceerr.ErrStorageUnavailable,
			wantRefresh: 0,
		},
		{
			name:        "nobody signed in",
			fake:        &fakeHousekeeping{refreshErr: &session.Error{Op: session.OpRefresh, Err: serviceerr.ErrNotAuthenticated}},
			cfg:         cfg,
			wantRefresh: 1,
		},
		{
			name:        "rejected refresh token",
			fake:        &fakeHousekeeping{refreshErr: serviceerr.ErrInvalidGrant},
			cfg:         cfg,
			wantRefresh: 1,
		},
		{
			name:        "provider down",
			fake:        &fakeHousekeeping{refreshErr: serviceerr.ErrNetwork},
			cfg:         cfg,
			wantErr:     serviceerr.ErrNetwork,
			wantRefresh: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runHousekeeping(t.Context(), tt.fake, tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			require.Len(t, tt.fake.windows, tt.wantRefresh)
			for _, w := range tt.fake.windows {
				assert.Equal(t, tt.cfg.RefreshBefore, w)
			}
		})
	}
}

func TestRunHousekeeping_AgainstWorker(t *testing.T) {
	p := idptest.New(t)
	p.TokenTTL = 2 * time.Minute

	clientCfg := &config.Client{
		BaseURL:        p.URL(),
		ClientID:       idptest.ClientID,
		AfterSignInURL: "https://app.example.com/callback",
	}
	provider := idp.NewClient(idp.Config{
		BaseURL:     clientCfg.BaseURL,
		ClientID:    clientCfg.ClientID,
		RedirectURL: clientCfg.AfterSignInURL,
	}, p.Server.Client())

	w, err := worker.New(authclient.New(clientCfg, memory.New(0), provider))
	require.NoError(t, err)
	h, stop := session.StartIsolated(t.Context(), w)
	t.Cleanup(stop)

	cfg := config.Housekeeper{RefreshBefore: 5 * time.Minute}

	// nothing to do before sign-in
	require.NoError(t, runHousekeeping(t.Context(), h, cfg))

	res, err := h.SignIn(t.Context(), nil)
	require.NoError(t, err)
	code, err := p.Approve(res.RedirectURL)
	require.NoError(t, err)
	_, err = h.HandleCallback(t.Context(), rpc.CallbackArgs{Code: code, State: res.State})
	require.NoError(t, err)

	require.NoError(t, runHousekeeping(t.Context(), h, cfg))

	info, err := h.Session(t.Context())
	require.NoError(t, err)
	assert.False(t, info.RefreshedAt.IsZero(), "session expiring within the window is refreshed")
}

func TestHousekeeperMain_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	cfg := &config.Config{
		Housekeeper: config.Housekeeper{
			Target:          "localhost:1",
			TriggerInterval: time.Hour,
			RefreshBefore:   time.Minute,
		},
	}

	assert.NoError(t, HousekeeperMain(ctx, cfg))
}
