package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"craftpilot.ai/internal/persistence/indexdb"
	"craftpilot.ai/internal/supervisor"
	"craftpilot.ai/internal/survival"
)

func TestClient_AgainstServer(t *testing.T) {
	bot := &fakeBot{status: supervisor.Status{Connected: true, Connects: 1}}
	hist := &fakeHistory{runs: []indexdb.RunRow{{RunID: "r1", Status: "ABORTED", StartedAt: time.Unix(100, 0).UTC()}}}
	srv := httptest.NewServer(New(bot, hist, Config{}, nil).Handler())
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Connected)
	require.Equal(t, 1, st.Connects)

	ws, err := c.State(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, ws.Inventory.Count("oak_log"))

	ids, err := c.Craftable(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"oak_planks"}, ids)

	require.NoError(t, c.StartRun(ctx))
	stopped, err := c.StopRun(ctx)
	require.NoError(t, err)
	require.True(t, stopped)

	require.NoError(t, c.Action(ctx, "mine", ActionRequest{Count: 4}))
	bot.mu.Lock()
	require.Equal(t, []string{"mine  4"}, bot.actions)
	bot.mu.Unlock()

	runs, err := c.Runs(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	evs, err := c.RunEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, survival.EventRunStart, evs[0].Kind)
}

func TestClient_ErrorsCarryFailureKind(t *testing.T) {
	bot := &fakeBot{actionErr: fmt.Errorf("craft furnace: %w", survival.ErrMissingResource)}
	srv := httptest.NewServer(New(bot, nil, Config{}, nil).Handler())
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	err := c.Action(context.Background(), "craft", ActionRequest{Item: "furnace"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.Code)
	require.Equal(t, "missing_resource", apiErr.Failure)

	_, err = c.Runs(context.Background(), 5)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.Code)
	require.Equal(t, "run index disabled", apiErr.Message)
}
