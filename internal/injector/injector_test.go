package injector

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/notesync/internal/config"
)

func TestInitializeApp(t *testing.T) {
	cfg := config.Default()
	cfg.Replica.ID = "node"
	cfg.Storage.Dir = t.TempDir()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Log.Level = "error"

	app, err := InitializeApp(cfg)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))

	resp, err := http.Get("http://" + app.Server.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, app.Replica.AddCompany(context.Background(), "Acme"))
	require.NoError(t, app.Close(context.Background()))
}

func TestInitializeAppRejectsBadLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "loud"
	_, err := InitializeApp(cfg)
	assert.Error(t, err)
}
