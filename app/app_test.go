package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcrelay/rpcgate/internal/config"
	"github.com/arcrelay/rpcgate/internal/logger"
	"github.com/arcrelay/rpcgate/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), theme.Default())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = ":memory:"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 18919
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Endpoints = nil
	return cfg
}

func TestNew_BuildsWithZeroConfiguredEndpoints(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), testLogger())
	require.NoError(t, err)
	require.NotNil(t, a)

	require.NoError(t, a.Stop(context.Background()))
}

func TestApplication_StartAndStopLifecycle(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	errCh := a.Start(context.Background())

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18919/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case err := <-errCh:
		t.Fatalf("unexpected server error: %v", err)
	default:
	}

	assert.NoError(t, a.Stop(context.Background()))
}
