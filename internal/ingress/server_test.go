package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcrelay/rpcgate/internal/domain"
	"github.com/arcrelay/rpcgate/internal/logger"
	"github.com/arcrelay/rpcgate/internal/worker"
	"github.com/arcrelay/rpcgate/theme"
)

type fakeRouter struct {
	result worker.Result
	err    error
}

func (f *fakeRouter) Route(ctx context.Context, method string, rawBody []byte) (worker.Result, error) {
	return f.result, f.err
}

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), theme.Default())
}

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Log == nil {
		deps.Log = testLogger()
	}
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = http.NotFoundHandler()
	}
	srv := New("127.0.0.1:0", 0, 0, deps)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestRPCHandler_ForwardsSuccessfulResultVerbatim(t *testing.T) {
	deps := Deps{
		Router: &fakeRouter{result: worker.Result{Body: []byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`)}},
	}
	ts := newTestServer(t, deps)

	resp, err := http.Post(ts.URL+"/", "application/json", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "0x1")
}

func TestRPCHandler_RejectsMissingMethod(t *testing.T) {
	deps := Deps{Router: &fakeRouter{}}
	ts := newTestServer(t, deps)

	resp, err := http.Post(ts.URL+"/", "application/json", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var env domain.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NotNil(t, env.Error)
	assert.Equal(t, domain.CodeInvalidRequest, env.Error.Code)
}

func TestRPCHandler_RejectsMalformedBody(t *testing.T) {
	deps := Deps{Router: &fakeRouter{}}
	ts := newTestServer(t, deps)

	resp, err := http.Post(ts.URL+"/", "application/json", bytes.NewReader([]byte(`not json`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRPCHandler_RouterFailureReturns200WithInternalErrorEnvelope(t *testing.T) {
	deps := Deps{
		Router: &fakeRouter{err: &domain.AllEndpointsFailedError{LastErr: errors.New("boom")}},
	}
	ts := newTestServer(t, deps)

	resp, err := http.Post(ts.URL+"/", "application/json", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"eth_call"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env domain.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NotNil(t, env.Error)
	assert.Equal(t, domain.CodeInternalError, env.Error.Code)
	assert.Contains(t, env.Error.Message, "Internal error: ")
}

func TestHealthHandler_ReflectsAvailability(t *testing.T) {
	available := true
	deps := Deps{
		Router:      &fakeRouter{},
		HealthCheck: func() bool { return available },
	}
	ts := newTestServer(t, deps)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	available = false
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatsHandler_EncodesReaderResult(t *testing.T) {
	type row struct {
		URL   string `json:"url"`
		Total int64  `json:"total"`
	}
	deps := Deps{
		Router: &fakeRouter{},
		Stats: func(ctx context.Context) (any, error) {
			return []row{{URL: "http://a.test", Total: 5}}, nil
		},
	}
	ts := newTestServer(t, deps)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http://a.test")
}

func TestStatsHandler_PropagatesReaderError(t *testing.T) {
	deps := Deps{
		Router: &fakeRouter{},
		Stats: func(ctx context.Context) (any, error) {
			return nil, errors.New("db unavailable")
		},
	}
	ts := newTestServer(t, deps)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
