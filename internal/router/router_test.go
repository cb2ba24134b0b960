package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcrelay/rpcgate/internal/detector"
	"github.com/arcrelay/rpcgate/internal/domain"
	"github.com/arcrelay/rpcgate/internal/logger"
	"github.com/arcrelay/rpcgate/internal/metrics"
	"github.com/arcrelay/rpcgate/internal/worker"
	"github.com/arcrelay/rpcgate/theme"
)

type scriptedTransport struct {
	mu        sync.Mutex
	responses map[string][]scriptedResponse
	calls     map[string]int
}

type scriptedResponse struct {
	status int
	body   string
	err    error
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		responses: make(map[string][]scriptedResponse),
		calls:     make(map[string]int),
	}
}

func (s *scriptedTransport) script(url string, responses ...scriptedResponse) {
	s.responses[url] = responses
}

func (s *scriptedTransport) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	url := req.URL.String()
	seq := s.responses[url]
	idx := s.calls[url]
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	s.calls[url]++

	r := seq[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: r.status,
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Header:     http.Header{},
	}, nil
}

type noopRecorder struct{}

func (noopRecorder) RecordRequest(context.Context, int64, string, bool, time.Duration, int, string) error {
	return nil
}
func (noopRecorder) RecordRateLimitEvent(context.Context, int64, int64, int, string) error { return nil }

type noHistory struct{}

func (noHistory) RecentRequests(context.Context, int64, int) ([]domain.RequestLogEntry, error) {
	return nil, nil
}
func (noHistory) AverageCooldown(context.Context, int64, time.Duration) (time.Duration, bool, error) {
	return 0, false, nil
}

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), theme.Default())
}

// fakePool lets tests wire a fixed set of workers without a real
// worker.Pool's health-probing loop.
type fakePool struct {
	workers []*worker.Worker
}

func (p *fakePool) All() []*worker.Worker { return p.workers }
func (p *fakePool) Available() []*worker.Worker {
	var out []*worker.Worker
	for _, w := range p.workers {
		if w.IsAvailable() {
			out = append(out, w)
		}
	}
	return out
}
func (p *fakePool) ShortestRecoveryMs() int64 {
	shortest := int64(-1)
	for _, w := range p.workers {
		r := w.RecoveryTimeMs()
		if shortest == -1 || r < shortest {
			shortest = r
		}
	}
	if shortest == -1 {
		return 0
	}
	return shortest
}

func newWorkerFor(t *testing.T, id int64, url string, rt worker.HTTPClient) *worker.Worker {
	t.Helper()
	det := detector.New(noHistory{}, detector.DefaultConfig())
	w := worker.New(id, url, rt, det, noopRecorder{}, metrics.Noop{}, testLogger(), worker.DefaultConfig())
	t.Cleanup(w.Stop)
	return w
}

func TestRouter_Route_SucceedsOnFirstAvailableWorker(t *testing.T) {
	rt := newScriptedTransport()
	rt.script("http://a.test", scriptedResponse{status: 200, body: `{"jsonrpc":"2.0","result":"0x1"}`})

	w := newWorkerFor(t, 1, "http://a.test", rt)
	r := New(&fakePool{workers: []*worker.Worker{w}}, metrics.Noop{}, testLogger())

	res, err := r.Route(context.Background(), "eth_blockNumber", []byte(`{}`))
	require.NoError(t, err)
	assert.Contains(t, string(res.Body), "0x1")
}

func TestRouter_Route_FailsOverToSecondWorkerOnTransientError(t *testing.T) {
	rt := newScriptedTransport()
	rt.script("http://a.test", scriptedResponse{status: 200, body: `{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"}}`})
	rt.script("http://b.test", scriptedResponse{status: 200, body: `{"jsonrpc":"2.0","result":"0x2"}`})

	wa := newWorkerFor(t, 1, "http://a.test", rt)
	wb := newWorkerFor(t, 2, "http://b.test", rt)
	r := New(&fakePool{workers: []*worker.Worker{wa, wb}}, metrics.Noop{}, testLogger())

	res, err := r.Route(context.Background(), "eth_call", []byte(`{}`))
	require.NoError(t, err)
	assert.Contains(t, string(res.Body), "0x2")
}

// blockingTransport never resolves a call until unblock is closed, used to
// keep a worker's queue non-empty for deterministic least-loaded tests.
type blockingTransport struct {
	unblock chan struct{}
}

func (b *blockingTransport) Do(req *http.Request) (*http.Response, error) {
	select {
	case <-b.unblock:
		return &http.Response{
			StatusCode: 200,
			Body:       io.NopCloser(strings.NewReader(`{"jsonrpc":"2.0","result":"late"}`)),
			Header:     http.Header{},
		}, nil
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
}

func TestRouter_Route_PrefersLeastLoadedWorker(t *testing.T) {
	bt := &blockingTransport{unblock: make(chan struct{})}
	t.Cleanup(func() { close(bt.unblock) })

	rtB := newScriptedTransport()
	rtB.script("http://b.test", scriptedResponse{status: 200, body: `{"jsonrpc":"2.0","result":"free"}`})

	wa := newWorkerFor(t, 1, "http://a.test", bt)
	wb := newWorkerFor(t, 2, "http://b.test", rtB)

	// Saturate wa's queue: the first item blocks mid-flight, the rest pile
	// up behind it, so wa is strictly more loaded than wb at selection.
	for i := 0; i < 3; i++ {
		_, _ = wa.Enqueue(context.Background(), "eth_call", []byte(`{}`))
	}
	require.Eventually(t, func() bool {
		return wa.QueueLength() == 2
	}, time.Second, 10*time.Millisecond)

	r := New(&fakePool{workers: []*worker.Worker{wa, wb}}, metrics.Noop{}, testLogger())
	res, err := r.Route(context.Background(), "eth_call", []byte(`{}`))
	require.NoError(t, err)
	assert.Contains(t, string(res.Body), "free")
}

func TestRouter_Route_AllEndpointsFailedAfterExhaustingRetryBudget(t *testing.T) {
	// Both workers stay HEALTHY and reachable, but every call answers with
	// a transient (retryable) JSON-RPC error, so the router must exhaust
	// its 2x|workers| attempt budget across both before giving up.
	rt := newScriptedTransport()
	rt.script("http://a.test", scriptedResponse{status: 200, body: `{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"}}`})
	rt.script("http://b.test", scriptedResponse{status: 200, body: `{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"}}`})

	wa := newWorkerFor(t, 1, "http://a.test", rt)
	wb := newWorkerFor(t, 2, "http://b.test", rt)

	r := New(&fakePool{workers: []*worker.Worker{wa, wb}}, metrics.Noop{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := r.Route(ctx, "eth_call", []byte(`{}`))
	require.Error(t, err)
	var failed *domain.AllEndpointsFailedError
	assert.ErrorAs(t, err, &failed)
}

func TestRouter_Route_NoWorkersConfigured(t *testing.T) {
	r := New(&fakePool{}, metrics.Noop{}, testLogger())
	_, err := r.Route(context.Background(), "eth_call", []byte(`{}`))
	require.Error(t, err)
	var failed *domain.AllEndpointsFailedError
	assert.ErrorAs(t, err, &failed)
}
