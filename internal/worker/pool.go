package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/arcrelay/rpcgate/internal/domain"
	"github.com/arcrelay/rpcgate/internal/logger"
)

// probeBody is the fixed eth_blockNumber probe call used to test whether an
// ERROR-state worker's upstream has recovered. It never touches the
// worker's own FIFO queue, so a probe can never be stuck behind a backlog
// of user traffic that is itself the reason the endpoint looks unhealthy.
var probeBody = []byte(`{"jsonrpc":"2.0","id":0,"method":"eth_blockNumber","params":[]}`)

// Pool owns every EndpointWorker for the configured upstream set and runs
// the periodic health prober against whichever workers are in ERROR.
type Pool struct {
	httpClient HTTPClient
	log        *logger.StyledLogger

	healthCheckInterval time.Duration
	probeTimeout        time.Duration
	probeLimiter        *rate.Limiter

	mu      sync.RWMutex
	workers []*Worker
	byURL   map[string]*Worker
	started bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// probeBurstRate bounds how fast the pool issues recovery probes when many
// workers are in ERROR at once, so a wide simultaneous outage doesn't open
// a burst of probe connections against upstreams that are already down.
const probeBurstRate = 5

func NewPool(httpClient HTTPClient, log *logger.StyledLogger, healthCheckInterval time.Duration) *Pool {
	if healthCheckInterval <= 0 {
		healthCheckInterval = 30 * time.Second
	}
	return &Pool{
		httpClient:          httpClient,
		log:                 log,
		healthCheckInterval: healthCheckInterval,
		probeTimeout:        5 * time.Second,
		probeLimiter:        rate.NewLimiter(rate.Limit(probeBurstRate), probeBurstRate),
		byURL:               make(map[string]*Worker),
		stopCh:              make(chan struct{}),
		doneCh:              make(chan struct{}),
	}
}

// Add registers a worker with the pool. Not safe to call once Start has run.
func (p *Pool) Add(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers = append(p.workers, w)
	p.byURL[w.URL()] = w
}

// All returns every registered worker, in registration order.
func (p *Pool) All() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// Available returns every worker currently eligible for dispatch.
func (p *Pool) Available() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Worker
	for _, w := range p.workers {
		if w.IsAvailable() {
			out = append(out, w)
		}
	}
	return out
}

// Get looks a worker up by its configured URL.
func (p *Pool) Get(url string) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.byURL[url]
	return w, ok
}

// ShortestRecoveryMs is the minimum RecoveryTimeMs across every registered
// worker, used by the router to size its connection-holding sleep when no
// worker is currently available.
func (p *Pool) ShortestRecoveryMs() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.workers) == 0 {
		return 0
	}
	shortest := p.workers[0].RecoveryTimeMs()
	for _, w := range p.workers[1:] {
		if r := w.RecoveryTimeMs(); r < shortest {
			shortest = r
		}
	}
	return shortest
}

// Start launches the periodic health-probe loop as a background goroutine.
func (p *Pool) Start() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	go p.probeLoop()
}

// Stop signals the probe loop to exit, then stops every registered
// worker's drain loop concurrently and waits for all of them — shutdown
// time is bounded by the slowest single worker, not their sum.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if started {
		<-p.doneCh
	}

	var eg errgroup.Group
	for _, w := range p.All() {
		eg.Go(func() error {
			w.Stop()
			return nil
		})
	}
	_ = eg.Wait()
}

func (p *Pool) probeLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeErrored()
		}
	}
}

// probeErrored issues one eth_blockNumber probe, concurrently, against
// every worker currently in ERROR. A worker that answers with a non-empty
// result is marked HEALTHY; every other outcome leaves it in ERROR for the
// next interval.
func (p *Pool) probeErrored() {
	var eg errgroup.Group
	for _, w := range p.All() {
		if w.State() != domain.WorkerError {
			continue
		}
		eg.Go(func() error {
			p.probeOne(w)
			return nil
		})
	}
	_ = eg.Wait()
}

func (p *Pool) probeOne(w *Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), p.probeTimeout)
	defer cancel()

	if err := p.probeLimiter.Wait(ctx); err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL(), bytes.NewReader(probeBody))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.WarnWithEndpoint("health probe failed", w.URL(), "error", err)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	var parsed struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return
	}
	if len(parsed.Error) > 0 || len(parsed.Result) == 0 {
		return
	}

	p.log.InfoHealthy("health probe succeeded, worker recovered", w.URL())
	w.MarkHealthy()
}
