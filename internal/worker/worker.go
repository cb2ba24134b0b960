// Package worker implements EndpointWorker: one serialized FIFO queue and
// drain loop per configured upstream, carrying the HEALTHY / COOLING_DOWN /
// ERROR state machine.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcrelay/rpcgate/internal/detector"
	"github.com/arcrelay/rpcgate/internal/domain"
	"github.com/arcrelay/rpcgate/internal/logger"
	"github.com/arcrelay/rpcgate/internal/metrics"
)

// transientRPCCodes is the JSON-RPC error code signal.
var transientRPCCodes = map[int]struct{}{
	19:     {},
	-32000: {},
	-32603: {},
	429:    {},
	503:    {},
}

// transientKeywords is the message-keyword signal.
var transientKeywords = []string{
	"temporary", "retry", "timeout", "timed out", "unavailable",
	"connection", "network", "try again", "overloaded", "capacity",
	"grpc", "cancel",
}

// HTTPClient is the subset of *http.Client the worker needs, accepted as an
// interface so tests can substitute a fake transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Recorder is the narrow slice of stats.Store the worker writes through.
type Recorder interface {
	RecordRequest(ctx context.Context, endpointID int64, method string, success bool, responseTime time.Duration, httpStatus int, errMsg string) error
	RecordRateLimitEvent(ctx context.Context, endpointID int64, cooldownMs int64, httpStatus int, message string) error
}

// Config mirrors the worker.* options from the server configuration.
type Config struct {
	RequestTimeout time.Duration
	MaxQueueSize   int
	// ErrorStateThreshold is the number of consecutive transport failures
	// that trip HEALTHY -> ERROR: a counted policy rather than a single
	// failure, so one dropped connection doesn't pull a worker out of
	// rotation.
	ErrorStateThreshold int
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:      30 * time.Second,
		MaxQueueSize:        1000,
		ErrorStateThreshold: 5,
	}
}

// Result is what a queued call resolves to: either the raw upstream body
// (forwarded byte-identical, success or well-formed permanent error) or an
// error the router should interpret and retry elsewhere.
type Result struct {
	Body []byte
	Err  error
}

type queueItem struct {
	ctx        context.Context
	reply      chan Result
	method     string
	rawBody    []byte
	enqueuedAt time.Time
}

// Worker serializes all traffic to one upstream endpoint through a single
// consumer goroutine, lazily started on first Enqueue and re-started
// whenever the queue goes from empty to non-empty.
type Worker struct {
	httpClient HTTPClient
	det        *detector.Detector
	store      Recorder
	metrics    metrics.Collector
	log        *logger.StyledLogger
	cfg        Config

	endpointID int64
	url        string

	mu    sync.Mutex
	queue []*queueItem

	state         atomic.Int32 // domain.WorkerState, stored as its ordinal
	cooldownUntil atomic.Int64 // UnixNano; 0 == no active cooldown
	transportFail atomic.Int32
	processing    atomic.Bool

	stopCh  chan struct{}
	drainWg sync.WaitGroup
}

func stateOrdinal(s domain.WorkerState) int32 {
	switch s {
	case domain.WorkerHealthy:
		return 0
	case domain.WorkerCoolingDown:
		return 1
	case domain.WorkerError:
		return 2
	default:
		return 0
	}
}

func ordinalState(n int32) domain.WorkerState {
	switch n {
	case 1:
		return domain.WorkerCoolingDown
	case 2:
		return domain.WorkerError
	default:
		return domain.WorkerHealthy
	}
}

// New constructs a Worker in the HEALTHY state. The drain loop is started
// lazily on the first Enqueue, not here.
func New(endpointID int64, url string, httpClient HTTPClient, det *detector.Detector, store Recorder, mcol metrics.Collector, log *logger.StyledLogger, cfg Config) *Worker {
	w := &Worker{
		httpClient: httpClient,
		det:        det,
		store:      store,
		metrics:    mcol,
		log:        log,
		cfg:        cfg,
		endpointID: endpointID,
		url:        url,
		stopCh:     make(chan struct{}),
	}
	w.state.Store(stateOrdinal(domain.WorkerHealthy))
	return w
}

func (w *Worker) URL() string               { return w.url }
func (w *Worker) EndpointID() int64         { return w.endpointID }
func (w *Worker) State() domain.WorkerState { return ordinalState(w.state.Load()) }

// IsAvailable reports whether the router may dispatch to this worker.
func (w *Worker) IsAvailable() bool {
	return w.State().IsAvailable()
}

// QueueLength returns the current depth of the FIFO queue.
func (w *Worker) QueueLength() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// RecoveryTimeMs estimates milliseconds until this worker might next accept
// traffic: 0 if healthy, remaining cooldown if cooling down, and a
// conservative guess for ERROR (it has no scheduled recovery of its own —
// only a health probe clears it, so the router treats it as a long wait).
func (w *Worker) RecoveryTimeMs() int64 {
	switch w.State() {
	case domain.WorkerHealthy:
		return 0
	case domain.WorkerCoolingDown:
		until := w.cooldownUntil.Load()
		if until == 0 {
			return 0
		}
		remaining := time.Until(time.Unix(0, until)).Milliseconds()
		if remaining < 0 {
			return 0
		}
		return remaining
	default: // ERROR
		return 30_000
	}
}

// Enqueue appends a call to the tail of the FIFO queue, rejecting with
// QueueFullError at capacity, and returns a channel the caller receives the
// eventual Result from exactly once.
func (w *Worker) Enqueue(ctx context.Context, method string, rawBody []byte) (<-chan Result, error) {
	item := &queueItem{
		ctx:        ctx,
		reply:      make(chan Result, 1),
		method:     method,
		rawBody:    rawBody,
		enqueuedAt: time.Now(),
	}

	w.mu.Lock()
	if len(w.queue) >= w.cfg.MaxQueueSize {
		w.mu.Unlock()
		return nil, &domain.QueueFullError{EndpointID: w.endpointID, Capacity: w.cfg.MaxQueueSize}
	}
	w.queue = append(w.queue, item)
	depth := len(w.queue)
	w.mu.Unlock()

	w.metrics.ObserveQueueLength(w.url, depth)
	w.ensureDrainLoop()

	return item.reply, nil
}

// ensureDrainLoop starts exactly one consumer goroutine if none is running.
// The CompareAndSwap guarantees at most one drainLoop goroutine is alive at
// a time, so a single WaitGroup correctly tracks "the current one, if any".
func (w *Worker) ensureDrainLoop() {
	if w.processing.CompareAndSwap(false, true) {
		w.drainWg.Add(1)
		go w.drainLoop()
	}
}

// Stop signals the drain loop to exit after its current item and blocks
// until it does. Queued-but-unprocessed items never receive a Result.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.drainWg.Wait()
}

func (w *Worker) drainLoop() {
	defer w.drainWg.Done()

	for {
		select {
		case <-w.stopCh:
			w.processing.Store(false)
			return
		default:
		}

		w.mu.Lock()
		empty := len(w.queue) == 0
		w.mu.Unlock()

		if empty {
			w.processing.Store(false)
			// Re-check for the narrow race where Enqueue observed
			// processing==true just before this Store and so never
			// started a new loop.
			w.mu.Lock()
			stillEmpty := len(w.queue) == 0
			w.mu.Unlock()
			if stillEmpty || !w.processing.CompareAndSwap(false, true) {
				return
			}
			continue
		}

		switch w.State() {
		case domain.WorkerCoolingDown:
			if w.waitOutCooldown() {
				return
			}
			continue
		case domain.WorkerError:
			// Only a health probe clears ERROR; the loop parks rather
			// than busy-spinning on a queue it can't drain.
			select {
			case <-time.After(time.Second):
			case <-w.stopCh:
				w.processing.Store(false)
				return
			}
			continue
		}

		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			continue
		}
		item := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()
		w.metrics.ObserveQueueLength(w.url, w.QueueLength())

		if item.ctx.Err() != nil {
			continue
		}

		w.process(item)
	}
}

// waitOutCooldown sleeps in short increments until the cooldown expires or
// stop is requested, then transitions back to HEALTHY. Strikes are left
// untouched here: the retried item may rate-limit again, and the backoff
// must keep escalating off the real strike count rather than restart from
// zero. The detector clears strikes on a non-rate-limited verdict, and
// MarkHealthy clears them on a successful health-probe recovery.
// Returns true if the loop should exit (stop requested).
func (w *Worker) waitOutCooldown() bool {
	until := time.Unix(0, w.cooldownUntil.Load())
	remaining := time.Until(until)
	if remaining > 0 {
		sleepFor := remaining
		if sleepFor > time.Second {
			sleepFor = time.Second
		}
		select {
		case <-time.After(sleepFor):
		case <-w.stopCh:
			w.processing.Store(false)
			return true
		}
		return false
	}

	w.transitionTo(domain.WorkerHealthy)
	w.cooldownUntil.Store(0)
	return false
}

func (w *Worker) transitionTo(target domain.WorkerState) {
	current := w.State()
	if !current.CanTransitionTo(target) {
		return
	}
	w.state.Store(stateOrdinal(target))
	w.log.InfoWorkerState("worker state change", w.url, target)
}

// process performs the upstream call for one item and resolves its reply
// channel exactly once, except on rate-limit detection where the item is
// re-inserted at the head of the queue instead.
func (w *Worker) process(item *queueItem) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(item.ctx, w.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.url, bytes.NewReader(item.rawBody))
	if err != nil {
		item.reply <- Result{Err: &domain.TransientUpstreamError{EndpointID: w.endpointID, Err: err}}
		close(item.reply)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, doErr := w.httpClient.Do(req)
	responseTime := time.Since(start)

	if doErr != nil {
		w.handleTransportFailure(item, doErr, responseTime)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		w.handleTransportFailure(item, readErr, responseTime)
		return
	}

	var parsed domain.Response
	_ = json.Unmarshal(body, &parsed)

	verdict := w.det.Detect(item.ctx, w.endpointID, detector.Input{
		RetryAfter:   resp.Header.Get("Retry-After"),
		Body:         body,
		ParsedError:  parsed.Error,
		HTTPStatus:   resp.StatusCode,
		ResponseTime: responseTime,
	})

	if verdict.IsRateLimited {
		w.handleRateLimit(item, verdict, resp.StatusCode)
		return
	}

	w.resetTransportFailures()

	if parsed.Error != nil {
		w.handleRPCError(item, parsed.Error, body, resp.StatusCode, responseTime)
		return
	}

	_ = w.store.RecordRequest(context.Background(), w.endpointID, item.method, true, responseTime, resp.StatusCode, "")
	w.metrics.IncRequest(w.url, "success")
	item.reply <- Result{Body: body}
	close(item.reply)
}

func (w *Worker) handleRateLimit(item *queueItem, verdict detector.Verdict, httpStatus int) {
	_ = w.store.RecordRateLimitEvent(context.Background(), w.endpointID, verdict.CooldownMs, httpStatus, "rate limit detected")
	w.metrics.IncRateLimit(w.url)
	w.metrics.ObserveCooldownMs(w.url, verdict.CooldownMs)

	w.cooldownUntil.Store(verdict.CooldownUntil.UnixNano())
	w.transitionTo(domain.WorkerCoolingDown)
	w.log.WarnCoolingDown("rate limit detected, cooling down", w.url, "cooldownMs", verdict.CooldownMs, "confidence", verdict.Confidence)

	w.mu.Lock()
	w.queue = append([]*queueItem{item}, w.queue...)
	w.mu.Unlock()
	w.metrics.ObserveQueueLength(w.url, w.QueueLength())
}

func (w *Worker) handleTransportFailure(item *queueItem, err error, responseTime time.Duration) {
	te := classifyTransportError(err)

	verdict := w.det.Detect(item.ctx, w.endpointID, detector.Input{
		TransportErr: te,
		ResponseTime: responseTime,
	})

	_ = w.store.RecordRequest(context.Background(), w.endpointID, item.method, false, responseTime, 0, te.Message)
	w.metrics.IncRequest(w.url, "transport_error")

	if verdict.IsRateLimited {
		w.handleRateLimit(item, verdict, 0)
		return
	}

	if w.incrementTransportFailures() {
		w.log.ErrorWithEndpoint("endpoint marked error after repeated transport failures", w.url)
	}

	item.reply <- Result{Err: &domain.TransientUpstreamError{EndpointID: w.endpointID, Err: err}}
	close(item.reply)
}

func (w *Worker) handleRPCError(item *queueItem, rpcErr *domain.RPCError, body []byte, httpStatus int, responseTime time.Duration) {
	if isTransientRPCError(rpcErr) {
		_ = w.store.RecordRequest(context.Background(), w.endpointID, item.method, false, responseTime, httpStatus, rpcErr.Message)
		w.metrics.IncRequest(w.url, "transient")
		item.reply <- Result{Err: &domain.TransientUpstreamError{EndpointID: w.endpointID, RPCError: rpcErr}}
		close(item.reply)
		return
	}

	// Permanent error: a well-formed upstream response, not a routing
	// failure. Forwarded verbatim and recorded as a success.
	_ = w.store.RecordRequest(context.Background(), w.endpointID, item.method, true, responseTime, httpStatus, "")
	w.metrics.IncRequest(w.url, "permanent")
	item.reply <- Result{Body: body}
	close(item.reply)
}

// incrementTransportFailures applies the ERROR-state policy (an open
// question): ErrorStateThreshold consecutive transport failures trips
// HEALTHY -> ERROR. Returns true if this call caused that transition.
func (w *Worker) incrementTransportFailures() bool {
	n := w.transportFail.Add(1)
	threshold := int32(w.cfg.ErrorStateThreshold)
	if threshold <= 0 {
		threshold = int32(DefaultConfig().ErrorStateThreshold)
	}
	if n >= threshold && w.State() == domain.WorkerHealthy {
		w.transitionTo(domain.WorkerError)
		return true
	}
	return false
}

func (w *Worker) resetTransportFailures() {
	w.transportFail.Store(0)
}

// MarkHealthy is called by the pool's health prober on a successful probe
// of an ERROR-state worker.
func (w *Worker) MarkHealthy() {
	w.transitionTo(domain.WorkerHealthy)
	w.resetTransportFailures()
	w.det.ResetStrikes(w.endpointID)
}

func isTransientRPCError(e *domain.RPCError) bool {
	if e == nil {
		return false
	}
	if _, ok := transientRPCCodes[e.Code]; ok {
		return true
	}
	lower := strings.ToLower(e.Message)
	for _, kw := range transientKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func classifyTransportError(err error) *detector.TransportError {
	te := &detector.TransportError{Message: err.Error()}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		te.IsTimeout = true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		te.IsTimeout = true
	}
	if strings.Contains(strings.ToLower(te.Message), "reset") {
		te.IsConnReset = true
	}

	return te
}

