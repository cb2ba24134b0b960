// Package router implements the RequestRouter: failover across the
// available EndpointWorkers, least-loaded selection among them, and
// connection-holding when none are currently usable.
package router

import (
	"context"
	"time"

	"github.com/arcrelay/rpcgate/internal/domain"
	"github.com/arcrelay/rpcgate/internal/logger"
	"github.com/arcrelay/rpcgate/internal/metrics"
	"github.com/arcrelay/rpcgate/internal/worker"
)

// maxHoldSleep bounds the connection-holding sleep when every worker is
// currently unavailable: the client connection is held open and retried,
// never errored, but a wait is always capped so a single dead endpoint set
// can't hold a goroutine past this ceiling per iteration.
const maxHoldSleep = 5 * time.Second

// Pool is the subset of worker.Pool the router depends on.
type Pool interface {
	All() []*worker.Worker
	Available() []*worker.Worker
	ShortestRecoveryMs() int64
}

// Router dispatches one JSON-RPC call at a time to the least-loaded
// available worker, retrying on another worker on failure until every
// worker has been tried twice over or the request succeeds.
type Router struct {
	pool    Pool
	metrics metrics.Collector
	log     *logger.StyledLogger
}

func New(pool Pool, mcol metrics.Collector, log *logger.StyledLogger) *Router {
	return &Router{pool: pool, metrics: mcol, log: log}
}

// Route dispatches rawBody (a validated JSON-RPC request) to an available
// worker, failing over to another on any TransientUpstreamError,
// QueueFullError, or transport failure. It returns AllEndpointsFailedError
// only once the retry budget below is exhausted; until then, with zero
// workers currently available, it holds the caller's connection open and
// keeps retrying rather than returning an error.
func (r *Router) Route(ctx context.Context, method string, rawBody []byte) (worker.Result, error) {
	allWorkers := r.pool.All()
	maxAttempts := 2 * len(allWorkers)
	if maxAttempts == 0 {
		return worker.Result{}, &domain.AllEndpointsFailedError{LastErr: domain.ErrNoEndpointsConfigured}
	}

	tried := make(map[string]struct{})
	attempts := 0
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return worker.Result{}, err
		}

		available := r.pool.Available()
		if len(available) == 0 {
			if err := r.holdConnection(ctx); err != nil {
				return worker.Result{}, err
			}
			continue
		}

		candidates := excludeTried(available, tried)
		if len(candidates) == 0 {
			if len(tried) >= len(available) && attempts >= maxAttempts {
				r.metrics.ObserveRouterAttempts(attempts)
				return worker.Result{}, &domain.AllEndpointsFailedError{LastErr: lastErr}
			}
			tried = make(map[string]struct{})
			continue
		}

		w := selectLeastLoaded(candidates)
		attempts++

		attemptStart := time.Now()
		res, err := r.dispatch(ctx, w, method, rawBody)
		if err == nil {
			r.metrics.ObserveRouterAttempts(attempts)
			return res, nil
		}

		proxyErr := &domain.ProxyError{
			Err:       err,
			RequestID: domain.RequestIDFromContext(ctx),
			Method:    method,
			TargetURL: w.URL(),
			Latency:   time.Since(attemptStart),
		}
		r.log.WarnWithEndpoint("router attempt failed, trying next endpoint", w.URL(),
			"request_id", proxyErr.RequestID, "method", method, "attempt", attempts, "error", err)

		lastErr = proxyErr
		tried[w.URL()] = struct{}{}

		if attempts >= maxAttempts && len(tried) >= len(available) {
			r.metrics.ObserveRouterAttempts(attempts)
			return worker.Result{}, &domain.AllEndpointsFailedError{LastErr: lastErr}
		}
	}
}

// dispatch enqueues on w and waits for its resolution or ctx cancellation.
func (r *Router) dispatch(ctx context.Context, w *worker.Worker, method string, rawBody []byte) (worker.Result, error) {
	ch, err := w.Enqueue(ctx, method, rawBody)
	if err != nil {
		return worker.Result{}, err
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return worker.Result{}, res.Err
		}
		return res, nil
	case <-ctx.Done():
		return worker.Result{}, ctx.Err()
	}
}

// holdConnection sleeps for min(shortestRecoveryMs, maxHoldSleep) so a
// client call never errors purely because every endpoint is momentarily
// cooling down or probing back to health.
func (r *Router) holdConnection(ctx context.Context) error {
	sleepMs := r.pool.ShortestRecoveryMs()
	sleep := time.Duration(sleepMs) * time.Millisecond
	if sleep <= 0 || sleep > maxHoldSleep {
		sleep = maxHoldSleep
	}

	select {
	case <-time.After(sleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// excludeTried returns the subset of workers whose URL is not in tried,
// preserving the input order so selection ties still resolve by insertion
// order.
func excludeTried(workers []*worker.Worker, tried map[string]struct{}) []*worker.Worker {
	out := make([]*worker.Worker, 0, len(workers))
	for _, w := range workers {
		if _, skip := tried[w.URL()]; !skip {
			out = append(out, w)
		}
	}
	return out
}

// selectLeastLoaded picks the candidate with the smallest queue length,
// breaking ties by the order workers were registered with the pool.
func selectLeastLoaded(candidates []*worker.Worker) *worker.Worker {
	best := candidates[0]
	bestLen := best.QueueLength()
	for _, w := range candidates[1:] {
		if n := w.QueueLength(); n < bestLen {
			best = w
			bestLen = n
		}
	}
	return best
}
