// Package ingress is the thin HTTP front door: POST / accepts a JSON-RPC
// call and dispatches it through the router, GET /health reports whether
// any upstream is currently available, GET /stats exposes the StatsStore's
// read-only reporting rows, and GET /metrics serves the Prometheus registry.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/arcrelay/rpcgate/internal/domain"
	"github.com/arcrelay/rpcgate/internal/logger"
	"github.com/arcrelay/rpcgate/internal/worker"
)

const (
	contentTypeHeader = "Content-Type"
	contentTypeJSON   = "application/json"
	requestIDHeader   = "X-Request-ID"
)

// Router is the subset of router.Router the ingress depends on.
type Router interface {
	Route(ctx context.Context, method string, rawBody []byte) (worker.Result, error)
}

// Server wires the chi router and owns the underlying http.Server.
type Server struct {
	httpServer *http.Server
	log        *logger.StyledLogger
}

// Deps are the collaborators a freshly routed request needs.
type Deps struct {
	Router         Router
	HealthCheck    func() bool
	Stats          func(ctx context.Context) (any, error)
	MetricsHandler http.Handler
	Log            *logger.StyledLogger
}

// New builds the chi mux, wraps it in an *http.Server bound to addr, and
// returns a Server ready for Start.
func New(addr string, readTimeout, writeTimeout time.Duration, deps Deps) *Server {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(deps.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{contentTypeHeader, requestIDHeader},
	}))

	r.Post("/", rpcHandler(deps))
	r.Get("/health", healthHandler(deps))
	r.Get("/stats", statsHandler(deps))
	r.Handle("/metrics", deps.MetricsHandler)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		log: deps.Log,
	}
}

// Start runs ListenAndServe in a background goroutine, returning a channel
// that carries any error other than http.ErrServerClosed.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.InfoWithEndpoint("ingress listening", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Stop gracefully shuts the HTTP server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestIDMiddleware assigns (or propagates) a correlation id and stores
// it via domain.WithRequestID, so it survives all the way into the
// router's failover logging, not just this package's own access log.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := domain.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs one line per request at completion: method, path,
// status, and duration.
func loggingMiddleware(log *logger.StyledLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(wrapped, r)

			log.Info("request completed",
				"request_id", domain.RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.Status(),
				"bytes", wrapped.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

// rpcHandler decodes a JSON-RPC request, dispatches it through the router,
// and forwards the upstream body verbatim on success. Failures are
// translated into a JSON-RPC error envelope rather than a bare HTTP error,
// since the ingress contract is "always answer in JSON-RPC shape".
func rpcHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorEnvelope(w, http.StatusBadRequest, nil, domain.CodeInvalidRequest, "malformed JSON-RPC request body")
			return
		}
		if err := req.Validate(); err != nil {
			writeErrorEnvelope(w, http.StatusBadRequest, req.ID, domain.CodeInvalidRequest, err.Error())
			return
		}

		raw, err := json.Marshal(req)
		if err != nil {
			writeErrorEnvelope(w, http.StatusInternalServerError, req.ID, domain.CodeInternalError, "failed to re-encode request")
			return
		}

		res, err := deps.Router.Route(r.Context(), req.Method, raw)
		if err != nil {
			deps.Log.WarnWithEndpoint("request failed", req.Method, "request_id", domain.RequestIDFromContext(r.Context()), "error", err)
			writeErrorEnvelope(w, http.StatusOK, req.ID, domain.CodeInternalError, "Internal error: "+err.Error())
			return
		}

		w.Header().Set(contentTypeHeader, contentTypeJSON)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Body)
	}
}

func writeErrorEnvelope(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	w.Header().Set(contentTypeHeader, contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(domain.ErrorEnvelope(id, code, message))
}

func healthHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(contentTypeHeader, contentTypeJSON)
		if deps.HealthCheck() {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
	}
}

func statsHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := deps.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set(contentTypeHeader, contentTypeJSON)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(rows)
	}
}
