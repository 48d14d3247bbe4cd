// Package api exposes the pipeline over HTTP: module catalog CRUD, run
// submission and inspection, the audit trail, and operational endpoints.
// Authentication happens upstream; the API trusts the identity headers the
// gateway injects and feeds them into the permission gate as the caller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/SentinelIQ/SentinelCore/audit"
	"github.com/SentinelIQ/SentinelCore/authz"
	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/pipeline"
	"github.com/SentinelIQ/SentinelCore/registry"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// API is the HTTP front of the service.
type API struct {
	router     *mux.Router
	registry   *registry.Registry
	dispatcher *pipeline.Dispatcher
	gate       *authz.Gate
	auditQ     audit.Querier
	queues     *pipeline.StageQueues
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
	server     *http.Server
}

// Options configures the API server.
type Options struct {
	Addr              string
	RequestsPerSecond int
	Burst             int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// NewAPI wires routes and middleware.
func NewAPI(reg *registry.Registry, dispatcher *pipeline.Dispatcher, gate *authz.Gate,
	auditQ audit.Querier, queues *pipeline.StageQueues, opts Options, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 100
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.RequestsPerSecond
	}

	a := &API{
		router:     mux.NewRouter(),
		registry:   reg,
		dispatcher: dispatcher,
		gate:       gate,
		auditQ:     auditQ,
		queues:     queues,
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:     logger,
	}
	a.setupRoutes()

	a.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      a.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.rateLimitMiddleware)

	a.router.HandleFunc("/api/modules", a.listModules).Methods("GET")
	a.router.HandleFunc("/api/modules", a.createModule).Methods("POST")
	a.router.HandleFunc("/api/modules/{id}", a.getModule).Methods("GET")
	a.router.HandleFunc("/api/modules/{id}", a.updateModule).Methods("PUT")
	a.router.HandleFunc("/api/modules/{id}", a.deactivateModule).Methods("DELETE")
	a.router.HandleFunc("/api/modules/{id}/activate", a.activateModule).Methods("POST")
	a.router.HandleFunc("/api/modules/{id}/runs", a.submitRun).Methods("POST")

	a.router.HandleFunc("/api/runs", a.listRuns).Methods("GET")
	a.router.HandleFunc("/api/runs/{id}", a.getRun).Methods("GET")
	a.router.HandleFunc("/api/runs/{id}/cancel", a.cancelRun).Methods("POST")

	a.router.HandleFunc("/api/audit", a.listAuditEntries).Methods("GET")

	a.router.HandleFunc("/api/health", a.health).Methods("GET")
	a.router.HandleFunc("/api/stats", a.stats).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handler exposes the router for tests.
func (a *API) Handler() http.Handler { return a.router }

// Start serves until the listener fails or Shutdown is called.
func (a *API) Start() error {
	a.logger.Infow("API server starting", "addr", a.server.Addr)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// rateLimitMiddleware applies the global request budget.
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerFromRequest builds the caller from the identity headers set by the
// upstream gateway. A request with no role header is unauthenticated.
func callerFromRequest(r *http.Request) (core.Caller, error) {
	role := r.Header.Get("X-Auth-Role")
	if role == "" {
		return core.Caller{}, fmt.Errorf("missing identity headers")
	}
	return core.Caller{
		ID:       r.Header.Get("X-Auth-User-ID"),
		Name:     r.Header.Get("X-Auth-User"),
		Role:     core.Role(role),
		TenantID: r.Header.Get("X-Auth-Tenant"),
	}, nil
}

// respondJSON writes a JSON response with proper error handling.
func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

// respondError maps the error taxonomy onto HTTP status codes.
func (a *API) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrPermission):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		a.logger.Errorw("Request failed", "error", err)
	}
	a.respondJSON(w, map[string]string{"error": err.Error()}, status)
}

// paginationParams reads limit/offset query parameters with bounds.
func paginationParams(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if caller.Role != core.RoleSuperuser && caller.Role != core.RoleAdmin {
		a.respondError(w, fmt.Errorf("stats: %w", core.ErrPermission))
		return
	}
	a.respondJSON(w, map[string]interface{}{
		"queues":   a.queues.Stats(),
		"handlers": a.registry.Handlers(),
	}, http.StatusOK)
}
