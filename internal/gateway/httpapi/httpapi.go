// Package httpapi implements the HTTP API gateway for Galaxy.
//
// Security:
//   - API key authentication on /api and /v1 when keys are configured (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/jkaninda/galaxy/internal/gateway"
	"github.com/jkaninda/galaxy/internal/observability"
	"github.com/jkaninda/galaxy/internal/ratelimit"
	"github.com/jkaninda/galaxy/internal/sandbox"
	"github.com/jkaninda/galaxy/internal/storage"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client ID mapping. Empty = no auth.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	sandbox sandbox.Sandbox
	history storage.ExecutionStore // nil = history endpoints disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket and MCP endpoints).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	methods []string
	handler http.Handler
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway executing requests on sb.
func NewGateway(cfg Config, sb sandbox.Sandbox, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:  cfg,
		sandbox: sb,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHistory enables the execution history endpoints.
func (g *Gateway) WithHistory(store storage.ExecutionStore) *Gateway {
	g.history = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Galaxy",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern for the given methods (GET when none are given).
func (g *Gateway) WithHandler(pattern string, handler http.Handler, methods ...string) *Gateway {
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, methods: methods, handler: handler})
	return g
}

// Handler registers every route and returns the resulting handler. Start
// calls it; tests use it with httptest.
func (g *Gateway) Handler() http.Handler {
	g.routes()
	return g.okapi
}

func (g *Gateway) routes() {
	// Body size cap and metrics/tracing middleware (applied globally).
	limit := g.config.maxRequestSize()
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// The original unversioned route, kept for existing clients.
	api := g.okapi.Group("/api", g.authenticate)
	api.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute a snippet in the sandbox"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	g.group = g.okapi.Group("/v1", g.authenticate)
	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute a snippet in the sandbox"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// History endpoints (only if a store is configured).
	if g.history != nil {
		g.group.Get("/executions", g.handleExecutionList,
			okapi.DocSummary("List recent executions"),
			okapi.DocTags("History"),
			okapi.DocResponse([]storage.ExecutionRecord{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
		g.group.Get("/executions/{id}", g.handleExecutionGet,
			okapi.DocSummary("Get an execution record by ID"),
			okapi.DocTags("History"),
			okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
			okapi.DocResponse(storage.ExecutionRecord{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., WebSocket and MCP endpoints).
	for _, er := range g.extraRoutes {
		for _, m := range er.methods {
			g.okapi.HandleStd(m, er.pattern, er.handler.ServeHTTP)
		}
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /api/execute and /v1/execute.
// An omitted language means python.
type ExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// ExecuteResponse is the JSON response for the execute endpoints. Failures
// inside the sandbox are reported here with HTTP 200.
type ExecuteResponse struct {
	Success   bool    `json:"success"`
	Output    string  `json:"output"`
	Error     *string `json:"error"`
	Traceback *string `json:"traceback"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	clientID := c.GetString("userID")

	if err := g.limiter.Allow(clientID); err != nil {
		wait := g.limiter.RetryAfter(clientID)
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		return c.AbortBadRequest("invalid request body")
	}

	language := sandbox.LanguageOrDefault(sandbox.Language(req.Language))
	ctx := storage.WithSource(c.Context(), storage.SourceHTTP)
	result := g.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Code:     req.Code,
		Language: language,
	})

	g.logger.Info("http execute",
		slog.String("client_id", clientID),
		slog.String("language", string(language)),
		slog.String("outcome", result.Kind.Outcome()),
		slog.String("execution_id", result.ExecutionID),
	)

	return c.OK(ExecuteResponse{
		Success:   result.Success,
		Output:    result.Output,
		Error:     result.Error,
		Traceback: result.Traceback,
	})
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
	filter, err := parseListFilter(c.Request())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	records, err := g.history.List(c.Context(), filter)
	if err != nil {
		g.logger.Error("listing executions", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing executions failed")
	}
	if records == nil {
		records = []storage.ExecutionRecord{}
	}
	return c.OK(records)
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution ID")
	}

	rec, err := g.history.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "execution not found"})
		}
		g.logger.Error("getting execution", slog.String("error", err.Error()))
		return c.AbortInternalServerError("getting execution failed")
	}
	return c.OK(rec)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness check
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID. With
// no keys configured every caller is accepted and keyed by remote address.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("userID", gateway.ClientAddr(c.Request()))
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		clientID, ok := gateway.Authenticate(g.config.APIKeys, strings.TrimPrefix(authHeader, "Bearer "))
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", clientID)
		return next(c)
	}
}

// --- Helpers ---

// parseListFilter reads limit, source, kind and since (RFC 3339) from the
// query string.
func parseListFilter(r *http.Request) (storage.ListFilter, error) {
	q := r.URL.Query()
	var f storage.ListFilter

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	if v := q.Get("source"); v != "" {
		switch s := storage.Source(v); s {
		case storage.SourceHTTP, storage.SourceWS, storage.SourceMCP, storage.SourceCLI:
			f.Source = s
		default:
			return f, errors.New("unknown source " + v)
		}
	}
	f.Kind = q.Get("kind")
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be an RFC 3339 timestamp")
		}
		f.Since = t
	}
	return f, nil
}
