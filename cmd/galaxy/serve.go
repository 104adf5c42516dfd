package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/galaxy/internal/config"
	"github.com/jkaninda/galaxy/internal/gateway"
	"github.com/jkaninda/galaxy/internal/gateway/httpapi"
	"github.com/jkaninda/galaxy/internal/gateway/mcpserver"
	"github.com/jkaninda/galaxy/internal/gateway/ws"
	"github.com/jkaninda/galaxy/internal/ratelimit"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution gateways (HTTP, WebSocket, MCP over HTTP)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `galaxy --config path` and `galaxy serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the configured gateways and blocks until a signal arrives
// or a gateway fails.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger.Info("starting galaxy", slog.String("config", serveConfigPath), slog.String("version", version))

	// Signal-aware context. An unrecoverable engine error stops the service
	// the same way a signal does.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	onFatal := func(err error) {
		logger.Error("sandbox engine failed, shutting down", slog.String("error", err.Error()))
		cancel()
	}

	sc, err := initShared(cfg, logger, onFatal)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if err := sc.startRetention(); err != nil {
		return err
	}

	gateways := buildGateways(cfg, sc)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateways wires the enabled gateways onto the shared sandbox. The
// WebSocket and MCP endpoints are mounted on the HTTP gateway when it is
// enabled; WebSocket falls back to its own listener otherwise.
func buildGateways(cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	var gws []gateway.Gateway
	logger := sc.Logger
	httpCfg := cfg.Gateways.HTTP

	var (
		apiKeys map[string]string
		limiter *ratelimit.Limiter
	)
	if httpCfg != nil {
		apiKeys = httpCfg.APIKeys
		if httpCfg.RateLimit.RequestsPerMinute > 0 {
			limiter = ratelimit.NewLimiter(ratelimit.Config{
				RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
				BurstSize:         httpCfg.RateLimit.BurstSize,
			})
		}
	}

	var wsServer *ws.Server
	if cfg.Gateways.WebSocket != nil && cfg.Gateways.WebSocket.Enabled {
		wsServer = ws.NewServer(sc.Sandbox, cfg.Gateways.WebSocket, logger).
			WithAPIKeys(apiKeys).
			WithLimiter(limiter).
			WithReadLimit(httpCfg.MaxBodyBytes())
	}

	if httpCfg != nil && httpCfg.Enabled {
		obs := sc.Obs
		gwCfg := httpapi.Config{
			ListenAddr:     httpCfg.Addr(),
			EnableDocs:     httpCfg.EnableDocs,
			APIKeys:        apiKeys,
			MaxRequestSize: httpCfg.MaxBodyBytes(),
			Metrics:        obs.MetricsOrNil(),
			Tracer:         obs.HTTPTracer(),
		}
		if obs != nil {
			gwCfg.HealthChecker = obs.Health
		}
		if m := obs.MetricsOrNil(); m != nil {
			gwCfg.MetricsRegistry = m.Registry
			gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}

		httpGw := httpapi.NewGateway(gwCfg, sc.Sandbox, limiter, logger)
		if sc.Store != nil {
			httpGw.WithHistory(sc.Store)
		}
		if httpCfg.EnableDocs {
			httpGw.WithOpenAPIDocs()
		}
		if wsServer != nil {
			httpGw.WithHandler(wsServer.Path(), wsServer.Handler())
			logger.Info("websocket endpoint mounted on HTTP gateway", slog.String("path", wsServer.Path()))
		}
		if httpCfg.MCP {
			mcpSrv := mcpserver.New(sc.Sandbox, version, logger)
			httpGw.WithHandler("/mcp", gateway.RequireAPIKey(apiKeys, mcpSrv.HTTPHandler()),
				http.MethodGet, http.MethodPost, http.MethodDelete)
			logger.Info("mcp endpoint mounted on HTTP gateway", slog.String("path", "/mcp"))
		}

		gws = append(gws, httpGw)
		logger.Info("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", httpCfg.Addr()),
			slog.Bool("auth", len(apiKeys) > 0),
		)
	} else if wsServer != nil {
		gws = append(gws, newStandaloneWSGateway(wsServer, httpCfg.Addr(), wsServer.Path(), logger))
		logger.Info("gateway enabled",
			slog.String("type", "websocket"),
			slog.String("addr", httpCfg.Addr()),
		)
	}

	return gws
}

// standaloneWSGateway wraps a ws.Server as a gateway.Gateway for cases
// where the HTTP gateway is not enabled and the WebSocket endpoint needs
// its own HTTP listener.
type standaloneWSGateway struct {
	wsServer   *ws.Server
	addr       string
	path       string
	logger     *slog.Logger
	httpServer *http.Server
}

func newStandaloneWSGateway(wsServer *ws.Server, addr, path string, logger *slog.Logger) *standaloneWSGateway {
	return &standaloneWSGateway{
		wsServer: wsServer,
		addr:     addr,
		path:     path,
		logger:   logger,
	}
}

func (g *standaloneWSGateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(g.path, g.wsServer.Handler())

	g.httpServer = &http.Server{
		Addr:              g.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("standalone websocket gateway starting", slog.String("addr", g.addr))
	if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket gateway: %w", err)
	}
	return nil
}

func (g *standaloneWSGateway) Stop(ctx context.Context) error {
	if g.httpServer != nil {
		return g.httpServer.Shutdown(ctx)
	}
	return nil
}
