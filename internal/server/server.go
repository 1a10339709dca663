// Package server собирает центральный агрегатор: хранилище, сервисы, маршруты и HTTP сервер.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/iudanet/clinicsync/internal/config"
	"github.com/iudanet/clinicsync/internal/server/aggregator"
	"github.com/iudanet/clinicsync/internal/server/conflict"
	"github.com/iudanet/clinicsync/internal/server/handlers"
	"github.com/iudanet/clinicsync/internal/server/metrics"
	"github.com/iudanet/clinicsync/internal/server/middleware"
	"github.com/iudanet/clinicsync/internal/server/notify"
	"github.com/iudanet/clinicsync/internal/server/registry"
	"github.com/iudanet/clinicsync/internal/server/storage/sqlite"
)

// Server центральный агрегатор
type Server struct {
	cfg        *config.Server
	logger     *slog.Logger
	store      *sqlite.Storage
	registry   *registry.Service
	aggregator *aggregator.Service
	hub        *notify.Hub
	metrics    *metrics.Metrics
	limiter    *middleware.RateLimiter // по узлу, после аутентификации
	ipLimiter  *middleware.RateLimiter // по IP, до аутентификации
	handler    http.Handler
}

// New открывает хранилище и собирает сервисы агрегатора
func New(ctx context.Context, cfg *config.Server, logger *slog.Logger) (*Server, error) {
	store, err := sqlite.New(ctx, cfg.DBPath, sqlite.WithAppliedWindow(cfg.AppliedWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		hub:     notify.NewHub(logger.With("component", "notify")),
		metrics: metrics.New(),
	}

	s.registry = registry.NewService(store, registry.TokenConfig{
		Secret: []byte(cfg.JWTSecret),
		TTL:    cfg.TokenTTL,
	}, logger.With("component", "registry"))

	detector := conflict.NewDetector(logger.With("component", "conflict"), cfg.IdentityCollections)
	s.aggregator = aggregator.NewService(store, store, s.registry, detector, s.hub,
		logger.With("component", "aggregator"),
		aggregator.Config{
			MaxPayloadBytes: cfg.MaxPayloadBytes,
			PullPageSize:    cfg.PullPageSize,
		})

	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit, cfg.RateWindow, logger)
	}
	if cfg.IPRateLimit > 0 {
		s.ipLimiter = middleware.NewRateLimiter(cfg.IPRateLimit, cfg.RateWindow, logger)
	}

	s.handler = s.routes()
	return s, nil
}

// Registry реестр узлов, используется операторскими командами CLI
func (s *Server) Registry() *registry.Service {
	return s.registry
}

// Storage хранилище агрегатора
func (s *Server) Storage() *sqlite.Storage {
	return s.store
}

// Handler корневой HTTP обработчик
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	syncHandler := handlers.NewSyncHandler(s.logger, s.aggregator, s.registry, s.hub, s.metrics)
	adminHandler := handlers.NewAdminHandler(s.logger, s.registry, s.store, s.cfg.OnlineTimeout)
	healthHandler := handlers.NewHealthHandler(s.logger, s.store)
	conflictHandler := handlers.NewNodeConflictHandler(s.logger, s.store)

	node := func(h http.HandlerFunc, extra ...func(http.Handler) http.Handler) http.Handler {
		chain := make([]func(http.Handler) http.Handler, 0, len(extra)+3)
		if s.ipLimiter != nil {
			chain = append(chain, middleware.RateLimitMiddleware(s.ipLimiter, s.cfg.TrustProxyHeaders))
		}
		chain = append(chain, middleware.NodeAuthMiddleware(s.logger, s.registry))
		if s.limiter != nil {
			chain = append(chain, middleware.NodeRateLimitMiddleware(s.limiter))
		}
		chain = append(chain, extra...)
		return middleware.Chain(h, chain...)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h, middleware.AdminAuthMiddleware(s.logger, s.cfg.AdminToken))
	}

	mux := http.NewServeMux()

	// Протокол синхронизации узлов
	mux.Handle("POST /sync/push", node(syncHandler.Push, middleware.DecompressMiddleware(s.logger, s.cfg.MaxBodyBytes)))
	mux.Handle("GET /sync/pull", node(syncHandler.Pull))
	mux.Handle("GET /sync/config", node(syncHandler.Config))
	mux.Handle("GET /sync/subscribe", node(syncHandler.Subscribe))
	mux.Handle("GET /sync/conflicts", node(conflictHandler.Lookup))

	// Операторский API
	mux.Handle("POST /admin/nodes", admin(adminHandler.RegisterNode))
	mux.Handle("GET /admin/nodes", admin(adminHandler.ListNodes))
	mux.Handle("POST /admin/nodes/{id}/token", admin(adminHandler.RotateToken))
	mux.Handle("PUT /admin/nodes/{id}/sync", admin(adminHandler.SetSyncEnabled))
	mux.Handle("GET /admin/conflicts", admin(adminHandler.ListConflicts))
	mux.Handle("POST /admin/conflicts/{id}/status", admin(adminHandler.UpdateConflictStatus))

	mux.HandleFunc("GET /health", healthHandler.Health)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return middleware.Chain(mux,
		middleware.RecoveryMiddleware(s.logger),
		middleware.LoggingWithSkip(s.logger, []string{"/health", "/metrics"}),
		middleware.MetricsMiddleware(s.metrics),
	)
}

// Run запускает HTTP сервер и блокируется до отмены ctx.
// При отмене выполняется graceful shutdown с таймаутом ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve обслуживает запросы на переданном listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	// Shutdown не ждет hijacked соединения, websocket подписки
	// закрываются отменой базового контекста после него
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Aggregator listening", "addr", listener.Addr().String())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down aggregator")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// Close освобождает ресурсы агрегатора
func (s *Server) Close() error {
	for _, l := range []*middleware.RateLimiter{s.limiter, s.ipLimiter} {
		if l != nil {
			l.Stop()
		}
	}
	return s.store.Close()
}
