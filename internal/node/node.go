// Package node собирает клинический узел: хранилище, захват изменений,
// движки синхронизации и node-local HTTP.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iudanet/clinicsync/internal/config"
	nodeapi "github.com/iudanet/clinicsync/internal/node/api"
	"github.com/iudanet/clinicsync/internal/node/capture"
	"github.com/iudanet/clinicsync/internal/node/status"
	"github.com/iudanet/clinicsync/internal/node/storage/boltdb"
	nodesync "github.com/iudanet/clinicsync/internal/node/sync"
	"github.com/iudanet/clinicsync/internal/server/handlers"
	"github.com/iudanet/clinicsync/internal/server/middleware"
)

const shutdownTimeout = 5 * time.Second

// Node клинический узел
type Node struct {
	cfg     *config.Node
	logger  *slog.Logger
	store   *boltdb.Storage
	hook    *capture.Hook
	runner  *nodesync.Runner
	handler http.Handler
}

// New открывает локальное хранилище и собирает компоненты узла.
// Без AuthToken runner не создается: записи копятся в очереди до выдачи токена.
func New(ctx context.Context, cfg *config.Node, logger *slog.Logger) (*Node, error) {
	store, err := boltdb.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	n := &Node{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}

	var onCapture func()
	if cfg.AuthToken != "" {
		n.runner = n.newRunner()
		onCapture = n.runner.WakePush
	}
	n.hook = capture.NewHook(store, cfg.NodeID, logger.With("component", "capture"),
		capture.WithOnCapture(onCapture),
		capture.WithMaxPayloadBytes(cfg.MaxPayloadBytes))

	n.handler = n.routes()
	return n, nil
}

func (n *Node) newRunner() *nodesync.Runner {
	cfg := n.cfg
	client := nodeapi.NewClient(cfg.AggregatorURL, cfg.NodeID, cfg.AuthToken, cfg.RequestTimeout, cfg.Compress)

	push := nodesync.NewPushEngine(client, n.store, n.store, nodesync.PushConfig{
		Backoff:          nodesync.NewBackoff(cfg.BackoffBase, cfg.BackoffCap),
		BatchSize:        cfg.BatchSize,
		MaxBatchesPerRun: cfg.MaxBatchesPerRun,
		MaxBatchBytes:    cfg.MaxBatchBytes,
		MaxAttempts:      cfg.MaxAttempts,
	}, n.logger.With("component", "push"))
	pull := nodesync.NewPullEngine(client, n.store, n.store, cfg.NodeID, cfg.PullPageSize, n.logger.With("component", "pull"))

	var subscriber *nodesync.Subscriber
	if cfg.Subscribe {
		dial := func(ctx context.Context) (nodesync.NotificationConn, error) {
			return client.Subscribe(ctx)
		}
		subscriber = nodesync.NewSubscriber(dial, cfg.BackoffCap, n.logger.With("component", "subscriber"))
	}

	return nodesync.NewRunner(push, pull, client, n.store, subscriber, nodesync.RunnerConfig{
		Collections:  cfg.Collections,
		PushInterval: cfg.PushInterval,
		PullInterval: cfg.PullInterval,
	}, n.logger.With("component", "runner"))
}

// Capture точка входа доменного слоя, встроенного в процесс узла
func (n *Node) Capture() *capture.Hook {
	return n.hook
}

// Storage локальное хранилище узла
func (n *Node) Storage() *boltdb.Storage {
	return n.store
}

// Handler корневой обработчик node-local HTTP
func (n *Node) Handler() http.Handler {
	return n.handler
}

func (n *Node) routes() http.Handler {
	reporter := status.NewReporter(n.store, n.store, n.cfg.NodeID, n.cfg.BacklogAlertAge)

	var onRetry func()
	if n.runner != nil {
		onRetry = n.runner.WakePush
	}
	statusHandler := status.NewHandler(n.logger, reporter, n.store, n.store, n.hook, onRetry)
	healthHandler := handlers.NewHealthHandler(n.logger, n.store)

	mux := http.NewServeMux()
	statusHandler.Routes(mux)
	mux.HandleFunc("GET /health", healthHandler.Health)

	return middleware.Chain(mux,
		middleware.RecoveryMiddleware(n.logger),
		middleware.LoggingWithSkip(n.logger, []string{"/health", "/sync/status"}),
	)
}

// Run запускает синхронизацию и node-local HTTP, блокируется до отмены ctx
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if n.runner != nil {
		g.Go(func() error { return n.runner.Run(gctx) })
	} else {
		n.logger.Warn("Auth token is not configured, changes are queued but not synced",
			"node_id", n.cfg.NodeID)
	}

	if n.cfg.StatusAddr != "" {
		listener, err := net.Listen("tcp", n.cfg.StatusAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.StatusAddr, err)
		}
		g.Go(func() error { return n.Serve(gctx, listener) })
	}

	return g.Wait()
}

// Serve обслуживает node-local запросы на переданном listener
func (n *Node) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           n.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		n.logger.Info("Node status endpoint listening", "addr", listener.Addr().String())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// Close закрывает локальное хранилище
func (n *Node) Close() error {
	return n.store.Close()
}
