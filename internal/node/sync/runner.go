package sync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iudanet/clinicsync/internal/node/storage"
	"github.com/iudanet/clinicsync/pkg/api"
)

// RunnerConfig параметры фоновой синхронизации узла
type RunnerConfig struct {
	Collections  []string // используются, если агрегатор не вернул список коллекций
	PushInterval time.Duration
	PullInterval time.Duration
}

// Runner запускает push и pull как независимые периодические задачи.
// Общее состояние между ними только в хранилище узла.
type Runner struct {
	push       *PushEngine
	pull       *PullEngine
	conflicts  *ConflictReconciler
	client     Aggregator
	queue      storage.ChangeQueue
	subscriber *Subscriber
	logger     *slog.Logger
	pushWake   chan struct{}
	pullWake   chan struct{}
	pushEvery  *cadence
	pullEvery  *cadence
	cfg        RunnerConfig
	enabled    atomic.Bool
	offline    atomic.Bool
}

// NewRunner создает новый Runner. subscriber может быть nil: тогда pull только по таймеру.
func NewRunner(push *PushEngine, pull *PullEngine, client Aggregator, queue storage.ChangeQueue, subscriber *Subscriber, cfg RunnerConfig, logger *slog.Logger) *Runner {
	r := &Runner{
		push:       push,
		pull:       pull,
		conflicts:  NewConflictReconciler(client, queue, logger),
		client:     client,
		queue:      queue,
		subscriber: subscriber,
		cfg:        cfg,
		logger:     logger,
		pushWake:   make(chan struct{}, 1),
		pullWake:   make(chan struct{}, 1),
		pushEvery:  newCadence(cfg.PushInterval),
		pullEvery:  newCadence(cfg.PullInterval),
	}
	r.enabled.Store(true)
	return r
}

// WakePush запускает push вне очереди (например, после локальной записи)
func (r *Runner) WakePush() {
	select {
	case r.pushWake <- struct{}{}:
	default:
	}
}

// WakePull запускает pull вне очереди (например, по уведомлению агрегатора)
func (r *Runner) WakePull() {
	select {
	case r.pullWake <- struct{}{}:
	default:
	}
}

// Run блокируется до отмены ctx
func (r *Runner) Run(ctx context.Context) error {
	recovered, err := r.queue.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight changes: %w", err)
	}
	if recovered > 0 {
		r.logger.Info("Recovered unacknowledged changes", "count", recovered)
	}

	r.logger.Info("Sync started",
		"push_interval", r.cfg.PushInterval,
		"pull_interval", r.cfg.PullInterval,
		"subscribe", r.subscriber != nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(ctx, r.pushEvery, r.pushWake, r.runPush) })
	g.Go(func() error { return r.loop(ctx, r.pullEvery, r.pullWake, r.runPull) })
	if r.subscriber != nil {
		g.Go(func() error {
			return r.subscriber.Run(ctx, func(api.Notification) { r.WakePull() }, func() {
				// Переподключение: догоняем журнал и отправляем накопленное
				r.WakePull()
				r.WakePush()
			})
		})
	}

	err = g.Wait()
	r.logger.Info("Sync stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, every *cadence, wake <-chan struct{}, run func(context.Context)) error {
	run(ctx)

	timer := time.NewTimer(every.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-every.changed:
			timer.Reset(every.Interval())
			continue
		case <-timer.C:
		case <-wake:
		}
		run(ctx)
		timer.Reset(every.Interval())
	}
}

func (r *Runner) runPush(ctx context.Context) {
	if !r.enabled.Load() {
		return
	}
	if _, err := r.push.Run(ctx); err != nil && ctx.Err() == nil {
		r.markOffline(err)
		return
	}
}

func (r *Runner) runPull(ctx context.Context) {
	collections := r.refreshConfig(ctx)
	if !r.enabled.Load() {
		return
	}
	if len(collections) == 0 {
		r.logger.Warn("No collections to pull")
		return
	}

	if _, err := r.pull.Run(ctx, collections); err != nil {
		if ctx.Err() == nil {
			r.markOffline(err)
		}
		return
	}
	if r.offline.CompareAndSwap(true, false) {
		r.logger.Info("Aggregator reachable again")
		r.WakePush()
	}

	if _, err := r.conflicts.Run(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("Failed to reconcile conflicts", "error", err)
	}
}

func (r *Runner) markOffline(err error) {
	if r.offline.CompareAndSwap(false, true) {
		r.logger.Warn("Aggregator unreachable, changes stay queued", "error", err)
	}
}

// refreshConfig запрашивает конфигурацию узла у реестра.
// При недоступности агрегатора используется последнее известное состояние.
func (r *Runner) refreshConfig(ctx context.Context) []string {
	collections := r.cfg.Collections
	cfg, err := r.client.Config(ctx)
	if err != nil {
		r.logger.Debug("Failed to refresh node config", "error", err)
		return collections
	}

	if r.enabled.Swap(cfg.SyncEnabled) != cfg.SyncEnabled {
		r.logger.Info("Sync toggled by registry", "sync_enabled", cfg.SyncEnabled)
	}
	if len(cfg.SyncedCollections) > 0 {
		collections = slices.Clone(cfg.SyncedCollections)
	}

	pushChanged := r.pushEvery.set(time.Duration(cfg.PushIntervalSec) * time.Second)
	pullChanged := r.pullEvery.set(time.Duration(cfg.PullIntervalSec) * time.Second)
	if pushChanged || pullChanged {
		r.logger.Info("Sync cadence changed by registry",
			"push_interval", r.pushEvery.Interval(),
			"pull_interval", r.pullEvery.Interval())
	}
	return collections
}

// Intervals текущие интервалы push и pull с учетом реестра
func (r *Runner) Intervals() (push, pull time.Duration) {
	return r.pushEvery.Interval(), r.pullEvery.Interval()
}

// cadence интервал периодической задачи.
// Реестр может переопределить локальный интервал, нулевое значение возвращает локальный.
type cadence struct {
	changed chan struct{}
	current atomic.Int64
	local   time.Duration
}

func newCadence(local time.Duration) *cadence {
	c := &cadence{local: local, changed: make(chan struct{}, 1)}
	c.current.Store(int64(local))
	return c
}

func (c *cadence) Interval() time.Duration {
	return time.Duration(c.current.Load())
}

// set применяет интервал реестра и будит цикл, если интервал изменился
func (c *cadence) set(override time.Duration) bool {
	next := c.local
	if override > 0 {
		next = override
	}
	if time.Duration(c.current.Swap(int64(next))) == next {
		return false
	}
	select {
	case c.changed <- struct{}{}:
	default:
	}
	return true
}

// Enabled false, если реестр выключил синхронизацию узла
func (r *Runner) Enabled() bool {
	return r.enabled.Load()
}
