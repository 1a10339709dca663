package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/iudanet/clinicsync/pkg/api"
)

// NotificationConn соединение подписки (*websocket.Conn)
type NotificationConn interface {
	ReadJSON(v any) error
	Close() error
}

// DialFunc открывает подписку на уведомления агрегатора
type DialFunc func(ctx context.Context) (NotificationConn, error)

// Subscriber держит websocket подписку и переподключается с backoff.
// Уведомления только ускоряют pull, курсор и порядок от них не зависят.
type Subscriber struct {
	dial    DialFunc
	logger  *slog.Logger
	backoff Backoff
}

// NewSubscriber создает новый Subscriber; maxDelay ограничивает паузу между переподключениями
func NewSubscriber(dial DialFunc, maxDelay time.Duration, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		dial:    dial,
		logger:  logger,
		backoff: NewBackoff(time.Second, maxDelay),
	}
}

// Run читает уведомления до отмены ctx.
// onConnect вызывается после каждого успешного подключения.
func (s *Subscriber) Run(ctx context.Context, onNotify func(api.Notification), onConnect func()) error {
	failures := 0
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.logger.Debug("Subscription dial failed", "attempt", failures, "error", err)
			if !sleep(ctx, s.backoff.Delay(failures)) {
				return nil
			}
			continue
		}

		failures = 0
		s.logger.Debug("Subscribed to aggregator notifications")
		if onConnect != nil {
			onConnect()
		}

		err = s.read(ctx, conn, onNotify)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Debug("Subscription closed", "error", err)
		if !sleep(ctx, s.backoff.Delay(1)) {
			return nil
		}
	}
}

func (s *Subscriber) read(ctx context.Context, conn NotificationConn, onNotify func(api.Notification)) error {
	// Закрытие соединения прерывает блокирующий ReadJSON
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		if stop() {
			_ = conn.Close()
		}
	}()

	for {
		var n api.Notification
		if err := conn.ReadJSON(&n); err != nil {
			return err
		}
		if n.Type != api.NotificationAdvanced {
			continue
		}
		s.logger.Debug("Change log advanced", "collection", n.Collection, "sequence", n.Sequence)
		onNotify(n)
	}
}

// sleep ждет d или отмены ctx; false, если ctx отменен
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
