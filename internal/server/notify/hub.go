// Package notify рассылает узлам уведомления о продвижении журнала изменений.
// Уведомление только ускоряет pull: узел, пропустивший его, догонит по таймеру.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/pkg/api"
)

const (
	defaultBufferSize = 64
	writeTimeout      = 10 * time.Second
	pingPeriod        = 30 * time.Second
	pongWait          = pingPeriod * 2
)

// Subscription подписка одного соединения узла
type Subscription struct {
	ch   chan api.Notification
	node *models.NodeRegistration
	id   uint64
}

// C канал уведомлений подписки
func (s *Subscription) C() <-chan api.Notification {
	return s.ch
}

// Hub управляет подписками узлов
type Hub struct {
	logger     *slog.Logger
	subs       map[uint64]*Subscription
	upgrader   websocket.Upgrader
	bufferSize int
	nextID     uint64
	mu         sync.RWMutex
}

// NewHub создает новый Hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		subs:       make(map[uint64]*Subscription),
		bufferSize: defaultBufferSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Subscribe регистрирует подписку узла на коллекции, которые он синхронизирует
func (h *Hub) Subscribe(node *models.NodeRegistration) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:   h.nextID,
		node: node,
		ch:   make(chan api.Notification, h.bufferSize),
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe удаляет подписку
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub.id)
}

// Publish сообщает подписчикам о новой позиции журнала коллекции.
// Переполненный буфер означает медленного подписчика, уведомление отбрасывается.
func (h *Hub) Publish(collection string, sequence int64) {
	msg := api.Notification{
		Type:       api.NotificationAdvanced,
		Collection: collection,
		Sequence:   sequence,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.node.Syncs(collection) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.logger.Debug("Notification dropped", "node_id", sub.node.NodeID, "collection", collection)
		}
	}
}

// Count возвращает количество активных подписок
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeWS переводит соединение в websocket и пересылает уведомления узлу
// до закрытия соединения клиентом или отмены контекста запроса
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, node *models.NodeRegistration) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	sub := h.Subscribe(node)
	defer h.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Читаем только control frames, клиент ничего не отправляет
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Info("Node subscribed", "node_id", node.NodeID)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Node unsubscribed", "node_id", node.NodeID)
			return nil
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case msg := <-sub.ch:
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal notification: %w", err)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return nil
			}
		}
	}
}
