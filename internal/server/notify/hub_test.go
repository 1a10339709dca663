package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/pkg/api"
)

func TestHub_PublishFiltersByCollection(t *testing.T) {
	hub := NewHub(setupTestLogger())

	all := hub.Subscribe(&models.NodeRegistration{NodeID: "clinic-a"})
	limited := hub.Subscribe(&models.NodeRegistration{NodeID: "clinic-b", SyncedCollections: []string{"invoices"}})
	assert.Equal(t, 2, hub.Count())

	hub.Publish("patients", 7)

	select {
	case msg := <-all.C():
		assert.Equal(t, api.NotificationAdvanced, msg.Type)
		assert.Equal(t, "patients", msg.Collection)
		assert.Equal(t, int64(7), msg.Sequence)
	default:
		t.Fatal("expected notification for unrestricted node")
	}

	select {
	case msg := <-limited.C():
		t.Fatalf("unexpected notification %+v", msg)
	default:
	}

	hub.Unsubscribe(all)
	hub.Unsubscribe(limited)
	assert.Equal(t, 0, hub.Count())
}

func TestHub_PublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(setupTestLogger())
	hub.bufferSize = 2

	sub := hub.Subscribe(&models.NodeRegistration{NodeID: "clinic-a"})
	for i := int64(1); i <= 5; i++ {
		hub.Publish("patients", i)
	}

	assert.Len(t, sub.C(), 2)
}

func TestHub_ServeWS(t *testing.T) {
	hub := NewHub(setupTestLogger())
	node := &models.NodeRegistration{NodeID: "clinic-a"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, node)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish("patients", 42)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg api.Notification
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "patients", msg.Collection)
	assert.Equal(t, int64(42), msg.Sequence)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
