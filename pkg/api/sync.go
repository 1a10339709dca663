package api

import (
	"encoding/json"
	"time"
)

// Заголовки протокола синхронизации
const (
	HeaderNodeID          = "X-Node-Id"
	HeaderContentEncoding = "Content-Encoding"
	EncodingSnappy        = "snappy"
)

// MaxPushBatch максимальное количество записей в одном POST /sync/push
const MaxPushBatch = 1000

// Результаты обработки отдельной записи push батча
const (
	ResultAccepted   = "accepted"
	ResultDuplicate  = "duplicate"
	ResultConflicted = "conflicted"
	ResultRejected   = "rejected"
)

// Change одна запись изменения в теле POST /sync/push
type Change struct {
	CapturedAt      time.Time       `json:"capturedAt"`
	SyncID          string          `json:"syncId"`
	Collection      string          `json:"collection"`
	DocumentID      string          `json:"documentId"`
	Operation       string          `json:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	IdentityKeys    []string        `json:"identityKeys,omitempty"` // ключи сопоставления личности от доменного слоя
	DocumentVersion int64           `json:"documentVersion"`
}

// PushRequest тело POST /sync/push
type PushRequest struct {
	Changes []Change `json:"changes"`
}

// Outcome результат обработки одной записи
type Outcome struct {
	Conflict *Conflict `json:"conflict,omitempty"`
	SyncID   string    `json:"syncId"`
	Result   string    `json:"result"`
	Reason   string    `json:"reason,omitempty"` // причина для rejected
}

// PushResponse ответ на POST /sync/push, по одному Outcome на каждый syncId
type PushResponse struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Delta одна запись журнала изменений в ответе на pull
type Delta struct {
	Collection      string          `json:"collection"`
	DocumentID      string          `json:"documentId"`
	Operation       string          `json:"operation"`
	SourceNodeID    string          `json:"sourceNodeId"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Sequence        int64           `json:"sequence"`
	DocumentVersion int64           `json:"documentVersion"`
}

// PullResponse ответ на GET /sync/pull
type PullResponse struct {
	Deltas     []Delta `json:"deltas"`
	NextCursor int64   `json:"nextCursor"`
}

// VersionSnapshot снимок одной из конкурирующих версий
type VersionSnapshot struct {
	DocumentID      string          `json:"documentId"`
	SourceNodeID    string          `json:"sourceNodeId"`
	SyncID          string          `json:"syncId,omitempty"`
	Operation       string          `json:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	DocumentVersion int64           `json:"documentVersion"`
}

// Conflict представление ConflictRecord на проводе
type Conflict struct {
	DetectedAt        time.Time         `json:"detectedAt"`
	ResolvedAt        *time.Time        `json:"resolvedAt,omitempty"`
	ID                string            `json:"id"`
	ConflictType      string            `json:"conflictType"`
	Collection        string            `json:"collection"`
	DocumentID        string            `json:"documentId"`
	OtherDocumentID   string            `json:"otherDocumentId,omitempty"`
	SyncID            string            `json:"syncId,omitempty"`
	Status            string            `json:"status"`
	ResolvedBy        string            `json:"resolvedBy,omitempty"`
	Note              string            `json:"note,omitempty"`
	CompetingVersions []VersionSnapshot `json:"competingVersions"`
}

// NodeConfigResponse ответ на GET /sync/config
type NodeConfigResponse struct {
	NodeID            string   `json:"nodeId"`
	SyncedCollections []string `json:"syncedCollections,omitempty"`
	PushIntervalSec   int64    `json:"pushIntervalSeconds"`
	PullIntervalSec   int64    `json:"pullIntervalSeconds"`
	SyncEnabled       bool     `json:"syncEnabled"`
}

// Notification сообщение websocket подписки /sync/subscribe
type Notification struct {
	Type       string `json:"type"` // "advanced"
	Collection string `json:"collection"`
	Sequence   int64  `json:"sequence"`
}

// NotificationAdvanced журнал коллекции продвинулся до Sequence
const NotificationAdvanced = "advanced"

// ErrorResponse представляет ответ с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`             // описание ошибки
	Message string `json:"message,omitempty"` // дополнительное сообщение
}
