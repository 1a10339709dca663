package api

import (
	"encoding/json"
	"time"
)

// StatusResponse ответ node-local GET /sync/status
type StatusResponse struct {
	LastPushAt         *time.Time `json:"lastPushAt,omitempty"`
	LastPullAt         *time.Time `json:"lastPullAt,omitempty"`
	NodeID             string     `json:"nodeId"`
	AuthAlert          string     `json:"authAlert,omitempty"`
	PendingCount       int        `json:"pendingCount"`
	InFlightCount      int        `json:"inFlightCount"`
	DeadLetterCount    int        `json:"deadLetterCount"`
	OpenConflictCount  int        `json:"openConflictCount"`
	OldestPendingAgeMs int64      `json:"oldestPendingAgeMs"`
	BacklogAlert       bool       `json:"backlogAlert"` // возраст самой старой записи превысил порог
}

// QueuedChange представление ChangeRecord в операторских списках узла
type QueuedChange struct {
	CapturedAt      time.Time  `json:"capturedAt"`
	LastAttemptAt   *time.Time `json:"lastAttemptAt,omitempty"`
	Conflict        *Conflict  `json:"conflict,omitempty"`
	SyncID          string     `json:"syncId"`
	Collection      string     `json:"collection"`
	DocumentID      string     `json:"documentId"`
	Operation       string     `json:"operation"`
	DeliveryState   string     `json:"deliveryState"`
	LastError       string     `json:"lastError,omitempty"`
	DocumentVersion int64      `json:"documentVersion"`
	Attempts        int        `json:"attempts"`
}

// QueuedChangeListResponse ответ на GET /sync/dead-letters и GET /sync/conflicts (узел)
type QueuedChangeListResponse struct {
	Changes []QueuedChange `json:"changes"`
}

// LocalChangeRequest тело POST /local/changes: закоммиченная доменная запись
type LocalChangeRequest struct {
	Identity   *IdentityHint   `json:"identity,omitempty"`
	Collection string          `json:"collection"`
	DocumentID string          `json:"documentId"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// IdentityHint ключи сопоставления личности
type IdentityHint struct {
	ExternalIDs []string `json:"externalIds,omitempty"`
	FullName    string   `json:"fullName,omitempty"`
	DateOfBirth string   `json:"dateOfBirth,omitempty"`
}

// LocalChangeResponse ответ на POST /local/changes
type LocalChangeResponse struct {
	SyncID          string `json:"syncId"`
	DocumentVersion int64  `json:"documentVersion"`
}

// LocalDocument ответ на GET /local/documents/{collection}/{documentId}
type LocalDocument struct {
	UpdatedAt    time.Time       `json:"updatedAt"`
	Collection   string          `json:"collection"`
	DocumentID   string          `json:"documentId"`
	SourceNodeID string          `json:"sourceNodeId"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Version      int64           `json:"version"`
	Deleted      bool            `json:"deleted"`
}
