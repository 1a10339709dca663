package models

import (
	"encoding/json"
	"time"
)

// ConflictType тип обнаруженного конфликта
type ConflictType string

const (
	// ConflictConcurrentVersion входящая версия не доминирует над хранимой
	ConflictConcurrentVersion ConflictType = "concurrent-version"
	// ConflictCrossNodeIdentity один и тот же субъект зарегистрирован на разных узлах
	ConflictCrossNodeIdentity ConflictType = "cross-node-identity"
)

// ConflictStatus статус рассмотрения конфликта оператором
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictReviewed ConflictStatus = "reviewed"
	ConflictResolved ConflictStatus = "resolved"
)

// Valid проверяет значение статуса
func (s ConflictStatus) Valid() bool {
	switch s {
	case ConflictOpen, ConflictReviewed, ConflictResolved:
		return true
	}
	return false
}

// VersionSnapshot снимок одной из конкурирующих версий документа
type VersionSnapshot struct {
	DocumentID      string          `json:"document_id"`
	SourceNodeID    string          `json:"source_node_id"`
	SyncID          string          `json:"sync_id,omitempty"`
	Operation       Operation       `json:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	DocumentVersion int64           `json:"document_version"`
}

// ConflictRecord создается детектором и закрывается только явным действием оператора.
// Движок никогда не разрешает конфликты автоматически.
type ConflictRecord struct {
	DetectedAt        time.Time         `json:"detected_at"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
	ID                string            `json:"id"`
	Type              ConflictType      `json:"type"`
	Collection        string            `json:"collection"`
	DocumentID        string            `json:"document_id"`
	OtherDocumentID   string            `json:"other_document_id,omitempty"` // OtherDocumentID второй документ для cross-node-identity
	SyncID            string            `json:"sync_id,omitempty"`           // SyncID входящая запись, вызвавшая concurrent-version
	Status            ConflictStatus    `json:"status"`
	ResolvedBy        string            `json:"resolved_by,omitempty"`
	Note              string            `json:"note,omitempty"`
	CompetingVersions []VersionSnapshot `json:"competing_versions"`
}

// Open возвращает true, пока конфликт не закрыт оператором
func (c *ConflictRecord) Open() bool {
	return c.Status != ConflictResolved
}
