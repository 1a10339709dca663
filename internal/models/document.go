package models

import (
	"encoding/json"
	"time"
)

// LocalDocument документ в локальной реплике узла.
// Version хранит наибольшую известную узлу версию документа (локальную или пришедшую при pull).
type LocalDocument struct {
	UpdatedAt    time.Time       `json:"updated_at"`
	Collection   string          `json:"collection"`
	DocumentID   string          `json:"document_id"`
	SourceNodeID string          `json:"source_node_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Version      int64           `json:"version"`
	Deleted      bool            `json:"deleted"`
}

// DocumentWrite закоммиченная доменная запись, передаваемая в Change Capture Hook
type DocumentWrite struct {
	Collection   string
	DocumentID   string
	Operation    Operation
	Payload      json.RawMessage
	IdentityHint *IdentityHint
}

// IdentityHint ключи сопоставления личности, которые передает доменный слой.
// Движок не извлекает их из payload самостоятельно.
type IdentityHint struct {
	ExternalIDs []string // точные идентификаторы (например, номер полиса)
	FullName    string
	DateOfBirth string // YYYY-MM-DD
}
