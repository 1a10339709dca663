package models

import (
	"encoding/json"
	"time"
)

// CanonicalEntry представляет последнее известное агрегатору состояние документа.
// Для пары (Collection, DocumentID) существует не более одной записи.
type CanonicalEntry struct {
	UpdatedAt       time.Time       `json:"updated_at"`                 // UpdatedAt время последнего применения
	Collection      string          `json:"collection"`                 // Collection коллекция
	DocumentID      string          `json:"document_id"`                // DocumentID идентификатор документа
	SourceNodeID    string          `json:"source_node_id"`             // SourceNodeID узел, создавший хранимую версию
	CreatedBy       string          `json:"created_by"`                 // CreatedBy узел, впервые приславший документ
	Operation       Operation       `json:"operation"`                  // Operation delete означает tombstone
	Payload         json.RawMessage `json:"payload,omitempty"`          // Payload непрозрачный снимок
	AppliedSyncIDs  []string        `json:"applied_sync_ids,omitempty"` // AppliedSyncIDs окно последних примененных syncId
	DocumentVersion int64           `json:"document_version"`           // DocumentVersion хранимая версия
}

// Tombstone возвращает true, если документ удален
func (e *CanonicalEntry) Tombstone() bool {
	return e.Operation == OperationDelete
}

// Snapshot возвращает снимок хранимой версии для ConflictRecord
func (e *CanonicalEntry) Snapshot() VersionSnapshot {
	return VersionSnapshot{
		DocumentID:      e.DocumentID,
		SourceNodeID:    e.SourceNodeID,
		Operation:       e.Operation,
		DocumentVersion: e.DocumentVersion,
		Payload:         cloneRaw(e.Payload),
	}
}

// Decision результат сравнения входящей записи с каноническим состоянием
type Decision int

const (
	// DecisionApply входящая версия строго больше хранимой
	DecisionApply Decision = iota
	// DecisionDuplicate та же версия от того же узла (повторная доставка)
	DecisionDuplicate
	// DecisionConflict версия не доминирует над хранимой
	DecisionConflict
)

// String для логов
func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionDuplicate:
		return "duplicate"
	default:
		return "conflict"
	}
}

// Decide сравнивает входящую запись с каноническим состоянием.
// Last-writer-wins по версии, а не по времени прихода:
// 1. Большая версия применяется
// 2. Равная версия от того же узла - дубликат
// 3. Равная версия от другого узла или меньшая версия - конфликт
// Для отсутствующей записи (e == nil) всегда DecisionApply.
func (e *CanonicalEntry) Decide(change *ChangeRecord) Decision {
	if e == nil {
		return DecisionApply
	}
	switch {
	case change.DocumentVersion > e.DocumentVersion:
		return DecisionApply
	case change.DocumentVersion == e.DocumentVersion && change.SourceNodeID == e.SourceNodeID:
		return DecisionDuplicate
	default:
		return DecisionConflict
	}
}

// Delta элемент журнала изменений, отдаваемый при pull
type Delta struct {
	Collection      string          `json:"collection"`
	DocumentID      string          `json:"document_id"`
	SourceNodeID    string          `json:"source_node_id"`
	Operation       Operation       `json:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Sequence        int64           `json:"sequence"`
	DocumentVersion int64           `json:"document_version"`
}

// SyncCursor позиция узла в журнале изменений коллекции
type SyncCursor struct {
	UpdatedAt             time.Time `json:"updated_at"`
	NodeID                string    `json:"node_id"`
	Collection            string    `json:"collection"`
	LastSequenceDelivered int64     `json:"last_sequence_delivered"`
}

// OutcomeResult итог обработки одной записи агрегатором
type OutcomeResult string

const (
	ResultAccepted   OutcomeResult = "accepted"
	ResultDuplicate  OutcomeResult = "duplicate"
	ResultConflicted OutcomeResult = "conflicted"
	ResultRejected   OutcomeResult = "rejected"
)

// Outcome результат ingestion для одного syncId.
// Для accepted Conflict может содержать неблокирующий cross-node-identity конфликт.
type Outcome struct {
	Conflict *ConflictRecord
	SyncID   string
	Result   OutcomeResult
	Reason   string
	Sequence int64 // Sequence позиция в журнале изменений, только для accepted
}
