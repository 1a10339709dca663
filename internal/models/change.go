package models

import (
	"encoding/json"
	"time"
)

// Operation тип мутации документа
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid проверяет, что операция входит в допустимый набор
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// DeliveryState состояние доставки ChangeRecord до агрегатора
type DeliveryState string

const (
	DeliveryPending      DeliveryState = "pending"
	DeliveryInFlight     DeliveryState = "in-flight"
	DeliveryAcknowledged DeliveryState = "acknowledged"
	DeliveryFailed       DeliveryState = "failed"
	DeliveryConflicted   DeliveryState = "conflicted"
)

// ChangeRecord представляет одну захваченную локальную мутацию документа.
// SyncID генерируется на узле и служит ключом идемпотентности на агрегаторе.
type ChangeRecord struct {
	CapturedAt      time.Time       `json:"captured_at"`              // CapturedAt время захвата на узле-источнике
	LastAttemptAt   time.Time       `json:"last_attempt_at,omitzero"` // LastAttemptAt время последней попытки отправки
	NextAttemptAt   time.Time       `json:"next_attempt_at,omitzero"` // NextAttemptAt запись не отправляется раньше этого момента (backoff)
	Conflict        *ConflictRecord `json:"conflict,omitempty"`       // Conflict конфликт, вернувшийся от агрегатора
	SyncID          string          `json:"sync_id"`                  // SyncID UUID, неизменяемый
	SourceNodeID    string          `json:"source_node_id"`           // SourceNodeID узел, на котором произошла запись
	Collection      string          `json:"collection"`               // Collection коллекция документа
	DocumentID      string          `json:"document_id"`              // DocumentID идентификатор документа
	Operation       Operation       `json:"operation"`                // Operation create/update/delete
	DeliveryState   DeliveryState   `json:"delivery_state"`           // DeliveryState текущее состояние доставки
	LastError       string          `json:"last_error,omitempty"`     // LastError текст последней ошибки
	Payload         json.RawMessage `json:"payload,omitempty"`        // Payload непрозрачный снимок документа
	IdentityKeys    []string        `json:"identity_keys,omitempty"`  // IdentityKeys нормализованные ключи идентичности от доменного слоя
	DocumentVersion int64           `json:"document_version"`         // DocumentVersion монотонный счетчик версии документа на узле
	Attempts        int             `json:"attempts"`                 // Attempts количество неудачных попыток доставки
}

// Eligible возвращает true, если запись может быть выбрана в очередной батч
func (r *ChangeRecord) Eligible(now time.Time) bool {
	if r.DeliveryState != DeliveryPending {
		return false
	}
	return r.NextAttemptAt.IsZero() || !now.Before(r.NextAttemptAt)
}

// Terminal возвращает true для состояний, из которых запись не уходит без участия оператора
func (r *ChangeRecord) Terminal() bool {
	return r.DeliveryState == DeliveryFailed || r.DeliveryState == DeliveryConflicted
}

// Snapshot возвращает снимок версии для вложения в ConflictRecord
func (r *ChangeRecord) Snapshot() VersionSnapshot {
	return VersionSnapshot{
		DocumentID:      r.DocumentID,
		SourceNodeID:    r.SourceNodeID,
		SyncID:          r.SyncID,
		Operation:       r.Operation,
		DocumentVersion: r.DocumentVersion,
		Payload:         cloneRaw(r.Payload),
	}
}

// Clone создает глубокую копию записи
func (r *ChangeRecord) Clone() *ChangeRecord {
	c := *r
	c.Payload = cloneRaw(r.Payload)
	if r.IdentityKeys != nil {
		c.IdentityKeys = append([]string(nil), r.IdentityKeys...)
	}
	if r.Conflict != nil {
		conflict := *r.Conflict
		c.Conflict = &conflict
	}
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
