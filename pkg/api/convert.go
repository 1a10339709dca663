package api

import (
	"time"

	"github.com/iudanet/clinicsync/internal/models"
)

// ChangeFromRecord конвертирует ChangeRecord узла в запись push батча
func ChangeFromRecord(r *models.ChangeRecord) Change {
	return Change{
		SyncID:          r.SyncID,
		Collection:      r.Collection,
		DocumentID:      r.DocumentID,
		Operation:       string(r.Operation),
		Payload:         r.Payload,
		IdentityKeys:    r.IdentityKeys,
		DocumentVersion: r.DocumentVersion,
		CapturedAt:      r.CapturedAt,
	}
}

// Record конвертирует запись push батча в ChangeRecord.
// sourceNodeID берется из аутентифицированного запроса, а не из тела.
func (c Change) Record(sourceNodeID string) *models.ChangeRecord {
	return &models.ChangeRecord{
		SyncID:          c.SyncID,
		SourceNodeID:    sourceNodeID,
		Collection:      c.Collection,
		DocumentID:      c.DocumentID,
		Operation:       models.Operation(c.Operation),
		Payload:         c.Payload,
		IdentityKeys:    c.IdentityKeys,
		DocumentVersion: c.DocumentVersion,
		CapturedAt:      c.CapturedAt,
	}
}

// OutcomeFromModel конвертирует результат ingestion
func OutcomeFromModel(o *models.Outcome) Outcome {
	out := Outcome{
		SyncID: o.SyncID,
		Result: string(o.Result),
		Reason: o.Reason,
	}
	if o.Conflict != nil {
		c := ConflictFromRecord(o.Conflict)
		out.Conflict = &c
	}
	return out
}

// DeltaFromModel конвертирует дельту журнала
func DeltaFromModel(d *models.Delta) Delta {
	return Delta{
		Sequence:        d.Sequence,
		Collection:      d.Collection,
		DocumentID:      d.DocumentID,
		Operation:       string(d.Operation),
		Payload:         d.Payload,
		DocumentVersion: d.DocumentVersion,
		SourceNodeID:    d.SourceNodeID,
	}
}

// Model конвертирует дельту в модель узла
func (d Delta) Model() *models.Delta {
	return &models.Delta{
		Sequence:        d.Sequence,
		Collection:      d.Collection,
		DocumentID:      d.DocumentID,
		Operation:       models.Operation(d.Operation),
		Payload:         d.Payload,
		DocumentVersion: d.DocumentVersion,
		SourceNodeID:    d.SourceNodeID,
	}
}

// ConflictFromRecord конвертирует ConflictRecord
func ConflictFromRecord(c *models.ConflictRecord) Conflict {
	versions := make([]VersionSnapshot, 0, len(c.CompetingVersions))
	for _, v := range c.CompetingVersions {
		versions = append(versions, VersionSnapshot{
			DocumentID:      v.DocumentID,
			SourceNodeID:    v.SourceNodeID,
			SyncID:          v.SyncID,
			Operation:       string(v.Operation),
			Payload:         v.Payload,
			DocumentVersion: v.DocumentVersion,
		})
	}

	return Conflict{
		ID:                c.ID,
		ConflictType:      string(c.Type),
		Collection:        c.Collection,
		DocumentID:        c.DocumentID,
		OtherDocumentID:   c.OtherDocumentID,
		SyncID:            c.SyncID,
		Status:            string(c.Status),
		ResolvedBy:        c.ResolvedBy,
		ResolvedAt:        c.ResolvedAt,
		Note:              c.Note,
		DetectedAt:        c.DetectedAt,
		CompetingVersions: versions,
	}
}

// Record конвертирует конфликт с провода в ConflictRecord
func (c Conflict) Record() *models.ConflictRecord {
	versions := make([]models.VersionSnapshot, 0, len(c.CompetingVersions))
	for _, v := range c.CompetingVersions {
		versions = append(versions, models.VersionSnapshot{
			DocumentID:      v.DocumentID,
			SourceNodeID:    v.SourceNodeID,
			SyncID:          v.SyncID,
			Operation:       models.Operation(v.Operation),
			Payload:         v.Payload,
			DocumentVersion: v.DocumentVersion,
		})
	}

	return &models.ConflictRecord{
		ID:                c.ID,
		Type:              models.ConflictType(c.ConflictType),
		Collection:        c.Collection,
		DocumentID:        c.DocumentID,
		OtherDocumentID:   c.OtherDocumentID,
		SyncID:            c.SyncID,
		Status:            models.ConflictStatus(c.Status),
		ResolvedBy:        c.ResolvedBy,
		ResolvedAt:        c.ResolvedAt,
		Note:              c.Note,
		DetectedAt:        c.DetectedAt,
		CompetingVersions: versions,
	}
}

// NodeFromRegistration конвертирует регистрацию узла для операторов
func NodeFromRegistration(n *models.NodeRegistration, now time.Time, onlineTimeout time.Duration) Node {
	return Node{
		NodeID:            n.NodeID,
		DisplayName:       n.DisplayName,
		SyncedCollections: n.SyncedCollections,
		PushIntervalSec:   int64(n.PushInterval / time.Second),
		PullIntervalSec:   int64(n.PullInterval / time.Second),
		SyncEnabled:       n.SyncEnabled,
		Online:            n.Online(now, onlineTimeout),
		LastPushAt:        n.LastPushAt,
		LastPullAt:        n.LastPullAt,
		LastSeenAt:        n.LastSeenAt,
		CreatedAt:         n.CreatedAt,
	}
}

// QueuedChangeFromRecord конвертирует запись очереди для операторских списков узла
func QueuedChangeFromRecord(r *models.ChangeRecord) QueuedChange {
	q := QueuedChange{
		SyncID:          r.SyncID,
		Collection:      r.Collection,
		DocumentID:      r.DocumentID,
		Operation:       string(r.Operation),
		DeliveryState:   string(r.DeliveryState),
		LastError:       r.LastError,
		DocumentVersion: r.DocumentVersion,
		Attempts:        r.Attempts,
		CapturedAt:      r.CapturedAt,
	}
	if !r.LastAttemptAt.IsZero() {
		t := r.LastAttemptAt
		q.LastAttemptAt = &t
	}
	if r.Conflict != nil {
		c := ConflictFromRecord(r.Conflict)
		q.Conflict = &c
	}
	return q
}

// LocalDocumentFromModel конвертирует документ локальной реплики узла
func LocalDocumentFromModel(d *models.LocalDocument) LocalDocument {
	return LocalDocument{
		UpdatedAt:    d.UpdatedAt,
		Collection:   d.Collection,
		DocumentID:   d.DocumentID,
		SourceNodeID: d.SourceNodeID,
		Payload:      d.Payload,
		Version:      d.Version,
		Deleted:      d.Deleted,
	}
}
