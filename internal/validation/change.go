package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/iudanet/clinicsync/internal/models"
)

// NodeIDPattern определяет допустимый формат идентификатора узла
// Латинские буквы, цифры, дефис и нижнее подчеркивание, 3-64 символа
var NodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,64}$`)

// CollectionPattern определяет допустимый формат имени коллекции
// Начинается со строчной буквы, далее строчные буквы, цифры, "_" и "-", до 64 символов
var CollectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

const (
	// MaxDocumentIDLen максимальная длина идентификатора документа
	MaxDocumentIDLen = 256
	// MaxIdentityKeys максимальное количество ключей идентичности в одной записи
	MaxIdentityKeys = 16
)

// ErrInvalidChange базовая ошибка для некорректной записи изменения
var ErrInvalidChange = errors.New("invalid change record")

// ValidateNodeID проверяет идентификатор узла
func ValidateNodeID(nodeID string) error {
	if nodeID == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if !NodeIDPattern.MatchString(nodeID) {
		return fmt.Errorf("node id must be 3-64 characters of letters, numbers, '-' or '_'")
	}
	return nil
}

// ValidateCollection проверяет имя коллекции
func ValidateCollection(collection string) error {
	if collection == "" {
		return fmt.Errorf("collection cannot be empty")
	}
	if !CollectionPattern.MatchString(collection) {
		return fmt.Errorf("collection %q must match %s", collection, CollectionPattern.String())
	}
	return nil
}

// ValidateChange проверяет запись изменения, пришедшую в push батче.
// maxPayloadBytes <= 0 отключает проверку размера.
// Все ошибки оборачивают ErrInvalidChange.
func ValidateChange(change *models.ChangeRecord, maxPayloadBytes int) error {
	if change.SyncID == "" {
		return fmt.Errorf("%w: sync_id is required", ErrInvalidChange)
	}
	if _, err := uuid.Parse(change.SyncID); err != nil {
		return fmt.Errorf("%w: sync_id must be a UUID", ErrInvalidChange)
	}
	if err := ValidateCollection(change.Collection); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	if change.DocumentID == "" {
		return fmt.Errorf("%w: document_id is required", ErrInvalidChange)
	}
	if len(change.DocumentID) > MaxDocumentIDLen {
		return fmt.Errorf("%w: document_id exceeds %d characters", ErrInvalidChange, MaxDocumentIDLen)
	}
	if !change.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, change.Operation)
	}
	if change.DocumentVersion < 1 {
		return fmt.Errorf("%w: document_version must be positive", ErrInvalidChange)
	}
	if change.Operation != models.OperationDelete && len(change.Payload) == 0 {
		return fmt.Errorf("%w: payload is required for %s", ErrInvalidChange, change.Operation)
	}
	if len(change.Payload) > 0 && !json.Valid(change.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidChange)
	}
	if maxPayloadBytes > 0 && len(change.Payload) > maxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidChange, maxPayloadBytes)
	}
	if len(change.IdentityKeys) > MaxIdentityKeys {
		return fmt.Errorf("%w: too many identity keys", ErrInvalidChange)
	}
	return nil
}
