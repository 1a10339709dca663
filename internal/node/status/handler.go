package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/node/storage"
	"github.com/iudanet/clinicsync/internal/validation"
	"github.com/iudanet/clinicsync/pkg/api"
)

// maxLocalChangeBody ограничение тела POST /local/changes
const maxLocalChangeBody = 4 << 20

// Capturer точка входа доменного слоя (capture.Hook)
type Capturer interface {
	Capture(ctx context.Context, write models.DocumentWrite) (*models.ChangeRecord, error)
}

// Handler обрабатывает node-local операторские запросы
type Handler struct {
	reporter *Reporter
	queue    storage.ChangeQueue
	docs     storage.DocumentStorage
	capturer Capturer
	logger   *slog.Logger
	onRetry  func()
}

// NewHandler создает новый Handler. onRetry вызывается после возврата dead letter в очередь.
func NewHandler(logger *slog.Logger, reporter *Reporter, queue storage.ChangeQueue, docs storage.DocumentStorage, capturer Capturer, onRetry func()) *Handler {
	return &Handler{
		reporter: reporter,
		queue:    queue,
		docs:     docs,
		capturer: capturer,
		logger:   logger,
		onRetry:  onRetry,
	}
}

// Routes регистрирует эндпоинты в mux
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sync/status", h.Status)
	mux.HandleFunc("GET /sync/dead-letters", h.DeadLetters)
	mux.HandleFunc("POST /sync/dead-letters/{syncId}/retry", h.RetryDeadLetter)
	mux.HandleFunc("GET /sync/conflicts", h.Conflicts)
	mux.HandleFunc("POST /local/changes", h.LocalChange)
	mux.HandleFunc("GET /local/documents/{collection}/{documentId}", h.Document)
}

// Status обрабатывает GET /sync/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	report, err := h.reporter.Report(r.Context())
	if err != nil {
		h.logger.Error("Failed to build status report", "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.sendJSON(w, report, http.StatusOK)
}

// DeadLetters обрабатывает GET /sync/dead-letters
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	h.listByState(w, r, models.DeliveryFailed)
}

// Conflicts обрабатывает GET /sync/conflicts: записи узла, отклоненные агрегатором как конфликт
func (h *Handler) Conflicts(w http.ResponseWriter, r *http.Request) {
	h.listByState(w, r, models.DeliveryConflicted)
}

func (h *Handler) listByState(w http.ResponseWriter, r *http.Request, state models.DeliveryState) {
	recs, err := h.queue.ListByState(r.Context(), state)
	if err != nil {
		h.logger.Error("Failed to list queue", "state", state, "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := api.QueuedChangeListResponse{Changes: make([]api.QueuedChange, 0, len(recs))}
	for _, rec := range recs {
		resp.Changes = append(resp.Changes, api.QueuedChangeFromRecord(rec))
	}
	h.sendJSON(w, resp, http.StatusOK)
}

// RetryDeadLetter обрабатывает POST /sync/dead-letters/{syncId}/retry
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	syncID := r.PathValue("syncId")

	err := h.queue.RetryDeadLetter(r.Context(), syncID)
	switch {
	case errors.Is(err, storage.ErrChangeNotFound):
		h.sendError(w, "change not found", http.StatusNotFound)
		return
	case errors.Is(err, storage.ErrInvalidTransition):
		h.sendError(w, "change is not dead-lettered", http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("Failed to retry dead letter", "sync_id", syncID, "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Dead letter returned to queue", "sync_id", syncID)
	if h.onRetry != nil {
		h.onRetry()
	}
	w.WriteHeader(http.StatusNoContent)
}

// LocalChange обрабатывает POST /local/changes: закоммиченная запись co-located доменного сервиса
func (h *Handler) LocalChange(w http.ResponseWriter, r *http.Request) {
	var req api.LocalChangeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLocalChangeBody)).Decode(&req); err != nil {
		h.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	write := models.DocumentWrite{
		Collection: req.Collection,
		DocumentID: req.DocumentID,
		Operation:  models.Operation(req.Operation),
		Payload:    req.Payload,
	}
	if req.Identity != nil {
		write.IdentityHint = &models.IdentityHint{
			ExternalIDs: req.Identity.ExternalIDs,
			FullName:    req.Identity.FullName,
			DateOfBirth: req.Identity.DateOfBirth,
		}
	}

	change, err := h.capturer.Capture(r.Context(), write)
	switch {
	case errors.Is(err, validation.ErrInvalidChange):
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, storage.ErrDocumentNotFound):
		h.sendError(w, "document not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("Failed to capture local change",
			"collection", req.Collection,
			"document_id", req.DocumentID,
			"error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.sendJSON(w, api.LocalChangeResponse{
		SyncID:          change.SyncID,
		DocumentVersion: change.DocumentVersion,
	}, http.StatusCreated)
}

// Document обрабатывает GET /local/documents/{collection}/{documentId}
func (h *Handler) Document(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.GetDocument(r.Context(), r.PathValue("collection"), r.PathValue("documentId"))
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			h.sendError(w, "document not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to get document", "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.sendJSON(w, api.LocalDocumentFromModel(doc), http.StatusOK)
}

// sendJSON отправляет JSON ответ
func (h *Handler) sendJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", slog.Any("error", err))
	}
}

// sendError отправляет JSON ответ с ошибкой
func (h *Handler) sendError(w http.ResponseWriter, message string, statusCode int) {
	h.sendJSON(w, api.ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	}, statusCode)
}
