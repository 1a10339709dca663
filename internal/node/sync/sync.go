// Package sync доставляет очередь изменений узла агрегатору (push) и применяет
// изменения других узлов к локальной реплике (pull).
package sync

import (
	"context"
	"errors"
	"net/http"

	nodeapi "github.com/iudanet/clinicsync/internal/node/api"
	"github.com/iudanet/clinicsync/pkg/api"
)

// Aggregator протокол синхронизации со стороны узла
type Aggregator interface {
	// Push отправляет батч, ответ содержит по одному outcome на syncId
	Push(ctx context.Context, changes []api.Change) (*api.PushResponse, error)

	// Pull возвращает страницу дельт коллекции после since
	Pull(ctx context.Context, collection string, since int64, limit int) (*api.PullResponse, error)

	// Config возвращает конфигурацию синхронизации узла
	Config(ctx context.Context) (*api.NodeConfigResponse, error)

	// Conflicts возвращает текущие статусы конфликтов узла по id
	Conflicts(ctx context.Context, ids []string) ([]api.Conflict, error)
}

// isAuthFailure агрегатор отверг учетные данные узла или запретил ему синхронизацию
func isAuthFailure(err error) bool {
	return errors.Is(err, nodeapi.ErrUnauthorized) || errors.Is(err, nodeapi.ErrForbidden)
}

// isRequestRefused агрегатор отверг запрос целиком: тело слишком велико или не разобрано
func isRequestRefused(err error) bool {
	switch requestStatus(err) {
	case http.StatusRequestEntityTooLarge, http.StatusBadRequest:
		return true
	}
	return false
}

// requestStatus HTTP код ответа агрегатора, 0 для ошибок транспорта
func requestStatus(err error) int {
	var statusErr *nodeapi.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// authAlert текст алерта здоровья узла для оператора
func authAlert(err error) string {
	if errors.Is(err, nodeapi.ErrForbidden) {
		return "aggregator refused sync for this node: " + err.Error()
	}
	return "aggregator rejected node credentials, re-issue the auth token: " + err.Error()
}
