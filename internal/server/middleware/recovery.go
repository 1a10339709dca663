package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/iudanet/clinicsync/pkg/api"
)

// RecoveryMiddleware создает middleware для восстановления после паники
// Перехватывает panic, логирует стек вызовов и возвращает 500 в формате api.ErrorResponse.
// Батч push при этом считается неподтвержденным и будет повторен узлом.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				// http.ErrAbortHandler обрабатывается самим net/http
				if err == http.ErrAbortHandler {
					panic(err)
				}

				logger.Error("Panic recovered",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"node_id", r.Header.Get(api.HeaderNodeID),
					"remote_addr", r.RemoteAddr,
					"stack", string(debug.Stack()),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(api.ErrorResponse{
					Error:   http.StatusText(http.StatusInternalServerError),
					Message: "internal server error",
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
