package middleware

import (
	"net/http"
	"time"
)

// RequestObserver учитывает длительность запросов
type RequestObserver interface {
	ObserveRequest(route string, status int, d time.Duration)
}

// MetricsMiddleware учитывает латентность запросов.
// Метка route - шаблон маршрута ServeMux, а не путь с id.
func MetricsMiddleware(observer RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			// r.Pattern заполняется ServeMux на том же запросе
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			observer.ObserveRequest(route, wrapped.statusCode, time.Since(start))
		})
	}
}
