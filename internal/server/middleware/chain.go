package middleware

import "net/http"

// Chain оборачивает handler в middleware, первый в списке становится внешним
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
