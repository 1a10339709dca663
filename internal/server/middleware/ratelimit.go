package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iudanet/clinicsync/internal/server/handlers"
)

// RateLimiter представляет rate limiter на основе токен-бакета (token bucket)
type RateLimiter struct {
	buckets  map[string]*bucket
	logger   *slog.Logger
	cleanupC chan struct{}
	now      func() time.Time
	rate     int
	window   time.Duration
	mu       sync.RWMutex
	stopOnce sync.Once
}

// bucket представляет bucket для конкретного узла или IP
type bucket struct {
	lastRefill time.Time
	tokens     int
	mu         sync.Mutex
}

// NewRateLimiter создает новый rate limiter
// rate - максимальное количество запросов в окне window
func NewRateLimiter(rate int, window time.Duration, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		window:   window,
		logger:   logger,
		cleanupC: make(chan struct{}),
		now:      time.Now,
	}

	go rl.cleanup()

	return rl
}

// cleanup периодически удаляет неактивные buckets
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupOldBuckets()
		case <-rl.cleanupC:
			return
		}
	}
}

// cleanupOldBuckets удаляет buckets, которые не использовались дольше 2*window
func (rl *RateLimiter) cleanupOldBuckets() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastRefill) > rl.window*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// Stop останавливает cleanup goroutine, повторный вызов безопасен
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.cleanupC) })
}

// Allow проверяет, разрешен ли запрос для данного ключа
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// повторная проверка под write lock
		if b, exists = rl.buckets[key]; !exists {
			b = &bucket{tokens: rl.rate, lastRefill: rl.now()}
			rl.buckets[key] = b
		}
		rl.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	if now.Sub(b.lastRefill) >= rl.window {
		b.tokens = rl.rate
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}

	return false
}

// RateLimitMiddleware ограничивает частоту запросов по IP клиента.
// Подключается до аутентификации, поэтому заголовки узла не учитывает.
// X-Forwarded-For и X-Real-IP используются только при trustProxy.
func RateLimitMiddleware(limiter *RateLimiter, trustProxy bool) func(http.Handler) http.Handler {
	return limiter.middleware(func(r *http.Request) string {
		return "ip:" + getClientIP(r, trustProxy)
	})
}

// NodeRateLimitMiddleware ограничивает частоту запросов аутентифицированного узла.
// Подключается после NodeAuthMiddleware, запросы без узла в контексте пропускает.
func NodeRateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return limiter.middleware(func(r *http.Request) string {
		if node, ok := handlers.GetNode(r.Context()); ok {
			return "node:" + node.NodeID
		}
		return ""
	})
}

func (rl *RateLimiter) middleware(keyOf func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyOf(r)
			if key == "" || rl.Allow(key) {
				next.ServeHTTP(w, r)
				return
			}

			rl.logger.Warn("Rate limit exceeded",
				"key", key,
				"method", r.Method,
				"path", r.URL.Path,
			)

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfter(rl.window))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"Too Many Requests","message":"rate limit exceeded, please try again later"}`))
		})
	}
}

func retryAfter(window time.Duration) string {
	secs := int(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// getClientIP извлекает IP адрес клиента из запроса.
// Заголовки X-Forwarded-For и X-Real-IP проверяются, только если агрегатор стоит за доверенным прокси.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// первый IP из списка - реальный клиент
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	// Порт меняется от соединения к соединению и в ключ не входит
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
