package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang/snappy"

	"github.com/iudanet/clinicsync/pkg/api"
)

// DefaultMaxBodyBytes ограничение размера тела запроса после распаковки
const DefaultMaxBodyBytes = 64 << 20

// DecompressMiddleware распаковывает тела с Content-Encoding: snappy.
// Тела без кодировки передаются как есть, но с тем же ограничением размера.
func DecompressMiddleware(logger *slog.Logger, maxBodyBytes int64) func(http.Handler) http.Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := strings.TrimSpace(r.Header.Get(api.HeaderContentEncoding))
			if encoding == "" || r.Body == nil || r.Body == http.NoBody {
				if r.Body != nil {
					r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
				}
				next.ServeHTTP(w, r)
				return
			}

			if !strings.EqualFold(encoding, api.EncodingSnappy) {
				http.Error(w, "Unsupported Content-Encoding", http.StatusUnsupportedMediaType)
				return
			}

			compressed, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				logger.Warn("Failed to read compressed body", "path", r.URL.Path, "error", err)
				http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
				return
			}

			n, err := snappy.DecodedLen(compressed)
			if err != nil {
				logger.Warn("Invalid snappy body", "path", r.URL.Path, "error", err)
				http.Error(w, "Invalid compressed body", http.StatusBadRequest)
				return
			}
			if int64(n) > maxBodyBytes {
				logger.Warn("Decompressed body too large", "path", r.URL.Path, "decoded_len", n)
				http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
				return
			}

			decoded, err := snappy.Decode(nil, compressed)
			if err != nil {
				logger.Warn("Failed to decode snappy body", "path", r.URL.Path, "error", err)
				http.Error(w, "Invalid compressed body", http.StatusBadRequest)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(decoded))
			r.ContentLength = int64(len(decoded))
			r.Header.Del(api.HeaderContentEncoding)

			next.ServeHTTP(w, r)
		})
	}
}
