package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/josh-kwaku/crossledger/internal/handler"
	"github.com/josh-kwaku/crossledger/internal/logging"
	"github.com/josh-kwaku/crossledger/internal/repository"
)

const maxIdempotentBody = 64 << 10

// replayedHeaders are stored with the body and restored on replay.
var replayedHeaders = []string{"Location", "Content-Type"}

type idempotencyRepository interface {
	Get(ctx context.Context, key string) (*repository.IdempotencyCacheEntry, error)
	Set(ctx context.Context, entry *repository.IdempotencyCacheEntry) error
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Requests are compared on method, path and the canonical JSON body, so a
// resend with different whitespace still replays. Only 2xx and 4xx
// responses are cached.
func Idempotency(repo idempotencyRepository, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			log := logging.FromContext(r.Context())

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				handler.RespondAppError(w, handler.ErrMissingIdempotencyKey, nil)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil || len(body) > maxIdempotentBody {
				handler.RespondAppError(w, handler.ErrInvalidRequest, nil)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			reqHash := requestHash(r.Method, r.URL.Path, body)

			cached, err := repo.Get(r.Context(), key)
			if err != nil {
				log.Error("idempotency cache lookup failed", "error", err, "idempotency_key", key)
				handler.RespondAppError(w, handler.ErrInternalError, nil)
				return
			}

			if cached != nil {
				if cached.RequestHash != reqHash {
					handler.RespondAppError(w, handler.ErrIdempotencyConflict, nil)
					return
				}
				replay(w, cached)
				log.Info("idempotent response replayed", "idempotency_key", key, "status", cached.StatusCode)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= http.StatusInternalServerError {
				return
			}

			headers := make(map[string]string, len(replayedHeaders))
			for _, h := range replayedHeaders {
				if v := w.Header().Get(h); v != "" {
					headers[h] = v
				}
			}

			now := time.Now().UTC()
			entry := &repository.IdempotencyCacheEntry{
				Key:          key,
				RequestHash:  reqHash,
				StatusCode:   rec.statusCode,
				ResponseBody: rec.body.Bytes(),
				Headers:      headers,
				CreatedAt:    now,
				ExpiresAt:    now.Add(ttl),
			}
			// The client already has its response; a failed store only loses the replay.
			if err := repo.Set(context.WithoutCancel(r.Context()), entry); err != nil {
				log.Error("idempotency cache store failed", "error", err, "idempotency_key", key)
			}
		})
	}
}

func replay(w http.ResponseWriter, e *repository.IdempotencyCacheEntry) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range e.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("X-Idempotent-Replayed", "true")
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(e.ResponseBody)
}

// requestHash fingerprints a request. JSON bodies are compacted first; a
// body that is not valid JSON is hashed as sent.
func requestHash(method, path string, body []byte) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err == nil {
		body = compact.Bytes()
	}

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
