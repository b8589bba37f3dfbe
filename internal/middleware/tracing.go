package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestIDHeader   = "X-Request-ID"
	maxRequestIDBytes = 128
)

type traceIDKey struct{}

// Tracing assigns a request id. A well-formed caller-supplied X-Request-ID
// wins, then the active OpenTelemetry trace id, then a fresh UUID. The id is
// echoed in the response and recorded on the server span.
func Tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span := trace.SpanFromContext(r.Context())

		id := r.Header.Get(requestIDHeader)
		if !validRequestID(id) {
			id = ""
		}
		if id == "" {
			if sc := span.SpanContext(); sc.HasTraceID() {
				id = sc.TraceID().String()
			}
		}
		if id == "" {
			id = uuid.NewString()
		}

		span.SetAttributes(attribute.String("http.request_id", id))
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), traceIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validRequestID accepts short printable ASCII ids so caller input cannot
// break log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDBytes {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}
