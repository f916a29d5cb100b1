package interceptors

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// NewRequestIDInterceptor reuses the incoming request id header or generates
// one, stores it in the context and echoes it on the response.
func NewRequestIDInterceptor(header string) Interceptor {
	if header == "" {
		header = "X-Request-ID"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(header, id)
			serveWithContext(next, w, r, context.WithValue(r.Context(), requestIDKey{}, id))
		})
	}
}

// RequestIDFromContext returns the request id set by the request id interceptor.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}
