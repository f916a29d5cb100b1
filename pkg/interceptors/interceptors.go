// Package interceptors provides the HTTP middleware chain used by the API:
// request ids, tracing, rate limiting, panic recovery and access logging.
package interceptors

import (
	"context"
	"net/http"
)

// Interceptor wraps an http.Handler.
type Interceptor func(http.Handler) http.Handler

// Chain wraps h so that the first interceptor runs outermost. Nil entries are skipped.
func Chain(h http.Handler, interceptors ...Interceptor) http.Handler {
	for i := len(interceptors) - 1; i >= 0; i-- {
		if interceptors[i] != nil {
			h = interceptors[i](h)
		}
	}
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// serveWithContext serves a copy of r carrying ctx and copies the matched
// ServeMux pattern back, so outer interceptors can still label by route.
func serveWithContext(next http.Handler, w http.ResponseWriter, r *http.Request, ctx context.Context) {
	inner := r.WithContext(ctx)
	next.ServeHTTP(w, inner)
	r.Pattern = inner.Pattern
}
