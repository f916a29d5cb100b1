package interceptors

import (
	"net/http"

	"golang.org/x/time/rate"
)

// NewRateLimitInterceptor rejects requests with 429 once the limiter is exhausted.
func NewRateLimitInterceptor(limiter *rate.Limiter) Interceptor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
