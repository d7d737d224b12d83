package api

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/metrics"
	"github.com/lalithlochan/flota/internal/redis"
)

// RateLimiter counts requests per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// IdempotencyStore replays responses for a repeated Idempotency-Key.
type IdempotencyStore interface {
	Begin(ctx context.Context, scope, key string) (*redis.StoredResponse, error)
	Complete(ctx context.Context, scope, key string, status int, body []byte) error
	Release(ctx context.Context, scope, key string) error
}

// RateLimitMiddleware rejects requests over the limit with 429. Limiter
// errors let the request through.
func RateLimitMiddleware(limiter RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection()
				retryAfter := max(1, int(time.Until(result.ResetAt).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys on the client address. Run chi's RealIP first so
// RemoteAddr reflects proxy headers.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return ""
	}
	return "ip:" + addr
}

// IdempotencyMiddleware replays the first response for a repeated
// Idempotency-Key header on the same path. Requests without the header pass
// through. 5xx responses release the key so the client can retry.
func IdempotencyMiddleware(store IdempotencyStore, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			scope := r.URL.Path

			stored, err := store.Begin(r.Context(), scope, key)
			switch {
			case errors.Is(err, redis.ErrDuplicateRequest):
				writeError(w, http.StatusConflict, "duplicate_request", "Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			case err != nil:
				logger.Warn("idempotency check failed, proceeding", zap.Error(err), zap.String("idempotency_key", key))
				next.ServeHTTP(w, r)
				return
			case stored != nil:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(stored.StatusCode)
				_, _ = w.Write(stored.Body)
				return
			}

			rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// The request context may be done once the handler returns.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
			defer cancel()

			if rec.status >= http.StatusInternalServerError {
				if err := store.Release(ctx, scope, key); err != nil {
					logger.Warn("failed to release idempotency key", zap.Error(err), zap.String("idempotency_key", key))
				}
				return
			}
			if err := store.Complete(ctx, scope, key, rec.status, rec.body.Bytes()); err != nil {
				logger.Warn("failed to store idempotent response", zap.Error(err), zap.String("idempotency_key", key))
			}
		})
	}
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *captureWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}

// NoWriteDeadline clears the server's write deadline for the request so a
// long dispatch pass can still deliver its response.
func NoWriteDeadline(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
				logger.Debug("could not clear write deadline", zap.Error(err))
			}
			next.ServeHTTP(w, r)
		})
	}
}
