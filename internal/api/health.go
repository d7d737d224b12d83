package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthChecker is a dependency /health pings.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthResponse reports each dependency as "ok" or its error.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health serves /health. Any failing check turns the response into a 503.
func Health(logger *zap.Logger, checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for name, c := range checks {
			if err := c.Health(ctx); err != nil {
				logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		writeJSON(w, status, resp)
	}
}
