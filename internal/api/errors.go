package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/circuitbreaker"
	"github.com/lalithlochan/flota/internal/db"
	"github.com/lalithlochan/flota/internal/notify"
	"github.com/lalithlochan/flota/internal/redis"
	"github.com/lalithlochan/flota/internal/templates"
	"github.com/lalithlochan/flota/internal/worker"
)

// ErrorResponse is an RFC 7807 problem body.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type problem struct {
	status int
	typ    string
	title  string
}

// classify maps domain errors onto problem types. Anything unknown is a 500.
func classify(err error) problem {
	switch {
	case errors.Is(err, notify.ErrEventNotRegistered):
		return problem{http.StatusBadRequest, "event_not_registered", "Unknown event"}
	case errors.Is(err, notify.ErrInvalidSeverity):
		return problem{http.StatusBadRequest, "invalid_severity", "Invalid severity"}
	case errors.Is(err, notify.ErrUnknownGroup):
		return problem{http.StatusBadRequest, "unknown_group", "Unknown group"}
	case errors.Is(err, templates.ErrInvalidTemplate):
		return problem{http.StatusBadRequest, "invalid_template", "Invalid template"}
	case errors.Is(err, worker.ErrInvalidMessage), errors.Is(err, worker.ErrNoSender):
		return problem{http.StatusBadRequest, "invalid_message", "Message cannot be sent"}
	case errors.Is(err, db.ErrNotFound):
		return problem{http.StatusNotFound, "not_found", "Resource not found"}
	case errors.Is(err, db.ErrInactive):
		return problem{http.StatusConflict, "template_inactive", "Template is deleted"}
	case errors.Is(err, redis.ErrDuplicateRequest):
		return problem{http.StatusConflict, "duplicate_request", "Request is already being processed"}
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return problem{http.StatusServiceUnavailable, "transport_unavailable", "Mail transport unavailable"}
	default:
		return problem{http.StatusInternalServerError, "internal_error", "Internal server error"}
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	p := classify(err)
	detail := err.Error()
	if p.status >= http.StatusInternalServerError {
		h.logger.Error(msg,
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		detail = ""
	}
	writeError(w, p.status, p.typ, p.title, detail)
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, title, detail string) {
	writeError(w, http.StatusBadRequest, "invalid_request", title, detail)
}
