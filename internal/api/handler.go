package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/circuitbreaker"
	"github.com/lalithlochan/flota/internal/db"
	"github.com/lalithlochan/flota/internal/notify"
	"github.com/lalithlochan/flota/internal/templates"
	"github.com/lalithlochan/flota/internal/worker"
)

// EventConfig reads and replaces event routing configuration.
type EventConfig interface {
	Get(ctx context.Context, clave string) (*db.EventDefinition, error)
	Save(ctx context.Context, in notify.SaveInput) (*db.EventDefinition, error)
}

// Notifier raises and retries notifications.
type Notifier interface {
	CreateAndSend(ctx context.Context, req notify.CreateRequest) (*notify.Result, error)
	RetryFailed(ctx context.Context, notificationID int64) (*worker.Summary, error)
}

// NotificationReader serves the read-only notification views.
type NotificationReader interface {
	GetNotification(ctx context.Context, id int64) (*db.Notification, error)
	ListNotifications(ctx context.Context, f db.NotificationFilter) ([]*db.Notification, int, error)
	RecipientStatusCounts(ctx context.Context, notificationID int64) (map[string]int, error)
	ListRecipients(ctx context.Context, notificationID int64, estado string, limit, offset int) ([]*db.Recipient, int, error)
	ListAttempts(ctx context.Context, recipientID int64) ([]*db.DeliveryAttempt, error)
}

// TemplateAdmin manages template versions.
type TemplateAdmin interface {
	List(ctx context.Context, f db.TemplateFilter) ([]*db.Template, error)
	Get(ctx context.Context, id int64) (*db.Template, error)
	Create(ctx context.Context, in templates.CreateInput) (*db.Template, error)
	Update(ctx context.Context, id int64, in templates.UpdateInput) (*db.Template, error)
	Delete(ctx context.Context, id int64) error
	Publish(ctx context.Context, id int64) (*db.Template, error)
	Preview(ctx context.Context, in templates.PreviewInput) (templates.Rendered, error)
	Test(ctx context.Context, id int64, in templates.TestInput) (*templates.TestResult, error)
}

// Transport is a channel breaker as seen by the admin routes.
type Transport interface {
	Channel() string
	Stats() circuitbreaker.Stats
	Reset()
}

// Services groups what the handlers call into.
type Services struct {
	Config    EventConfig
	Notifier  Notifier
	Reader    NotificationReader
	Templates TemplateAdmin
	Transport []Transport
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	svc    Services
}

func NewHandler(logger *zap.Logger, svc Services) *Handler {
	return &Handler{logger: logger, svc: svc}
}

// EventRequest is the producer body for POST /notifications/events/{clave}.
type EventRequest struct {
	Severidad   db.Severity `json:"severidad,omitempty"`
	Payload     db.Payload  `json:"payload"`
	DedupeKey   string      `json:"dedupe_key,omitempty"`
	ForceGroups []int64     `json:"forzar_grupos,omitempty"`
	OmitGroups  []int64     `json:"omit_grupos,omitempty"`
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

// GetConfig handles GET /notifications/config/{clave}
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	ev, err := h.svc.Config.Get(r.Context(), chi.URLParam(r, "clave"))
	if err != nil {
		h.fail(w, r, err, "failed to load event config")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// SaveConfig handles PUT /notifications/config/{clave}
func (h *Handler) SaveConfig(w http.ResponseWriter, r *http.Request) {
	var in notify.SaveInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "Malformed JSON body", err.Error())
		return
	}
	in.Clave = chi.URLParam(r, "clave")

	ev, err := h.svc.Config.Save(r.Context(), in)
	if err != nil {
		h.fail(w, r, err, "failed to save event config")
		return
	}

	h.logger.Info("event config saved",
		zap.String("clave", in.Clave),
		zap.Bool("enabled", ev.Activo),
		zap.Int("grupos", len(ev.Grupos)),
	)
	writeJSON(w, http.StatusOK, ev)
}

// CreateEvent handles POST /notifications/events/{clave}. The notification is
// persisted and dispatched before the response is written.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Malformed JSON body", err.Error())
		return
	}

	createdBy, err := userID(r)
	if err != nil {
		badRequest(w, "Invalid X-User-ID", "X-User-ID must be an integer")
		return
	}

	res, err := h.svc.Notifier.CreateAndSend(r.Context(), notify.CreateRequest{
		Clave:       chi.URLParam(r, "clave"),
		Severidad:   req.Severidad,
		Payload:     req.Payload,
		DedupeKey:   req.DedupeKey,
		ForceGroups: req.ForceGroups,
		OmitGroups:  req.OmitGroups,
		CreatedBy:   createdBy,
	})
	if err != nil {
		h.fail(w, r, err, "failed to create notification")
		return
	}

	status := http.StatusCreated
	if res.ID == 0 {
		// Disabled event: nothing was stored.
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// ListNotifications handles GET /notifications?evento=&estado=&desde=&hasta=&page=&limit=
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit := pagination(q.Get("page"), q.Get("limit"))

	f := db.NotificationFilter{
		Evento: q.Get("evento"),
		Estado: q.Get("estado"),
		Limit:  limit,
		Offset: (page - 1) * limit,
	}
	var err error
	if f.Desde, err = parseTime(q.Get("desde")); err != nil {
		badRequest(w, "Invalid desde", err.Error())
		return
	}
	if f.Hasta, err = parseTime(q.Get("hasta")); err != nil {
		badRequest(w, "Invalid hasta", err.Error())
		return
	}

	items, total, err := h.svc.Reader.ListNotifications(r.Context(), f)
	if err != nil {
		h.fail(w, r, err, "failed to list notifications")
		return
	}
	if items == nil {
		items = []*db.Notification{}
	}

	writeJSON(w, http.StatusOK, paged(items, page, limit, total))
}

// GetNotification handles GET /notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	n, err := h.svc.Reader.GetNotification(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "failed to get notification")
		return
	}
	counts, err := h.svc.Reader.RecipientStatusCounts(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "failed to count recipients")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		*db.Notification
		RecipientsByStatus map[string]int `json:"recipients_by_status"`
	}{n, counts})
}

// ListRecipients handles GET /notifications/{id}/recipients?estado=&page=&limit=
func (h *Handler) ListRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()
	page, limit := pagination(q.Get("page"), q.Get("limit"))

	if _, err := h.svc.Reader.GetNotification(r.Context(), id); err != nil {
		h.fail(w, r, err, "failed to get notification")
		return
	}

	items, total, err := h.svc.Reader.ListRecipients(r.Context(), id, q.Get("estado"), limit, (page-1)*limit)
	if err != nil {
		h.fail(w, r, err, "failed to list recipients")
		return
	}
	if items == nil {
		items = []*db.Recipient{}
	}

	writeJSON(w, http.StatusOK, paged(items, page, limit, total))
}

// ListAttempts handles GET /notifications/recipients/{rid}/attempts
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	rid, ok := pathID(w, r, "rid")
	if !ok {
		return
	}

	attempts, err := h.svc.Reader.ListAttempts(r.Context(), rid)
	if err != nil {
		h.fail(w, r, err, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []*db.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": attempts})
}

// RetryNotification handles POST /notifications/{id}/retry
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	summary, err := h.svc.Notifier.RetryFailed(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "failed to retry notification")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// TransportStatus handles GET /notifications/transport/status
func (h *Handler) TransportStatus(w http.ResponseWriter, r *http.Request) {
	stats := make([]circuitbreaker.Stats, 0, len(h.svc.Transport))
	for _, t := range h.svc.Transport {
		stats = append(stats, t.Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": stats})
}

// ResetTransport handles POST /notifications/transport/{canal}/reset. It closes
// the channel's breaker after an operator has fixed the provider.
func (h *Handler) ResetTransport(w http.ResponseWriter, r *http.Request) {
	canal := chi.URLParam(r, "canal")
	for _, t := range h.svc.Transport {
		if t.Channel() != canal {
			continue
		}
		t.Reset()
		h.logger.Info("transport breaker reset by operator",
			zap.String("canal", canal),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
		writeJSON(w, http.StatusOK, t.Stats())
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "Unknown channel", "no transport registered for channel "+canal)
}

type pageResponse[T any] struct {
	Data  []T `json:"data"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

func paged[T any](data []T, page, limit, total int) pageResponse[T] {
	return pageResponse[T]{Data: data, Page: page, Limit: limit, Total: total}
}

// pagination parses page (>=1, default 1) and limit (clamped to 1..100,
// default 20). Unparseable values fall back to the defaults.
func pagination(pageStr, limitStr string) (int, int) {
	page, limit := 1, defaultLimit
	if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(limitStr); err == nil {
		limit = min(max(l, 1), maxLimit)
	}
	return page, limit
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "Invalid "+name, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// userID reads the acting user set by the upstream auth layer, if any.
func userID(r *http.Request) (*int64, error) {
	v := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
