package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/db"
	"github.com/lalithlochan/flota/internal/templates"
)

// ListTemplates handles GET /notifications/templates?evento=&canal=&locale=&activos=
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.svc.Templates.List(r.Context(), db.TemplateFilter{
		Evento:     q.Get("evento"),
		Canal:      q.Get("canal"),
		Locale:     q.Get("locale"),
		OnlyActive: q.Get("activos") == "true",
	})
	if err != nil {
		h.fail(w, r, err, "failed to list templates")
		return
	}
	if list == nil {
		list = []*db.Template{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

// GetTemplate handles GET /notifications/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.svc.Templates.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "failed to get template")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CreateTemplate handles POST /notifications/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var in templates.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "Malformed JSON body", err.Error())
		return
	}

	t, err := h.svc.Templates.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err, "failed to create template")
		return
	}

	h.logger.Info("template version created",
		zap.Int64("template_id", t.ID),
		zap.String("evento", t.EventClave),
		zap.Int("version", t.Version),
	)
	writeJSON(w, http.StatusCreated, t)
}

// UpdateTemplate handles PUT /notifications/templates/{id}. The stored row is
// left untouched and a new version is returned.
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in templates.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "Malformed JSON body", err.Error())
		return
	}

	t, err := h.svc.Templates.Update(r.Context(), id, in)
	if err != nil {
		h.fail(w, r, err, "failed to update template")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// DeleteTemplate handles DELETE /notifications/templates/{id}
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.Templates.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err, "failed to delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublishTemplate handles POST /notifications/templates/{id}/publish
func (h *Handler) PublishTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.svc.Templates.Publish(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "failed to publish template")
		return
	}

	h.logger.Info("template published",
		zap.Int64("template_id", t.ID),
		zap.String("evento", t.EventClave),
		zap.String("canal", t.Canal),
		zap.String("locale", t.Locale),
	)
	writeJSON(w, http.StatusOK, t)
}

// PreviewTemplate handles POST /notifications/templates/preview
func (h *Handler) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var in templates.PreviewInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "Malformed JSON body", err.Error())
		return
	}
	out, err := h.svc.Templates.Preview(r.Context(), in)
	if err != nil {
		h.fail(w, r, err, "failed to preview template")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// TestTemplate handles POST /notifications/templates/{id}/test
func (h *Handler) TestTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in templates.TestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "Malformed JSON body", err.Error())
		return
	}
	res, err := h.svc.Templates.Test(r.Context(), id, in)
	if err != nil {
		h.fail(w, r, err, "failed to send test message")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
