package templates

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"regexp"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/db"
)

// DefaultLocale is the locale used by the dispatcher.
const DefaultLocale = "es"

// Where a rendered message came from.
const (
	SourceDatabase = "database"
	SourceBuiltin  = "builtin"
	SourceFallback = "fallback"
)

// Store is the subset of the repository the resolver reads.
type Store interface {
	FindDefaultTemplate(ctx context.Context, clave, canal, locale string) (*db.Template, error)
}

// RenderInput identifies what to render.
type RenderInput struct {
	EventClave string
	Canal      string
	Locale     string
	Payload    db.Payload
}

// Rendered is a ready-to-send message.
type Rendered struct {
	Subject    string `json:"subject"`
	HTML       string `json:"html"`
	Source     string `json:"source"`
	TemplateID int64  `json:"template_id,omitempty"`
	Version    int    `json:"version,omitempty"`
}

// Resolver picks and renders the template for an event.
type Resolver struct {
	store   Store
	builtin map[string]builtinTemplate
	brand   Brand
	logger  *zap.Logger
}

// NewResolver creates a resolver backed by store and the embedded built-in templates.
func NewResolver(store Store, brand Brand, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:   store,
		builtin: loadBuiltin(logger),
		brand:   brand,
		logger:  logger,
	}
}

// Render resolves a template for in and substitutes the payload into it.
// The lookup order is the published database template, then the built-in file
// template for the event, then a generic dump of the payload. Render never fails.
func (r *Resolver) Render(ctx context.Context, in RenderInput) Rendered {
	if in.Locale == "" {
		in.Locale = DefaultLocale
	}

	if r.store != nil {
		t, err := r.store.FindDefaultTemplate(ctx, in.EventClave, in.Canal, in.Locale)
		switch {
		case err == nil:
			return r.RenderTemplate(t, in.Payload)
		case !errors.Is(err, db.ErrNotFound):
			r.logger.Warn("template lookup failed, using fallback",
				zap.Error(err),
				zap.String("clave", in.EventClave),
				zap.String("canal", in.Canal),
			)
		}
	}

	if b, ok := r.builtin[in.EventClave]; ok {
		return Rendered{
			Subject: Substitute(b.subject, in.Payload, false),
			HTML:    r.brand.Wrap(Substitute(b.body, in.Payload, true), nil),
			Source:  SourceBuiltin,
		}
	}

	return r.fallback(in)
}

// RenderTemplate renders a concrete template row, used both by Render and by
// the admin preview of unpublished versions.
func (r *Resolver) RenderTemplate(t *db.Template, payload db.Payload) Rendered {
	meta, err := ParseMetadata(t.Metadata)
	if err != nil {
		r.logger.Warn("ignoring malformed template metadata",
			zap.Error(err),
			zap.Int64("template_id", t.ID),
		)
		meta = Metadata{}
	}

	body := Substitute(t.Cuerpo, payload, true)
	if meta.LayoutID != LayoutNone {
		body = r.brand.Wrap(body, &meta)
	}

	return Rendered{
		Subject:    Substitute(t.Asunto, payload, false),
		HTML:       body,
		Source:     SourceDatabase,
		TemplateID: t.ID,
		Version:    t.Version,
	}
}

func (r *Resolver) fallback(in RenderInput) Rendered {
	dump, err := json.MarshalIndent(in.Payload, "", "  ")
	if err != nil {
		dump = []byte("{}")
	}
	body := "<pre>" + html.EscapeString(string(dump)) + "</pre>"
	return Rendered{
		Subject: "Notificación " + in.EventClave,
		HTML:    r.brand.Wrap(body, nil),
		Source:  SourceFallback,
	}
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// Substitute replaces {{dotted.path}} placeholders with payload values in a
// single pass. Values are not scanned again, so a payload containing "{{x}}"
// is emitted literally. Unknown paths become the empty string. With escape
// set, values are HTML-escaped.
func Substitute(pattern string, payload db.Payload, escape bool) string {
	return placeholder.ReplaceAllStringFunc(pattern, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v := payload.String(path)
		if escape {
			return html.EscapeString(v)
		}
		return v
	})
}
