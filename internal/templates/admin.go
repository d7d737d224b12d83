package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/db"
)

// ErrInvalidTemplate is returned for template admin requests that fail validation.
var ErrInvalidTemplate = errors.New("invalid template")

// AdminStore is the persistence used by Admin.
type AdminStore interface {
	ListTemplates(ctx context.Context, f db.TemplateFilter) ([]*db.Template, error)
	GetTemplate(ctx context.Context, id int64) (*db.Template, error)
	CreateTemplateVersion(ctx context.Context, t *db.Template) error
	SoftDeleteTemplate(ctx context.Context, id int64) error
	PublishTemplate(ctx context.Context, id int64) (*db.Template, error)
}

// MessageSender delivers an already rendered message outside any notification.
type MessageSender interface {
	SendRendered(ctx context.Context, canal, to string, msg Rendered) (string, error)
}

// Admin manages template versions.
type Admin struct {
	store    AdminStore
	resolver *Resolver
	sender   MessageSender
	logger   *zap.Logger
}

func NewAdmin(store AdminStore, resolver *Resolver, sender MessageSender, logger *zap.Logger) *Admin {
	return &Admin{
		store:    store,
		resolver: resolver,
		sender:   sender,
		logger:   logger,
	}
}

// CreateInput describes a new template version.
type CreateInput struct {
	Evento   string          `json:"evento"`
	Canal    string          `json:"canal"`
	Locale   string          `json:"locale"`
	Asunto   string          `json:"asunto"`
	Cuerpo   string          `json:"cuerpo"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// UpdateInput changes some fields of a template. Nil fields are copied from
// the template being updated.
type UpdateInput struct {
	Asunto   *string         `json:"asunto,omitempty"`
	Cuerpo   *string         `json:"cuerpo,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PreviewInput renders without persisting. With TemplateID set that row is
// rendered; with Cuerpo set the inline pattern is rendered; otherwise the
// normal resolution chain for Evento runs.
type PreviewInput struct {
	TemplateID *int64          `json:"template_id,omitempty"`
	Evento     string          `json:"evento"`
	Canal      string          `json:"canal"`
	Locale     string          `json:"locale"`
	Asunto     string          `json:"asunto"`
	Cuerpo     string          `json:"cuerpo"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Payload    db.Payload      `json:"payload"`
}

// TestInput is a sample send of one template to one address.
type TestInput struct {
	To      string     `json:"to"`
	Payload db.Payload `json:"payload"`
}

// TestResult reports a sample send.
type TestResult struct {
	Rendered  Rendered `json:"rendered"`
	MessageID string   `json:"message_id"`
}

func (a *Admin) List(ctx context.Context, f db.TemplateFilter) ([]*db.Template, error) {
	return a.store.ListTemplates(ctx, f)
}

func (a *Admin) Get(ctx context.Context, id int64) (*db.Template, error) {
	return a.store.GetTemplate(ctx, id)
}

// Create stores in as a new, unpublished version.
func (a *Admin) Create(ctx context.Context, in CreateInput) (*db.Template, error) {
	t := &db.Template{
		EventClave: strings.TrimSpace(in.Evento),
		Canal:      strings.TrimSpace(in.Canal),
		Locale:     strings.TrimSpace(in.Locale),
		Asunto:     in.Asunto,
		Cuerpo:     in.Cuerpo,
		Metadata:   in.Metadata,
	}
	if t.Canal == "" {
		t.Canal = db.ChannelEmail
	}
	if t.Locale == "" {
		t.Locale = DefaultLocale
	}
	if err := validate(t); err != nil {
		return nil, err
	}

	if err := a.store.CreateTemplateVersion(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Update never edits a row in place: it creates the next version of the same
// (evento, canal, locale) set from the existing template and the changes.
func (a *Admin) Update(ctx context.Context, id int64, in UpdateInput) (*db.Template, error) {
	cur, err := a.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	next := &db.Template{
		EventClave: cur.EventClave,
		Canal:      cur.Canal,
		Locale:     cur.Locale,
		Asunto:     cur.Asunto,
		Cuerpo:     cur.Cuerpo,
		Metadata:   cur.Metadata,
	}
	if in.Asunto != nil {
		next.Asunto = *in.Asunto
	}
	if in.Cuerpo != nil {
		next.Cuerpo = *in.Cuerpo
	}
	if len(in.Metadata) > 0 {
		next.Metadata = in.Metadata
	}
	if err := validate(next); err != nil {
		return nil, err
	}

	if err := a.store.CreateTemplateVersion(ctx, next); err != nil {
		return nil, err
	}

	a.logger.Info("template updated as new version",
		zap.Int64("from_template_id", id),
		zap.Int64("template_id", next.ID),
		zap.Int("version", next.Version),
	)
	return next, nil
}

func (a *Admin) Delete(ctx context.Context, id int64) error {
	return a.store.SoftDeleteTemplate(ctx, id)
}

func (a *Admin) Publish(ctx context.Context, id int64) (*db.Template, error) {
	return a.store.PublishTemplate(ctx, id)
}

// Preview renders a template against a sample payload.
func (a *Admin) Preview(ctx context.Context, in PreviewInput) (Rendered, error) {
	if in.TemplateID != nil {
		t, err := a.store.GetTemplate(ctx, *in.TemplateID)
		if err != nil {
			return Rendered{}, err
		}
		return a.resolver.RenderTemplate(t, in.Payload), nil
	}

	if in.Cuerpo != "" {
		t := &db.Template{Asunto: in.Asunto, Cuerpo: in.Cuerpo, Metadata: in.Metadata}
		if _, err := ParseMetadata(t.Metadata); err != nil {
			return Rendered{}, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
		out := a.resolver.RenderTemplate(t, in.Payload)
		out.Source = "inline"
		return out, nil
	}

	if in.Evento == "" {
		return Rendered{}, fmt.Errorf("%w: evento, template_id or cuerpo is required", ErrInvalidTemplate)
	}
	canal := in.Canal
	if canal == "" {
		canal = db.ChannelEmail
	}
	return a.resolver.Render(ctx, RenderInput{
		EventClave: in.Evento,
		Canal:      canal,
		Locale:     in.Locale,
		Payload:    in.Payload,
	}), nil
}

// Test renders template id and sends it to in.To through the channel's
// sender. No notification or recipient rows are written.
func (a *Admin) Test(ctx context.Context, id int64, in TestInput) (*TestResult, error) {
	to := strings.TrimSpace(in.To)
	if to == "" {
		return nil, fmt.Errorf("%w: to is required", ErrInvalidTemplate)
	}

	t, err := a.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	rendered := a.resolver.RenderTemplate(t, in.Payload)
	msgID, err := a.sender.SendRendered(ctx, t.Canal, to, rendered)
	if err != nil {
		a.logger.Warn("template test send failed",
			zap.Error(err),
			zap.Int64("template_id", id),
		)
		return nil, fmt.Errorf("send test message: %w", err)
	}

	return &TestResult{Rendered: rendered, MessageID: msgID}, nil
}

func validate(t *db.Template) error {
	switch {
	case t.EventClave == "":
		return fmt.Errorf("%w: evento is required", ErrInvalidTemplate)
	case strings.TrimSpace(t.Asunto) == "":
		return fmt.Errorf("%w: asunto is required", ErrInvalidTemplate)
	case strings.TrimSpace(t.Cuerpo) == "":
		return fmt.Errorf("%w: cuerpo is required", ErrInvalidTemplate)
	}
	if _, err := ParseMetadata(t.Metadata); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	return nil
}
