package db

import (
	"encoding/json"
	"time"
)

// Severity is the ordinal urgency of a notification.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the position of s in the low < medium < high < critical order.
// Unknown values rank 0, below every valid severity.
func (s Severity) Rank() int {
	return severityRanks[s]
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// Notification header states
const (
	NotificationPending    = "pending"
	NotificationQueued     = "queued"
	NotificationDelivered  = "delivered"
	NotificationSuppressed = "suppressed"
)

// Recipient states
const (
	RecipientPending    = "pending"
	RecipientSent       = "sent"
	RecipientDelivered  = "delivered"
	RecipientFailed     = "failed"
	RecipientBounced    = "bounced"
	RecipientSuppressed = "suppressed"
	RecipientRead       = "read"
)

// Attempt outcomes
const (
	AttemptSent   = "sent"
	AttemptFailed = "failed"
)

// Channel constants
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// EventDefinition is one entry of eventos_catalogo.
type EventDefinition struct {
	ID           int64          `json:"id"`
	Clave        string         `json:"clave"`
	Nombre       string         `json:"nombre"`
	SeveridadDef Severity       `json:"severidad_def"`
	Activo       bool           `json:"enabled"`
	Grupos       []GroupSummary `json:"grupos"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// GroupSummary describes a group linked to an event.
type GroupSummary struct {
	ID          int64  `json:"id"`
	Nombre      string `json:"nombre"`
	Obligatorio bool   `json:"obligatorio"`
	Activo      bool   `json:"activo"`
}

// GroupMember is a user belonging to a notification group, with the addresses
// the dispatcher may need.
type GroupMember struct {
	GroupID  int64
	UserID   int64
	Email    string
	Telefono string
}

// GroupChannel is a per-group delivery policy.
type GroupChannel struct {
	GroupID      int64
	Canal        string
	Habilitado   bool
	SeveridadMin Severity
}

// Notification is the header row in notificaciones.
type Notification struct {
	ID         int64     `json:"id"`
	EventoID   int64     `json:"evento_id"`
	EventClave string    `json:"evento"`
	Severidad  Severity  `json:"severidad"`
	Payload    Payload   `json:"payload"`
	DedupeKey  string    `json:"dedupe_key"`
	CreadoPor  *int64    `json:"creado_por,omitempty"`
	Estado     string    `json:"estado"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Recipient is one delivery unit in notificacion_destinatarios.
type Recipient struct {
	ID                int64      `json:"id"`
	NotificacionID    int64      `json:"notificacion_id"`
	UserID            int64      `json:"id_usuario"`
	Canal             string     `json:"canal"`
	DireccionOverride *string    `json:"direccion_override,omitempty"`
	Estado            string     `json:"estado"`
	UltimoError       *string    `json:"ultimo_error,omitempty"`
	SendAfter         *time.Time `json:"send_after,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	// Populated from usuarios when loading recipients for dispatch.
	Email    string `json:"-"`
	Telefono string `json:"-"`
}

// Address returns where the message for r should go.
func (r *Recipient) Address() string {
	if r.DireccionOverride != nil && *r.DireccionOverride != "" {
		return *r.DireccionOverride
	}
	if r.Canal == ChannelSMS {
		return r.Telefono
	}
	return r.Email
}

// DeliveryAttempt is an append-only row of notificacion_intentos.
type DeliveryAttempt struct {
	ID             int64     `json:"id"`
	DestinatarioID int64     `json:"destinatario_id"`
	IntentoNum     int       `json:"intento_num"`
	Estado         string    `json:"estado"`
	Respuesta      *string   `json:"respuesta,omitempty"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Template is a versioned row of plantillas.
type Template struct {
	ID         int64           `json:"id"`
	EventoID   int64           `json:"evento_id"`
	EventClave string          `json:"evento"`
	Canal      string          `json:"canal"`
	Locale     string          `json:"locale"`
	Version    int             `json:"version"`
	Asunto     string          `json:"asunto"`
	Cuerpo     string          `json:"cuerpo"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	EsDefault  bool            `json:"es_default"`
	Activo     bool            `json:"activo"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	Evento string
	Estado string
	Desde  *time.Time
	Hasta  *time.Time
	Limit  int
	Offset int
}

// TemplateFilter narrows ListTemplates.
type TemplateFilter struct {
	Evento     string
	Canal      string
	Locale     string
	OnlyActive bool
}
