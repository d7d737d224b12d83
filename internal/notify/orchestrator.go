package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/db"
	"github.com/lalithlochan/flota/internal/metrics"
	"github.com/lalithlochan/flota/internal/worker"
)

// NotificationStore persists a header together with its recipients.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *db.Notification, recipients []*db.Recipient) error
}

// Dispatcher runs a delivery pass.
type Dispatcher interface {
	SendAll(ctx context.Context, notificationID int64, scope worker.Scope) (*worker.Summary, error)
}

// CreateRequest is one producer call.
type CreateRequest struct {
	Clave       string
	Severidad   db.Severity // empty means the event default
	Payload     db.Payload
	DedupeKey   string // empty means computed from Clave and Payload
	ForceGroups []int64
	OmitGroups  []int64
	CreatedBy   *int64
}

// Result is what CreateAndSend reports back to the producer.
type Result struct {
	Suppressed    bool            `json:"suppressed,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	ID            int64           `json:"id,omitempty"`
	Estado        string          `json:"estado,omitempty"`
	DedupeKey     string          `json:"dedupe_key,omitempty"`
	Recipients    int             `json:"recipients"`
	Queued        bool            `json:"queued"`
	Summary       *worker.Summary `json:"summary,omitempty"`
	DispatchError string          `json:"dispatch_error,omitempty"`
}

// Orchestrator is the entry point producers use to raise notifications.
type Orchestrator struct {
	catalog    *Catalog
	router     *Router
	store      NotificationStore
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewOrchestrator(catalog *Catalog, router *Router, store NotificationStore, dispatcher Dispatcher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		catalog:    catalog,
		router:     router,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// CreateAndSend records a notification for req and delivers it before
// returning.
//
// A disabled event returns a suppressed result and writes nothing. An enabled
// event whose routing yields no recipients gets a header in state suppressed
// and no recipient rows. Otherwise the header and its recipients are committed
// together and a normal dispatch pass runs after the commit. Delivery problems
// are reported in the result, never as an error; errors mean the request was
// invalid or nothing could be persisted.
func (o *Orchestrator) CreateAndSend(ctx context.Context, req CreateRequest) (*Result, error) {
	ev, err := o.catalog.Get(ctx, req.Clave)
	if err != nil {
		return nil, err
	}
	if !ev.Activo {
		metrics.RecordSuppressed(ReasonEventInactive)
		o.logger.Info("notification suppressed, event inactive", zap.String("clave", req.Clave))
		return &Result{Suppressed: true, Reason: ReasonEventInactive}, nil
	}

	severity := req.Severidad
	if severity == "" {
		severity = ev.SeveridadDef
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, severity)
	}

	force := uniqueIDs(req.ForceGroups)
	if err := o.catalog.checkGroups(ctx, force); err != nil {
		return nil, err
	}

	payload := req.Payload
	if payload == nil {
		payload = db.Payload{}
	}

	dedupeKey := req.DedupeKey
	if dedupeKey == "" {
		dedupeKey, err = db.Fingerprint(ev.Clave, payload)
		if err != nil {
			return nil, err
		}
	}

	recipients, err := o.router.Resolve(ctx, ev.ID, severity, Overrides{Force: force, Omit: req.OmitGroups})
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}

	n := &db.Notification{
		EventoID:   ev.ID,
		EventClave: ev.Clave,
		Severidad:  severity,
		Payload:    payload,
		DedupeKey:  dedupeKey,
		CreadoPor:  req.CreatedBy,
		Estado:     db.NotificationPending,
	}
	if len(recipients) == 0 {
		n.Estado = db.NotificationSuppressed
	}

	if err := o.store.CreateNotification(ctx, n, recipients); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	metrics.RecordNotificationCreated(ev.Clave, n.Estado)

	res := &Result{
		ID:         n.ID,
		Estado:     n.Estado,
		DedupeKey:  dedupeKey,
		Recipients: len(recipients),
	}

	if len(recipients) == 0 {
		metrics.RecordSuppressed(ReasonNoRecipients)
		o.logger.Info("notification suppressed, no recipients",
			zap.Int64("notification_id", n.ID),
			zap.String("clave", ev.Clave),
			zap.String("severidad", string(severity)),
		)
		res.Suppressed = true
		res.Reason = ReasonNoRecipients
		res.Summary = &worker.Summary{State: n.Estado}
		return res, nil
	}

	// Rows are committed; every recipient must be settled even if the caller
	// goes away.
	summary, err := o.dispatcher.SendAll(context.WithoutCancel(ctx), n.ID, worker.ScopeNormal)
	if err != nil {
		o.logger.Error("dispatch failed after commit, notification left pending",
			zap.Error(err),
			zap.Int64("notification_id", n.ID),
		)
		res.DispatchError = err.Error()
		return res, nil
	}

	res.Estado = summary.State
	res.Summary = summary
	return res, nil
}

// RetryFailed re-dispatches the failed, bounced and suppressed recipients of
// a notification. Like CreateAndSend, the pass is detached from ctx
// cancellation.
func (o *Orchestrator) RetryFailed(ctx context.Context, notificationID int64) (*worker.Summary, error) {
	summary, err := o.dispatcher.SendAll(context.WithoutCancel(ctx), notificationID, worker.ScopeRetry)
	if err != nil {
		return nil, err
	}
	return summary, nil
}
