package worker

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/flota/internal/db"
	"github.com/lalithlochan/flota/internal/metrics"
	"github.com/lalithlochan/flota/internal/templates"
)

// Scope selects which recipients a dispatch pass targets.
type Scope string

const (
	ScopeNormal Scope = "normal"
	ScopeRetry  Scope = "retry"
)

// States returns the recipient states targeted by s.
func (s Scope) States() []string {
	if s == ScopeRetry {
		return []string{db.RecipientFailed, db.RecipientBounced, db.RecipientSuppressed}
	}
	return []string{db.RecipientPending}
}

// ErrChannelNotImplemented is recorded on recipients whose channel has no sender.
const ErrChannelNotImplemented = "channel not implemented"

const maxErrorLen = 500

// Store is the persistence the dispatcher needs.
type Store interface {
	GetNotification(ctx context.Context, id int64) (*db.Notification, error)
	RecipientsInStates(ctx context.Context, notificationID int64, states []string) ([]*db.Recipient, error)
	RecipientState(ctx context.Context, id int64) (string, error)
	UpdateRecipientState(ctx context.Context, id int64, estado string, lastError *string, sentAt *time.Time) error
	AppendAttempt(ctx context.Context, recipientID int64, estado string, respuesta, errMsg *string) (int, error)
	RecipientStatusCounts(ctx context.Context, notificationID int64) (map[string]int, error)
	UpdateNotificationState(ctx context.Context, id int64, estado string) error
}

// Renderer produces the message for one recipient.
type Renderer interface {
	Render(ctx context.Context, in templates.RenderInput) templates.Rendered
}

// Summary reports one dispatch pass.
type Summary struct {
	Processed  int    `json:"processed"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Suppressed int    `json:"suppressed"`
	Skipped    int    `json:"skipped,omitempty"`
	State      string `json:"state"`
}

type DispatcherConfig struct {
	// Concurrency bounds parallel deliveries within one pass. 1 is sequential.
	Concurrency int
	Locale      string
}

// Dispatcher delivers the persisted recipients of a notification.
type Dispatcher struct {
	store    Store
	renderer Renderer
	sender   Sender
	locker   Locker
	config   DispatcherConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewDispatcher(store Store, renderer Renderer, sender Sender, locker Locker, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Locale == "" {
		cfg.Locale = templates.DefaultLocale
	}
	if locker == nil {
		locker = NewLocalLocker()
	}

	return &Dispatcher{
		store:    store,
		renderer: renderer,
		sender:   sender,
		locker:   locker,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSuppressed
	outcomeSkipped
)

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeFailed:
		return "failed"
	case outcomeSuppressed:
		return "suppressed"
	default:
		return "skipped"
	}
}

// SendAll runs one dispatch pass over the recipients of notificationID
// selected by scope, then recomputes the header state. It returns once every
// targeted recipient has been handled. Delivery failures are recorded per
// recipient and never returned; only failing to load the notification or its
// recipients is an error.
func (d *Dispatcher) SendAll(ctx context.Context, notificationID int64, scope Scope) (*Summary, error) {
	start := d.now()

	n, err := d.store.GetNotification(ctx, notificationID)
	if err != nil {
		return nil, fmt.Errorf("load notification: %w", err)
	}

	targets, err := d.store.RecipientsInStates(ctx, notificationID, scope.States())
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}

	summary := &Summary{}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(d.config.Concurrency)
	for _, rcpt := range targets {
		g.Go(func() error {
			o := d.deliver(ctx, n, rcpt, scope)
			metrics.RecordRecipientOutcome(rcpt.Canal, o.String())

			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeSent:
				summary.Sent++
			case outcomeFailed:
				summary.Failed++
			case outcomeSuppressed:
				summary.Suppressed++
			case outcomeSkipped:
				summary.Skipped++
				return nil
			}
			summary.Processed++
			return nil
		})
	}
	_ = g.Wait()

	summary.State = d.refreshState(ctx, n)
	metrics.RecordDispatch(string(scope), d.now().Sub(start))

	d.logger.Info("dispatch pass finished",
		zap.Int64("notification_id", notificationID),
		zap.String("scope", string(scope)),
		zap.Int("processed", summary.Processed),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int("suppressed", summary.Suppressed),
		zap.Int("skipped", summary.Skipped),
		zap.String("state", summary.State),
	)

	return summary, nil
}

func (d *Dispatcher) deliver(ctx context.Context, n *db.Notification, rcpt *db.Recipient, scope Scope) outcome {
	log := d.logger.With(
		zap.Int64("notification_id", n.ID),
		zap.Int64("recipient_id", rcpt.ID),
		zap.String("canal", rcpt.Canal),
	)

	unlock, err := d.locker.Lock(ctx, "recipient:"+strconv.FormatInt(rcpt.ID, 10))
	if err != nil {
		log.Info("recipient locked by another dispatch, skipping", zap.Error(err))
		return outcomeSkipped
	}
	defer unlock()

	// Another pass may have handled the recipient while we waited for the lock.
	estado, err := d.store.RecipientState(ctx, rcpt.ID)
	if err != nil {
		log.Error("failed to re-read recipient state", zap.Error(err))
		return outcomeSkipped
	}
	if !slices.Contains(scope.States(), estado) {
		return outcomeSkipped
	}

	if !d.sender.SupportsChannel(rcpt.Canal) {
		msg := ErrChannelNotImplemented
		if err := d.store.UpdateRecipientState(ctx, rcpt.ID, db.RecipientSuppressed, &msg, nil); err != nil {
			log.Error("failed to mark recipient suppressed", zap.Error(err))
		}
		return outcomeSuppressed
	}

	rendered := d.renderer.Render(ctx, templates.RenderInput{
		EventClave: n.EventClave,
		Canal:      rcpt.Canal,
		Locale:     d.config.Locale,
		Payload:    n.Payload,
	})

	sendStart := d.now()
	messageID, sendErr := d.sender.Send(ctx, &Message{
		NotificationID: n.ID,
		RecipientID:    rcpt.ID,
		Channel:        rcpt.Canal,
		To:             rcpt.Address(),
		Subject:        rendered.Subject,
		HTML:           rendered.HTML,
	})
	metrics.RecordSendLatency(rcpt.Canal, d.now().Sub(sendStart))

	if sendErr != nil {
		errText := truncate(sendErr.Error(), maxErrorLen)
		log.Warn("delivery failed", zap.Error(sendErr))

		if err := d.store.UpdateRecipientState(ctx, rcpt.ID, db.RecipientFailed, &errText, nil); err != nil {
			log.Error("failed to mark recipient failed", zap.Error(err))
		}
		if _, err := d.store.AppendAttempt(ctx, rcpt.ID, db.AttemptFailed, nil, &errText); err != nil {
			log.Error("failed to record attempt", zap.Error(err))
		}
		return outcomeFailed
	}

	sentAt := d.now()
	if err := d.store.UpdateRecipientState(ctx, rcpt.ID, db.RecipientSent, nil, &sentAt); err != nil {
		log.Error("failed to mark recipient sent", zap.Error(err))
	}
	if _, err := d.store.AppendAttempt(ctx, rcpt.ID, db.AttemptSent, &messageID, nil); err != nil {
		log.Error("failed to record attempt", zap.Error(err))
	}
	return outcomeSent
}

// refreshState derives the header state from its recipients. Headers with no
// recipients keep the state they were created with.
func (d *Dispatcher) refreshState(ctx context.Context, n *db.Notification) string {
	counts, err := d.store.RecipientStatusCounts(ctx, n.ID)
	if err != nil {
		d.logger.Error("failed to count recipient states",
			zap.Error(err),
			zap.Int64("notification_id", n.ID),
		)
		return n.Estado
	}

	estado := AggregateState(counts, n.Estado)
	if estado == n.Estado {
		return estado
	}

	if err := d.store.UpdateNotificationState(ctx, n.ID, estado); err != nil {
		d.logger.Error("failed to update notification state",
			zap.Error(err),
			zap.Int64("notification_id", n.ID),
		)
		return n.Estado
	}
	return estado
}

// AggregateState maps recipient state counts onto a header state. Any
// recipient still pending, failed, bounced or suppressed keeps the header
// queued; otherwise it is delivered. With no recipients current is returned.
func AggregateState(counts map[string]int, current string) string {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return current
	}

	for _, s := range []string{db.RecipientPending, db.RecipientFailed, db.RecipientBounced, db.RecipientSuppressed} {
		if counts[s] > 0 {
			return db.NotificationQueued
		}
	}
	return db.NotificationDelivered
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
