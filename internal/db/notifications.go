package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateNotification inserts the header and one row per recipient in a single
// transaction. On success n and every recipient carry their generated ids.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification, recipients []*Recipient) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	err = r.db.InTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO notificaciones (evento_id, severidad, payload, dedupe_key, creado_por, estado)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`,
			n.EventoID,
			string(n.Severidad),
			payload,
			n.DedupeKey,
			n.CreadoPor,
			n.Estado,
		).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}

		if len(recipients) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, rcpt := range recipients {
			rcpt.NotificacionID = n.ID
			batch.Queue(`
				INSERT INTO notificacion_destinatarios
					(notificacion_id, id_usuario, canal, direccion_override, estado, send_after)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id, created_at, updated_at
			`, rcpt.NotificacionID, rcpt.UserID, rcpt.Canal, rcpt.DireccionOverride, rcpt.Estado, rcpt.SendAfter)
		}

		results := tx.SendBatch(ctx, batch)
		for _, rcpt := range recipients {
			if err := results.QueryRow().Scan(&rcpt.ID, &rcpt.CreatedAt, &rcpt.UpdatedAt); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert recipient (user %d, %s): %w", rcpt.UserID, rcpt.Canal, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("close recipient batch: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.Int64("evento_id", n.EventoID),
		)
		return err
	}

	r.logger.Info("notification created",
		zap.Int64("notification_id", n.ID),
		zap.Int64("evento_id", n.EventoID),
		zap.String("estado", n.Estado),
		zap.Int("recipients", len(recipients)),
	)

	return nil
}

const notificationColumns = `
	n.id, n.evento_id, e.clave, n.severidad, n.payload, n.dedupe_key,
	n.creado_por, n.estado, n.created_at, n.updated_at
`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var payload []byte
	err := row.Scan(
		&n.ID,
		&n.EventoID,
		&n.EventClave,
		&n.Severidad,
		&payload,
		&n.DedupeKey,
		&n.CreadoPor,
		&n.Estado,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return &n, nil
}

// GetNotification retrieves a notification header by id.
func (r *Repository) GetNotification(ctx context.Context, id int64) (*Notification, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+notificationColumns+`
		FROM notificaciones n
		JOIN eventos_catalogo e ON e.id = n.evento_id
		WHERE n.id = $1
	`, id)

	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: notification %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns one page of headers and the total matching count.
func (r *Repository) ListNotifications(ctx context.Context, f NotificationFilter) ([]*Notification, int, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Evento != "" {
		add("e.clave = $%d", f.Evento)
	}
	if f.Estado != "" {
		add("n.estado = $%d", f.Estado)
	}
	if f.Desde != nil {
		add("n.created_at >= $%d", *f.Desde)
	}
	if f.Hasta != nil {
		add("n.created_at <= $%d", *f.Hasta)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	from := `FROM notificaciones n JOIN eventos_catalogo e ON e.id = n.evento_id ` + where

	var total int
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) `+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s %s ORDER BY n.created_at DESC, n.id DESC LIMIT $%d OFFSET $%d`,
		notificationColumns, from, len(args)+1, len(args)+2)
	rows, err := r.db.Pool().Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := []*Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, total, nil
}

// UpdateNotificationState sets the aggregate estado of a header.
func (r *Repository) UpdateNotificationState(ctx context.Context, id int64, estado string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notificaciones SET estado = $1, updated_at = NOW() WHERE id = $2`, estado, id)
	if err != nil {
		r.logger.Error("failed to update notification state",
			zap.Error(err),
			zap.Int64("notification_id", id),
		)
		return fmt.Errorf("update notification state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %d", ErrNotFound, id)
	}
	return nil
}

// RecipientStatusCounts groups a notification's recipients by estado.
func (r *Repository) RecipientStatusCounts(ctx context.Context, notificationID int64) (map[string]int, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT estado, COUNT(*)
		FROM notificacion_destinatarios
		WHERE notificacion_id = $1
		GROUP BY estado
	`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query recipient counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var estado string
		var n int
		if err := rows.Scan(&estado, &n); err != nil {
			return nil, fmt.Errorf("scan recipient count: %w", err)
		}
		counts[estado] = n
	}
	return counts, rows.Err()
}

const recipientColumns = `
	d.id, d.notificacion_id, d.id_usuario, d.canal, d.direccion_override, d.estado,
	d.ultimo_error, d.send_after, d.sent_at, d.created_at, d.updated_at,
	COALESCE(u.email, ''), COALESCE(u.telefono, '')
`

func scanRecipient(row pgx.Row) (*Recipient, error) {
	var rc Recipient
	err := row.Scan(
		&rc.ID,
		&rc.NotificacionID,
		&rc.UserID,
		&rc.Canal,
		&rc.DireccionOverride,
		&rc.Estado,
		&rc.UltimoError,
		&rc.SendAfter,
		&rc.SentAt,
		&rc.CreatedAt,
		&rc.UpdatedAt,
		&rc.Email,
		&rc.Telefono,
	)
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *Repository) queryRecipients(ctx context.Context, query string, args ...any) ([]*Recipient, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	recipients := []*Recipient{}
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return recipients, nil
}

// ListRecipients returns one page of a notification's recipients, optionally
// filtered by estado, plus the total matching count.
func (r *Repository) ListRecipients(ctx context.Context, notificationID int64, estado string, limit, offset int) ([]*Recipient, int, error) {
	var total int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM notificacion_destinatarios
		WHERE notificacion_id = $1 AND ($2 = '' OR estado = $2)
	`, notificationID, estado).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count recipients: %w", err)
	}

	recipients, err := r.queryRecipients(ctx, `
		SELECT `+recipientColumns+`
		FROM notificacion_destinatarios d
		LEFT JOIN usuarios u ON u.id_usuario = d.id_usuario
		WHERE d.notificacion_id = $1 AND ($2 = '' OR d.estado = $2)
		ORDER BY d.id
		LIMIT $3 OFFSET $4
	`, notificationID, estado, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return recipients, total, nil
}

// RecipientsInStates loads the recipients of a notification whose estado is
// one of states, joined with the user's addresses.
func (r *Repository) RecipientsInStates(ctx context.Context, notificationID int64, states []string) ([]*Recipient, error) {
	return r.queryRecipients(ctx, `
		SELECT `+recipientColumns+`
		FROM notificacion_destinatarios d
		LEFT JOIN usuarios u ON u.id_usuario = d.id_usuario
		WHERE d.notificacion_id = $1 AND d.estado = ANY($2)
		ORDER BY d.id
	`, notificationID, states)
}

// UpdateRecipientState is the single-row state transition used by the dispatcher.
// sentAt, when nil, leaves any previous sent_at in place.
func (r *Repository) UpdateRecipientState(ctx context.Context, id int64, estado string, lastError *string, sentAt *time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notificacion_destinatarios
		SET estado = $1, ultimo_error = $2, sent_at = COALESCE($3, sent_at), updated_at = NOW()
		WHERE id = $4
	`, estado, lastError, sentAt, id)
	if err != nil {
		r.logger.Error("failed to update recipient state",
			zap.Error(err),
			zap.Int64("recipient_id", id),
			zap.String("estado", estado),
		)
		return fmt.Errorf("update recipient state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: recipient %d", ErrNotFound, id)
	}
	return nil
}

// AppendAttempt records a delivery attempt. The attempt number is derived from
// the recipient's highest existing attempt inside the same statement; callers
// still serialize attempts per recipient.
func (r *Repository) AppendAttempt(ctx context.Context, recipientID int64, estado string, respuesta, errMsg *string) (int, error) {
	var num int
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO notificacion_intentos (destinatario_id, intento_num, estado, respuesta, error)
		SELECT $1, COALESCE(MAX(intento_num), 0) + 1, $2, $3, $4
		FROM notificacion_intentos
		WHERE destinatario_id = $1
		RETURNING intento_num
	`, recipientID, estado, respuesta, errMsg).Scan(&num)
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	return num, nil
}

// ListAttempts returns the attempt history of one recipient, oldest first.
func (r *Repository) ListAttempts(ctx context.Context, recipientID int64) ([]*DeliveryAttempt, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, destinatario_id, intento_num, estado, respuesta, error, created_at
		FROM notificacion_intentos
		WHERE destinatario_id = $1
		ORDER BY intento_num
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*DeliveryAttempt{}
	for rows.Next() {
		var a DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.DestinatarioID, &a.IntentoNum, &a.Estado, &a.Respuesta, &a.Error, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// RecipientState reads the current estado of one recipient.
func (r *Repository) RecipientState(ctx context.Context, id int64) (string, error) {
	var estado string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT estado FROM notificacion_destinatarios WHERE id = $1`, id).Scan(&estado)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: recipient %d", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("query recipient state: %w", err)
	}
	return estado, nil
}
