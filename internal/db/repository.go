package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles all notification-engine persistence.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetEventByClave loads an event definition with its group links.
func (r *Repository) GetEventByClave(ctx context.Context, clave string) (*EventDefinition, error) {
	return r.getEvent(ctx, r.db.Pool(), clave)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) getEvent(ctx context.Context, q querier, clave string) (*EventDefinition, error) {
	query := `
		SELECT id, clave, nombre, severidad_def, activo, created_at, updated_at
		FROM eventos_catalogo
		WHERE clave = $1
	`

	var ev EventDefinition
	err := q.QueryRow(ctx, query, clave).Scan(
		&ev.ID,
		&ev.Clave,
		&ev.Nombre,
		&ev.SeveridadDef,
		&ev.Activo,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %q", ErrNotFound, clave)
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT g.id, g.nombre, eg.obligatorio, eg.activo
		FROM eventos_grupos eg
		JOIN grupo_notificacion g ON g.id = eg.grupo_id
		WHERE eg.evento_id = $1
		ORDER BY g.id
	`, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("query event groups: %w", err)
	}
	defer rows.Close()

	ev.Grupos = []GroupSummary{}
	for rows.Next() {
		var g GroupSummary
		if err := rows.Scan(&g.ID, &g.Nombre, &g.Obligatorio, &g.Activo); err != nil {
			return nil, fmt.Errorf("scan event group: %w", err)
		}
		ev.Grupos = append(ev.Grupos, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event groups: %w", err)
	}

	return &ev, nil
}

// SaveEventConfig updates the event row and replaces its group links with
// grupos, all active and mandatory, in one transaction.
func (r *Repository) SaveEventConfig(ctx context.Context, clave string, enabled bool, grupos []int64, severidad *Severity) (*EventDefinition, error) {
	var saved *EventDefinition

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		var eventID int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM eventos_catalogo WHERE clave = $1 FOR UPDATE`, clave,
		).Scan(&eventID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: event %q", ErrNotFound, clave)
		}
		if err != nil {
			return fmt.Errorf("lock event: %w", err)
		}

		var sev *string
		if severidad != nil {
			s := string(*severidad)
			sev = &s
		}

		if _, err := tx.Exec(ctx, `
			UPDATE eventos_catalogo
			SET activo = $1, severidad_def = COALESCE($2, severidad_def), updated_at = NOW()
			WHERE id = $3
		`, enabled, sev, eventID); err != nil {
			return fmt.Errorf("update event: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM eventos_grupos WHERE evento_id = $1`, eventID); err != nil {
			return fmt.Errorf("delete event groups: %w", err)
		}

		if len(grupos) > 0 {
			if _, err := tx.Exec(ctx, `
				INSERT INTO eventos_grupos (evento_id, grupo_id, obligatorio, activo)
				SELECT $1, g, TRUE, TRUE FROM unnest($2::bigint[]) AS g
				ON CONFLICT DO NOTHING
			`, eventID, grupos); err != nil {
				return fmt.Errorf("insert event groups: %w", err)
			}
		}

		saved, err = r.getEvent(ctx, tx, clave)
		return err
	})
	if err != nil {
		r.logger.Error("failed to save event config",
			zap.Error(err),
			zap.String("clave", clave),
		)
		return nil, err
	}

	r.logger.Info("event config saved",
		zap.String("clave", clave),
		zap.Bool("enabled", enabled),
		zap.Int("groups", len(grupos)),
	)

	return saved, nil
}

// ExistingGroupIDs returns the subset of ids that exist in grupo_notificacion.
func (r *Repository) ExistingGroupIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.collectIDs(ctx, `SELECT id FROM grupo_notificacion WHERE id = ANY($1)`, ids)
}

// ActiveGroupIDs returns the groups linked to an active event through active links.
func (r *Repository) ActiveGroupIDs(ctx context.Context, eventID int64) ([]int64, error) {
	return r.collectIDs(ctx, `
		SELECT eg.grupo_id
		FROM eventos_grupos eg
		JOIN eventos_catalogo e ON e.id = eg.evento_id
		WHERE eg.evento_id = $1 AND eg.activo AND e.activo
	`, eventID)
}

func (r *Repository) collectIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect ids: %w", err)
	}
	return ids, nil
}

// GroupMembers loads every member of the given groups with their addresses.
func (r *Repository) GroupMembers(ctx context.Context, groupIDs []int64) ([]GroupMember, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT gu.grupo_id, u.id_usuario, COALESCE(u.email, ''), COALESCE(u.telefono, '')
		FROM grupo_notificacion_usuarios gu
		JOIN usuarios u ON u.id_usuario = gu.id_usuario
		WHERE gu.grupo_id = ANY($1)
		ORDER BY gu.grupo_id, u.id_usuario
	`, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var members []GroupMember
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Email, &m.Telefono); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}

	return members, nil
}

// GroupChannels loads the channel policies of the given groups.
func (r *Repository) GroupChannels(ctx context.Context, groupIDs []int64) ([]GroupChannel, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT grupo_id, canal, habilitado, severidad_min
		FROM grupo_canales
		WHERE grupo_id = ANY($1)
		ORDER BY grupo_id, canal
	`, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("query group channels: %w", err)
	}
	defer rows.Close()

	var channels []GroupChannel
	for rows.Next() {
		var c GroupChannel
		if err := rows.Scan(&c.GroupID, &c.Canal, &c.Habilitado, &c.SeveridadMin); err != nil {
			return nil, fmt.Errorf("scan group channel: %w", err)
		}
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group channels: %w", err)
	}

	return channels, nil
}
