package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrInactive is returned when an operation needs an active template row.
var ErrInactive = errors.New("template inactive")

const templateColumns = `
	p.id, p.evento_id, e.clave, p.canal, p.locale, p.version, p.asunto, p.cuerpo,
	p.metadata, p.es_default, p.activo, p.created_at, p.updated_at
`

func scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	var metadata []byte
	err := row.Scan(
		&t.ID,
		&t.EventoID,
		&t.EventClave,
		&t.Canal,
		&t.Locale,
		&t.Version,
		&t.Asunto,
		&t.Cuerpo,
		&metadata,
		&t.EsDefault,
		&t.Activo,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		t.Metadata = metadata
	}
	return &t, nil
}

// FindDefaultTemplate returns the published, active template with the highest
// version for (clave, canal, locale), or ErrNotFound.
func (r *Repository) FindDefaultTemplate(ctx context.Context, clave, canal, locale string) (*Template, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM plantillas p
		JOIN eventos_catalogo e ON e.id = p.evento_id
		WHERE e.clave = $1 AND p.canal = $2 AND p.locale = $3
		  AND p.es_default AND p.activo
		ORDER BY p.version DESC
		LIMIT 1
	`, clave, canal, locale)

	t, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: default template %s/%s/%s", ErrNotFound, clave, canal, locale)
	}
	if err != nil {
		return nil, fmt.Errorf("query default template: %w", err)
	}
	return t, nil
}

// GetTemplate loads a template by id, active or not.
func (r *Repository) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM plantillas p
		JOIN eventos_catalogo e ON e.id = p.evento_id
		WHERE p.id = $1
	`, id)

	t, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: template %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// ListTemplates returns templates matching f, newest version first.
func (r *Repository) ListTemplates(ctx context.Context, f TemplateFilter) ([]*Template, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Evento != "" {
		add("e.clave = $%d", f.Evento)
	}
	if f.Canal != "" {
		add("p.canal = $%d", f.Canal)
	}
	if f.Locale != "" {
		add("p.locale = $%d", f.Locale)
	}
	if f.OnlyActive {
		conds = append(conds, "p.activo")
	}

	query := `SELECT ` + templateColumns + ` FROM plantillas p JOIN eventos_catalogo e ON e.id = p.evento_id`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY e.clave, p.canal, p.locale, p.version DESC"

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	templates := []*Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return templates, nil
}

// CreateTemplateVersion inserts t as the next version of its
// (evento, canal, locale) set. The event row is locked so concurrent creations
// cannot pick the same version number. t.EventClave selects the event; the
// new row is never default.
func (r *Repository) CreateTemplateVersion(ctx context.Context, t *Template) error {
	metadata := []byte(t.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT id FROM eventos_catalogo WHERE clave = $1 FOR UPDATE`, t.EventClave,
		).Scan(&t.EventoID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: event %q", ErrNotFound, t.EventClave)
		}
		if err != nil {
			return fmt.Errorf("lock event: %w", err)
		}

		return tx.QueryRow(ctx, `
			INSERT INTO plantillas (evento_id, canal, locale, version, asunto, cuerpo, metadata, es_default, activo)
			SELECT $1, $2, $3, COALESCE(MAX(version), 0) + 1, $4, $5, $6, FALSE, TRUE
			FROM plantillas
			WHERE evento_id = $1 AND canal = $2 AND locale = $3
			RETURNING id, version, es_default, activo, created_at, updated_at
		`, t.EventoID, t.Canal, t.Locale, t.Asunto, t.Cuerpo, metadata,
		).Scan(&t.ID, &t.Version, &t.EsDefault, &t.Activo, &t.CreatedAt, &t.UpdatedAt)
	})
	if err != nil {
		r.logger.Error("failed to create template version",
			zap.Error(err),
			zap.String("clave", t.EventClave),
			zap.String("canal", t.Canal),
		)
		return err
	}

	t.Metadata = metadata
	r.logger.Info("template version created",
		zap.Int64("template_id", t.ID),
		zap.String("clave", t.EventClave),
		zap.Int("version", t.Version),
	)
	return nil
}

// SoftDeleteTemplate marks a template inactive and clears its default flag.
func (r *Repository) SoftDeleteTemplate(ctx context.Context, id int64) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE plantillas SET activo = FALSE, es_default = FALSE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("soft delete template: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: template %d", ErrNotFound, id)
	}
	return nil
}

// PublishTemplate makes id the single default of its (evento, canal, locale)
// set. Every row of the set is locked first, so readers never observe two
// defaults or none.
func (r *Repository) PublishTemplate(ctx context.Context, id int64) (*Template, error) {
	var published *Template

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		var eventoID int64
		var canal, locale string
		var activo bool
		err := tx.QueryRow(ctx, `
			SELECT evento_id, canal, locale, activo FROM plantillas WHERE id = $1
		`, id).Scan(&eventoID, &canal, &locale, &activo)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: template %d", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load template: %w", err)
		}
		if !activo {
			return fmt.Errorf("%w: template %d", ErrInactive, id)
		}

		if _, err := tx.Exec(ctx, `
			SELECT id FROM plantillas
			WHERE evento_id = $1 AND canal = $2 AND locale = $3
			FOR UPDATE
		`, eventoID, canal, locale); err != nil {
			return fmt.Errorf("lock template set: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE plantillas SET es_default = FALSE, updated_at = NOW()
			WHERE evento_id = $1 AND canal = $2 AND locale = $3 AND es_default AND id <> $4
		`, eventoID, canal, locale, id); err != nil {
			return fmt.Errorf("clear previous default: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE plantillas SET es_default = TRUE, updated_at = NOW() WHERE id = $1
		`, id); err != nil {
			return fmt.Errorf("set default: %w", err)
		}

		published, err = scanTemplate(tx.QueryRow(ctx, `
			SELECT `+templateColumns+`
			FROM plantillas p
			JOIN eventos_catalogo e ON e.id = p.evento_id
			WHERE p.id = $1
		`, id))
		if err != nil {
			return fmt.Errorf("reload template: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to publish template", zap.Error(err), zap.Int64("template_id", id))
		return nil, err
	}

	r.logger.Info("template published",
		zap.Int64("template_id", id),
		zap.String("clave", published.EventClave),
		zap.Int("version", published.Version),
	)
	return published, nil
}
