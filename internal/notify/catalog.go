package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/db"
)

// CatalogStore is the persistence behind Catalog.
type CatalogStore interface {
	GetEventByClave(ctx context.Context, clave string) (*db.EventDefinition, error)
	SaveEventConfig(ctx context.Context, clave string, enabled bool, grupos []int64, severidad *db.Severity) (*db.EventDefinition, error)
	ExistingGroupIDs(ctx context.Context, ids []int64) ([]int64, error)
}

// Catalog is the registry of notification event kinds.
type Catalog struct {
	store  CatalogStore
	logger *zap.Logger
}

func NewCatalog(store CatalogStore, logger *zap.Logger) *Catalog {
	return &Catalog{store: store, logger: logger}
}

// SaveInput replaces an event's configuration.
type SaveInput struct {
	Clave        string       `json:"-"`
	Enabled      bool         `json:"enabled"`
	Grupos       []int64      `json:"grupos"`
	SeveridadDef *db.Severity `json:"severidad_def,omitempty"`
}

// Get returns the event with its groups, or ErrEventNotRegistered.
func (c *Catalog) Get(ctx context.Context, clave string) (*db.EventDefinition, error) {
	ev, err := c.store.GetEventByClave(ctx, clave)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotRegistered, clave)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// IsEnabled reports whether clave is registered and active. CreateAndSend
// reads the whole definition through Get instead.
func (c *Catalog) IsEnabled(ctx context.Context, clave string) (bool, error) {
	ev, err := c.Get(ctx, clave)
	if err != nil {
		return false, err
	}
	return ev.Activo, nil
}

// Save updates the event row and replaces all of its group links with
// in.Grupos as active, mandatory links, atomically.
func (c *Catalog) Save(ctx context.Context, in SaveInput) (*db.EventDefinition, error) {
	if in.SeveridadDef != nil && !in.SeveridadDef.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, *in.SeveridadDef)
	}

	grupos := uniqueIDs(in.Grupos)
	if err := c.checkGroups(ctx, grupos); err != nil {
		return nil, err
	}

	ev, err := c.store.SaveEventConfig(ctx, in.Clave, in.Enabled, grupos, in.SeveridadDef)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotRegistered, in.Clave)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// checkGroups fails with ErrUnknownGroup naming the first missing id.
func (c *Catalog) checkGroups(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	existing, err := c.store.ExistingGroupIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("check groups: %w", err)
	}
	for _, id := range ids {
		if !slices.Contains(existing, id) {
			return fmt.Errorf("%w: %d", ErrUnknownGroup, id)
		}
	}
	return nil
}

func uniqueIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
