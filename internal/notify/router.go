package notify

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/db"
)

// RouterStore is read on every Resolve. Routing state is never cached so
// configuration changes apply to the next notification.
type RouterStore interface {
	ActiveGroupIDs(ctx context.Context, eventID int64) ([]int64, error)
	GroupMembers(ctx context.Context, groupIDs []int64) ([]db.GroupMember, error)
	GroupChannels(ctx context.Context, groupIDs []int64) ([]db.GroupChannel, error)
}

// Overrides adjust the routed groups for one call. Force adds groups even
// when they are not linked to the event; Omit always wins.
type Overrides struct {
	Force []int64
	Omit  []int64
}

// Router expands groups into (user, channel) delivery units.
type Router struct {
	store  RouterStore
	logger *zap.Logger
}

func NewRouter(store RouterStore, logger *zap.Logger) *Router {
	return &Router{store: store, logger: logger}
}

// defaultPolicy applies to groups without any channel row.
var defaultPolicy = db.GroupChannel{Canal: db.ChannelEmail, Habilitado: true, SeveridadMin: db.SeverityLow}

// Resolve returns one pending recipient per distinct (user, channel) that
// qualifies for a notification of the given severity, ordered by user then
// channel.
func (r *Router) Resolve(ctx context.Context, eventID int64, severity db.Severity, o Overrides) ([]*db.Recipient, error) {
	base, err := r.store.ActiveGroupIDs(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event groups: %w", err)
	}

	groups := applyOverrides(base, o)
	if len(groups) == 0 {
		return nil, nil
	}

	members, err := r.store.GroupMembers(ctx, groups)
	if err != nil {
		return nil, fmt.Errorf("load group members: %w", err)
	}
	channels, err := r.store.GroupChannels(ctx, groups)
	if err != nil {
		return nil, fmt.Errorf("load group channels: %w", err)
	}

	policies := make(map[int64][]db.GroupChannel, len(groups))
	for _, c := range channels {
		policies[c.GroupID] = append(policies[c.GroupID], c)
	}

	type unit struct {
		user  int64
		canal string
	}
	seen := make(map[unit]bool)
	var out []*db.Recipient

	for _, m := range members {
		ps, ok := policies[m.GroupID]
		if !ok {
			ps = []db.GroupChannel{defaultPolicy}
		}
		for _, p := range ps {
			if !p.Habilitado || severity.Rank() < p.SeveridadMin.Rank() {
				continue
			}
			u := unit{m.UserID, p.Canal}
			if seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, &db.Recipient{
				UserID:   m.UserID,
				Canal:    p.Canal,
				Estado:   db.RecipientPending,
				Email:    m.Email,
				Telefono: m.Telefono,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Canal < out[j].Canal
	})

	r.logger.Debug("recipients resolved",
		zap.Int64("evento_id", eventID),
		zap.String("severidad", string(severity)),
		zap.Int64s("groups", groups),
		zap.Int("recipients", len(out)),
	)

	return out, nil
}

// applyOverrides computes (base ∪ force) \ omit, keeping first-seen order.
func applyOverrides(base []int64, o Overrides) []int64 {
	omit := make(map[int64]bool, len(o.Omit))
	for _, id := range o.Omit {
		omit[id] = true
	}

	seen := make(map[int64]bool)
	var out []int64
	for _, list := range [][]int64{base, o.Force} {
		for _, id := range list {
			if omit[id] || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
