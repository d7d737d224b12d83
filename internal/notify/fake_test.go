package notify

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lalithlochan/flota/internal/db"
)

// memRepo is an in-memory stand-in for db.Repository covering the catalog,
// routing, notification and dispatch queries.
type memRepo struct {
	mu sync.Mutex

	events   map[string]*db.EventDefinition
	links    map[int64][]db.GroupSummary // event id -> links
	groups   map[int64]bool
	members  map[int64][]db.GroupMember // group id -> members
	channels map[int64][]db.GroupChannel

	notifications map[int64]*db.Notification
	recipients    map[int64]*db.Recipient
	attempts      map[int64]int
	nextID        int64

	createErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		events:        make(map[string]*db.EventDefinition),
		links:         make(map[int64][]db.GroupSummary),
		groups:        make(map[int64]bool),
		members:       make(map[int64][]db.GroupMember),
		channels:      make(map[int64][]db.GroupChannel),
		notifications: make(map[int64]*db.Notification),
		recipients:    make(map[int64]*db.Recipient),
		attempts:      make(map[int64]int),
	}
}

func (m *memRepo) addEvent(id int64, clave string, sev db.Severity, activo bool) {
	m.events[clave] = &db.EventDefinition{ID: id, Clave: clave, Nombre: clave, SeveridadDef: sev, Activo: activo}
}

func (m *memRepo) addGroup(id int64, users ...int64) {
	m.groups[id] = true
	for _, u := range users {
		m.members[id] = append(m.members[id], db.GroupMember{
			GroupID: id,
			UserID:  u,
			Email:   fmt.Sprintf("u%d@flota.example", u),
		})
	}
}

func (m *memRepo) link(eventID, groupID int64, activo bool) {
	m.links[eventID] = append(m.links[eventID], db.GroupSummary{ID: groupID, Obligatorio: true, Activo: activo})
}

func (m *memRepo) policy(groupID int64, canal string, enabled bool, min db.Severity) {
	m.channels[groupID] = append(m.channels[groupID], db.GroupChannel{GroupID: groupID, Canal: canal, Habilitado: enabled, SeveridadMin: min})
}

func (m *memRepo) eventByID(id int64) *db.EventDefinition {
	for _, ev := range m.events {
		if ev.ID == id {
			return ev
		}
	}
	return nil
}

func (m *memRepo) recipientsOf(notificationID int64) []*db.Recipient {
	var out []*db.Recipient
	for _, r := range m.recipients {
		if r.NotificacionID == notificationID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *db.Recipient) int { return int(a.ID - b.ID) })
	return out
}

// CatalogStore

func (m *memRepo) GetEventByClave(ctx context.Context, clave string) (*db.EventDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[clave]
	if !ok {
		return nil, fmt.Errorf("%w: event %q", db.ErrNotFound, clave)
	}
	cp := *ev
	cp.Grupos = append([]db.GroupSummary{}, m.links[ev.ID]...)
	return &cp, nil
}

func (m *memRepo) SaveEventConfig(ctx context.Context, clave string, enabled bool, grupos []int64, severidad *db.Severity) (*db.EventDefinition, error) {
	m.mu.Lock()
	ev, ok := m.events[clave]
	if !ok {
		m.mu.Unlock()
		return nil, db.ErrNotFound
	}
	ev.Activo = enabled
	if severidad != nil {
		ev.SeveridadDef = *severidad
	}
	m.links[ev.ID] = nil
	for _, g := range grupos {
		m.links[ev.ID] = append(m.links[ev.ID], db.GroupSummary{ID: g, Obligatorio: true, Activo: true})
	}
	m.mu.Unlock()
	return m.GetEventByClave(ctx, clave)
}

func (m *memRepo) ExistingGroupIDs(ctx context.Context, ids []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, id := range ids {
		if m.groups[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// RouterStore

func (m *memRepo) ActiveGroupIDs(ctx context.Context, eventID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.eventByID(eventID)
	if ev == nil || !ev.Activo {
		return nil, nil
	}
	var out []int64
	for _, l := range m.links[eventID] {
		if l.Activo {
			out = append(out, l.ID)
		}
	}
	return out, nil
}

func (m *memRepo) GroupMembers(ctx context.Context, groupIDs []int64) ([]db.GroupMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.GroupMember
	for _, g := range groupIDs {
		out = append(out, m.members[g]...)
	}
	return out, nil
}

func (m *memRepo) GroupChannels(ctx context.Context, groupIDs []int64) ([]db.GroupChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.GroupChannel
	for _, g := range groupIDs {
		out = append(out, m.channels[g]...)
	}
	return out, nil
}

// NotificationStore

func (m *memRepo) CreateNotification(ctx context.Context, n *db.Notification, recipients []*db.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	n.ID = m.nextID
	cp := *n
	m.notifications[n.ID] = &cp
	for _, r := range recipients {
		m.nextID++
		r.ID = m.nextID
		r.NotificacionID = n.ID
		rc := *r
		m.recipients[r.ID] = &rc
	}
	return nil
}

// worker.Store

func (m *memRepo) GetNotification(ctx context.Context, id int64) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("%w: notification %d", db.ErrNotFound, id)
	}
	cp := *n
	return &cp, nil
}

func (m *memRepo) RecipientsInStates(ctx context.Context, notificationID int64, states []string) ([]*db.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Recipient
	for _, r := range m.recipientsOf(notificationID) {
		if slices.Contains(states, r.Estado) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) RecipientState(ctx context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return "", db.ErrNotFound
	}
	return r.Estado, nil
}

func (m *memRepo) UpdateRecipientState(ctx context.Context, id int64, estado string, lastError *string, sentAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return db.ErrNotFound
	}
	r.Estado = estado
	r.UltimoError = lastError
	if sentAt != nil {
		r.SentAt = sentAt
	}
	return nil
}

func (m *memRepo) AppendAttempt(ctx context.Context, recipientID int64, estado string, respuesta, errMsg *string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[recipientID]++
	return m.attempts[recipientID], nil
}

func (m *memRepo) RecipientStatusCounts(ctx context.Context, notificationID int64) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, r := range m.recipientsOf(notificationID) {
		counts[r.Estado]++
	}
	return counts, nil
}

func (m *memRepo) UpdateNotificationState(ctx context.Context, id int64, estado string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return db.ErrNotFound
	}
	n.Estado = estado
	return nil
}
