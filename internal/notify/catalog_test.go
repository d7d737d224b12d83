package notify

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/db"
)

func TestCatalogGet(t *testing.T) {
	m := newMemRepo()
	m.addEvent(1, "vehiculo_salida", db.SeverityMedium, true)
	m.addGroup(5)
	m.link(1, 5, true)
	c := NewCatalog(m, zap.NewNop())

	ev, err := c.Get(context.Background(), "vehiculo_salida")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ev.Grupos) != 1 || ev.Grupos[0].ID != 5 {
		t.Errorf("grupos = %+v, want group 5", ev.Grupos)
	}

	if _, err := c.Get(context.Background(), "missing"); !errors.Is(err, ErrEventNotRegistered) {
		t.Errorf("err = %v, want ErrEventNotRegistered", err)
	}
}

func TestCatalogIsEnabled(t *testing.T) {
	m := newMemRepo()
	m.addEvent(1, "on", db.SeverityLow, true)
	m.addEvent(2, "off", db.SeverityLow, false)
	c := NewCatalog(m, zap.NewNop())

	tests := []struct {
		clave   string
		want    bool
		wantErr error
	}{
		{"on", true, nil},
		{"off", false, nil},
		{"missing", false, ErrEventNotRegistered},
	}
	for _, tt := range tests {
		t.Run(tt.clave, func(t *testing.T) {
			got, err := c.IsEnabled(context.Background(), tt.clave)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IsEnabled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCatalogSave(t *testing.T) {
	critical := db.SeverityCritical
	bogus := db.Severity("urgent")

	tests := []struct {
		name    string
		in      SaveInput
		wantErr error
		check   func(t *testing.T, ev *db.EventDefinition)
	}{
		{
			name: "replaces links and dedupes",
			in:   SaveInput{Clave: "E1", Enabled: true, Grupos: []int64{2, 3, 2}},
			check: func(t *testing.T, ev *db.EventDefinition) {
				if len(ev.Grupos) != 2 || ev.Grupos[0].ID != 2 || ev.Grupos[1].ID != 3 {
					t.Errorf("grupos = %+v, want [2 3]", ev.Grupos)
				}
				for _, g := range ev.Grupos {
					if !g.Activo || !g.Obligatorio {
						t.Errorf("link %d should be active and mandatory", g.ID)
					}
				}
			},
		},
		{
			name: "disables and sets severity",
			in:   SaveInput{Clave: "E1", Enabled: false, Grupos: nil, SeveridadDef: &critical},
			check: func(t *testing.T, ev *db.EventDefinition) {
				if ev.Activo || ev.SeveridadDef != db.SeverityCritical || len(ev.Grupos) != 0 {
					t.Errorf("got %+v", ev)
				}
			},
		},
		{
			name:    "unknown group rejected",
			in:      SaveInput{Clave: "E1", Enabled: true, Grupos: []int64{2, 42}},
			wantErr: ErrUnknownGroup,
		},
		{
			name:    "invalid severity rejected",
			in:      SaveInput{Clave: "E1", Enabled: true, SeveridadDef: &bogus},
			wantErr: ErrInvalidSeverity,
		},
		{
			name:    "unknown event",
			in:      SaveInput{Clave: "nope", Enabled: true},
			wantErr: ErrEventNotRegistered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMemRepo()
			m.addEvent(1, "E1", db.SeverityLow, true)
			m.addGroup(1)
			m.addGroup(2)
			m.addGroup(3)
			m.link(1, 1, true)
			c := NewCatalog(m, zap.NewNop())

			ev, err := c.Save(context.Background(), tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if len(m.links[1]) != 1 || m.links[1][0].ID != 1 {
					t.Errorf("links changed on error: %+v", m.links[1])
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, ev)
		})
	}
}
