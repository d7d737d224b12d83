package notify

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/db"
)

func units(rs []*db.Recipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = fmt.Sprintf("%d/%s", r.UserID, r.Canal)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRouterResolve(t *testing.T) {
	setup := func() *memRepo {
		m := newMemRepo()
		m.addEvent(1, "E1", db.SeverityMedium, true)
		m.addGroup(10, 1, 2)
		m.addGroup(20, 2, 3)
		m.addGroup(30, 4)
		m.addGroup(40, 5)
		m.link(1, 10, true)
		m.link(1, 20, true)
		m.link(1, 40, false)
		m.policy(10, "email", true, db.SeverityMedium)
		m.policy(20, "email", true, db.SeverityLow)
		m.policy(20, "sms", true, db.SeverityCritical)
		return m
	}

	tests := []struct {
		name     string
		severity db.Severity
		o        Overrides
		want     []string
	}{
		{
			name:     "dedupes user in two groups",
			severity: db.SeverityHigh,
			want:     []string{"1/email", "2/email", "3/email"},
		},
		{
			name:     "severity below group minimum",
			severity: db.SeverityLow,
			want:     []string{"2/email", "3/email"},
		},
		{
			name:     "critical enables sms policy",
			severity: db.SeverityCritical,
			want:     []string{"1/email", "2/email", "2/sms", "3/email", "3/sms"},
		},
		{
			name:     "forced unlinked group uses default email policy",
			severity: db.SeverityLow,
			o:        Overrides{Force: []int64{30}},
			want:     []string{"2/email", "3/email", "4/email"},
		},
		{
			name:     "omit wins over link",
			severity: db.SeverityHigh,
			o:        Overrides{Omit: []int64{20}},
			want:     []string{"1/email", "2/email"},
		},
		{
			name:     "omit wins over force",
			severity: db.SeverityHigh,
			o:        Overrides{Force: []int64{30}, Omit: []int64{30, 10, 20}},
			want:     []string{},
		},
		{
			name:     "inactive link ignored",
			severity: db.SeverityCritical,
			o:        Overrides{Omit: []int64{10, 20}},
			want:     []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(setup(), zap.NewNop())
			got, err := r.Resolve(context.Background(), 1, tt.severity, tt.o)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !equal(units(got), tt.want) {
				t.Errorf("Resolve() = %v, want %v", units(got), tt.want)
			}
			for _, rc := range got {
				if rc.Estado != db.RecipientPending {
					t.Errorf("recipient %d/%s estado = %s", rc.UserID, rc.Canal, rc.Estado)
				}
			}
		})
	}
}

func TestRouterResolve_DisabledPolicy(t *testing.T) {
	m := newMemRepo()
	m.addEvent(1, "E1", db.SeverityLow, true)
	m.addGroup(10, 1)
	m.link(1, 10, true)
	m.policy(10, "email", false, db.SeverityLow)

	got, err := NewRouter(m, zap.NewNop()).Resolve(context.Background(), 1, db.SeverityCritical, Overrides{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("a disabled policy must not fall back to the default, got %v", units(got))
	}
}

func TestRouterResolve_ReadsFreshState(t *testing.T) {
	m := newMemRepo()
	m.addEvent(1, "E1", db.SeverityLow, true)
	m.addGroup(10, 1)
	m.link(1, 10, true)
	r := NewRouter(m, zap.NewNop())

	first, _ := r.Resolve(context.Background(), 1, db.SeverityLow, Overrides{})
	m.addGroup(10, 2)
	second, _ := r.Resolve(context.Background(), 1, db.SeverityLow, Overrides{})

	if len(first) != 1 || len(second) != 2 {
		t.Errorf("expected membership change to be visible, got %d then %d", len(first), len(second))
	}
}

func TestSeverityRankFilter(t *testing.T) {
	order := []db.Severity{db.SeverityLow, db.SeverityMedium, db.SeverityHigh, db.SeverityCritical}

	for i, sev := range order {
		for j, min := range order {
			m := newMemRepo()
			m.addEvent(1, "E1", db.SeverityLow, true)
			m.addGroup(10, 1)
			m.link(1, 10, true)
			m.policy(10, "email", true, min)

			got, err := NewRouter(m, zap.NewNop()).Resolve(context.Background(), 1, sev, Overrides{})
			if err != nil {
				t.Fatal(err)
			}
			if want := i >= j; (len(got) == 1) != want {
				t.Errorf("severity %s vs minimum %s: delivered=%v, want %v", sev, min, len(got) == 1, want)
			}
		}
	}
}

func TestApplyOverrides(t *testing.T) {
	got := applyOverrides([]int64{1, 2, 2, 3}, Overrides{Force: []int64{4, 1}, Omit: []int64{3}})
	want := []int64{1, 2, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
