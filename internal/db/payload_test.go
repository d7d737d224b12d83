package db

import (
	"encoding/json"
	"testing"
)

func TestPayloadString(t *testing.T) {
	var p Payload
	raw := `{
		"placa": "ABC-123",
		"km": 15230.5,
		"ok": true,
		"nada": null,
		"vehiculo": {"marca": "Toyota", "conductor": {"nombre": "Ana"}},
		"items": [{"nombre": "llanta"}, {"nombre": "filtro"}]
	}`
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"placa", "ABC-123"},
		{"km", "15230.5"},
		{"ok", "true"},
		{"nada", ""},
		{"vehiculo.marca", "Toyota"},
		{"vehiculo.conductor.nombre", "Ana"},
		{"items.1.nombre", "filtro"},
		{"items.5.nombre", ""},
		{"items.x", ""},
		{"placa.sub", ""},
		{"missing", ""},
		{"", ""},
		{"vehiculo.conductor", `{"nombre":"Ana"}`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := p.String(tt.path); got != tt.want {
				t.Errorf("String(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint("vehiculo_salida", Payload{"placa": "ABC", "km": 10})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Fingerprint("vehiculo_salida", Payload{"km": 10, "placa": "ABC"})
	c, _ := Fingerprint("vehiculo_retorno", Payload{"placa": "ABC", "km": 10})
	d, _ := Fingerprint("vehiculo_salida", Payload{"placa": "ABD", "km": 10})

	if a != b {
		t.Error("key order must not change the fingerprint")
	}
	if a == c || a == d {
		t.Error("different event or payload must change the fingerprint")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestSeverity(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should outrank %s", order[i], order[i-1])
		}
	}
	if Severity("urgent").Valid() || Severity("urgent").Rank() != 0 {
		t.Error("unknown severity must be invalid and rank 0")
	}
}

func TestRecipientAddress(t *testing.T) {
	override := "otro@flota.example"
	empty := ""

	tests := []struct {
		name string
		r    Recipient
		want string
	}{
		{"email", Recipient{Canal: ChannelEmail, Email: "a@flota.example", Telefono: "+51"}, "a@flota.example"},
		{"sms uses phone", Recipient{Canal: ChannelSMS, Email: "a@flota.example", Telefono: "+51999"}, "+51999"},
		{"override wins", Recipient{Canal: ChannelEmail, Email: "a@flota.example", DireccionOverride: &override}, override},
		{"empty override ignored", Recipient{Canal: ChannelEmail, Email: "a@flota.example", DireccionOverride: &empty}, "a@flota.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Address(); got != tt.want {
				t.Errorf("Address() = %q, want %q", got, tt.want)
			}
		})
	}
}
