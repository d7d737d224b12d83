package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/worker"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// scriptedSender returns the next error from errs on each call, nil once the
// script is exhausted.
type scriptedSender struct {
	errs  []error
	calls int
}

func (s *scriptedSender) Send(ctx context.Context, msg *worker.Message) (string, error) {
	s.calls++
	if len(s.errs) == 0 {
		return fmt.Sprintf("ses-%d", s.calls), nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ses-%d", s.calls), nil
}

func (s *scriptedSender) SupportsChannel(channel string) bool { return channel == "email" }

func newEmail(threshold int, script ...error) (*ProtectedSender, *Breaker, *scriptedSender, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	b := New(Config{Channel: "email", Threshold: threshold, Cooldown: time.Minute}, zap.NewNop())
	b.now = c.Now
	b.lastChange = c.Now()
	s := &scriptedSender{errs: script}
	return NewProtectedSender(s, b, zap.NewNop()), b, s, c
}

func salida(rid int64) *worker.Message {
	return &worker.Message{NotificationID: 9, RecipientID: rid, Channel: "email", To: "flota@example.com", Subject: "Salida ABC-123"}
}

var (
	errThrottled = fmt.Errorf("ses send failed: %w", &smithy.GenericAPIError{Code: "Throttling", Message: "Maximum sending rate exceeded.", Fault: smithy.FaultClient})
	errRejected  = fmt.Errorf("ses send failed: %w", &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified.", Fault: smithy.FaultClient})
	errNoPhone   = fmt.Errorf("%w: recipient has no phone number", worker.ErrInvalidMessage)
	errOutage    = errors.New("dial tcp: connection refused")
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Verdict
	}{
		{"accepted", nil, VerdictDelivered},
		{"missing address", errNoPhone, VerdictRejected},
		{"ses message rejected", errRejected, VerdictRejected},
		{"sns invalid phone", &smithy.GenericAPIError{Code: "InvalidParameter", Fault: smithy.FaultClient}, VerdictRejected},
		{"ses throttling", errThrottled, VerdictProviderFault},
		{"server fault", &smithy.GenericAPIError{Code: "ServiceUnavailable", Fault: smithy.FaultServer}, VerdictProviderFault},
		{"network", errOutage, VerdictProviderFault},
		{"timeout", fmt.Errorf("ses send failed: %w", context.DeadlineExceeded), VerdictProviderFault},
		{"cancelled", fmt.Errorf("ses send failed: %w", context.Canceled), VerdictAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProtectedSender_ProviderFaultsOpenChannel(t *testing.T) {
	ps, b, s, _ := newEmail(3, errThrottled, errOutage, errThrottled)

	for i := int64(1); i <= 3; i++ {
		if _, err := ps.Send(context.Background(), salida(i)); err == nil {
			t.Fatalf("send %d should fail", i)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	_, err := ps.Send(context.Background(), salida(4))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if s.calls != 3 {
		t.Errorf("transport called %d times, want 3", s.calls)
	}

	st := b.Stats()
	if st.ProviderFaults != 3 || st.ShortCircuited != 1 || st.NextTrial == nil {
		t.Errorf("stats = %+v", st)
	}
	if st.LastError == "" {
		t.Error("last provider error should be kept")
	}
}

func TestProtectedSender_MessageProblemsKeepChannelUp(t *testing.T) {
	ps, b, s, _ := newEmail(2, errRejected, errNoPhone, errRejected, errNoPhone, nil)

	for i := int64(1); i <= 5; i++ {
		_, _ = ps.Send(context.Background(), salida(i))
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	if st := b.Stats(); st.Rejected != 4 || st.ProviderFaults != 0 || st.Delivered != 1 {
		t.Errorf("stats = %+v", st)
	}
	if s.calls != 5 {
		t.Errorf("transport called %d times, want 5", s.calls)
	}
}

func TestProtectedSender_RejectionDoesNotBreakStreak(t *testing.T) {
	// A recipient with a bad address between two outages must not hide the
	// outage.
	ps, b, _, _ := newEmail(2, errOutage, errRejected, errOutage)

	for i := int64(1); i <= 3; i++ {
		_, _ = ps.Send(context.Background(), salida(i))
	}
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestProtectedSender_DeliveryResetsStreak(t *testing.T) {
	ps, b, _, _ := newEmail(2, errOutage, nil, errOutage)

	for i := int64(1); i <= 3; i++ {
		_, _ = ps.Send(context.Background(), salida(i))
	}
	if b.State() != StateClosed || b.Stats().ConsecutiveFaults != 1 {
		t.Errorf("state = %s streak = %d, want closed with streak 1", b.State(), b.Stats().ConsecutiveFaults)
	}
}

func TestProtectedSender_TrialAfterCooldown(t *testing.T) {
	tests := []struct {
		name      string
		trialErr  error
		wantState State
	}{
		{"trial delivered closes", nil, StateClosed},
		{"trial fault reopens", errThrottled, StateOpen},
		{"trial rejected stays half-open", errRejected, StateHalfOpen},
		{"trial aborted stays half-open", context.Canceled, StateHalfOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps, b, s, c := newEmail(1, errOutage, tt.trialErr)

			_, _ = ps.Send(context.Background(), salida(1))
			if b.State() != StateOpen {
				t.Fatalf("state = %s, want open", b.State())
			}

			c.Advance(30 * time.Second)
			if _, err := ps.Send(context.Background(), salida(2)); !errors.Is(err, ErrCircuitOpen) {
				t.Fatalf("before cooldown err = %v, want ErrCircuitOpen", err)
			}

			c.Advance(31 * time.Second)
			_, _ = ps.Send(context.Background(), salida(3))
			if s.calls != 2 {
				t.Fatalf("transport called %d times, want 2", s.calls)
			}
			if b.State() != tt.wantState {
				t.Errorf("state = %s, want %s", b.State(), tt.wantState)
			}
		})
	}
}

func TestBreaker_OneTrialAtATime(t *testing.T) {
	_, b, _, c := newEmail(1)
	b.settle(false, VerdictProviderFault, errOutage)
	c.Advance(2 * time.Minute)

	trial, err := b.admit()
	if err != nil || !trial {
		t.Fatalf("first admit after cooldown: trial=%v err=%v", trial, err)
	}
	if _, err := b.admit(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second admit err = %v, want ErrCircuitOpen", err)
	}

	b.settle(true, VerdictAborted, context.Canceled)
	if trial, err := b.admit(); err != nil || !trial {
		t.Errorf("an aborted trial frees the slot: trial=%v err=%v", trial, err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	ps, b, _, _ := newEmail(1, errOutage)
	_, _ = ps.Send(context.Background(), salida(1))

	b.Reset()
	if b.State() != StateClosed || b.Stats().ConsecutiveFaults != 0 {
		t.Fatalf("after reset: %+v", b.Stats())
	}
	if _, err := ps.Send(context.Background(), salida(2)); err != nil {
		t.Errorf("send after reset: %v", err)
	}
	if st := b.Stats(); st.ProviderFaults != 1 || st.Delivered != 1 {
		t.Errorf("counters should survive a reset: %+v", st)
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Channel: "sms"}, zap.NewNop())
	st := b.Stats()
	if st.Channel != "sms" || st.Threshold != 5 || b.cfg.Cooldown != 30*time.Second {
		t.Errorf("defaults = %+v cooldown=%v", st, b.cfg.Cooldown)
	}
	if st.State != "closed" || st.NextTrial != nil {
		t.Errorf("new breaker should be closed: %+v", st)
	}
}
