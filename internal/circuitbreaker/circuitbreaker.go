package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/metrics"
)

// State of a channel breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while a channel's transport is considered down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

const maxLastErrorLen = 200

// Config for one channel breaker.
type Config struct {
	Channel string
	// Threshold is the number of consecutive provider faults that opens the
	// breaker.
	Threshold int
	// Cooldown is how long an open breaker waits before sending one trial
	// message.
	Cooldown time.Duration
}

// Breaker tracks the health of one delivery channel's transport. Only
// provider faults move it; rejected and aborted messages leave it alone.
//
// While open every recipient on the channel fails fast with ErrCircuitOpen.
// After Cooldown a single trial message is let through: delivery closes the
// breaker, another provider fault reopens it.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	state    State
	streak   int
	openedAt time.Time
	trial    bool // a trial message is in flight

	lastError  string
	lastFault  time.Time
	lastChange time.Time

	delivered      int64
	faults         int64
	rejected       int64
	shortCircuited int64
}

func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	b := &Breaker{cfg: cfg, logger: logger, now: time.Now}
	b.lastChange = b.now()
	metrics.SetBreakerState(cfg.Channel, int(StateClosed))
	return b
}

// Channel is the delivery channel the breaker guards.
func (b *Breaker) Channel() string {
	return b.cfg.Channel
}

// admit decides whether a message may reach the transport. trial is true for
// the single message sent after the cooldown.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		wait := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if wait > 0 {
			b.shortCircuited++
			return false, fmt.Errorf("%w: %s transport, next trial in %s", ErrCircuitOpen, b.cfg.Channel, wait.Round(time.Second))
		}
		b.setState(StateHalfOpen)
		b.trial = true
		return true, nil
	case StateHalfOpen:
		if b.trial {
			b.shortCircuited++
			return false, fmt.Errorf("%w: %s transport, trial in flight", ErrCircuitOpen, b.cfg.Channel)
		}
		b.trial = true
		return true, nil
	default:
		return false, nil
	}
}

// settle records the outcome of an admitted message.
func (b *Breaker) settle(trial bool, v Verdict, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trial = false
	}

	switch v {
	case VerdictDelivered:
		b.delivered++
		b.streak = 0
		if b.state == StateHalfOpen {
			b.setState(StateClosed)
			b.logger.Info("transport recovered", zap.String("channel", b.cfg.Channel))
		}

	case VerdictRejected:
		b.rejected++

	case VerdictProviderFault:
		b.faults++
		b.streak++
		b.lastFault = b.now()
		if err != nil {
			b.lastError = truncate(err.Error(), maxLastErrorLen)
		}

		if b.state == StateHalfOpen || b.streak >= b.cfg.Threshold {
			if b.state != StateOpen {
				b.logger.Warn("transport marked down",
					zap.String("channel", b.cfg.Channel),
					zap.Int("consecutive_faults", b.streak),
					zap.String("last_error", b.lastError),
				)
			}
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	}
}

// Reset closes the breaker and clears the fault streak. Counters are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streak = 0
	b.trial = false
	b.setState(StateClosed)
	b.logger.Info("transport breaker reset", zap.String("channel", b.cfg.Channel))
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is the snapshot served at /notifications/transport/status.
type Stats struct {
	Channel           string     `json:"channel"`
	State             string     `json:"state"`
	ConsecutiveFaults int        `json:"consecutive_faults"`
	Threshold         int        `json:"threshold"`
	Delivered         int64      `json:"delivered"`
	ProviderFaults    int64      `json:"provider_faults"`
	Rejected          int64      `json:"rejected"`
	ShortCircuited    int64      `json:"short_circuited"`
	LastError         string     `json:"last_error,omitempty"`
	LastFault         *time.Time `json:"last_fault,omitempty"`
	NextTrial         *time.Time `json:"next_trial,omitempty"`
	LastStateChange   time.Time  `json:"last_state_change"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Channel:           b.cfg.Channel,
		State:             b.state.String(),
		ConsecutiveFaults: b.streak,
		Threshold:         b.cfg.Threshold,
		Delivered:         b.delivered,
		ProviderFaults:    b.faults,
		Rejected:          b.rejected,
		ShortCircuited:    b.shortCircuited,
		LastError:         b.lastError,
		LastStateChange:   b.lastChange,
	}
	if !b.lastFault.IsZero() {
		t := b.lastFault
		s.LastFault = &t
	}
	if b.state == StateOpen {
		t := b.openedAt.Add(b.cfg.Cooldown)
		s.NextTrial = &t
	}
	return s
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.logger.Debug("breaker state change",
		zap.String("channel", b.cfg.Channel),
		zap.String("from", b.state.String()),
		zap.String("to", s.String()),
	)
	b.state = s
	b.lastChange = b.now()
	metrics.SetBreakerState(b.cfg.Channel, int(s))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
