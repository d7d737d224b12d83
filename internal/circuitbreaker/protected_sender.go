package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/worker"
)

// ProtectedSender puts a channel's Sender behind its Breaker.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *Breaker
	logger  *zap.Logger
}

func NewProtectedSender(sender worker.Sender, breaker *Breaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{sender: sender, breaker: breaker, logger: logger}
}

// Send fails fast with ErrCircuitOpen while the channel is down. The
// dispatcher records that error on the recipient like any other failure.
func (p *ProtectedSender) Send(ctx context.Context, msg *worker.Message) (string, error) {
	trial, err := p.breaker.admit()
	if err != nil {
		p.logger.Debug("send short-circuited",
			zap.String("channel", msg.Channel),
			zap.Int64("recipient_id", msg.RecipientID),
		)
		return "", err
	}

	id, err := p.sender.Send(ctx, msg)
	v := Classify(err)
	p.breaker.settle(trial, v, err)
	if trial {
		p.logger.Info("transport trial finished",
			zap.String("channel", msg.Channel),
			zap.String("verdict", v.String()),
		)
	}
	return id, err
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}
