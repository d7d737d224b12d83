package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/templates"
)

var (
	// ErrNoSender is returned when no registered sender handles a channel.
	ErrNoSender = errors.New("no sender for channel")
	// ErrInvalidMessage marks a message the transport was never asked to
	// deliver, such as one without an address.
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is one rendered delivery handed to a transport.
type Message struct {
	NotificationID int64
	RecipientID    int64
	Channel        string
	To             string
	Subject        string
	HTML           string
}

// Sender is the unified interface for all delivery channels.
// Send returns the provider's message id on success.
type Sender interface {
	Send(ctx context.Context, msg *Message) (string, error)
	SupportsChannel(channel string) bool
}

// MultiSender routes messages to the first sender that supports their channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router that uses multiple underlying senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, msg *Message) (string, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.Int64("recipient_id", msg.RecipientID),
			)
			return sender.Send(ctx, msg)
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNoSender, msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// SendRendered sends a message that is not tied to a notification, such as a
// template test send.
func (m *MultiSender) SendRendered(ctx context.Context, canal, to string, r templates.Rendered) (string, error) {
	return m.Send(ctx, &Message{
		Channel: canal,
		To:      to,
		Subject: r.Subject,
		HTML:    r.HTML,
	})
}

// LogSender logs messages instead of delivering them (development and tests).
type LogSender struct {
	channels map[string]bool
	logger   *zap.Logger
}

// NewLogSender creates a LogSender for the given channels, email when none are given.
func NewLogSender(logger *zap.Logger, channels ...string) *LogSender {
	if len(channels) == 0 {
		channels = []string{"email"}
	}
	s := &LogSender{channels: make(map[string]bool, len(channels)), logger: logger}
	for _, c := range channels {
		s.channels[c] = true
	}
	return s
}

func (s *LogSender) Send(ctx context.Context, msg *Message) (string, error) {
	id := "log-" + uuid.NewString()
	s.logger.Info("logging message (development mode)",
		zap.String("message_id", id),
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int64("notification_id", msg.NotificationID),
		zap.Int("html_bytes", len(msg.HTML)),
	)
	return id, nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return s.channels[channel]
}
