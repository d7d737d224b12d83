package worker

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/db"
)

// maxSMSChars keeps a message within a few SMS segments.
const maxSMSChars = 480

// SNSAPI is the part of the SNS client used by SNSSender.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS messages via AWS SNS direct publish.
type SNSSender struct {
	client SNSAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for SMS notifications
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSNSSenderWithClient(sns.NewFromConfig(awsCfg), logger), nil
}

// NewSNSSenderWithClient builds a sender around an existing client.
func NewSNSSenderWithClient(client SNSAPI, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, logger: logger}
}

// Send publishes the message subject as an SMS. HTML bodies are not sent
// over SMS.
func (s *SNSSender) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.Channel != db.ChannelSMS {
		return "", fmt.Errorf("%w: SNS sender only supports SMS, got: %s", ErrInvalidMessage, msg.Channel)
	}
	if msg.To == "" {
		return "", fmt.Errorf("%w: recipient has no phone number", ErrInvalidMessage)
	}

	text := msg.Subject
	if utf8.RuneCountInString(text) > maxSMSChars {
		text = string([]rune(text)[:maxSMSChars])
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.Int64("recipient_id", msg.RecipientID),
		zap.String("phone_number", msg.To),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
