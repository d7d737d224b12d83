package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/flota/internal/db"
	"github.com/lalithlochan/flota/internal/templates"
)

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-123")}, nil
}

type fakeSNS struct {
	input *sns.PublishInput
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = params
	return &sns.PublishOutput{MessageId: aws.String("sns-456")}, nil
}

func TestSESSender_SendsHTML(t *testing.T) {
	client := &fakeSES{}
	sender := NewSESSenderWithClient(client, "noreply@flota.example", zap.NewNop())

	id, err := sender.Send(context.Background(), &Message{
		Channel: db.ChannelEmail,
		To:      "ops@flota.example",
		Subject: "Salida ABC-123",
		HTML:    "<p>hola</p>",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ses-123" {
		t.Errorf("expected message id ses-123, got %q", id)
	}
	if aws.ToString(client.input.Source) != "noreply@flota.example" {
		t.Errorf("unexpected source %q", aws.ToString(client.input.Source))
	}
	if got := client.input.Destination.ToAddresses; len(got) != 1 || got[0] != "ops@flota.example" {
		t.Errorf("unexpected destination %v", got)
	}
	if aws.ToString(client.input.Message.Body.Html.Data) != "<p>hola</p>" {
		t.Error("expected HTML body")
	}
}

func TestSESSender_Errors(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		err  error
	}{
		{"wrong channel", &Message{Channel: db.ChannelSMS, To: "x"}, nil},
		{"no address", &Message{Channel: db.ChannelEmail}, nil},
		{"transport error", &Message{Channel: db.ChannelEmail, To: "a@b.c"}, errors.New("throttling")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := NewSESSenderWithClient(&fakeSES{err: tt.err}, "from@x", zap.NewNop())
			if _, err := sender.Send(context.Background(), tt.msg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSNSSender_PublishesSubject(t *testing.T) {
	client := &fakeSNS{}
	sender := NewSNSSenderWithClient(client, zap.NewNop())

	id, err := sender.Send(context.Background(), &Message{
		Channel: db.ChannelSMS,
		To:      "+525500000001",
		Subject: strings.Repeat("á", 600),
		HTML:    "<p>ignored</p>",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "sns-456" {
		t.Errorf("unexpected id %q", id)
	}
	if got := []rune(aws.ToString(client.input.Message)); len(got) != maxSMSChars {
		t.Errorf("expected sms truncated to %d runes, got %d", maxSMSChars, len(got))
	}
	if aws.ToString(client.input.PhoneNumber) != "+525500000001" {
		t.Errorf("unexpected phone %q", aws.ToString(client.input.PhoneNumber))
	}
}

func TestMultiSenderRouting(t *testing.T) {
	logger := zap.NewNop()
	email := NewSESSenderWithClient(&fakeSES{}, "from@x", logger)
	multi := NewMultiSender(logger, email)

	tests := []struct {
		name    string
		channel string
		want    bool
	}{
		{"email_supported", db.ChannelEmail, true},
		{"sms_not_registered", db.ChannelSMS, false},
		{"push_not_supported", "push", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := multi.SupportsChannel(tt.channel); got != tt.want {
				t.Errorf("SupportsChannel(%s) = %v, want %v", tt.channel, got, tt.want)
			}
		})
	}

	if _, err := multi.Send(context.Background(), &Message{Channel: "push"}); !errors.Is(err, ErrNoSender) {
		t.Errorf("expected ErrNoSender, got %v", err)
	}
}

func TestMultiSender_SendRendered(t *testing.T) {
	client := &fakeSES{}
	multi := NewMultiSender(zap.NewNop(), NewSESSenderWithClient(client, "from@x", zap.NewNop()))

	id, err := multi.SendRendered(context.Background(), db.ChannelEmail, "qa@flota.example",
		templates.Rendered{Subject: "Prueba", HTML: "<p>x</p>"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ses-123" || aws.ToString(client.input.Message.Subject.Data) != "Prueba" {
		t.Errorf("unexpected send: id=%q", id)
	}
}

func TestLogSender(t *testing.T) {
	sender := NewLogSender(zap.NewNop())
	if !sender.SupportsChannel(db.ChannelEmail) || sender.SupportsChannel(db.ChannelSMS) {
		t.Error("default LogSender should only support email")
	}

	id, err := sender.Send(context.Background(), &Message{Channel: db.ChannelEmail, To: "a@b.c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "log-") {
		t.Errorf("unexpected id %q", id)
	}

	withSMS := NewLogSender(zap.NewNop(), db.ChannelEmail, db.ChannelSMS)
	if !withSMS.SupportsChannel(db.ChannelSMS) {
		t.Error("expected sms support")
	}
}

func TestLocalLocker_SerializesKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "recipient:1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected at most one holder, saw %d", maxActive)
	}
	if len(l.locks) != 0 {
		t.Errorf("expected lock table to be empty, has %d entries", len(l.locks))
	}
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
