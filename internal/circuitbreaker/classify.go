package circuitbreaker

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"

	"github.com/lalithlochan/flota/internal/worker"
)

// Verdict is how a send outcome counts against the transport's health.
type Verdict int

const (
	// VerdictDelivered: the provider accepted the message.
	VerdictDelivered Verdict = iota
	// VerdictRejected: the message itself was refused (no address, bad phone
	// number, SES MessageRejected). The provider is healthy.
	VerdictRejected
	// VerdictAborted: the send was cancelled before the provider answered.
	VerdictAborted
	// VerdictProviderFault: throttling, outages, timeouts and anything
	// unrecognised.
	VerdictProviderFault
)

func (v Verdict) String() string {
	switch v {
	case VerdictDelivered:
		return "delivered"
	case VerdictRejected:
		return "rejected"
	case VerdictAborted:
		return "aborted"
	default:
		return "provider_fault"
	}
}

// Error codes SES and SNS return for a problem with one message rather than
// with the service.
var messageErrorCodes = map[string]bool{
	"MessageRejected":       true,
	"InvalidParameter":      true,
	"InvalidParameterValue": true,
}

// Classify sorts a Sender error into a Verdict.
func Classify(err error) Verdict {
	if err == nil {
		return VerdictDelivered
	}
	if errors.Is(err, worker.ErrInvalidMessage) {
		return VerdictRejected
	}
	if errors.Is(err, context.Canceled) {
		return VerdictAborted
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && messageErrorCodes[apiErr.ErrorCode()] {
		return VerdictRejected
	}
	return VerdictProviderFault
}
