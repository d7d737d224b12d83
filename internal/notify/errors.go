package notify

import "errors"

// Configuration errors. They are caller mistakes and map to 400 responses.
var (
	ErrEventNotRegistered = errors.New("event not registered")
	ErrInvalidSeverity    = errors.New("invalid severity")
	ErrUnknownGroup       = errors.New("unknown group")
)

// Suppression reasons.
const (
	ReasonEventInactive = "event inactive"
	ReasonNoRecipients  = "no recipients"
)
