package channels

import (
	"context"

	"alarm-dispatcher/internal/alarms"
)

// ErrorKind classifies a failed delivery for the retry policy. Only
// Retryable failures count against the channel circuit breaker.
type ErrorKind string

const (
	Retryable        ErrorKind = "retryable"
	Permanent        ErrorKind = "permanent"
	RateLimited      ErrorKind = "rate_limited"
	InvalidRecipient ErrorKind = "invalid_recipient"
)

// Message is one rendered notification bound for a single recipient.
type Message struct {
	AlarmID   int64
	IMEI      string
	Channel   alarms.Channel
	Recipient string
	Subject   string
	Body      string
	// Service routes SMS to modems that allow it (empty = any).
	Service string
	// Tokens carries the device tokens for push multicast.
	Tokens []string
}

// Result is the outcome of one Send.
type Result struct {
	Success           bool
	ProviderMessageID string
	ProviderName      string
	ModemID           int64
	ModemName         string
	Response          string
	Err               error
	Kind              ErrorKind
}

// Adapter delivers messages on one channel.
type Adapter interface {
	Name() string
	Send(ctx context.Context, msg *Message) Result
	Healthy(ctx context.Context) bool
}

// classifyStatus maps an HTTP status from a provider to an ErrorKind.
func classifyStatus(code int) (ok bool, kind ErrorKind) {
	switch {
	case code >= 200 && code < 300:
		return true, ""
	case code == 429:
		return false, RateLimited
	case code == 408:
		return false, Retryable
	case code >= 400 && code < 500:
		return false, Permanent
	default:
		return false, Retryable
	}
}

func failure(err error, kind ErrorKind) Result {
	return Result{Err: err, Kind: kind}
}
