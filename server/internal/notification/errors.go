package notification

import "errors"

// Sentinel errors returned by the notification service and its senders.
// Callers should use errors.Is for comparison.
var (
	// ErrSendFailed is returned when a notification could not be delivered
	// via the webhook channel. It wraps the underlying cause and is
	// non-fatal — the Hub publish has already happened regardless.
	ErrSendFailed = errors.New("notification: send failed")

	// ErrConfigNotFound is returned when the webhook URL has never been set.
	ErrConfigNotFound = errors.New("notification: configuration not found")

	// ErrInvalidConfig is returned when webhook settings exist but contain
	// invalid or incomplete values.
	ErrInvalidConfig = errors.New("notification: invalid configuration")
)