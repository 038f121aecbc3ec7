package service

import "errors"

var (
	// ErrInvalidState is returned when a transition outside the state table
	// is attempted (e.g. refunding an unconfirmed payment).
	ErrInvalidState = errors.New("invalid state transition")

	// ErrRateLimitExceeded is returned by the rate governor before any
	// outbound call is attempted.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrInsufficientInventory is returned when a reservation cannot hold
	// every line of an order.
	ErrInsufficientInventory = errors.New("insufficient inventory")

	// ErrExternalSubmission is returned when the fulfillment provider did
	// not accept an order; the order stays retryable.
	ErrExternalSubmission = errors.New("fulfillment submission failed")

	// ErrPaymentNotFound is returned for an unknown payment reference.
	ErrPaymentNotFound = errors.New("payment not found")
)
