package payment

import (
	"errors"
	"fmt"
)

var (
	ErrNotSupported          = errors.New("payment method not supported")
	ErrInvalidOrderReference = errors.New("invalid order reference")
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrMissingOrderID        = errors.New("order id is required")
	ErrGatewayUnavailable    = errors.New("payment gateway unavailable")
	ErrListingNotSupported   = errors.New("provider cannot list transactions")
)

// ConfigError means a provider is missing configuration it needs to serve a
// request. It is reported to the caller rather than defaulted.
type ConfigError struct {
	Provider string
	Field    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: missing configuration %s", e.Provider, e.Field)
}

// ParseError wraps the reason a notification body could not be mapped to an order.
type ParseError struct {
	Reason error
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%v: %s", e.Reason, e.Detail)
}

func (e *ParseError) Unwrap() error {
	return e.Reason
}
