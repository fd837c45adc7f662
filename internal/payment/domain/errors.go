package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidChargeID   = errors.New("invalid_charge_id")
	ErrTrackingTimeout   = errors.New("payment_tracking_timeout")
	ErrStreamClosed      = errors.New("payment_stream_closed")
	ErrStreamTimeout     = errors.New("payment_stream_timeout")
	ErrStreamServerError = errors.New("payment_stream_server_error")
)

// PaymentFailedError reports a terminal failure status for a charge.
type PaymentFailedError struct {
	ChargeID ChargeID
	Status   PaymentStatus
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("payment %s is %s", e.ChargeID, strings.ToLower(string(e.Status)))
}

// StreamServerError wraps an error frame pushed by the server.
type StreamServerError struct {
	Message string
}

func (e *StreamServerError) Error() string {
	if e.Message == "" {
		return ErrStreamServerError.Error()
	}
	return ErrStreamServerError.Error() + ": " + e.Message
}

func (e *StreamServerError) Unwrap() error { return ErrStreamServerError }

// IsPaymentFailure reports whether err carries a terminal failure status.
func IsPaymentFailure(err error) bool {
	var failed *PaymentFailedError
	return errors.As(err, &failed)
}
