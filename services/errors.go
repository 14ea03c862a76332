package services

import (
	"errors"
	"fmt"

	"foodorder-svc/pricing"

	"github.com/shopspring/decimal"
)

// Kind classifies an error for transport mapping and audit.
type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindNotFound       Kind = "not_found"
	KindTotalMismatch  Kind = "total_mismatch"
	KindAmountMismatch Kind = "amount_mismatch"
	KindDuplicate      Kind = "duplicate"
	KindForbidden      Kind = "forbidden"
	KindPersistence    Kind = "persistence_error"
	KindCritical       Kind = "critical_error"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProductNotFound   = errors.New("product not found")
	ErrProductInactive   = errors.New("product is not available")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidStatus     = errors.New("invalid order status")
	ErrInvalidTransition = errors.New("order status transition not allowed")
	ErrForbidden         = errors.New("actor is not allowed to perform this action")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// TotalMismatchError is returned when a client-computed total differs from
// the server computation by more than the configured tolerance.
type TotalMismatchError struct {
	Client    pricing.Cents
	Server    pricing.Cents
	Tolerance pricing.Cents
}

func (e *TotalMismatchError) Error() string {
	return fmt.Sprintf("order total mismatch: client %s, server %s, tolerance %s",
		e.Client, e.Server, e.Tolerance)
}

// AmountMismatchError is returned when a payment amount does not match the
// order it claims to pay for.
type AmountMismatchError struct {
	Reference string
	Expected  decimal.Decimal
	Received  decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment %s amount mismatch: expected %s, received %s",
		e.Reference, e.Expected.StringFixed(2), e.Received.StringFixed(2))
}

// CriticalError wraps an unexpected failure that aborted an operation. Its
// detail is for logs only.
type CriticalError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CriticalError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Unknown errors are critical.
func KindOf(err error) Kind {
	var (
		total    *TotalMismatchError
		amount   *AmountMismatchError
		critical *CriticalError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &total):
		return KindTotalMismatch
	case errors.As(err, &amount):
		return KindAmountMismatch
	case errors.As(err, &critical):
		return critical.Kind
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrProductNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrProductInactive):
		return KindValidation
	}
	return KindCritical
}

// PublicMessage is the text safe to show an end user for err.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindPersistence, KindCritical:
		return "We could not process your request. Please try again."
	}
	return err.Error()
}
