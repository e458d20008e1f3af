package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry decisions
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindConflict
	KindExternalService
	KindPartialFailure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindExternalService:
		return "external_service"
	case KindPartialFailure:
		return "partial_failure"
	default:
		return "internal"
	}
}

// Error represents an application error
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// External wraps a failure of the payment processor or another remote dependency.
// No local state has been mutated when this is returned.
func External(message string, retryable bool, err error) *Error {
	return &Error{Kind: KindExternalService, Message: message, Retryable: retryable, Err: err}
}

// Internal wraps a local store failure
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// PartialOrderFailure means the order row exists but not all of its items were written
type PartialOrderFailure struct {
	OrderID   string
	Persisted int
	Expected  int
	Err       error
}

func (e *PartialOrderFailure) Error() string {
	return fmt.Sprintf("order %s persisted with %d/%d items: %v", e.OrderID, e.Persisted, e.Expected, e.Err)
}

func (e *PartialOrderFailure) Unwrap() error { return e.Err }

// PaymentNotSucceeded means the processor reports the intent in a non-succeeded state
type PaymentNotSucceeded struct {
	IntentID string
	Status   string
}

func (e *PaymentNotSucceeded) Error() string {
	return fmt.Sprintf("payment intent %s has status %q", e.IntentID, e.Status)
}

// PaidButUnrecorded means the processor confirmed payment but the order could not be updated.
// Only the local write may be retried.
type PaidButUnrecorded struct {
	OrderID  string
	IntentID string
	Err      error
}

func (e *PaidButUnrecorded) Error() string {
	return fmt.Sprintf("payment %s succeeded but order %s was not updated: %v", e.IntentID, e.OrderID, e.Err)
}

func (e *PaidButUnrecorded) Unwrap() error { return e.Err }

// DuplicatePayment means a second payment succeeded for an order that another
// payment already settled. The buyer was charged twice.
type DuplicatePayment struct {
	OrderID      string
	IntentID     string
	PaidIntentID string
}

func (e *DuplicatePayment) Error() string {
	return fmt.Sprintf("order %s is already paid by another payment", e.OrderID)
}

// PartialPaymentMethodSave names the step that failed after an earlier step succeeded
type PartialPaymentMethodSave struct {
	CustomerID string
	FailedStep string
	Err        error
}

func (e *PartialPaymentMethodSave) Error() string {
	return fmt.Sprintf("payment method saved for customer %s but %s failed: %v", e.CustomerID, e.FailedStep, e.Err)
}

func (e *PartialPaymentMethodSave) Unwrap() error { return e.Err }

// OrphanedResource means a compensating delete failed and a remote object has no local reference
type OrphanedResource struct {
	Resource   string
	ExternalID string
	Err        error
}

func (e *OrphanedResource) Error() string {
	return fmt.Sprintf("orphaned %s %s: %v", e.Resource, e.ExternalID, e.Err)
}

func (e *OrphanedResource) Unwrap() error { return e.Err }

// KindOf classifies any error produced by the service layer
func KindOf(err error) Kind {
	var (
		appErr  *Error
		partial *PartialOrderFailure
		notPaid *PaymentNotSucceeded
		unrec   *PaidButUnrecorded
		pmSave  *PartialPaymentMethodSave
		orphan  *OrphanedResource
		dup     *DuplicatePayment
	)
	switch {
	case errors.As(err, &notPaid):
		return KindValidation
	case errors.As(err, &dup):
		return KindConflict
	case errors.As(err, &partial), errors.As(err, &unrec), errors.As(err, &pmSave), errors.As(err, &orphan):
		return KindPartialFailure
	case errors.As(err, &appErr):
		return appErr.Kind
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the caller may safely retry the whole operation
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	var unrec *PaidButUnrecorded
	return errors.As(err, &unrec)
}

// HTTPStatus maps an error to a response status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to the caller.
// Validation and lookup failures are actionable; everything else is generic.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindForbidden, KindConflict:
		var notPaid *PaymentNotSucceeded
		if errors.As(err, &notPaid) {
			return fmt.Sprintf("Payment not successful (status: %s)", notPaid.Status)
		}
		var dup *DuplicatePayment
		if errors.As(err, &dup) {
			return "Order is already paid by another payment"
		}
		var appErr *Error
		if errors.As(err, &appErr) {
			return appErr.Message
		}
		return err.Error()
	default:
		return "Something went wrong, please try again"
	}
}
