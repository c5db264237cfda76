/*
errors.go - Error taxonomy for the fees core

ERROR CATEGORIES:
  1. ValidationError - bad input, tagged with the offending field
  2. PaymentError    - payment not found, already confirmed, not pending
  3. InvoiceError    - invoice not found
  4. Store errors    - wrapped with the failing operation

All domain errors are recoverable by the caller. They pass through the
service layer unchanged; storage errors get an operation prefix so logs
show where a query failed.

USAGE:
  if errors.Is(err, fees.ErrAlreadyConfirmed) { ... }

  var verr *fees.ValidationError
  if errors.As(err, &verr) { form.SetError(verr.Field, verr.Message) }
*/
package fees

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrStudentNotFound = errors.New("student not found")

	// ErrAlreadyConfirmed is returned when confirming a confirmed payment.
	// Re-confirmation is an error, never a no-op.
	ErrAlreadyConfirmed = errors.New("payment already confirmed")

	// ErrPaymentNotPending is returned when confirming a failed or reversed payment.
	ErrPaymentNotPending = errors.New("payment is not pending")

	// ErrConcurrentModification is returned when the invoice version changed
	// between read and write inside a confirmation.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateReference is returned by a store when a payment reference
	// or invoice number collides with an existing row.
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrValidation is the target for errors.Is on any *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError is safe to show to users. Field is machine-readable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PaymentError is a payment-specific domain violation.
type PaymentError struct {
	PaymentID PaymentID
	Err       error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment %s: %v", e.PaymentID, e.Err)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// InvoiceError is an invoice-specific domain violation.
type InvoiceError struct {
	InvoiceID InvoiceID
	Err       error
}

func (e *InvoiceError) Error() string {
	return fmt.Sprintf("invoice %s: %v", e.InvoiceID, e.Err)
}

func (e *InvoiceError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsDomainError reports whether err is (or wraps) one of the domain error types.
func IsDomainError(err error) bool {
	var (
		verr *ValidationError
		perr *PaymentError
		ierr *InvoiceError
	)
	return errors.As(err, &verr) || errors.As(err, &perr) || errors.As(err, &ierr) ||
		errors.Is(err, ErrStudentNotFound)
}

// IsClientError returns true if the error is due to invalid client input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAlreadyConfirmed) ||
		errors.Is(err, ErrPaymentNotPending)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrStudentNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// wrapStoreErr adds the operation name to storage errors. Domain errors and
// the store sentinels callers branch on are returned as they are.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) || errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrDuplicateReference) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
