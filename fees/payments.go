/*
payments.go - Payment lifecycle: record and confirm

PURPOSE:
  PaymentService is the only component that creates or confirms payments.
  It owns the rule that an invoice's paid amount and status change only
  together with a payment confirmation, atomically.

STATE MACHINE:
  [none] --Record--> pending --Confirm--> confirmed

  Failed and reversed exist in PaymentStatus but nothing here produces them.
  Confirming anything other than a pending payment is an error.

RECORD:
  1. Load invoice state (recomputed paid amount)
  2. Validate method, amount against balance, bank details
  3. Generate a payment reference
  4. Insert a pending payment
  The invoice is not touched. Balance is checked against a read that may be
  slightly stale; confirmation is where contention is resolved.

CONFIRM (one transaction):
  1. Load payment; reject missing, confirmed, or non-pending
  2. Recompute invoice paid amount from the other confirmed payments
  3. new paid = current + amount, new status = CalculateStatus
  4. Mark payment confirmed
  5. Write invoice totals, conditional on the version read in step 2

  If another confirmation committed between steps 2 and 5 the write fails
  with ErrConcurrentModification and the whole unit is retried. Two
  confirmations on one invoice can therefore never both write a sum based on
  the same read.

SEE ALSO:
  - ledger.go:     Current() and CalculateStatus()
  - validation.go: Input checks
  - store.go:      TxStore.WithTx and UpdateInvoiceTotals version check
*/
package fees

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	defaultMaxRetries = 5
	defaultRetryDelay = 10 * time.Millisecond
)

// PaymentService records and confirms payments.
type PaymentService struct {
	store        TxStore
	ledger       *InvoiceLedger
	logger       *slog.Logger
	now          func() time.Time
	newReference ReferenceGenerator
	maxRetries   uint64
	retryDelay   time.Duration
}

type PaymentOption func(*PaymentService)

func WithLogger(l *slog.Logger) PaymentOption {
	return func(s *PaymentService) { s.logger = l }
}

func WithClock(now func() time.Time) PaymentOption {
	return func(s *PaymentService) { s.now = now }
}

func WithReferenceGenerator(g ReferenceGenerator) PaymentOption {
	return func(s *PaymentService) { s.newReference = g }
}

// WithRetries bounds how often a conflicting confirmation or a colliding
// payment reference is retried.
func WithRetries(max uint64, delay time.Duration) PaymentOption {
	return func(s *PaymentService) {
		s.maxRetries = max
		s.retryDelay = delay
	}
}

func NewPaymentService(store TxStore, opts ...PaymentOption) *PaymentService {
	s := &PaymentService{
		store:        store,
		ledger:       NewInvoiceLedger(store),
		logger:       slog.Default(),
		now:          time.Now,
		newReference: NewPaymentReference,
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PaymentService) backoff() retry.Backoff {
	return retry.WithMaxRetries(s.maxRetries, retry.NewConstant(s.retryDelay))
}

// =============================================================================
// RECORD
// =============================================================================

// RecordResult is the created payment and the invoice snapshot it was
// validated against.
type RecordResult struct {
	Payment Payment
	Invoice InvoiceState
}

// Record validates and persists a pending payment against an invoice.
func (s *PaymentService) Record(ctx context.Context, invoiceID InvoiceID, in PaymentInput, receivedBy UserID) (*RecordResult, error) {
	if err := requireActor("received_by", receivedBy); err != nil {
		return nil, err
	}

	state, err := s.ledger.Current(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if err := ValidatePaymentInput(in, state.Balance); err != nil {
		return nil, err
	}

	now := s.now()
	paymentDate := calendarDate(now)
	if in.PaymentDate != nil {
		paymentDate = calendarDate(*in.PaymentDate)
	}

	payment := Payment{
		ID:                   PaymentID(uuid.NewString()),
		InvoiceID:            invoiceID,
		Amount:               in.Amount,
		Method:               in.Method,
		PaymentDate:          paymentDate,
		TransactionReference: in.TransactionReference,
		BankName:             in.BankName,
		Status:               PaymentPending,
		Notes:                in.Notes,
		ReceivedBy:           receivedBy,
		CreatedAt:            now,
	}

	err = retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		payment.Reference = s.newReference(s.now())
		err := s.store.CreatePayment(ctx, payment)
		if errors.Is(err, ErrDuplicateReference) {
			s.logger.Warn("payment reference collision, regenerating", "reference", payment.Reference)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, wrapStoreErr("record payment", err)
	}

	s.logger.Info("payment recorded",
		"payment_id", payment.ID,
		"reference", payment.Reference,
		"invoice_id", invoiceID,
		"amount", FormatAmount(payment.Amount),
		"method", payment.Method,
	)
	return &RecordResult{Payment: payment, Invoice: *state}, nil
}

// =============================================================================
// CONFIRM
// =============================================================================

// ConfirmResult carries what a caller needs to log the confirmation.
type ConfirmResult struct {
	Payment        Payment
	Invoice        Invoice
	PreviousStatus InvoiceStatus
	StatusChanged  bool
}

// Confirm moves a pending payment to confirmed and updates the invoice
// totals in the same transaction.
func (s *PaymentService) Confirm(ctx context.Context, id PaymentID, confirmedBy UserID) (*ConfirmResult, error) {
	if err := requireActor("confirmed_by", confirmedBy); err != nil {
		return nil, err
	}

	var result *ConfirmResult
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		res, err := s.confirmOnce(ctx, id, confirmedBy)
		if err != nil {
			if IsRetryable(err) {
				s.logger.Debug("confirmation conflicted, retrying", "payment_id", id)
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment confirmed",
		"payment_id", id,
		"invoice_id", result.Invoice.ID,
		"paid_amount", FormatAmount(result.Invoice.PaidAmount),
		"status", result.Invoice.Status,
		"status_changed", result.StatusChanged,
	)
	return result, nil
}

func (s *PaymentService) confirmOnce(ctx context.Context, id PaymentID, confirmedBy UserID) (*ConfirmResult, error) {
	var result ConfirmResult

	err := s.store.WithTx(ctx, func(tx Store) error {
		payment, err := tx.GetPayment(ctx, id)
		if err != nil {
			return wrapStoreErr("load payment", err)
		}
		if payment == nil {
			return &PaymentError{PaymentID: id, Err: ErrPaymentNotFound}
		}
		switch payment.Status {
		case PaymentPending:
		case PaymentConfirmed:
			return &PaymentError{PaymentID: id, Err: ErrAlreadyConfirmed}
		default:
			return &PaymentError{PaymentID: id, Err: ErrPaymentNotPending}
		}

		// The payment being confirmed is still pending, so it is not in CurrentPaid.
		state, err := NewInvoiceLedger(tx).Current(ctx, payment.InvoiceID)
		if err != nil {
			return err
		}
		inv := state.Invoice
		newPaid := state.CurrentPaid.Add(payment.Amount)
		newStatus := CalculateStatus(inv.TotalAmount, newPaid)
		at := s.now()

		if err := tx.MarkPaymentConfirmed(ctx, id, confirmedBy, at); err != nil {
			return wrapStoreErr("mark payment confirmed", err)
		}
		if err := tx.UpdateInvoiceTotals(ctx, inv.ID, newPaid, newStatus, inv.Version); err != nil {
			return wrapStoreErr("update invoice totals", err)
		}

		payment.Status = PaymentConfirmed
		payment.ConfirmedBy = confirmedBy
		payment.ConfirmedAt = &at

		result.PreviousStatus = inv.Status
		inv.PaidAmount = newPaid
		inv.Status = newStatus
		inv.Version++
		result.Payment = *payment
		result.Invoice = inv
		result.StatusChanged = result.PreviousStatus != newStatus
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *PaymentService) Get(ctx context.Context, id PaymentID) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, wrapStoreErr("load payment", err)
	}
	if p == nil {
		return nil, &PaymentError{PaymentID: id, Err: ErrPaymentNotFound}
	}
	return p, nil
}

// ListForInvoice returns every payment of an invoice, oldest first.
func (s *PaymentService) ListForInvoice(ctx context.Context, invoiceID InvoiceID) ([]Payment, error) {
	if _, err := s.ledger.Current(ctx, invoiceID); err != nil {
		return nil, err
	}
	payments, err := s.store.ListPayments(ctx, invoiceID)
	if err != nil {
		return nil, wrapStoreErr("list payments", err)
	}
	return payments, nil
}
