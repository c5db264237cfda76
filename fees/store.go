/*
store.go - Persistence ports for invoices, payments, students and activity

PURPOSE:
  Defines the interface between the fees core and the database. Services
  receive a store in their constructor; nothing reaches a global client.

KEY INTERFACES:
  Store:        Invoice and payment persistence
  TxStore:      Store plus atomic multi-write units (WithTx)
  StudentStore: Student records
  ActivityLog:  Append-only record of who did what

LOOKUP CONTRACT:
  Get* methods return (nil, nil) when the row does not exist. Callers turn
  that into the matching domain error.

ATOMIC CONFIRMATION:
  Confirming a payment updates the payment row and the invoice row. Both
  writes happen inside one WithTx call: either both commit or neither does.
  UpdateInvoiceTotals additionally checks the version read in the same
  transaction and fails with ErrConcurrentModification on mismatch.

IMPLEMENTATIONS:
  - fees/store/memory.go:  In-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite via database/sql
*/
package fees

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Invoice and payment persistence
// =============================================================================

type Store interface {
	// CreateInvoice inserts a new invoice. Returns ErrDuplicateReference if
	// the invoice number already exists.
	CreateInvoice(ctx context.Context, inv Invoice) error

	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)

	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)

	// CountInvoicesGeneratedIn counts invoices generated in the given year.
	CountInvoicesGeneratedIn(ctx context.Context, year int) (int, error)

	// UpdateInvoiceTotals writes paid amount and status if the stored version
	// equals expectedVersion, and bumps the version.
	UpdateInvoiceTotals(ctx context.Context, id InvoiceID, paid decimal.Decimal, status InvoiceStatus, expectedVersion int64) error

	// CreatePayment inserts a new payment. Returns ErrDuplicateReference if
	// the payment reference already exists.
	CreatePayment(ctx context.Context, p Payment) error

	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)

	// ListPayments returns every payment of an invoice, oldest first.
	ListPayments(ctx context.Context, invoiceID InvoiceID) ([]Payment, error)

	// SumConfirmedPayments returns the sum of amounts of confirmed payments.
	SumConfirmedPayments(ctx context.Context, invoiceID InvoiceID) (decimal.Decimal, error)

	// MarkPaymentConfirmed moves a payment to confirmed.
	MarkPaymentConfirmed(ctx context.Context, id PaymentID, confirmedBy UserID, at time.Time) error
}

type InvoiceFilter struct {
	StudentID *StudentID
	SessionID *SessionID
	Status    *InvoiceStatus
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// STUDENTS AND ACTIVITY
// =============================================================================

type StudentStore interface {
	// CreateStudent returns ErrDuplicateReference if the admission number is taken.
	CreateStudent(ctx context.Context, s Student) error
	GetStudent(ctx context.Context, id StudentID) (*Student, error)
	ListStudents(ctx context.Context) ([]Student, error)
}

// ActivityLog stores activity entries. Append-only.
type ActivityLog interface {
	Append(ctx context.Context, a Activity) error
	Query(ctx context.Context, filter ActivityFilter) ([]Activity, error)
}
