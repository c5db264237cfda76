/*
Package fees provides the invoice/payment reconciliation core.

PURPOSE:
  Tracks what each student owes (invoices) and what has been collected
  against it (payments). An invoice's paid amount and status are derived
  from its confirmed payments; the stored paid_amount is only a cached
  projection of that sum.

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice:  A billing obligation for one student for one session/term
  - Payment:  A single monetary transaction against exactly one invoice
  - Student:  The billed party
  - Activity: Who did what, recorded by callers after a mutation

MONEY:
  All amounts are decimal.Decimal. Never float64: 0.1 + 0.2 must equal 0.3
  when summing fee payments.

LIFECYCLES:
  Invoice: generated (pending) --confirmations--> partial --> paid
  Payment: [none] --Record--> pending --Confirm--> confirmed

SEE ALSO:
  - ledger.go:      Paid amount recomputation and status derivation
  - payments.go:    Record / Confirm lifecycle
  - consistency.go: Audit and repair of drifted invoices
  - store.go:       Persistence ports
*/
package fees

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InvoiceID string
type PaymentID string
type StudentID string
type SessionID string
type UserID string

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePartial   InvoiceStatus = "partial"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoicePending, InvoicePartial, InvoicePaid, InvoiceOverdue, InvoiceCancelled:
		return true
	}
	return false
}

// Invoice is a billing obligation for one student for one academic session.
//
// PaidAmount is a cached projection of the confirmed payments. It is only
// written by PaymentService.Confirm and ConsistencyChecker.Reconcile.
// Version is bumped on every totals update and guards concurrent writers.
type Invoice struct {
	ID            InvoiceID
	InvoiceNumber string
	StudentID     StudentID
	SessionID     SessionID
	Term          string
	TotalAmount   decimal.Decimal
	PaidAmount    decimal.Decimal
	Status        InvoiceStatus
	DueDate       time.Time
	GeneratedAt   time.Time
	GeneratedBy   UserID
	Version       int64
}

// Balance is always derived; there is no setter.
func (i Invoice) Balance() decimal.Decimal {
	return i.TotalAmount.Sub(i.PaidAmount)
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodPOS          PaymentMethod = "pos"
	MethodCheque       PaymentMethod = "cheque"
	MethodOnline       PaymentMethod = "online"
)

// PaymentMethods lists every accepted method, in display order.
var PaymentMethods = []PaymentMethod{MethodCash, MethodBankTransfer, MethodPOS, MethodCheque, MethodOnline}

func (m PaymentMethod) Valid() bool {
	for _, known := range PaymentMethods {
		if m == known {
			return true
		}
	}
	return false
}

type PaymentStatus string

// PaymentFailed and PaymentReversed are part of the taxonomy but no
// operation in this package moves a payment into them.
const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentReversed  PaymentStatus = "reversed"
)

type Payment struct {
	ID                   PaymentID
	Reference            string
	InvoiceID            InvoiceID
	Amount               decimal.Decimal
	Method               PaymentMethod
	PaymentDate          time.Time
	TransactionReference string
	BankName             string
	Status               PaymentStatus
	Notes                string
	ReceivedBy           UserID
	ConfirmedBy          UserID
	ConfirmedAt          *time.Time
	CreatedAt            time.Time
}

func (p Payment) IsConfirmed() bool { return p.Status == PaymentConfirmed }

// PaymentInput is the caller-supplied part of a new payment.
// A nil PaymentDate defaults to the current day.
type PaymentInput struct {
	Amount               decimal.Decimal
	Method               PaymentMethod
	PaymentDate          *time.Time
	TransactionReference string
	BankName             string
	Notes                string
}

// =============================================================================
// STUDENT
// =============================================================================

type Student struct {
	ID              StudentID
	AdmissionNumber string
	FullName        string
	ClassName       string
	CreatedAt       time.Time
}

// =============================================================================
// ACTIVITY - Who did what, recorded by callers
// =============================================================================

type ActivityAction string

const (
	ActivityStudentCreated    ActivityAction = "student_created"
	ActivityInvoiceGenerated  ActivityAction = "invoice_generated"
	ActivityPaymentRecorded   ActivityAction = "payment_recorded"
	ActivityPaymentConfirmed  ActivityAction = "payment_confirmed"
	ActivityInvoiceReconciled ActivityAction = "invoice_reconciled"
)

type Activity struct {
	ID        string
	ActorID   UserID
	Action    ActivityAction
	InvoiceID InvoiceID
	PaymentID PaymentID
	Details   map[string]string
	CreatedAt time.Time
}

type ActivityFilter struct {
	InvoiceID *InvoiceID
	ActorID   *UserID
	Limit     int
}

// =============================================================================
// HELPERS
// =============================================================================

// FormatAmount renders an amount with two decimals, as shown to users.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// calendarDate returns midnight UTC of t's date as seen in t's own zone.
// Payment and due dates are calendar dates; stores persist them in UTC.
func calendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
