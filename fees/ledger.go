/*
ledger.go - Current financial state of an invoice

PURPOSE:
  The InvoiceLedger is the single source of truth for what an invoice has
  collected. It never trusts the stored paid_amount: every read sums the
  invoice's confirmed payments again. The stored value is a cache that
  ConsistencyChecker compares against this recomputation.

STATUS:
  CalculateStatus is a pure function of (total, paid):
    paid <= 0      -> pending
    paid >= total  -> paid
    otherwise      -> partial
  Overdue and cancelled are never produced here.

SEE ALSO:
  - payments.go:    Uses Current() inside the confirmation transaction
  - consistency.go: Compares Current() against stored totals
*/
package fees

import (
	"context"

	"github.com/shopspring/decimal"
)

// InvoiceLedger reads invoices with their recomputed paid amount.
type InvoiceLedger struct {
	store Store
}

func NewInvoiceLedger(store Store) *InvoiceLedger {
	return &InvoiceLedger{store: store}
}

// InvoiceState is an invoice together with its recomputed totals.
type InvoiceState struct {
	Invoice     Invoice
	CurrentPaid decimal.Decimal
	Balance     decimal.Decimal
}

// Drift is stored paid minus recomputed paid. Non-zero means status drift.
func (s InvoiceState) Drift() decimal.Decimal {
	return s.Invoice.PaidAmount.Sub(s.CurrentPaid)
}

// Current loads an invoice and recomputes its paid amount from confirmed payments.
func (l *InvoiceLedger) Current(ctx context.Context, id InvoiceID) (*InvoiceState, error) {
	inv, err := l.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, wrapStoreErr("load invoice", err)
	}
	if inv == nil {
		return nil, &InvoiceError{InvoiceID: id, Err: ErrInvoiceNotFound}
	}

	paid, err := l.store.SumConfirmedPayments(ctx, id)
	if err != nil {
		return nil, wrapStoreErr("sum confirmed payments", err)
	}

	return &InvoiceState{
		Invoice:     *inv,
		CurrentPaid: paid,
		Balance:     inv.TotalAmount.Sub(paid),
	}, nil
}

// CalculateStatus derives invoice status from total and paid amounts.
func CalculateStatus(total, paid decimal.Decimal) InvoiceStatus {
	switch {
	case !paid.IsPositive():
		return InvoicePending
	case paid.GreaterThanOrEqual(total):
		return InvoicePaid
	default:
		return InvoicePartial
	}
}
