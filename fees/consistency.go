/*
consistency.go - Audit and repair of invoice ledgers

PURPOSE:
  Detects anomalies in an invoice's confirmed payments. Read-only and
  advisory: ValidateInvoicePayments never changes anything. Reconcile is
  the explicit repair that rewrites the cached paid amount and status from
  the recomputed sum.

CHECKS (make IsValid false):
  1. Over-collection: confirmed total > invoice total
  2. Duplicate transaction references among confirmed payments

WARNINGS (informational):
  - Status drift: stored paid_amount or status differ from the values
    derived from confirmed payments

SEE ALSO:
  - ledger.go:          Current() recomputation
  - api/scheduler.go:   Periodic AuditAll sweep
*/
package fees

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

type ConsistencyChecker struct {
	store  TxStore
	ledger *InvoiceLedger
	logger *slog.Logger
}

func NewConsistencyChecker(store TxStore, logger *slog.Logger) *ConsistencyChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsistencyChecker{store: store, ledger: NewInvoiceLedger(store), logger: logger}
}

// AuditReport is the outcome of ValidateInvoicePayments.
type AuditReport struct {
	InvoiceID           InvoiceID
	IsValid             bool
	TotalPayments       decimal.Decimal
	InvoiceTotal        decimal.Decimal
	Errors              []string
	DuplicateReferences []string
	Warnings            []string
}

// ValidateInvoicePayments audits an invoice's confirmed payments. It only
// fails when the invoice cannot be loaded.
func (c *ConsistencyChecker) ValidateInvoicePayments(ctx context.Context, id InvoiceID) (*AuditReport, error) {
	state, err := c.ledger.Current(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := c.store.ListPayments(ctx, id)
	if err != nil {
		return nil, wrapStoreErr("list payments", err)
	}
	return auditPayments(*state, payments), nil
}

func auditPayments(state InvoiceState, payments []Payment) *AuditReport {
	inv := state.Invoice
	report := &AuditReport{
		InvoiceID:     inv.ID,
		TotalPayments: decimal.Zero,
		InvoiceTotal:  inv.TotalAmount,
		Errors:        []string{},
	}

	seen := make(map[string]int)
	for _, p := range payments {
		if !p.IsConfirmed() {
			continue
		}
		report.TotalPayments = report.TotalPayments.Add(p.Amount)
		if ref := strings.TrimSpace(p.TransactionReference); ref != "" {
			seen[ref]++
		}
	}

	if report.TotalPayments.GreaterThan(inv.TotalAmount) {
		report.Errors = append(report.Errors, fmt.Sprintf("Total payments (%s) exceed invoice total (%s)",
			FormatAmount(report.TotalPayments), FormatAmount(inv.TotalAmount)))
	}

	for ref, n := range seen {
		if n > 1 {
			report.DuplicateReferences = append(report.DuplicateReferences, ref)
		}
	}
	if len(report.DuplicateReferences) > 0 {
		sort.Strings(report.DuplicateReferences)
		report.Errors = append(report.Errors, fmt.Sprintf("Duplicate transaction references found: %s",
			strings.Join(report.DuplicateReferences, ", ")))
	}

	if !state.Drift().IsZero() {
		report.Warnings = append(report.Warnings, fmt.Sprintf("Stored paid amount (%s) differs from confirmed payments (%s)",
			FormatAmount(inv.PaidAmount), FormatAmount(state.CurrentPaid)))
	}
	if expected := CalculateStatus(inv.TotalAmount, state.CurrentPaid); statusDerivable(inv.Status) && inv.Status != expected {
		report.Warnings = append(report.Warnings, fmt.Sprintf("Stored status %q should be %q", inv.Status, expected))
	}

	report.IsValid = len(report.Errors) == 0
	return report
}

// statusDerivable excludes statuses set outside the payment flow.
func statusDerivable(s InvoiceStatus) bool {
	return s != InvoiceOverdue && s != InvoiceCancelled
}

// AuditAll validates every invoice and returns the reports that are invalid
// or carry warnings.
func (c *ConsistencyChecker) AuditAll(ctx context.Context) ([]AuditReport, error) {
	invoices, err := c.store.ListInvoices(ctx, InvoiceFilter{})
	if err != nil {
		return nil, wrapStoreErr("list invoices", err)
	}

	var flagged []AuditReport
	for _, inv := range invoices {
		if err := ctx.Err(); err != nil {
			return flagged, err
		}
		report, err := c.ValidateInvoicePayments(ctx, inv.ID)
		if err != nil {
			return flagged, err
		}
		if !report.IsValid || len(report.Warnings) > 0 {
			flagged = append(flagged, *report)
		}
	}
	return flagged, nil
}

// =============================================================================
// RECONCILE - Explicit repair of the cached projection
// =============================================================================

type ReconcileResult struct {
	Before  Invoice
	After   Invoice
	Changed bool
}

// Reconcile rewrites paid amount and status from the confirmed payments.
// Overdue and cancelled statuses are kept; only the paid amount is repaired.
func (c *ConsistencyChecker) Reconcile(ctx context.Context, id InvoiceID, actor UserID) (*ReconcileResult, error) {
	if err := requireActor("actor_id", actor); err != nil {
		return nil, err
	}

	var result ReconcileResult
	err := c.store.WithTx(ctx, func(tx Store) error {
		state, err := NewInvoiceLedger(tx).Current(ctx, id)
		if err != nil {
			return err
		}
		before := state.Invoice
		after := before
		after.PaidAmount = state.CurrentPaid
		if statusDerivable(before.Status) {
			after.Status = CalculateStatus(before.TotalAmount, state.CurrentPaid)
		}

		result.Before = before
		result.After = after
		if after.PaidAmount.Equal(before.PaidAmount) && after.Status == before.Status {
			return nil
		}

		if err := tx.UpdateInvoiceTotals(ctx, id, after.PaidAmount, after.Status, before.Version); err != nil {
			return wrapStoreErr("update invoice totals", err)
		}
		result.After.Version++
		result.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Changed {
		c.logger.Warn("invoice reconciled",
			"invoice_id", id,
			"actor", actor,
			"paid_before", FormatAmount(result.Before.PaidAmount),
			"paid_after", FormatAmount(result.After.PaidAmount),
			"status_before", result.Before.Status,
			"status_after", result.After.Status,
		)
	}
	return &result, nil
}
