package fees

import (
	"context"

	"github.com/shopspring/decimal"
)

// CollectionSummary aggregates invoices for the fee dashboard.
// Collected and Outstanding use the stored (cached) paid amounts.
type CollectionSummary struct {
	SessionID   SessionID
	Invoices    int
	ByStatus    map[InvoiceStatus]int
	Billed      decimal.Decimal
	Collected   decimal.Decimal
	Outstanding decimal.Decimal
}

// Summarize folds invoices into a CollectionSummary. Cancelled invoices are
// counted but not billed.
func Summarize(sessionID SessionID, invoices []Invoice) CollectionSummary {
	sum := CollectionSummary{
		SessionID:   sessionID,
		ByStatus:    make(map[InvoiceStatus]int),
		Billed:      decimal.Zero,
		Collected:   decimal.Zero,
		Outstanding: decimal.Zero,
	}
	for _, inv := range invoices {
		sum.Invoices++
		sum.ByStatus[inv.Status]++
		if inv.Status == InvoiceCancelled {
			continue
		}
		sum.Billed = sum.Billed.Add(inv.TotalAmount)
		sum.Collected = sum.Collected.Add(inv.PaidAmount)
		sum.Outstanding = sum.Outstanding.Add(inv.Balance())
	}
	return sum
}

type ReportService struct {
	store Store
}

func NewReportService(store Store) *ReportService {
	return &ReportService{store: store}
}

// Collection summarizes one session, or every invoice when sessionID is empty.
func (r *ReportService) Collection(ctx context.Context, sessionID SessionID) (CollectionSummary, error) {
	var filter InvoiceFilter
	if sessionID != "" {
		filter.SessionID = &sessionID
	}
	invoices, err := r.store.ListInvoices(ctx, filter)
	if err != nil {
		return CollectionSummary{}, wrapStoreErr("list invoices", err)
	}
	return Summarize(sessionID, invoices), nil
}
