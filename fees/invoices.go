package fees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

// InvoiceService generates and reads invoices.
type InvoiceService struct {
	store    TxStore
	students StudentStore
	ledger   *InvoiceLedger
	logger   *slog.Logger
	now      func() time.Time
}

func NewInvoiceService(store TxStore, students StudentStore, logger *slog.Logger) *InvoiceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceService{
		store:    store,
		students: students,
		ledger:   NewInvoiceLedger(store),
		logger:   logger,
		now:      time.Now,
	}
}

type GenerateInvoiceInput struct {
	StudentID   StudentID
	SessionID   SessionID
	Term        string
	TotalAmount decimal.Decimal
	DueDate     time.Time
}

func (in GenerateInvoiceInput) validate() error {
	if strings.TrimSpace(string(in.StudentID)) == "" {
		return newValidationError("student_id", "student is required")
	}
	if strings.TrimSpace(string(in.SessionID)) == "" {
		return newValidationError("session_id", "academic session is required")
	}
	if !in.TotalAmount.IsPositive() {
		return newValidationError("total_amount", "total amount must be greater than zero")
	}
	if in.DueDate.IsZero() {
		return newValidationError("due_date", "due date is required")
	}
	return nil
}

// Generate creates an invoice with nothing paid. The invoice number is
// INV-<year>-<n>, n counting the invoices generated that year.
func (s *InvoiceService) Generate(ctx context.Context, in GenerateInvoiceInput, generatedBy UserID) (*Invoice, error) {
	if err := requireActor("generated_by", generatedBy); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	student, err := s.students.GetStudent(ctx, in.StudentID)
	if err != nil {
		return nil, wrapStoreErr("load student", err)
	}
	if student == nil {
		return nil, fmt.Errorf("student %s: %w", in.StudentID, ErrStudentNotFound)
	}

	now := s.now()
	inv := Invoice{
		ID:          InvoiceID(uuid.NewString()),
		StudentID:   in.StudentID,
		SessionID:   in.SessionID,
		Term:        strings.TrimSpace(in.Term),
		TotalAmount: in.TotalAmount,
		PaidAmount:  decimal.Zero,
		Status:      InvoicePending,
		DueDate:     calendarDate(in.DueDate),
		GeneratedAt: now,
		GeneratedBy: generatedBy,
		Version:     1,
	}

	// Two generations racing for the same number: the loser recounts.
	backoff := retry.WithMaxRetries(3, retry.NewConstant(5*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx Store) error {
			count, err := tx.CountInvoicesGeneratedIn(ctx, now.Year())
			if err != nil {
				return err
			}
			inv.InvoiceNumber = FormatInvoiceNumber(now.Year(), count+1)
			err = tx.CreateInvoice(ctx, inv)
			if errors.Is(err, ErrDuplicateReference) {
				return retry.RetryableError(err)
			}
			return err
		})
	})
	if err != nil {
		return nil, wrapStoreErr("generate invoice", err)
	}

	s.logger.Info("invoice generated",
		"invoice_id", inv.ID,
		"number", inv.InvoiceNumber,
		"student_id", inv.StudentID,
		"total", FormatAmount(inv.TotalAmount),
	)
	return &inv, nil
}

// Get returns the invoice with its recomputed paid amount.
func (s *InvoiceService) Get(ctx context.Context, id InvoiceID) (*InvoiceState, error) {
	return s.ledger.Current(ctx, id)
}

func (s *InvoiceService) List(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	invoices, err := s.store.ListInvoices(ctx, filter)
	if err != nil {
		return nil, wrapStoreErr("list invoices", err)
	}
	return invoices, nil
}
