package fees_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-ledger/fees"
	"github.com/warp/fee-ledger/fees/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

const (
	bursar  fees.UserID = "bursar-1"
	cashier fees.UserID = "cashier-1"
)

type fixture struct {
	store    *store.TxMemory
	students *fees.StudentService
	invoices *fees.InvoiceService
	payments *fees.PaymentService
	checker  *fees.ConsistencyChecker
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...fees.PaymentOption) *fixture {
	t.Helper()
	s := store.NewTxMemory()
	logger := discardLogger()

	opts = append([]fees.PaymentOption{
		fees.WithLogger(logger),
		fees.WithClock(func() time.Time { return testNow }),
		fees.WithRetries(5, time.Millisecond),
	}, opts...)

	return &fixture{
		store:    s,
		students: fees.NewStudentService(s, logger),
		invoices: fees.NewInvoiceService(s, s, logger),
		payments: fees.NewPaymentService(s, opts...),
		checker:  fees.NewConsistencyChecker(s, logger),
	}
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newInvoice creates a student and a pending invoice for total.
func (f *fixture) newInvoice(t *testing.T, total string) fees.Invoice {
	t.Helper()
	ctx := context.Background()

	student, err := f.students.Create(ctx, fees.CreateStudentInput{
		AdmissionNumber: "ADM-" + uuid.NewString()[:8],
		FullName:        "Ada Obi",
		ClassName:       "JSS2",
	}, "registrar")
	require.NoError(t, err)

	inv, err := f.invoices.Generate(ctx, fees.GenerateInvoiceInput{
		StudentID:   student.ID,
		SessionID:   "2024/2025",
		Term:        "second",
		TotalAmount: amt(total),
		DueDate:     testNow.AddDate(0, 1, 0),
	}, bursar)
	require.NoError(t, err)
	return *inv
}

func cashPayment(amount string) fees.PaymentInput {
	return fees.PaymentInput{Amount: amt(amount), Method: fees.MethodCash}
}

func (f *fixture) record(t *testing.T, invoiceID fees.InvoiceID, amount string) fees.Payment {
	t.Helper()
	res, err := f.payments.Record(context.Background(), invoiceID, cashPayment(amount), cashier)
	require.NoError(t, err)
	return res.Payment
}

func (f *fixture) recordAndConfirm(t *testing.T, invoiceID fees.InvoiceID, amount string) *fees.ConfirmResult {
	t.Helper()
	p := f.record(t, invoiceID, amount)
	res, err := f.payments.Confirm(context.Background(), p.ID, bursar)
	require.NoError(t, err)
	return res
}

// seedPayment stores a payment directly, bypassing validation.
func (f *fixture) seedPayment(invoiceID fees.InvoiceID, amount string, status fees.PaymentStatus, txRef string) fees.Payment {
	p := fees.Payment{
		ID:                   fees.PaymentID(uuid.NewString()),
		Reference:            fees.NewPaymentReference(testNow),
		InvoiceID:            invoiceID,
		Amount:               amt(amount),
		Method:               fees.MethodBankTransfer,
		PaymentDate:          testNow,
		TransactionReference: txRef,
		BankName:             "First Bank",
		Status:               status,
		ReceivedBy:           cashier,
		CreatedAt:            testNow,
	}
	f.store.PutPayment(p)
	return p
}

func (f *fixture) storedInvoice(t *testing.T, id fees.InvoiceID) fees.Invoice {
	t.Helper()
	inv, err := f.store.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, inv)
	return *inv
}
