/*
handlers_test.go - HTTP tests for the fee ledger API

Tests for:
- Student, invoice and payment round trips through the router
- Error mapping (400 with field, 404, 409)
- Activity entries written after mutations
- Audit and reconcile endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-ledger/fees"
	"github.com/warp/fee-ledger/fees/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testAPI struct {
	router  *chi.Mux
	handler *Handler
	store   *store.TxMemory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	s := store.NewTxMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(s, logger, fees.WithRetries(3, time.Millisecond))
	return &testAPI{router: NewRouter(h, nil), handler: h, store: s}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, actor string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedInvoice creates a student and an invoice through the API.
func (a *testAPI) seedInvoice(t *testing.T, total string) InvoiceDTO {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/students", CreateStudentRequest{
		AdmissionNumber: "ADM-" + t.Name(),
		FullName:        "Ada Obi",
		ClassName:       "JSS2",
	}, "registrar")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	student := decode[StudentDTO](t, rec)

	rec = a.do(t, http.MethodPost, "/api/invoices", GenerateInvoiceRequest{
		StudentID:   student.ID,
		SessionID:   "2024/2025",
		Term:        "second",
		TotalAmount: decimal.RequireFromString(total),
		DueDate:     "2025-04-30",
	}, "bursar")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[InvoiceDTO](t, rec)
}

func (a *testAPI) recordCash(t *testing.T, invoiceID, amount string) PaymentDTO {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/invoices/"+invoiceID+"/payments", RecordPaymentRequest{
		Amount:        decimal.RequireFromString(amount),
		PaymentMethod: "cash",
	}, "cashier")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[PaymentDTO](t, rec)
}

// =============================================================================
// PAYMENT FLOW
// =============================================================================

func TestAPI_RecordAndConfirm_PartialThenPaid(t *testing.T) {
	// GIVEN: A 10000 invoice
	// WHEN: 4000 then 6000 are recorded and confirmed over HTTP
	// THEN: Invoice moves partial -> paid, responses carry formatted amounts

	api := newTestAPI(t)
	inv := api.seedInvoice(t, "10000")
	assert.Equal(t, "pending", inv.Status)
	assert.Equal(t, "10000.00", inv.Balance)

	p1 := api.recordCash(t, inv.ID, "4000")
	assert.Equal(t, "pending", p1.Status)
	assert.Equal(t, "4000.00", p1.Amount)

	rec := api.do(t, http.MethodPost, "/api/payments/"+p1.ID+"/confirm", nil, "bursar")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ConfirmPaymentResponse](t, rec)
	assert.Equal(t, "partial", res.Invoice.Status)
	assert.Equal(t, "pending", res.PreviousStatus)
	assert.True(t, res.StatusChanged)
	assert.Equal(t, "confirmed", res.Payment.Status)
	require.NotNil(t, res.Payment.ConfirmedAt)

	p2 := api.recordCash(t, inv.ID, "6000")
	rec = api.do(t, http.MethodPost, "/api/payments/"+p2.ID+"/confirm", nil, "bursar")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/invoices/"+inv.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[InvoiceDetailDTO](t, rec)
	assert.Equal(t, "paid", detail.Status)
	assert.Equal(t, "10000.00", detail.PaidAmount)
	assert.Equal(t, "10000.00", detail.ConfirmedTotal)
	assert.Equal(t, "0.00", detail.AvailableBalance)

	rec = api.do(t, http.MethodGet, "/api/invoices/"+inv.ID+"/payments", nil, "")
	payments := decode[[]PaymentDTO](t, rec)
	require.Len(t, payments, 2)
	assert.Equal(t, p1.ID, payments[0].ID)
}

func TestAPI_RecordPayment_ExceedsBalance_400WithField(t *testing.T) {
	api := newTestAPI(t)
	inv := api.seedInvoice(t, "10000")

	rec := api.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", map[string]any{
		"amount":         15000,
		"payment_method": "cash",
	}, "cashier")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "amount", body.Field)
}

func TestAPI_RecordPayment_BankTransferWithoutBank_400(t *testing.T) {
	api := newTestAPI(t)
	inv := api.seedInvoice(t, "10000")

	rec := api.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", map[string]any{
		"amount":                "5000",
		"payment_method":        "bank_transfer",
		"transaction_reference": "TRX-77",
	}, "cashier")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bank_name", decode[ErrorResponse](t, rec).Field)
}

func TestAPI_RecordPayment_BadDate_400(t *testing.T) {
	api := newTestAPI(t)
	inv := api.seedInvoice(t, "10000")

	rec := api.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", map[string]any{
		"amount":         "50",
		"payment_method": "cash",
		"payment_date":   "10/03/2025",
	}, "cashier")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "payment_date", decode[ErrorResponse](t, rec).Field)
}

func TestAPI_RecordPayment_MissingActor_400(t *testing.T) {
	api := newTestAPI(t)
	inv := api.seedInvoice(t, "10000")

	rec := api.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", map[string]any{
		"amount":         "50",
		"payment_method": "cash",
	}, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "received_by", decode[ErrorResponse](t, rec).Field)
}

func TestAPI_RecordPayment_InvalidJSON_400(t *testing.T) {
	api := newTestAPI(t)
	inv := api.seedInvoice(t, "10000")

	req := httptest.NewRequest(http.MethodPost, "/api/invoices/"+inv.ID+"/payments", bytes.NewBufferString("{"))
	req.Header.Set(ActorHeader, "cashier")
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ConfirmTwice_409(t *testing.T) {
	api := newTestAPI(t)
	inv := api.seedInvoice(t, "10000")
	p := api.recordCash(t, inv.ID, "4000")

	rec := api.do(t, http.MethodPost, "/api/payments/"+p.ID+"/confirm", nil, "bursar")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/payments/"+p.ID+"/confirm", nil, "bursar")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/invoices/"+inv.ID, nil, "")
	assert.Equal(t, "4000.00", decode[InvoiceDetailDTO](t, rec).PaidAmount)
}

func TestAPI_NotFound_404(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{
		"/api/invoices/missing",
		"/api/invoices/missing/payments",
		"/api/invoices/missing/audit",
		"/api/payments/missing",
		"/api/students/missing",
	} {
		rec := api.do(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec := api.do(t, http.MethodPost, "/api/payments/missing/confirm", nil, "bursar")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// STUDENTS AND INVOICES
// =============================================================================

func TestAPI_CreateStudent_DuplicateAdmissionNumber_409(t *testing.T) {
	api := newTestAPI(t)
	req := CreateStudentRequest{AdmissionNumber: "ADM-1", FullName: "Ada Obi"}

	rec := api.do(t, http.MethodPost, "/api/students", req, "registrar")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/students", req, "registrar")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/students", nil, "")
	assert.Len(t, decode[[]StudentDTO](t, rec), 1)
}

func TestAPI_CreateStudent_MissingActor_400(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/students", CreateStudentRequest{
		AdmissionNumber: "ADM-1",
		FullName:        "Ada Obi",
	}, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "created_by", decode[ErrorResponse](t, rec).Field)

	rec = api.do(t, http.MethodGet, "/api/students", nil, "")
	assert.Empty(t, decode[[]StudentDTO](t, rec))

	entries, err := api.store.Query(context.Background(), fees.ActivityFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAPI_GenerateInvoice_UnknownStudent_404(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/invoices", GenerateInvoiceRequest{
		StudentID:   "ghost",
		SessionID:   "2024/2025",
		TotalAmount: decimal.NewFromInt(100),
		DueDate:     "2025-04-30",
	}, "bursar")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ListInvoices_StatusFilter(t *testing.T) {
	api := newTestAPI(t)
	inv := api.seedInvoice(t, "10000")

	rec := api.do(t, http.MethodGet, "/api/invoices?status=pending&session_id=2024/2025", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]InvoiceDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, inv.ID, list[0].ID)

	rec = api.do(t, http.MethodGet, "/api/invoices?status=paid", nil, "")
	assert.Empty(t, decode[[]InvoiceDTO](t, rec))

	rec = api.do(t, http.MethodGet, "/api/invoices?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "status", decode[ErrorResponse](t, rec).Field)
}

// =============================================================================
// AUDIT, RECONCILE, ACTIVITY, REPORTS
// =============================================================================

func TestAPI_AuditAndReconcile(t *testing.T) {
	// GIVEN: An invoice with a confirmed payment the service never saw
	// WHEN: Auditing, then reconciling
	// THEN: Audit warns about drift, reconcile repairs it and is logged

	api := newTestAPI(t)
	inv := api.seedInvoice(t, "10000")
	api.store.PutPayment(fees.Payment{
		ID:        "seeded",
		Reference: "PAY-SEEDED",
		InvoiceID: fees.InvoiceID(inv.ID),
		Amount:    decimal.NewFromInt(2500),
		Method:    fees.MethodCash,
		Status:    fees.PaymentConfirmed,
	})

	rec := api.do(t, http.MethodGet, "/api/invoices/"+inv.ID+"/audit", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[AuditReportDTO](t, rec)
	assert.True(t, report.IsValid)
	assert.NotEmpty(t, report.Warnings)
	assert.Equal(t, "2500.00", report.TotalPayments)

	rec = api.do(t, http.MethodGet, "/api/audits", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AuditReportDTO](t, rec), 1)

	rec = api.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/reconcile", nil, "auditor")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[ReconcileResponse](t, rec)
	assert.True(t, res.Changed)
	assert.Equal(t, "partial", res.After.Status)
	assert.Equal(t, "2500.00", res.After.PaidAmount)

	rec = api.do(t, http.MethodGet, "/api/activity?invoice_id="+inv.ID+"&limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	activity := decode[[]ActivityDTO](t, rec)
	require.Len(t, activity, 1)
	assert.Equal(t, string(fees.ActivityInvoiceReconciled), activity[0].Action)
	assert.Equal(t, "auditor", activity[0].ActorID)
}

func TestAPI_ActivityRecordedForPaymentLifecycle(t *testing.T) {
	api := newTestAPI(t)
	inv := api.seedInvoice(t, "10000")
	p := api.recordCash(t, inv.ID, "1000")
	rec := api.do(t, http.MethodPost, "/api/payments/"+p.ID+"/confirm", nil, "bursar")
	require.Equal(t, http.StatusOK, rec.Code)

	invoiceID := fees.InvoiceID(inv.ID)
	entries, err := api.store.Query(context.Background(), fees.ActivityFilter{InvoiceID: &invoiceID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, fees.ActivityPaymentConfirmed, entries[0].Action)
	assert.Equal(t, fees.UserID("bursar"), entries[0].ActorID)
	assert.Equal(t, "pending", entries[0].Details["status_before"])
	assert.Equal(t, fees.ActivityPaymentRecorded, entries[1].Action)
	assert.Equal(t, fees.ActivityInvoiceGenerated, entries[2].Action)

	rec = api.do(t, http.MethodGet, "/api/activity?limit=0", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_CollectionReport(t *testing.T) {
	api := newTestAPI(t)
	inv := api.seedInvoice(t, "10000")
	p := api.recordCash(t, inv.ID, "4000")
	api.do(t, http.MethodPost, "/api/payments/"+p.ID+"/confirm", nil, "bursar")

	rec := api.do(t, http.MethodGet, "/api/reports/collection?session_id=2024/2025", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[CollectionReportDTO](t, rec)

	assert.Equal(t, 1, report.Invoices)
	assert.Equal(t, 1, report.ByStatus["partial"])
	assert.Equal(t, "10000.00", report.Billed)
	assert.Equal(t, "4000.00", report.Collected)
	assert.Equal(t, "6000.00", report.Outstanding)
}

func TestAPI_CORSAllowsActorHeader(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/invoices", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", ActorHeader)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}
