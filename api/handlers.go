/*
handlers.go - HTTP API handlers for the fee ledger

PURPOSE:
  Exposes the fees core via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the fees services. No business rule
  lives here.

ENDPOINTS:
  Students:
    GET    /api/students                     List students
    POST   /api/students                     Create student
    GET    /api/students/{id}                Get student

  Invoices:
    GET    /api/invoices                     List (student_id, session_id, status)
    POST   /api/invoices                     Generate invoice
    GET    /api/invoices/{id}                Invoice with recomputed totals
    GET    /api/invoices/{id}/payments       Payments, oldest first
    POST   /api/invoices/{id}/payments       Record a pending payment
    GET    /api/invoices/{id}/audit          Consistency report
    POST   /api/invoices/{id}/reconcile      Rewrite cached totals

  Payments:
    GET    /api/payments/{id}                Get payment
    POST   /api/payments/{id}/confirm        Confirm a pending payment

  Other:
    GET    /api/audits                       Flagged invoices across the ledger
    GET    /api/activity                     Activity log (invoice_id, actor_id, limit)
    GET    /api/reports/collection           Collection summary (session_id)

CALLER IDENTITY:
  Mutating endpoints read the acting user from the X-Actor-ID header.
  A missing header is a validation error from the service.

ACTIVITY:
  After each successful mutation the handler appends an Activity entry.
  A failed append is logged and does not fail the request.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input (with "field")
  - 404: Student, invoice or payment not found
  - 409: Already confirmed, not pending, duplicate, lost update
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/fee-ledger/fees"
)

// ActorHeader carries the acting user's id.
const ActorHeader = "X-Actor-ID"

// Backend is everything the handlers persist to. Both the SQLite store and
// the in-memory store satisfy it.
type Backend interface {
	fees.TxStore
	fees.StudentStore
	fees.ActivityLog
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Students *fees.StudentService
	Invoices *fees.InvoiceService
	Payments *fees.PaymentService
	Checker  *fees.ConsistencyChecker
	Reports  *fees.ReportService
	Activity fees.ActivityLog

	logger *slog.Logger
	now    func() time.Time

	// scenarioMu serializes scenario loads so the empty-ledger check and
	// the seeding happen as one step.
	scenarioMu sync.Mutex
}

// NewHandler wires the fees services onto one backend.
func NewHandler(backend Backend, logger *slog.Logger, opts ...fees.PaymentOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]fees.PaymentOption{fees.WithLogger(logger)}, opts...)
	return &Handler{
		Students: fees.NewStudentService(backend, logger),
		Invoices: fees.NewInvoiceService(backend, backend, logger),
		Payments: fees.NewPaymentService(backend, opts...),
		Checker:  fees.NewConsistencyChecker(backend, logger),
		Reports:  fees.NewReportService(backend),
		Activity: backend,
		logger:   logger,
		now:      time.Now,
	}
}

func actorID(r *http.Request) fees.UserID {
	return fees.UserID(strings.TrimSpace(r.Header.Get(ActorHeader)))
}

// recordActivity appends to the activity log. Failures are logged only.
func (h *Handler) recordActivity(ctx context.Context, a fees.Activity) {
	a.ID = uuid.NewString()
	a.CreatedAt = h.now().UTC()
	if err := h.Activity.Append(ctx, a); err != nil {
		h.logger.Error("failed to append activity", "action", a.Action, "actor", a.ActorID, "error", err)
	}
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// ListStudents returns all students.
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Students.List(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]StudentDTO, len(students))
	for i, s := range students {
		dtos[i] = toStudentDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateStudent registers a student.
// POST /api/students
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	actor := actorID(r)
	student, err := h.Students.Create(r.Context(), fees.CreateStudentInput{
		AdmissionNumber: req.AdmissionNumber,
		FullName:        req.FullName,
		ClassName:       req.ClassName,
	}, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.recordActivity(r.Context(), fees.Activity{
		ActorID: actor,
		Action:  fees.ActivityStudentCreated,
		Details: map[string]string{"student_id": string(student.ID), "admission_number": student.AdmissionNumber},
	})
	writeJSON(w, http.StatusCreated, toStudentDTO(*student))
}

// GetStudent returns a single student.
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	student, err := h.Students.Get(r.Context(), fees.StudentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(*student))
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListInvoices returns invoices, newest first.
// GET /api/invoices?student_id=&session_id=&status=
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter fees.InvoiceFilter
	if v := q.Get("student_id"); v != "" {
		id := fees.StudentID(v)
		filter.StudentID = &id
	}
	if v := q.Get("session_id"); v != "" {
		id := fees.SessionID(v)
		filter.SessionID = &id
	}
	if v := q.Get("status"); v != "" {
		status := fees.InvoiceStatus(v)
		if !status.Valid() {
			writeFieldError(w, "status", "unknown invoice status "+strconv.Quote(v))
			return
		}
		filter.Status = &status
	}

	invoices, err := h.Invoices.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GenerateInvoice creates an invoice for a student.
// POST /api/invoices
func (h *Handler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	var req GenerateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var dueDate time.Time
	if req.DueDate != "" {
		d, err := time.Parse(dateLayout, req.DueDate)
		if err != nil {
			writeFieldError(w, "due_date", "due date must be YYYY-MM-DD")
			return
		}
		dueDate = d
	}

	actor := actorID(r)
	inv, err := h.Invoices.Generate(r.Context(), fees.GenerateInvoiceInput{
		StudentID:   fees.StudentID(req.StudentID),
		SessionID:   fees.SessionID(req.SessionID),
		Term:        req.Term,
		TotalAmount: req.TotalAmount,
		DueDate:     dueDate,
	}, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.recordActivity(r.Context(), fees.Activity{
		ActorID:   actor,
		Action:    fees.ActivityInvoiceGenerated,
		InvoiceID: inv.ID,
		Details: map[string]string{
			"invoice_number": inv.InvoiceNumber,
			"total_amount":   fees.FormatAmount(inv.TotalAmount),
		},
	})
	writeJSON(w, http.StatusCreated, toInvoiceDTO(*inv))
}

// GetInvoice returns an invoice with totals recomputed from its payments.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	state, err := h.Invoices.Get(r.Context(), fees.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDetailDTO(*state))
}

// ListInvoicePayments returns every payment of an invoice.
func (h *Handler) ListInvoicePayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Payments.ListForInvoice(r.Context(), fees.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(payments))
}

// RecordPayment records a pending payment against an invoice.
// POST /api/invoices/{id}/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	invoiceID := fees.InvoiceID(chi.URLParam(r, "id"))

	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := fees.PaymentInput{
		Amount:               req.Amount,
		Method:               fees.PaymentMethod(req.PaymentMethod),
		TransactionReference: req.TransactionReference,
		BankName:             req.BankName,
		Notes:                req.Notes,
	}
	if req.PaymentDate != "" {
		d, err := time.Parse(dateLayout, req.PaymentDate)
		if err != nil {
			writeFieldError(w, "payment_date", "payment date must be YYYY-MM-DD")
			return
		}
		in.PaymentDate = &d
	}

	actor := actorID(r)
	res, err := h.Payments.Record(r.Context(), invoiceID, in, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.recordActivity(r.Context(), fees.Activity{
		ActorID:   actor,
		Action:    fees.ActivityPaymentRecorded,
		InvoiceID: invoiceID,
		PaymentID: res.Payment.ID,
		Details: map[string]string{
			"reference": res.Payment.Reference,
			"amount":    fees.FormatAmount(res.Payment.Amount),
			"method":    string(res.Payment.Method),
		},
	})
	writeJSON(w, http.StatusCreated, toPaymentDTO(res.Payment))
}

// AuditInvoice runs the consistency checks on one invoice. Read-only.
func (h *Handler) AuditInvoice(w http.ResponseWriter, r *http.Request) {
	report, err := h.Checker.ValidateInvoicePayments(r.Context(), fees.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(*report))
}

// ReconcileInvoice rewrites the cached paid amount and status.
// POST /api/invoices/{id}/reconcile
func (h *Handler) ReconcileInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID := fees.InvoiceID(chi.URLParam(r, "id"))
	actor := actorID(r)

	res, err := h.Checker.Reconcile(r.Context(), invoiceID, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if res.Changed {
		h.recordActivity(r.Context(), fees.Activity{
			ActorID:   actor,
			Action:    fees.ActivityInvoiceReconciled,
			InvoiceID: invoiceID,
			Details: map[string]string{
				"paid_before":   fees.FormatAmount(res.Before.PaidAmount),
				"paid_after":    fees.FormatAmount(res.After.PaidAmount),
				"status_before": string(res.Before.Status),
				"status_after":  string(res.After.Status),
			},
		})
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{
		Changed: res.Changed,
		Before:  toInvoiceDTO(res.Before),
		After:   toInvoiceDTO(res.After),
	})
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// GetPayment returns a single payment.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.Get(r.Context(), fees.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

// ConfirmPayment confirms a pending payment and updates its invoice.
// POST /api/payments/{id}/confirm
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := fees.PaymentID(chi.URLParam(r, "id"))
	actor := actorID(r)

	res, err := h.Payments.Confirm(r.Context(), paymentID, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	details := map[string]string{
		"amount":      fees.FormatAmount(res.Payment.Amount),
		"paid_amount": fees.FormatAmount(res.Invoice.PaidAmount),
	}
	if res.StatusChanged {
		details["status_before"] = string(res.PreviousStatus)
		details["status_after"] = string(res.Invoice.Status)
	}
	h.recordActivity(r.Context(), fees.Activity{
		ActorID:   actor,
		Action:    fees.ActivityPaymentConfirmed,
		InvoiceID: res.Invoice.ID,
		PaymentID: paymentID,
		Details:   details,
	})

	writeJSON(w, http.StatusOK, ConfirmPaymentResponse{
		Payment:        toPaymentDTO(res.Payment),
		Invoice:        toInvoiceDTO(res.Invoice),
		PreviousStatus: string(res.PreviousStatus),
		StatusChanged:  res.StatusChanged,
	})
}

// =============================================================================
// AUDIT, ACTIVITY, REPORTS
// =============================================================================

// ListFlaggedInvoices audits every invoice and returns the flagged ones.
// GET /api/audits
func (h *Handler) ListFlaggedInvoices(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Checker.AuditAll(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]AuditReportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toAuditReportDTO(rep)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListActivity returns the activity log, newest first.
// GET /api/activity?invoice_id=&actor_id=&limit=
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fees.ActivityFilter{Limit: 100}
	if v := q.Get("invoice_id"); v != "" {
		id := fees.InvoiceID(v)
		filter.InvoiceID = &id
	}
	if v := q.Get("actor_id"); v != "" {
		id := fees.UserID(v)
		filter.ActorID = &id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeFieldError(w, "limit", "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	activities, err := h.Activity.Query(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]ActivityDTO, len(activities))
	for i, a := range activities {
		dtos[i] = toActivityDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CollectionReport summarizes billed and collected amounts.
// GET /api/reports/collection?session_id=
func (h *Handler) CollectionReport(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Reports.Collection(r.Context(), fees.SessionID(r.URL.Query().Get("session_id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollectionReportDTO(summary))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeFieldError(w http.ResponseWriter, field, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Field: field})
}

// writeDomainError maps fees errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *fees.ValidationError
	switch {
	case errors.As(err, &verr):
		writeFieldError(w, verr.Field, verr.Message)
	case fees.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, fees.ErrAlreadyConfirmed):
		writeError(w, http.StatusConflict, "Payment already confirmed", err)
	case errors.Is(err, fees.ErrPaymentNotPending):
		writeError(w, http.StatusConflict, "Payment is not pending", err)
	case errors.Is(err, fees.ErrDuplicateReference):
		writeError(w, http.StatusConflict, "Duplicate reference", err)
	case fees.IsRetryable(err):
		writeError(w, http.StatusConflict, "Invoice was modified concurrently, try again", err)
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
