/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the fees domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

MONEY:
  Requests accept amounts as JSON numbers or strings ("4000.50"); both
  decode into decimal.Decimal. Responses always render amounts as strings
  with two decimals so clients never parse money into floats.

DATES:
  due_date and payment_date are calendar dates (YYYY-MM-DD). Timestamps
  are RFC3339.

SEE ALSO:
  - handlers.go: Uses these types
  - fees/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fee-ledger/fees"
)

const dateLayout = "2006-01-02"

// =============================================================================
// STUDENTS
// =============================================================================

type StudentDTO struct {
	ID              string `json:"id"`
	AdmissionNumber string `json:"admission_number"`
	FullName        string `json:"full_name"`
	ClassName       string `json:"class_name,omitempty"`
	CreatedAt       string `json:"created_at"`
}

type CreateStudentRequest struct {
	AdmissionNumber string `json:"admission_number"`
	FullName        string `json:"full_name"`
	ClassName       string `json:"class_name"`
}

func toStudentDTO(s fees.Student) StudentDTO {
	return StudentDTO{
		ID:              string(s.ID),
		AdmissionNumber: s.AdmissionNumber,
		FullName:        s.FullName,
		ClassName:       s.ClassName,
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceDTO struct {
	ID            string `json:"id"`
	InvoiceNumber string `json:"invoice_number"`
	StudentID     string `json:"student_id"`
	SessionID     string `json:"session_id"`
	Term          string `json:"term,omitempty"`
	TotalAmount   string `json:"total_amount"`
	PaidAmount    string `json:"paid_amount"`
	Balance       string `json:"balance"`
	Status        string `json:"status"`
	DueDate       string `json:"due_date"`
	GeneratedAt   string `json:"generated_at"`
	GeneratedBy   string `json:"generated_by"`
	Version       int64  `json:"version"`
}

// InvoiceDetailDTO adds the amounts recomputed from confirmed payments.
// ConfirmedTotal differs from PaidAmount only when the stored totals drifted.
type InvoiceDetailDTO struct {
	InvoiceDTO
	ConfirmedTotal   string `json:"confirmed_total"`
	AvailableBalance string `json:"available_balance"`
}

type GenerateInvoiceRequest struct {
	StudentID   string          `json:"student_id"`
	SessionID   string          `json:"session_id"`
	Term        string          `json:"term"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	DueDate     string          `json:"due_date"`
}

func toInvoiceDTO(inv fees.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:            string(inv.ID),
		InvoiceNumber: inv.InvoiceNumber,
		StudentID:     string(inv.StudentID),
		SessionID:     string(inv.SessionID),
		Term:          inv.Term,
		TotalAmount:   fees.FormatAmount(inv.TotalAmount),
		PaidAmount:    fees.FormatAmount(inv.PaidAmount),
		Balance:       fees.FormatAmount(inv.Balance()),
		Status:        string(inv.Status),
		DueDate:       inv.DueDate.Format(dateLayout),
		GeneratedAt:   inv.GeneratedAt.Format(time.RFC3339),
		GeneratedBy:   string(inv.GeneratedBy),
		Version:       inv.Version,
	}
}

func toInvoiceDetailDTO(state fees.InvoiceState) InvoiceDetailDTO {
	return InvoiceDetailDTO{
		InvoiceDTO:       toInvoiceDTO(state.Invoice),
		ConfirmedTotal:   fees.FormatAmount(state.CurrentPaid),
		AvailableBalance: fees.FormatAmount(state.Balance),
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentDTO struct {
	ID                   string  `json:"id"`
	Reference            string  `json:"reference"`
	InvoiceID            string  `json:"invoice_id"`
	Amount               string  `json:"amount"`
	PaymentMethod        string  `json:"payment_method"`
	PaymentDate          string  `json:"payment_date"`
	TransactionReference string  `json:"transaction_reference,omitempty"`
	BankName             string  `json:"bank_name,omitempty"`
	Status               string  `json:"status"`
	Notes                string  `json:"notes,omitempty"`
	ReceivedBy           string  `json:"received_by"`
	ConfirmedBy          string  `json:"confirmed_by,omitempty"`
	ConfirmedAt          *string `json:"confirmed_at,omitempty"`
	CreatedAt            string  `json:"created_at"`
}

type RecordPaymentRequest struct {
	Amount               decimal.Decimal `json:"amount"`
	PaymentMethod        string          `json:"payment_method"`
	PaymentDate          string          `json:"payment_date,omitempty"`
	TransactionReference string          `json:"transaction_reference"`
	BankName             string          `json:"bank_name"`
	Notes                string          `json:"notes"`
}

type ConfirmPaymentResponse struct {
	Payment        PaymentDTO `json:"payment"`
	Invoice        InvoiceDTO `json:"invoice"`
	PreviousStatus string     `json:"previous_status"`
	StatusChanged  bool       `json:"status_changed"`
}

func toPaymentDTO(p fees.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:                   string(p.ID),
		Reference:            p.Reference,
		InvoiceID:            string(p.InvoiceID),
		Amount:               fees.FormatAmount(p.Amount),
		PaymentMethod:        string(p.Method),
		PaymentDate:          p.PaymentDate.Format(dateLayout),
		TransactionReference: p.TransactionReference,
		BankName:             p.BankName,
		Status:               string(p.Status),
		Notes:                p.Notes,
		ReceivedBy:           string(p.ReceivedBy),
		ConfirmedBy:          string(p.ConfirmedBy),
		CreatedAt:            p.CreatedAt.Format(time.RFC3339),
	}
	if p.ConfirmedAt != nil {
		s := p.ConfirmedAt.Format(time.RFC3339)
		dto.ConfirmedAt = &s
	}
	return dto
}

func toPaymentDTOs(payments []fees.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditReportDTO struct {
	InvoiceID           string   `json:"invoice_id"`
	IsValid             bool     `json:"is_valid"`
	TotalPayments       string   `json:"total_payments"`
	InvoiceTotal        string   `json:"invoice_total"`
	Errors              []string `json:"errors"`
	DuplicateReferences []string `json:"duplicate_references,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
}

type ReconcileResponse struct {
	Changed bool       `json:"changed"`
	Before  InvoiceDTO `json:"before"`
	After   InvoiceDTO `json:"after"`
}

func toAuditReportDTO(r fees.AuditReport) AuditReportDTO {
	return AuditReportDTO{
		InvoiceID:           string(r.InvoiceID),
		IsValid:             r.IsValid,
		TotalPayments:       fees.FormatAmount(r.TotalPayments),
		InvoiceTotal:        fees.FormatAmount(r.InvoiceTotal),
		Errors:              r.Errors,
		DuplicateReferences: r.DuplicateReferences,
		Warnings:            r.Warnings,
	}
}

// =============================================================================
// ACTIVITY AND REPORTS
// =============================================================================

type ActivityDTO struct {
	ID        string            `json:"id"`
	ActorID   string            `json:"actor_id"`
	Action    string            `json:"action"`
	InvoiceID string            `json:"invoice_id,omitempty"`
	PaymentID string            `json:"payment_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt string            `json:"created_at"`
}

func toActivityDTO(a fees.Activity) ActivityDTO {
	return ActivityDTO{
		ID:        a.ID,
		ActorID:   string(a.ActorID),
		Action:    string(a.Action),
		InvoiceID: string(a.InvoiceID),
		PaymentID: string(a.PaymentID),
		Details:   a.Details,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	}
}

type CollectionReportDTO struct {
	SessionID   string         `json:"session_id,omitempty"`
	Invoices    int            `json:"invoices"`
	ByStatus    map[string]int `json:"by_status"`
	Billed      string         `json:"billed"`
	Collected   string         `json:"collected"`
	Outstanding string         `json:"outstanding"`
}

func toCollectionReportDTO(s fees.CollectionSummary) CollectionReportDTO {
	byStatus := make(map[string]int, len(s.ByStatus))
	for status, n := range s.ByStatus {
		byStatus[string(status)] = n
	}
	return CollectionReportDTO{
		SessionID:   string(s.SessionID),
		Invoices:    s.Invoices,
		ByStatus:    byStatus,
		Billed:      fees.FormatAmount(s.Billed),
		Collected:   fees.FormatAmount(s.Collected),
		Outstanding: fees.FormatAmount(s.Outstanding),
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}
