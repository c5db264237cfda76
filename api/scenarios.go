/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate an empty ledger with realistic
	data for demos and frontend development. Each scenario creates students,
	invoices and payments through the same services the API uses, so every
	row obeys the ledger rules and lands in the activity log.

AVAILABLE SCENARIOS:

	term-start:      Fresh term, every invoice unpaid
	part-payments:   Cash and POS instalments, one invoice fully settled
	bank-transfers:  Bank transfers recorded but awaiting confirmation

HOW SCENARIOS WORK:
 1. Refuse when students already exist (scenarios never reset data)
 2. Create students
 3. Generate invoices
 4. Record payments, confirming some of them

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "part-payments"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add a seed plan to 'scenarioPlans'

SEE ALSO:
  - handlers.go: Services used by the loaders
  - cmd/server/main.go: -scenario flag
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fee-ledger/fees"
)

// ScenarioActor attributes every action taken by a scenario loader.
const ScenarioActor fees.UserID = "scenario-loader"

// ErrLedgerNotEmpty is returned when a scenario is loaded on top of data.
var ErrLedgerNotEmpty = errors.New("ledger already has students")

// ErrUnknownScenario is returned for an unrecognised scenario ID.
var ErrUnknownScenario = errors.New("unknown scenario")

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "term-start",
		Name:        "Term Start",
		Description: "Three students invoiced for the second term, nothing paid yet",
	},
	{
		ID:          "part-payments",
		Name:        "Part Payments",
		Description: "Cash and POS instalments confirmed, one invoice settled in full",
	},
	{
		ID:          "bank-transfers",
		Name:        "Bank Transfers",
		Description: "Bank transfers recorded by the cashier, waiting for the bursar",
	},
}

type seedPayment struct {
	amount    string
	method    fees.PaymentMethod
	bank      string
	txRef     string
	confirmed bool
}

type seedStudent struct {
	admission string
	name      string
	class     string
	fee       string
	payments  []seedPayment
}

var scenarioPlans = map[string][]seedStudent{
	"term-start": {
		{admission: "ADM-2024-001", name: "Adaeze Okafor", class: "JSS1", fee: "45000"},
		{admission: "ADM-2024-002", name: "Tunde Bakare", class: "JSS2", fee: "52500"},
		{admission: "ADM-2024-003", name: "Zainab Musa", class: "SS1", fee: "61000"},
	},
	"part-payments": {
		{admission: "ADM-2024-001", name: "Adaeze Okafor", class: "JSS1", fee: "45000", payments: []seedPayment{
			{amount: "20000", method: fees.MethodCash, confirmed: true},
		}},
		{admission: "ADM-2024-002", name: "Tunde Bakare", class: "JSS2", fee: "52500", payments: []seedPayment{
			{amount: "30000", method: fees.MethodPOS, confirmed: true},
			{amount: "22500", method: fees.MethodCash, confirmed: true},
		}},
		{admission: "ADM-2024-003", name: "Zainab Musa", class: "SS1", fee: "61000", payments: []seedPayment{
			{amount: "10000", method: fees.MethodPOS},
		}},
	},
	"bank-transfers": {
		{admission: "ADM-2024-001", name: "Adaeze Okafor", class: "JSS1", fee: "45000", payments: []seedPayment{
			{amount: "45000", method: fees.MethodBankTransfer, bank: "First Bank", txRef: "FBN-220145"},
		}},
		{admission: "ADM-2024-002", name: "Tunde Bakare", class: "JSS2", fee: "52500", payments: []seedPayment{
			{amount: "25000", method: fees.MethodBankTransfer, bank: "GTBank", txRef: "GTB-880913", confirmed: true},
			{amount: "27500", method: fees.MethodBankTransfer, bank: "GTBank", txRef: "GTB-881207"},
		}},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds the ledger with a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.LoadScenarioByID(r.Context(), req.ScenarioID)
	switch {
	case errors.Is(err, ErrUnknownScenario):
		writeFieldError(w, "scenario_id", err.Error())
		return
	case errors.Is(err, ErrLedgerNotEmpty):
		writeError(w, http.StatusConflict, "Scenarios can only be loaded into an empty ledger", err)
		return
	case err != nil:
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// LoadScenarioByID seeds the ledger. It refuses to run when students exist.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	plan, ok := scenarioPlans[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	existing, err := h.Students.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return ErrLedgerNotEmpty
	}

	due := h.now().UTC().AddDate(0, 1, 0).Truncate(24 * time.Hour)
	for _, s := range plan {
		if err := h.seedStudent(ctx, s, due); err != nil {
			return fmt.Errorf("scenario %s: %s: %w", id, s.admission, err)
		}
	}

	h.logger.Info("scenario loaded", "scenario", id, "students", len(plan))
	return nil
}

func (h *Handler) seedStudent(ctx context.Context, s seedStudent, due time.Time) error {
	student, err := h.Students.Create(ctx, fees.CreateStudentInput{
		AdmissionNumber: s.admission,
		FullName:        s.name,
		ClassName:       s.class,
	}, ScenarioActor)
	if err != nil {
		return err
	}
	h.recordActivity(ctx, fees.Activity{
		ActorID: ScenarioActor,
		Action:  fees.ActivityStudentCreated,
		Details: map[string]string{"student_id": string(student.ID), "admission_number": student.AdmissionNumber},
	})

	inv, err := h.Invoices.Generate(ctx, fees.GenerateInvoiceInput{
		StudentID:   student.ID,
		SessionID:   "2024/2025",
		Term:        "second",
		TotalAmount: decimal.RequireFromString(s.fee),
		DueDate:     due,
	}, ScenarioActor)
	if err != nil {
		return err
	}
	h.recordActivity(ctx, fees.Activity{
		ActorID:   ScenarioActor,
		Action:    fees.ActivityInvoiceGenerated,
		InvoiceID: inv.ID,
		Details:   map[string]string{"invoice_number": inv.InvoiceNumber, "total": fees.FormatAmount(inv.TotalAmount)},
	})

	for _, p := range s.payments {
		res, err := h.Payments.Record(ctx, inv.ID, fees.PaymentInput{
			Amount:               decimal.RequireFromString(p.amount),
			Method:               p.method,
			BankName:             p.bank,
			TransactionReference: p.txRef,
		}, ScenarioActor)
		if err != nil {
			return err
		}
		h.recordActivity(ctx, fees.Activity{
			ActorID:   ScenarioActor,
			Action:    fees.ActivityPaymentRecorded,
			InvoiceID: inv.ID,
			PaymentID: res.Payment.ID,
			Details:   map[string]string{"reference": res.Payment.Reference, "amount": fees.FormatAmount(res.Payment.Amount)},
		})
		if !p.confirmed {
			continue
		}
		if _, err := h.Payments.Confirm(ctx, res.Payment.ID, ScenarioActor); err != nil {
			return err
		}
		h.recordActivity(ctx, fees.Activity{
			ActorID:   ScenarioActor,
			Action:    fees.ActivityPaymentConfirmed,
			InvoiceID: inv.ID,
			PaymentID: res.Payment.ID,
			Details:   map[string]string{"amount": fees.FormatAmount(res.Payment.Amount)},
		})
	}
	return nil
}
