// Package store provides in-memory implementations of the fees storage ports.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fee-ledger/fees"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	data memoryData
}

type memoryData struct {
	invoices       map[fees.InvoiceID]fees.Invoice
	invoiceNumbers map[string]bool
	payments       map[fees.PaymentID]fees.Payment
	byInvoice      map[fees.InvoiceID][]fees.PaymentID
	references     map[string]bool
	students       map[fees.StudentID]fees.Student
	admissions     map[string]bool
	activities     []fees.Activity
}

func newMemoryData() memoryData {
	return memoryData{
		invoices:       make(map[fees.InvoiceID]fees.Invoice),
		invoiceNumbers: make(map[string]bool),
		payments:       make(map[fees.PaymentID]fees.Payment),
		byInvoice:      make(map[fees.InvoiceID][]fees.PaymentID),
		references:     make(map[string]bool),
		students:       make(map[fees.StudentID]fees.Student),
		admissions:     make(map[string]bool),
	}
}

func NewMemory() *Memory {
	return &Memory{data: newMemoryData()}
}

// =============================================================================
// INVOICES
// =============================================================================

func (m *Memory) CreateInvoice(_ context.Context, inv fees.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createInvoice(inv)
}

func (d *memoryData) createInvoice(inv fees.Invoice) error {
	if _, exists := d.invoices[inv.ID]; exists || d.invoiceNumbers[inv.InvoiceNumber] {
		return fees.ErrDuplicateReference
	}
	d.invoices[inv.ID] = inv
	d.invoiceNumbers[inv.InvoiceNumber] = true
	return nil
}

func (m *Memory) GetInvoice(_ context.Context, id fees.InvoiceID) (*fees.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getInvoice(id), nil
}

func (d *memoryData) getInvoice(id fees.InvoiceID) *fees.Invoice {
	inv, ok := d.invoices[id]
	if !ok {
		return nil
	}
	return &inv
}

func (m *Memory) ListInvoices(_ context.Context, filter fees.InvoiceFilter) ([]fees.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.listInvoices(filter), nil
}

func (d *memoryData) listInvoices(filter fees.InvoiceFilter) []fees.Invoice {
	var result []fees.Invoice
	for _, inv := range d.invoices {
		if filter.StudentID != nil && inv.StudentID != *filter.StudentID {
			continue
		}
		if filter.SessionID != nil && inv.SessionID != *filter.SessionID {
			continue
		}
		if filter.Status != nil && inv.Status != *filter.Status {
			continue
		}
		result = append(result, inv)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].GeneratedAt.After(result[j].GeneratedAt)
	})
	return result
}

func (m *Memory) CountInvoicesGeneratedIn(_ context.Context, year int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.countInvoicesGeneratedIn(year), nil
}

func (d *memoryData) countInvoicesGeneratedIn(year int) int {
	n := 0
	for _, inv := range d.invoices {
		if inv.GeneratedAt.Year() == year {
			n++
		}
	}
	return n
}

func (m *Memory) UpdateInvoiceTotals(_ context.Context, id fees.InvoiceID, paid decimal.Decimal, status fees.InvoiceStatus, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.updateInvoiceTotals(id, paid, status, expectedVersion)
}

func (d *memoryData) updateInvoiceTotals(id fees.InvoiceID, paid decimal.Decimal, status fees.InvoiceStatus, expectedVersion int64) error {
	inv, ok := d.invoices[id]
	if !ok {
		return &fees.InvoiceError{InvoiceID: id, Err: fees.ErrInvoiceNotFound}
	}
	if inv.Version != expectedVersion {
		return fees.ErrConcurrentModification
	}
	inv.PaidAmount = paid
	inv.Status = status
	inv.Version++
	d.invoices[id] = inv
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) CreatePayment(_ context.Context, p fees.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createPayment(p)
}

func (d *memoryData) createPayment(p fees.Payment) error {
	if _, exists := d.payments[p.ID]; exists || d.references[p.Reference] {
		return fees.ErrDuplicateReference
	}
	d.payments[p.ID] = p
	d.byInvoice[p.InvoiceID] = append(d.byInvoice[p.InvoiceID], p.ID)
	d.references[p.Reference] = true
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id fees.PaymentID) (*fees.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getPayment(id), nil
}

func (d *memoryData) getPayment(id fees.PaymentID) *fees.Payment {
	p, ok := d.payments[id]
	if !ok {
		return nil
	}
	return &p
}

func (m *Memory) ListPayments(_ context.Context, invoiceID fees.InvoiceID) ([]fees.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.listPayments(invoiceID), nil
}

func (d *memoryData) listPayments(invoiceID fees.InvoiceID) []fees.Payment {
	ids := d.byInvoice[invoiceID]
	result := make([]fees.Payment, 0, len(ids))
	for _, id := range ids {
		result = append(result, d.payments[id])
	}
	return result
}

func (m *Memory) SumConfirmedPayments(_ context.Context, invoiceID fees.InvoiceID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.sumConfirmed(invoiceID), nil
}

func (d *memoryData) sumConfirmed(invoiceID fees.InvoiceID) decimal.Decimal {
	total := decimal.Zero
	for _, id := range d.byInvoice[invoiceID] {
		if p := d.payments[id]; p.IsConfirmed() {
			total = total.Add(p.Amount)
		}
	}
	return total
}

func (m *Memory) MarkPaymentConfirmed(_ context.Context, id fees.PaymentID, confirmedBy fees.UserID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.markConfirmed(id, confirmedBy, at)
}

func (d *memoryData) markConfirmed(id fees.PaymentID, confirmedBy fees.UserID, at time.Time) error {
	p, ok := d.payments[id]
	if !ok {
		return &fees.PaymentError{PaymentID: id, Err: fees.ErrPaymentNotFound}
	}
	p.Status = fees.PaymentConfirmed
	p.ConfirmedBy = confirmedBy
	p.ConfirmedAt = &at
	d.payments[id] = p
	return nil
}

// PutPayment overwrites a payment as-is. Test helper for seeding states the
// service never produces (failed, reversed, drifted data).
func (m *Memory) PutPayment(p fees.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data.payments[p.ID]; !exists {
		m.data.byInvoice[p.InvoiceID] = append(m.data.byInvoice[p.InvoiceID], p.ID)
	}
	m.data.payments[p.ID] = p
	m.data.references[p.Reference] = true
}

// PutInvoice overwrites an invoice as-is. Test helper, see PutPayment.
func (m *Memory) PutInvoice(inv fees.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.invoices[inv.ID] = inv
	m.data.invoiceNumbers[inv.InvoiceNumber] = true
}

// =============================================================================
// STUDENTS (fees.StudentStore)
// =============================================================================

func (m *Memory) CreateStudent(_ context.Context, s fees.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data.students[s.ID]; exists || m.data.admissions[s.AdmissionNumber] {
		return fees.ErrDuplicateReference
	}
	m.data.students[s.ID] = s
	m.data.admissions[s.AdmissionNumber] = true
	return nil
}

func (m *Memory) GetStudent(_ context.Context, id fees.StudentID) (*fees.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data.students[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ListStudents(_ context.Context) ([]fees.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]fees.Student, 0, len(m.data.students))
	for _, s := range m.data.students {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FullName < result[j].FullName })
	return result, nil
}

// =============================================================================
// ACTIVITY (fees.ActivityLog)
// =============================================================================

func (m *Memory) Append(_ context.Context, a fees.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.activities = append(m.data.activities, a)
	return nil
}

// Query returns matching activities, newest first.
func (m *Memory) Query(_ context.Context, filter fees.ActivityFilter) ([]fees.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []fees.Activity
	for i := len(m.data.activities) - 1; i >= 0; i-- {
		a := m.data.activities[i]
		if filter.InvoiceID != nil && a.InvoiceID != *filter.InvoiceID {
			continue
		}
		if filter.ActorID != nil && a.ActorID != *filter.ActorID {
			continue
		}
		result = append(result, a)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole call, so transactions are serialized.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(fees.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.data.clone()

	if err := fn(&txMemoryView{data: &tm.data}); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

func (d *memoryData) clone() memoryData {
	c := newMemoryData()
	for k, v := range d.invoices {
		c.invoices[k] = v
	}
	for k, v := range d.invoiceNumbers {
		c.invoiceNumbers[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.byInvoice {
		c.byInvoice[k] = append([]fees.PaymentID{}, v...)
	}
	for k, v := range d.references {
		c.references[k] = v
	}
	for k, v := range d.students {
		c.students[k] = v
	}
	for k, v := range d.admissions {
		c.admissions[k] = v
	}
	c.activities = append([]fees.Activity{}, d.activities...)
	return c
}

// txMemoryView operates on the data while the parent holds the lock.
type txMemoryView struct {
	data *memoryData
}

func (tv *txMemoryView) CreateInvoice(_ context.Context, inv fees.Invoice) error {
	return tv.data.createInvoice(inv)
}

func (tv *txMemoryView) GetInvoice(_ context.Context, id fees.InvoiceID) (*fees.Invoice, error) {
	return tv.data.getInvoice(id), nil
}

func (tv *txMemoryView) ListInvoices(_ context.Context, filter fees.InvoiceFilter) ([]fees.Invoice, error) {
	return tv.data.listInvoices(filter), nil
}

func (tv *txMemoryView) CountInvoicesGeneratedIn(_ context.Context, year int) (int, error) {
	return tv.data.countInvoicesGeneratedIn(year), nil
}

func (tv *txMemoryView) UpdateInvoiceTotals(_ context.Context, id fees.InvoiceID, paid decimal.Decimal, status fees.InvoiceStatus, expectedVersion int64) error {
	return tv.data.updateInvoiceTotals(id, paid, status, expectedVersion)
}

func (tv *txMemoryView) CreatePayment(_ context.Context, p fees.Payment) error {
	return tv.data.createPayment(p)
}

func (tv *txMemoryView) GetPayment(_ context.Context, id fees.PaymentID) (*fees.Payment, error) {
	return tv.data.getPayment(id), nil
}

func (tv *txMemoryView) ListPayments(_ context.Context, invoiceID fees.InvoiceID) ([]fees.Payment, error) {
	return tv.data.listPayments(invoiceID), nil
}

func (tv *txMemoryView) SumConfirmedPayments(_ context.Context, invoiceID fees.InvoiceID) (decimal.Decimal, error) {
	return tv.data.sumConfirmed(invoiceID), nil
}

func (tv *txMemoryView) MarkPaymentConfirmed(_ context.Context, id fees.PaymentID, confirmedBy fees.UserID, at time.Time) error {
	return tv.data.markConfirmed(id, confirmedBy, at)
}
