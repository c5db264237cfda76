/*
Package sqlite provides a SQLite-backed implementation of the fees storage ports.

PURPOSE:
  Implements fees.TxStore, fees.StudentStore and fees.ActivityLog on SQLite.
  In production the same queries run on PostgreSQL with minor dialect
  differences.

KEY TABLES:
  students:  Student records, unique admission number
  invoices:  Invoices with cached paid_amount/status and a version counter
  payments:  Payments, unique reference, status pending -> confirmed
  activity:  Append-only audit trail of user actions

MONEY:
  Amounts are stored as TEXT decimal strings and summed in Go with
  shopspring/decimal. SQLite SUM() over TEXT would go through REAL.

CONCURRENCY:
  One connection. Reads take the read lock, writes and WithTx take the
  write lock. The invoice version column is the optimistic lock that
  UpdateInvoiceTotals checks, so a stale read-modify-write fails with
  fees.ErrConcurrentModification instead of overwriting.

MIGRATION:
  Versioned goose migrations embedded from migrations/*.sql, applied on New().

USAGE:
  store, err := sqlite.New("./data/fees.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  payments := fees.NewPaymentService(store)

SEE ALSO:
  - fees/store.go:        Interface definitions
  - fees/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/warp/fee-ledger/fees"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Fixed-width UTC timestamps so that TEXT ordering is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements the fees storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every pooled connection to ":memory:" would be a separate database.
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, q: queries{db: db}}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// =============================================================================
// INVOICES AND PAYMENTS (fees.Store interface)
// =============================================================================

func (s *Store) CreateInvoice(ctx context.Context, inv fees.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreateInvoice(ctx, inv)
}

func (s *Store) GetInvoice(ctx context.Context, id fees.InvoiceID) (*fees.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetInvoice(ctx, id)
}

func (s *Store) ListInvoices(ctx context.Context, filter fees.InvoiceFilter) ([]fees.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListInvoices(ctx, filter)
}

func (s *Store) CountInvoicesGeneratedIn(ctx context.Context, year int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.CountInvoicesGeneratedIn(ctx, year)
}

func (s *Store) UpdateInvoiceTotals(ctx context.Context, id fees.InvoiceID, paid decimal.Decimal, status fees.InvoiceStatus, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateInvoiceTotals(ctx, id, paid, status, expectedVersion)
}

func (s *Store) CreatePayment(ctx context.Context, p fees.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreatePayment(ctx, p)
}

func (s *Store) GetPayment(ctx context.Context, id fees.PaymentID) (*fees.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetPayment(ctx, id)
}

func (s *Store) ListPayments(ctx context.Context, invoiceID fees.InvoiceID) ([]fees.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListPayments(ctx, invoiceID)
}

func (s *Store) SumConfirmedPayments(ctx context.Context, invoiceID fees.InvoiceID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.SumConfirmedPayments(ctx, invoiceID)
}

func (s *Store) MarkPaymentConfirmed(ctx context.Context, id fees.PaymentID, confirmedBy fees.UserID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.MarkPaymentConfirmed(ctx, id, confirmedBy, at)
}

// =============================================================================
// TRANSACTIONAL STORE (fees.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store fees.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	// Everything inside must go through sqlTx: the only connection is held.
	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// QUERIES - shared by Store and the transaction view
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements fees.Store against either the database or a transaction.
type queries struct {
	db querier
}

const invoiceColumns = `id, invoice_number, student_id, session_id, term, total_amount, paid_amount,
	status, due_date, generated_at, generated_by, version`

func (q queries) CreateInvoice(ctx context.Context, inv fees.Invoice) error {
	query := `
		INSERT INTO invoices
		(id, invoice_number, student_id, session_id, term, total_amount, paid_amount,
		 status, due_date, generated_at, generated_year, generated_by, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.db.ExecContext(ctx, query,
		inv.ID, inv.InvoiceNumber, inv.StudentID, inv.SessionID, inv.Term,
		inv.TotalAmount.String(), inv.PaidAmount.String(), inv.Status,
		formatTime(inv.DueDate), formatTime(inv.GeneratedAt), inv.GeneratedAt.Year(),
		inv.GeneratedBy, inv.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fees.ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (q queries) GetInvoice(ctx context.Context, id fees.InvoiceID) (*fees.Invoice, error) {
	invoices, err := q.queryInvoices(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, nil
	}
	return &invoices[0], nil
}

func (q queries) ListInvoices(ctx context.Context, filter fees.InvoiceFilter) ([]fees.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if filter.StudentID != nil {
		where = append(where, "student_id = ?")
		args = append(args, *filter.StudentID)
	}
	if filter.SessionID != nil {
		where = append(where, "session_id = ?")
		args = append(args, *filter.SessionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}

	query := "SELECT " + invoiceColumns + " FROM invoices"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY generated_at DESC"

	return q.queryInvoices(ctx, query, args...)
}

func (q queries) CountInvoicesGeneratedIn(ctx context.Context, year int) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM invoices WHERE generated_year = ?", year,
	).Scan(&count)
	return count, err
}

func (q queries) UpdateInvoiceTotals(ctx context.Context, id fees.InvoiceID, paid decimal.Decimal, status fees.InvoiceStatus, expectedVersion int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE invoices SET paid_amount = ?, status = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, paid.String(), status, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Zero rows: either gone or someone else bumped the version.
	var exists int
	err = q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM invoices WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return &fees.InvoiceError{InvoiceID: id, Err: fees.ErrInvoiceNotFound}
	}
	return fees.ErrConcurrentModification
}

func (q queries) queryInvoices(ctx context.Context, query string, args ...any) ([]fees.Invoice, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []fees.Invoice
	for rows.Next() {
		var (
			inv                fees.Invoice
			total, paid        string
			dueDate, generated string
		)
		if err := rows.Scan(&inv.ID, &inv.InvoiceNumber, &inv.StudentID, &inv.SessionID, &inv.Term,
			&total, &paid, &inv.Status, &dueDate, &generated, &inv.GeneratedBy, &inv.Version); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		if inv.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("invoice %s: bad total_amount %q: %w", inv.ID, total, err)
		}
		if inv.PaidAmount, err = decimal.NewFromString(paid); err != nil {
			return nil, fmt.Errorf("invoice %s: bad paid_amount %q: %w", inv.ID, paid, err)
		}
		inv.DueDate = parseTime(dueDate)
		inv.GeneratedAt = parseTime(generated)
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

const paymentColumns = `id, reference, invoice_id, amount, payment_method, payment_date,
	transaction_reference, bank_name, status, notes, received_by, confirmed_by, confirmed_at, created_at`

func (q queries) CreatePayment(ctx context.Context, p fees.Payment) error {
	query := `
		INSERT INTO payments
		(` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var confirmedAt sql.NullString
	if p.ConfirmedAt != nil {
		confirmedAt = nullString(formatTime(*p.ConfirmedAt))
	}
	_, err := q.db.ExecContext(ctx, query,
		p.ID, p.Reference, p.InvoiceID, p.Amount.String(), p.Method, formatTime(p.PaymentDate),
		nullString(p.TransactionReference), nullString(p.BankName), p.Status, nullString(p.Notes),
		p.ReceivedBy, nullString(string(p.ConfirmedBy)), confirmedAt, formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fees.ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (q queries) GetPayment(ctx context.Context, id fees.PaymentID) (*fees.Payment, error) {
	payments, err := q.queryPayments(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, nil
	}
	return &payments[0], nil
}

func (q queries) ListPayments(ctx context.Context, invoiceID fees.InvoiceID) ([]fees.Payment, error) {
	return q.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE invoice_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, invoiceID)
}

func (q queries) SumConfirmedPayments(ctx context.Context, invoiceID fees.InvoiceID) (decimal.Decimal, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT amount FROM payments WHERE invoice_id = ? AND status = ?",
		invoiceID, fees.PaymentConfirmed,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bad payment amount %q: %w", amount, err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

func (q queries) MarkPaymentConfirmed(ctx context.Context, id fees.PaymentID, confirmedBy fees.UserID, at time.Time) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE payments SET status = ?, confirmed_by = ?, confirmed_at = ? WHERE id = ?",
		fees.PaymentConfirmed, confirmedBy, formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to confirm payment: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return &fees.PaymentError{PaymentID: id, Err: fees.ErrPaymentNotFound}
	}
	return nil
}

func (q queries) queryPayments(ctx context.Context, query string, args ...any) ([]fees.Payment, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	payments := []fees.Payment{}
	for rows.Next() {
		var (
			p                              fees.Payment
			amount, paymentDate, createdAt string
			txRef, bankName, notes         sql.NullString
			confirmedBy, confirmedAt       sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Reference, &p.InvoiceID, &amount, &p.Method, &paymentDate,
			&txRef, &bankName, &p.Status, &notes, &p.ReceivedBy, &confirmedBy, &confirmedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("payment %s: bad amount %q: %w", p.ID, amount, err)
		}
		p.PaymentDate = parseTime(paymentDate)
		p.TransactionReference = txRef.String
		p.BankName = bankName.String
		p.Notes = notes.String
		p.ConfirmedBy = fees.UserID(confirmedBy.String)
		if confirmedAt.Valid {
			t := parseTime(confirmedAt.String)
			p.ConfirmedAt = &t
		}
		p.CreatedAt = parseTime(createdAt)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// STUDENT STORE (fees.StudentStore interface)
// =============================================================================

func (s *Store) CreateStudent(ctx context.Context, st fees.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, admission_number, full_name, class_name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, st.ID, st.AdmissionNumber, st.FullName, st.ClassName, formatTime(st.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fees.ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert student: %w", err)
	}
	return nil
}

func (s *Store) GetStudent(ctx context.Context, id fees.StudentID) (*fees.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st fees.Student
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, admission_number, full_name, class_name, created_at FROM students WHERE id = ?",
		id,
	).Scan(&st.ID, &st.AdmissionNumber, &st.FullName, &st.ClassName, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.CreatedAt = parseTime(createdAt)
	return &st, nil
}

func (s *Store) ListStudents(ctx context.Context) ([]fees.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, admission_number, full_name, class_name, created_at FROM students ORDER BY full_name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	students := []fees.Student{}
	for rows.Next() {
		var st fees.Student
		var createdAt string
		if err := rows.Scan(&st.ID, &st.AdmissionNumber, &st.FullName, &st.ClassName, &createdAt); err != nil {
			return nil, err
		}
		st.CreatedAt = parseTime(createdAt)
		students = append(students, st)
	}
	return students, rows.Err()
}

// =============================================================================
// ACTIVITY LOG (fees.ActivityLog interface)
// =============================================================================

func (s *Store) Append(ctx context.Context, a fees.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var details sql.NullString
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("failed to encode activity details: %w", err)
		}
		details = nullString(string(b))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity (id, actor_id, action, invoice_id, payment_id, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ActorID, a.Action, nullString(string(a.InvoiceID)), nullString(string(a.PaymentID)),
		details, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// Query returns matching activities, newest first.
func (s *Store) Query(ctx context.Context, filter fees.ActivityFilter) ([]fees.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.InvoiceID != nil {
		where = append(where, "invoice_id = ?")
		args = append(args, *filter.InvoiceID)
	}
	if filter.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *filter.ActorID)
	}

	query := "SELECT id, actor_id, action, invoice_id, payment_id, details_json, created_at FROM activity"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var result []fees.Activity
	for rows.Next() {
		var (
			a                             fees.Activity
			invoiceID, paymentID, details sql.NullString
			createdAt                     string
		)
		if err := rows.Scan(&a.ID, &a.ActorID, &a.Action, &invoiceID, &paymentID, &details, &createdAt); err != nil {
			return nil, err
		}
		a.InvoiceID = fees.InvoiceID(invoiceID.String)
		a.PaymentID = fees.PaymentID(paymentID.String)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
				return nil, fmt.Errorf("activity %s: bad details: %w", a.ID, err)
			}
		}
		a.CreatedAt = parseTime(createdAt)
		result = append(result, a)
	}
	return result, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
