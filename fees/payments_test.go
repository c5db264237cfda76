package fees_test

import (
	"context"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-ledger/fees"
	"github.com/warp/fee-ledger/fees/store"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// RECORD
// =============================================================================

func TestRecord_ValidPayment_PendingAndInvoiceUntouched(t *testing.T) {
	// GIVEN: A 10000 invoice with nothing paid
	// WHEN: Recording a 4000 cash payment
	// THEN: Payment is pending, invoice paid amount and status unchanged

	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	res, err := f.payments.Record(context.Background(), inv.ID, cashPayment("4000"), cashier)
	require.NoError(t, err)

	assert.Equal(t, fees.PaymentPending, res.Payment.Status)
	assert.Equal(t, cashier, res.Payment.ReceivedBy)
	assert.True(t, res.Payment.Amount.Equal(amt("4000")))
	assert.True(t, res.Invoice.Balance.Equal(amt("10000")))

	stored := f.storedInvoice(t, inv.ID)
	assert.Equal(t, fees.InvoicePending, stored.Status)
	assert.True(t, stored.PaidAmount.IsZero())
}

func TestRecord_DefaultsPaymentDateAndGeneratesReference(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	p := f.record(t, inv.ID, "100")

	assert.Equal(t, time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC), p.PaymentDate)
	assert.Regexp(t, regexp.MustCompile(`^PAY-\d+-[0-9A-F]{9}$`), p.Reference)
}

func TestRecord_ExplicitPaymentDateKept(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "10000")
	date := time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)

	in := cashPayment("100")
	in.PaymentDate = &date
	res, err := f.payments.Record(context.Background(), inv.ID, in, cashier)
	require.NoError(t, err)
	assert.Equal(t, date, res.Payment.PaymentDate)
}

func TestRecord_ClockEastOfUTC_PaymentDateIsLocalCalendarDay(t *testing.T) {
	// GIVEN: A clock at 00:30 on 10 March in UTC+1 (still 9 March in UTC)
	// WHEN: Recording without a payment date, and with one in the same zone
	// THEN: Both dates are 10 March, stored as midnight UTC

	wat := time.FixedZone("WAT", 60*60)
	f := newFixture(t, fees.WithClock(func() time.Time {
		return time.Date(2025, time.March, 10, 0, 30, 0, 0, wat)
	}))
	inv := f.newInvoice(t, "10000")
	want := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)

	p := f.record(t, inv.ID, "100")
	assert.Equal(t, want, p.PaymentDate)

	date := time.Date(2025, time.March, 10, 0, 0, 0, 0, wat)
	in := cashPayment("100")
	in.PaymentDate = &date
	res, err := f.payments.Record(context.Background(), inv.ID, in, cashier)
	require.NoError(t, err)
	assert.Equal(t, want, res.Payment.PaymentDate)
}

func TestRecord_AmountExceedsBalance_Rejected(t *testing.T) {
	// GIVEN: A 10000 invoice
	// WHEN: Recording a 15000 payment
	// THEN: Validation error on "amount", nothing persisted

	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	_, err := f.payments.Record(context.Background(), inv.ID, cashPayment("15000"), cashier)

	var verr *fees.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
	assert.ErrorIs(t, err, fees.ErrValidation)
	assert.True(t, fees.IsClientError(err))

	payments, err := f.payments.ListForInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestRecord_AmountExceedsRemainingBalance_Rejected(t *testing.T) {
	// GIVEN: 10000 invoice with 4000 confirmed
	// WHEN: Recording 6000.01
	// THEN: Rejected; exactly 6000 is accepted

	f := newFixture(t)
	inv := f.newInvoice(t, "10000")
	f.recordAndConfirm(t, inv.ID, "4000")

	_, err := f.payments.Record(context.Background(), inv.ID, cashPayment("6000.01"), cashier)
	var verr *fees.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)

	_, err = f.payments.Record(context.Background(), inv.ID, cashPayment("6000"), cashier)
	assert.NoError(t, err)
}

func TestRecord_NonPositiveAmount_Rejected(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	for _, amount := range []string{"0", "-50"} {
		_, err := f.payments.Record(context.Background(), inv.ID, cashPayment(amount), cashier)
		var verr *fees.ValidationError
		require.ErrorAs(t, err, &verr, "amount %s", amount)
		assert.Equal(t, "amount", verr.Field)
	}
}

func TestRecord_BankTransferWithoutBankName_Rejected(t *testing.T) {
	// GIVEN: A bank transfer with a transaction reference but no bank name
	// THEN: Validation error on "bank_name"

	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	_, err := f.payments.Record(context.Background(), inv.ID, fees.PaymentInput{
		Amount:               amt("5000"),
		Method:               fees.MethodBankTransfer,
		TransactionReference: "TRX-001",
		BankName:             "   ",
	}, cashier)

	var verr *fees.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "bank_name", verr.Field)
}

func TestRecord_BankTransferWithoutReference_Rejected(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	_, err := f.payments.Record(context.Background(), inv.ID, fees.PaymentInput{
		Amount:   amt("5000"),
		Method:   fees.MethodBankTransfer,
		BankName: "First Bank",
	}, cashier)

	var verr *fees.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "transaction_reference", verr.Field)
}

func TestRecord_UnknownMethod_Rejected(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	_, err := f.payments.Record(context.Background(), inv.ID, fees.PaymentInput{
		Amount: amt("100"),
		Method: "barter",
	}, cashier)

	var verr *fees.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payment_method", verr.Field)
}

func TestRecord_MissingInvoice_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.payments.Record(context.Background(), "missing", cashPayment("100"), cashier)

	assert.ErrorIs(t, err, fees.ErrInvoiceNotFound)
	assert.True(t, fees.IsNotFound(err))
}

func TestRecord_MissingActor_Rejected(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	_, err := f.payments.Record(context.Background(), inv.ID, cashPayment("100"), "")

	var verr *fees.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "received_by", verr.Field)
}

func TestRecord_ReferenceCollision_Regenerated(t *testing.T) {
	// GIVEN: A reference generator that repeats its first value once
	// WHEN: Recording two payments
	// THEN: The second gets a fresh reference instead of failing

	refs := []string{"PAY-1-AAAAAAAAA", "PAY-1-AAAAAAAAA", "PAY-2-BBBBBBBBB"}
	var calls atomic.Int32
	gen := func(time.Time) string {
		i := int(calls.Add(1)) - 1
		return refs[min(i, len(refs)-1)]
	}

	f := newFixture(t, fees.WithReferenceGenerator(gen))
	inv := f.newInvoice(t, "10000")

	first := f.record(t, inv.ID, "100")
	second := f.record(t, inv.ID, "100")

	assert.Equal(t, "PAY-1-AAAAAAAAA", first.Reference)
	assert.Equal(t, "PAY-2-BBBBBBBBB", second.Reference)
	assert.Equal(t, int32(3), calls.Load())
}

// =============================================================================
// CONFIRM
// =============================================================================

func TestConfirm_PartialThenFull(t *testing.T) {
	// GIVEN: A 10000 invoice
	// WHEN: Confirming 4000, then 6000
	// THEN: Status goes pending -> partial -> paid, paid amount follows

	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	first := f.recordAndConfirm(t, inv.ID, "4000")
	assert.Equal(t, fees.InvoicePending, first.PreviousStatus)
	assert.Equal(t, fees.InvoicePartial, first.Invoice.Status)
	assert.True(t, first.StatusChanged)
	assert.True(t, first.Invoice.PaidAmount.Equal(amt("4000")))
	assert.Equal(t, fees.PaymentConfirmed, first.Payment.Status)
	assert.Equal(t, bursar, first.Payment.ConfirmedBy)
	require.NotNil(t, first.Payment.ConfirmedAt)

	second := f.recordAndConfirm(t, inv.ID, "6000")
	assert.Equal(t, fees.InvoicePartial, second.PreviousStatus)
	assert.Equal(t, fees.InvoicePaid, second.Invoice.Status)
	assert.True(t, second.Invoice.PaidAmount.Equal(amt("10000")))

	stored := f.storedInvoice(t, inv.ID)
	assert.Equal(t, fees.InvoicePaid, stored.Status)
	assert.True(t, stored.PaidAmount.Equal(amt("10000")))
	assert.True(t, stored.Balance().IsZero())
	assert.Equal(t, inv.Version+2, stored.Version)
}

func TestConfirm_SamePartialStatus_StatusChangedFalse(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	f.recordAndConfirm(t, inv.ID, "1000")
	res := f.recordAndConfirm(t, inv.ID, "1000")

	assert.Equal(t, fees.InvoicePartial, res.PreviousStatus)
	assert.False(t, res.StatusChanged)
	assert.True(t, res.Invoice.PaidAmount.Equal(amt("2000")))
}

func TestConfirm_FractionalAmounts_ExactSum(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "0.3")

	f.recordAndConfirm(t, inv.ID, "0.1")
	res := f.recordAndConfirm(t, inv.ID, "0.2")

	assert.True(t, res.Invoice.PaidAmount.Equal(amt("0.3")))
	assert.Equal(t, fees.InvoicePaid, res.Invoice.Status)
}

func TestConfirm_AlreadyConfirmed_InvoiceUnchanged(t *testing.T) {
	// GIVEN: A confirmed payment
	// WHEN: Confirming it again
	// THEN: ErrAlreadyConfirmed, invoice identical to before

	f := newFixture(t)
	inv := f.newInvoice(t, "10000")
	res := f.recordAndConfirm(t, inv.ID, "4000")
	before := f.storedInvoice(t, inv.ID)

	_, err := f.payments.Confirm(context.Background(), res.Payment.ID, bursar)

	assert.ErrorIs(t, err, fees.ErrAlreadyConfirmed)
	var perr *fees.PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, res.Payment.ID, perr.PaymentID)
	assert.True(t, fees.IsClientError(err))

	after := f.storedInvoice(t, inv.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, before.PaidAmount.Equal(after.PaidAmount))
	assert.Equal(t, before.Status, after.Status)
}

func TestConfirm_FailedOrReversed_NotPending(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	for _, status := range []fees.PaymentStatus{fees.PaymentFailed, fees.PaymentReversed} {
		p := f.seedPayment(inv.ID, "100", status, "")
		_, err := f.payments.Confirm(context.Background(), p.ID, bursar)
		assert.ErrorIs(t, err, fees.ErrPaymentNotPending, "status %s", status)
	}

	assert.True(t, f.storedInvoice(t, inv.ID).PaidAmount.IsZero())
}

func TestConfirm_MissingPayment_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.payments.Confirm(context.Background(), "nope", bursar)

	assert.ErrorIs(t, err, fees.ErrPaymentNotFound)
	assert.True(t, fees.IsNotFound(err))
}

func TestConfirm_MissingActor_Rejected(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "10000")
	p := f.record(t, inv.ID, "100")

	_, err := f.payments.Confirm(context.Background(), p.ID, " ")

	var verr *fees.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "confirmed_by", verr.Field)
}

func TestConfirm_ConcurrentConfirmations_NoLostUpdate(t *testing.T) {
	// GIVEN: Ten pending 1000 payments on a 10000 invoice
	// WHEN: All are confirmed concurrently
	// THEN: Paid amount is exactly 10000 and status paid

	f := newFixture(t)
	inv := f.newInvoice(t, "10000")

	var ids []fees.PaymentID
	for i := 0; i < 10; i++ {
		ids = append(ids, f.record(t, inv.ID, "1000").ID)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := f.payments.Confirm(ctx, id, bursar)
			return err
		})
	}
	require.NoError(t, g.Wait())

	stored := f.storedInvoice(t, inv.ID)
	assert.True(t, stored.PaidAmount.Equal(amt("10000")), "got %s", stored.PaidAmount)
	assert.Equal(t, fees.InvoicePaid, stored.Status)
	assert.Equal(t, inv.Version+10, stored.Version)
}

// conflictingStore makes UpdateInvoiceTotals fail with a version conflict
// for the first n transactions.
type conflictingStore struct {
	*store.TxMemory
	conflicts atomic.Int32
	attempts  atomic.Int32
}

func (c *conflictingStore) WithTx(ctx context.Context, fn func(fees.Store) error) error {
	return c.TxMemory.WithTx(ctx, func(tx fees.Store) error {
		c.attempts.Add(1)
		if c.conflicts.Add(-1) >= 0 {
			return fn(staleTx{Store: tx})
		}
		return fn(tx)
	})
}

type staleTx struct {
	fees.Store
}

func (staleTx) UpdateInvoiceTotals(context.Context, fees.InvoiceID, decimal.Decimal, fees.InvoiceStatus, int64) error {
	return fees.ErrConcurrentModification
}

func TestConfirm_VersionConflict_RetriedAndRolledBack(t *testing.T) {
	// GIVEN: A store whose first confirmation transaction loses a version race
	// WHEN: Confirming
	// THEN: The unit is retried, the payment ends confirmed exactly once

	f := newFixture(t)
	inv := f.newInvoice(t, "10000")
	p := f.record(t, inv.ID, "2500")

	cs := &conflictingStore{TxMemory: f.store}
	cs.conflicts.Store(1)
	svc := fees.NewPaymentService(cs, fees.WithLogger(discardLogger()), fees.WithRetries(3, time.Millisecond))

	res, err := svc.Confirm(context.Background(), p.ID, bursar)
	require.NoError(t, err)

	assert.Equal(t, int32(2), cs.attempts.Load())
	assert.Equal(t, fees.InvoicePartial, res.Invoice.Status)
	assert.True(t, f.storedInvoice(t, inv.ID).PaidAmount.Equal(amt("2500")))
}

func TestConfirm_VersionConflictPersists_PaymentStaysPending(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "10000")
	p := f.record(t, inv.ID, "2500")

	cs := &conflictingStore{TxMemory: f.store}
	cs.conflicts.Store(100)
	svc := fees.NewPaymentService(cs, fees.WithLogger(discardLogger()), fees.WithRetries(2, time.Millisecond))

	_, err := svc.Confirm(context.Background(), p.ID, bursar)

	assert.ErrorIs(t, err, fees.ErrConcurrentModification)
	assert.Equal(t, int32(3), cs.attempts.Load())

	stored, err := f.payments.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, fees.PaymentPending, stored.Status)
	assert.Nil(t, stored.ConfirmedAt)
	assert.True(t, f.storedInvoice(t, inv.ID).PaidAmount.IsZero())
}

// =============================================================================
// QUERIES
// =============================================================================

func TestListForInvoice_OldestFirst(t *testing.T) {
	f := newFixture(t)
	inv := f.newInvoice(t, "10000")
	a := f.record(t, inv.ID, "100")
	b := f.record(t, inv.ID, "200")

	payments, err := f.payments.ListForInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, a.ID, payments[0].ID)
	assert.Equal(t, b.ID, payments[1].ID)
}

func TestListForInvoice_MissingInvoice(t *testing.T) {
	f := newFixture(t)

	_, err := f.payments.ListForInvoice(context.Background(), "missing")
	assert.ErrorIs(t, err, fees.ErrInvoiceNotFound)
}

func TestLedgerCurrent_IgnoresStoredPaidAmount(t *testing.T) {
	// GIVEN: An invoice whose stored paid amount disagrees with its payments
	// THEN: Current() reports the recomputed sum

	f := newFixture(t)
	inv := f.newInvoice(t, "10000")
	f.recordAndConfirm(t, inv.ID, "3000")

	drifted := f.storedInvoice(t, inv.ID)
	drifted.PaidAmount = amt("9000")
	f.store.PutInvoice(drifted)

	state, err := fees.NewInvoiceLedger(f.store).Current(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.True(t, state.CurrentPaid.Equal(amt("3000")))
	assert.True(t, state.Balance.Equal(amt("7000")))
	assert.True(t, state.Drift().Equal(amt("6000")))
}
