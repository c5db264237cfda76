/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Periodically runs the consistency checker over every invoice and logs
  the ones that are invalid (over-collection, duplicate transaction
  references) or whose cached totals drifted. It never repairs anything:
  Reconcile stays an explicit, attributed action.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Keeps the outcome of the last run for inspection

CONFIGURATION:
  - CheckInterval: How often to audit (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(checker, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ListFlaggedInvoices (on-demand sweep)
  - fees/consistency.go: AuditAll
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/fee-ledger/fees"
)

// AuditRun is the outcome of one sweep.
type AuditRun struct {
	StartedAt time.Time
	Duration  time.Duration
	Invalid   int
	Drifted   int
	Err       error
}

// AuditScheduler handles the periodic ledger audit.
type AuditScheduler struct {
	Checker       *fees.ConsistencyChecker
	CheckInterval time.Duration
	Enabled       bool

	logger  *slog.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *AuditRun
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(checker *fees.ConsistencyChecker, logger *slog.Logger) *AuditScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditScheduler{
		Checker:       checker,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        logger.With("component", "audit-scheduler"),
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled || as.CheckInterval <= 0 {
		as.logger.Info("disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)

	go as.run(as.ticker.C, as.stop)

	as.logger.Info("started", "interval", as.CheckInterval)
}

// Stop stops the scheduler and waits for a sweep in progress.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	if as.ticker == nil {
		as.mu.Unlock()
		return
	}
	as.ticker.Stop()
	as.ticker = nil
	close(as.stop)
	as.mu.Unlock()

	as.wg.Wait()
	as.logger.Info("stopped")
}

func (as *AuditScheduler) run(ticks <-chan time.Time, stop <-chan struct{}) {
	defer as.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	as.RunOnce(ctx)

	for {
		select {
		case <-ticks:
			as.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce audits every invoice and logs each flagged one.
func (as *AuditScheduler) RunOnce(ctx context.Context) AuditRun {
	run := AuditRun{StartedAt: time.Now()}

	reports, err := as.Checker.AuditAll(ctx)
	for _, rep := range reports {
		if !rep.IsValid {
			run.Invalid++
			as.logger.Warn("invoice failed audit",
				"invoice_id", rep.InvoiceID,
				"total_payments", fees.FormatAmount(rep.TotalPayments),
				"invoice_total", fees.FormatAmount(rep.InvoiceTotal),
				"errors", rep.Errors,
			)
			continue
		}
		run.Drifted++
		as.logger.Info("invoice totals drifted", "invoice_id", rep.InvoiceID, "warnings", rep.Warnings)
	}

	run.Duration = time.Since(run.StartedAt)
	run.Err = err
	if err != nil {
		as.logger.Error("audit sweep failed", "error", err)
	} else if run.Invalid > 0 || run.Drifted > 0 {
		as.logger.Info("audit sweep completed", "invalid", run.Invalid, "drifted", run.Drifted, "duration", run.Duration)
	}

	as.mu.Lock()
	as.lastRun = &run
	as.mu.Unlock()
	return run
}

// LastRun returns the most recent sweep, or nil before the first one.
func (as *AuditScheduler) LastRun() *AuditRun {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.lastRun == nil {
		return nil
	}
	run := *as.lastRun
	return &run
}
