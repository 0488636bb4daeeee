/*
auditor.go - Periodic ledger integrity audit

PURPOSE:
  Periodically replays every consumable's stock ledger and every
  receivable's payments and compares the result with the materialized
  balances. Drift is logged and counted; nothing is ever corrected
  automatically.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Uses the engines' Verify, so each check is one read-only unit
  - One failing aggregate does not stop the run
  - The last run summary is kept for the admin endpoint and tests

CONFIGURATION:
  - Interval: How often to check (AUDIT_INTERVAL, 0 disables)

USAGE:
  auditor := NewIntegrityAuditor(ledger, reconciler, log)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - inventory/ledger.go: Ledger.Verify
  - finance/reconciler.go: Reconciler.Verify
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/labops-engine/finance"
	"github.com/warp/labops-engine/generic"
	"github.com/warp/labops-engine/inventory"
)

// AuditRun summarizes one integrity pass.
type AuditRun struct {
	StartedAt time.Time
	Duration  time.Duration
	Checked   int
	Drifted   []generic.Reconciliation
	Failed    int
}

// IntegrityAuditor checks ledger integrity on a schedule.
type IntegrityAuditor struct {
	Inventory *inventory.Ledger
	Finance   *finance.Reconciler
	Interval  time.Duration
	Log       zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.Mutex
	last   *AuditRun
}

func NewIntegrityAuditor(inv *inventory.Ledger, fin *finance.Reconciler, log zerolog.Logger) *IntegrityAuditor {
	return &IntegrityAuditor{
		Inventory: inv,
		Finance:   fin,
		Interval:  5 * time.Minute,
		Log:       log.With().Str("component", "auditor").Logger(),
	}
}

// Start begins the periodic audit. A non-positive Interval leaves it disabled.
func (a *IntegrityAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Interval <= 0 {
		a.Log.Info().Msg("Integrity audit disabled")
		return
	}
	if a.ticker != nil {
		return
	}

	a.ticker = time.NewTicker(a.Interval)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run()

	a.Log.Info().Dur("interval", a.Interval).Msg("Integrity audit started")
}

// Stop stops the auditor and waits for an in-flight run to finish.
func (a *IntegrityAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.wg.Wait()
	a.ticker = nil
	a.Log.Info().Msg("Integrity audit stopped")
}

func (a *IntegrityAuditor) run() {
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.stop
		cancel()
	}()

	a.RunNow(ctx)
	for {
		select {
		case <-a.ticker.C:
			a.RunNow(ctx)
		case <-a.stop:
			return
		}
	}
}

// RunNow performs one full pass synchronously.
func (a *IntegrityAuditor) RunNow(ctx context.Context) AuditRun {
	run := AuditRun{StartedAt: time.Now()}

	if ids, err := a.Inventory.IDs(ctx); err != nil {
		a.Log.Error().Err(err).Msg("List consumables failed")
		run.Failed++
	} else {
		for _, id := range ids {
			a.check(&run, func() (*generic.Reconciliation, error) { return a.Inventory.Verify(ctx, id) })
		}
	}

	if ids, err := a.Finance.IDs(ctx); err != nil {
		a.Log.Error().Err(err).Msg("List receivables failed")
		run.Failed++
	} else {
		for _, id := range ids {
			a.check(&run, func() (*generic.Reconciliation, error) { return a.Finance.Verify(ctx, id) })
		}
	}

	run.Duration = time.Since(run.StartedAt)
	event := a.Log.Info()
	if len(run.Drifted) > 0 || run.Failed > 0 {
		event = a.Log.Warn()
	}
	event.Int("checked", run.Checked).
		Int("drifted", len(run.Drifted)).
		Int("failed", run.Failed).
		Dur("duration", run.Duration).
		Msg("Integrity audit completed")

	a.lastMu.Lock()
	a.last = &run
	a.lastMu.Unlock()
	return run
}

func (a *IntegrityAuditor) check(run *AuditRun, verify func() (*generic.Reconciliation, error)) {
	rec, err := verify()
	if err != nil {
		// Deleted between listing and checking is not a failure.
		if generic.IsNotFound(err) {
			return
		}
		a.Log.Error().Err(err).Msg("Verify failed")
		run.Failed++
		return
	}
	run.Checked++
	if !rec.Consistent {
		run.Drifted = append(run.Drifted, *rec)
	}
}

// LastRun returns the most recent summary, or nil before the first run.
func (a *IntegrityAuditor) LastRun() *AuditRun {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	if a.last == nil {
		return nil
	}
	run := *a.last
	return &run
}
