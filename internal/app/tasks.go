package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dunner/internal/config"
	"dunner/internal/queue"
	"dunner/pkg/logx"
)

// Default cron cadences, used when the schedule section omits an entry.
const (
	defaultPendingSpec     = "*/5 * * * *"
	defaultUrgentSpec      = "0 * * * *"
	defaultMaintenanceSpec = "30 3 * * *"
	defaultHealthSpec      = "*/10 * * * *"
)

func (a *App) registerTasks(cfg *config.Config) {
	spec := func(raw, def string) string {
		if s := strings.TrimSpace(raw); s != "" {
			return s
		}
		return def
	}
	var sc config.ScheduleConfig
	if cfg != nil {
		sc = cfg.Schedule
	}

	// Registration errors are already logged by the scheduler; an invalid
	// cron expression skips that one task and the daemon keeps running.
	_ = a.sched.Register("followup.pending", spec(sc.Pending, defaultPendingSpec), 0, a.runPendingBatch)
	_ = a.sched.Register("followup.urgent", spec(sc.Urgent, defaultUrgentSpec), 0, a.runUrgentBatch)
	_ = a.sched.Register("maintenance", spec(sc.Maintenance, defaultMaintenanceSpec), 5*time.Minute, a.runMaintenance)
	_ = a.sched.Register("broker.health", spec(sc.HealthProbe, defaultHealthSpec), 0, a.runHealthProbe)
}

func (a *App) runPendingBatch(ctx context.Context) error {
	a.mu.RLock()
	limit := a.batchLimit
	a.mu.RUnlock()

	_, err := a.proc.ProcessPending(ctx, "", limit)
	return err
}

// runUrgentBatch re-sweeps follow-ups that have sat pending past the urgency
// window; these are invoices deep enough overdue that the regular cadence is
// not enough.
func (a *App) runUrgentBatch(ctx context.Context) error {
	a.mu.RLock()
	limit := a.batchLimit
	after := a.urgentAfter
	a.mu.RUnlock()

	_, err := a.proc.ProcessDueBefore(ctx, "", time.Now().Add(-after), limit)
	return err
}

func (a *App) runMaintenance(ctx context.Context) error {
	a.mu.RLock()
	archiveAge := a.archiveAge
	purgeAge := a.purgeAge
	a.mu.RUnlock()
	now := time.Now()

	archived, err := a.store.ArchiveFailed(ctx, now.Add(-archiveAge))
	if err != nil {
		return fmt.Errorf("archive failed rows: %w", err)
	}
	purged, err := a.store.PurgeTerminal(ctx, now.Add(-purgeAge))
	if err != nil {
		return fmt.Errorf("purge terminal rows: %w", err)
	}
	if archived > 0 || purged > 0 {
		a.log.Info("maintenance done", logx.Int64("archived", archived), logx.Int64("purged", purged))
	}
	return nil
}

// runHealthProbe re-checks broker reachability. The backend never switches
// at runtime; this only surfaces drift between the selected backend and the
// broker's current state.
func (a *App) runHealthProbe(ctx context.Context) error {
	a.mu.RLock()
	addr := a.brokerAddr
	wait := a.probeWait
	a.mu.RUnlock()
	if addr == "" {
		return nil
	}
	if err := queue.Probe(addr, wait); err != nil {
		a.log.Warn("broker unreachable", logx.String("addr", addr), logx.Err(err))
		return nil
	}
	a.log.Debug("broker reachable", logx.String("addr", addr))
	return nil
}

// ---- queue jobs ----

// SyncJob asks for a recompute of one invoice's follow-up schedule, e.g.
// after an invoice import or an edit upstream.
type SyncJob struct {
	CompanyID string `json:"company_id"`
	InvoiceID string `json:"invoice_id"`
}

// PaymentCheckJob re-reads an invoice's balance; a settled invoice clears
// its pending follow-ups on recompute.
type PaymentCheckJob struct {
	CompanyID string `json:"company_id"`
	InvoiceID string `json:"invoice_id"`
}

func (a *App) EnqueueSync(ctx context.Context, job SyncJob) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	return a.backend.Add(ctx, QueueSync, payload, queue.AddOptions{})
}

func (a *App) EnqueuePaymentCheck(ctx context.Context, job PaymentCheckJob, delay time.Duration) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	return a.backend.Add(ctx, QueuePayments, payload, queue.AddOptions{Delay: delay})
}

func (a *App) handleSyncJob(ctx context.Context, job queue.Job) error {
	var sj SyncJob
	if err := json.Unmarshal(job.Payload, &sj); err != nil {
		return fmt.Errorf("decode sync job: %w", err)
	}
	return a.recompute(ctx, sj.CompanyID, sj.InvoiceID)
}

func (a *App) handlePaymentJob(ctx context.Context, job queue.Job) error {
	var pj PaymentCheckJob
	if err := json.Unmarshal(job.Payload, &pj); err != nil {
		return fmt.Errorf("decode payment job: %w", err)
	}
	return a.recompute(ctx, pj.CompanyID, pj.InvoiceID)
}

func (a *App) recompute(ctx context.Context, companyID, invoiceID string) error {
	inv, err := a.billing.Invoice(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("lookup invoice %s: %w", invoiceID, err)
	}
	_, err = a.engine.Recompute(ctx, companyID, inv, a.Rules())
	return err
}
