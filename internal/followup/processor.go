package followup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"dunner/internal/billing"
	"dunner/internal/channel"
	"dunner/internal/eventbus"
	"dunner/pkg/logx"
)

// ProcessorConfig tunes batch execution.
//
// Dispatch is sequential under a rate limiter: external providers throttle
// hard, so low concurrency is the default posture.
type ProcessorConfig struct {
	// LookupTimeout bounds one billing lookup. Default 10s.
	LookupTimeout time.Duration
	// DispatchTimeout bounds one adapter send. Default 30s.
	DispatchTimeout time.Duration
	// RatePerSec caps dispatches per second. 0 disables the limiter.
	RatePerSec int
	// Templates maps "<template_id>.subject" and "<template_id>.body" keys to
	// override templates.
	Templates map[string]string
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 10 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	return c
}

// Processor executes pending follow-ups: resolve invoice context, dispatch
// through the matching channel adapter, record the terminal status.
//
// A failed dispatch is terminal for that follow-up. The generic job queue
// retries its own work; follow-ups do not re-enter the schedule, which keeps
// a flaky provider from contacting the same customer twice.
type Processor struct {
	store    Store
	billing  billing.Client
	registry *channel.Registry
	log      logx.Logger
	bus      eventbus.Bus
	cfg      ProcessorConfig
	limiter  *rate.Limiter
	now      func() time.Time
}

func NewProcessor(store Store, bc billing.Client, reg *channel.Registry, cfg ProcessorConfig, log logx.Logger, bus eventbus.Bus) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return &Processor{
		store:    store,
		billing:  bc,
		registry: reg,
		log:      log,
		bus:      bus,
		cfg:      cfg,
		limiter:  lim,
		now:      time.Now,
	}
}

// ProcessOne dispatches a single pending follow-up and records its terminal
// state. Store write failures abort the operation; everything in between
// (lookup failure, missing adapter, dispatch error) marks the row failed.
func (p *Processor) ProcessOne(ctx context.Context, fu FollowUp) Result {
	if fu.Status != StatusPending {
		return Result{ID: fu.ID, Err: fmt.Errorf("follow-up %s is %s, not pending", fu.ID, fu.Status)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, p.cfg.LookupTimeout)
	inv, err := p.billing.Invoice(lookupCtx, fu.InvoiceRef)
	cancel()
	if err != nil {
		return p.fail(ctx, fu, fmt.Errorf("resolve invoice %s: %w", fu.InvoiceRef, err))
	}

	adapter, ok := p.registry.Resolve(fu.Channel)
	if !ok {
		return p.fail(ctx, fu, fmt.Errorf("no adapter for channel %s", fu.Channel))
	}

	msg := channel.Message{
		Recipient:  recipientFor(fu.Channel, inv),
		Subject:    subjectFor(fu.TemplateID, inv, p.cfg.Templates),
		Body:       bodyFor(fu.TemplateID, inv, p.cfg.Templates),
		TemplateID: fu.TemplateID,
	}
	if msg.Recipient == "" {
		return p.fail(ctx, fu, &channel.DispatchError{Permanent: true, Err: fmt.Errorf("no %s recipient on invoice %s", fu.Channel, fu.InvoiceRef)})
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	receipt, err := adapter.Send(sendCtx, msg)
	cancel()
	if err != nil {
		return p.fail(ctx, fu, err)
	}

	sentAt := p.now()
	if err := p.store.MarkSent(ctx, fu.ID, sentAt, receipt.MessageID); err != nil {
		// The message left the building; surface the store failure loudly but
		// do not mark the row failed, or a future batch could double-send.
		p.log.Error("dispatched but failed to mark sent",
			logx.String("id", fu.ID), logx.String("invoice", fu.InvoiceRef), logx.Err(err))
		return Result{ID: fu.ID, Err: fmt.Errorf("mark sent %s: %w", fu.ID, err)}
	}

	p.log.Info("follow-up dispatched",
		logx.String("id", fu.ID),
		logx.String("invoice", fu.InvoiceRef),
		logx.String("channel", fu.Channel.String()),
		logx.String("delivery_id", receipt.MessageID),
	)
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatched, Time: sentAt, Data: map[string]any{
			"id": fu.ID, "invoice": fu.InvoiceRef, "channel": fu.Channel.String(), "delivery_id": receipt.MessageID,
		}})
	}
	return Result{ID: fu.ID, Success: true, DeliveryID: receipt.MessageID}
}

func (p *Processor) fail(ctx context.Context, fu FollowUp, cause error) Result {
	failedAt := p.now()

	var de *channel.DispatchError
	permanent := errors.As(cause, &de) && de.Permanent
	p.log.Warn("follow-up dispatch failed",
		logx.String("id", fu.ID),
		logx.String("invoice", fu.InvoiceRef),
		logx.String("channel", fu.Channel.String()),
		logx.Bool("permanent", permanent),
		logx.Err(cause),
	)

	if err := p.store.MarkFailed(ctx, fu.ID, failedAt, cause.Error()); err != nil {
		p.log.Error("failed to mark follow-up failed", logx.String("id", fu.ID), logx.Err(err))
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFailed, Time: failedAt, Data: map[string]any{
			"id": fu.ID, "invoice": fu.InvoiceRef, "error": cause.Error(),
		}})
	}
	return Result{ID: fu.ID, Err: cause}
}

// ProcessPending runs due pending rows (scheduled_at <= now) in ascending
// scheduled order, at most limit rows, with per-item isolation: one item's
// failure is recorded and the batch continues.
func (p *Processor) ProcessPending(ctx context.Context, companyID string, limit int) (Batch, error) {
	return p.processDue(ctx, companyID, p.now(), limit)
}

// ProcessDueBefore is the escalation tier: it only picks up rows that have
// already been due for longer than the cutoff allows (cutoff < now), so a
// tighter cadence can re-sweep work the regular batch left behind.
func (p *Processor) ProcessDueBefore(ctx context.Context, companyID string, cutoff time.Time, limit int) (Batch, error) {
	return p.processDue(ctx, companyID, cutoff, limit)
}

func (p *Processor) processDue(ctx context.Context, companyID string, cutoff time.Time, limit int) (Batch, error) {
	if limit <= 0 {
		limit = 50
	}

	due, err := p.store.DuePending(ctx, companyID, cutoff, limit)
	if err != nil {
		return Batch{}, fmt.Errorf("load due follow-ups: %w", err)
	}

	var batch Batch
	for _, fu := range due {
		if ctx.Err() != nil {
			break
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				break
			}
		}

		res := p.processIsolated(ctx, fu)
		batch.Processed++
		if res.Success {
			batch.Successful++
		} else {
			batch.Failed++
			batch.Errors = append(batch.Errors, ItemError{ID: fu.ID, InvoiceRef: fu.InvoiceRef, Err: res.Err})
		}
	}

	if batch.Processed > 0 {
		p.log.Info("batch processed",
			logx.String("company", companyID),
			logx.Int("processed", batch.Processed),
			logx.Int("successful", batch.Successful),
			logx.Int("failed", batch.Failed),
		)
	}
	return batch, nil
}

// processIsolated shields the batch from a panicking adapter.
func (p *Processor) processIsolated(ctx context.Context, fu FollowUp) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during dispatch: %v", r)
			p.log.Error("panic processing follow-up",
				logx.String("id", fu.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = p.fail(ctx, fu, err)
		}
	}()
	return p.ProcessOne(ctx, fu)
}

func recipientFor(kind channel.Kind, inv billing.Invoice) string {
	switch kind {
	case channel.KindEmail:
		return inv.CustomerEmail
	case channel.KindSMS, channel.KindCall:
		return inv.CustomerPhone
	default:
		return ""
	}
}
