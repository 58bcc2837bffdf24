package followup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dunner/internal/billing"
	"dunner/internal/channel"
	"dunner/internal/eventbus"
	"dunner/pkg/logx"
)

// PastGrace is how far in the past a computed time may fall and still be
// scheduled. Anything older is a stale notice we deliberately do not resurrect.
const PastGrace = 24 * time.Hour

// Engine recomputes the pending follow-up set for an invoice from its rules.
//
// A recompute is idempotent: it replaces all pending rows for the invoice in
// one transaction and never touches sent, failed, or archived rows.
type Engine struct {
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

func NewEngine(store Store, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, log: log, bus: bus, now: time.Now}
}

// ComputeSchedule yields one draft per active rule at due_date + offset.
//
// Drafts more than PastGrace in the past are dropped; future drafts are kept
// regardless of horizon. A settled invoice (zero balance) yields no drafts.
// Rules are processed in configured order; identical offsets across rules all
// produce drafts.
func ComputeSchedule(inv billing.Invoice, rules []Rule, now time.Time) []Draft {
	if inv.BalanceCents == 0 {
		return nil
	}

	cutoff := now.Add(-PastGrace)
	drafts := make([]Draft, 0, len(rules))
	for _, r := range rules {
		if !r.Active {
			continue
		}
		at := inv.DueDate.AddDate(0, 0, r.OffsetDays)
		if at.Before(cutoff) {
			continue
		}
		drafts = append(drafts, Draft{
			InvoiceRef:  inv.ExternalID,
			RuleName:    r.Name,
			Channel:     r.Channel,
			TemplateID:  r.TemplateID,
			ScheduledAt: at,
		})
	}
	return drafts
}

// ValidateRule rejects rule configurations the engine cannot act on.
func ValidateRule(r Rule) error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Channel != channel.KindEmail && r.Channel != channel.KindSMS && r.Channel != channel.KindCall {
		return fmt.Errorf("rule %q: unknown channel", r.Name)
	}
	if r.TemplateID == "" {
		return fmt.Errorf("rule %q: template id is required", r.Name)
	}
	return nil
}

// Recompute replaces the pending follow-up set for one invoice.
//
// Invalid rules are logged and skipped; a partial rule failure is non-fatal
// and the remaining rules still produce drafts. Returns how many pending rows
// were written.
func (e *Engine) Recompute(ctx context.Context, companyID string, inv billing.Invoice, rules []Rule) (int, error) {
	now := e.now()

	valid := rules[:0:0]
	for _, r := range rules {
		if !r.Active {
			continue
		}
		if err := ValidateRule(r); err != nil {
			e.log.Warn("skipping invalid rule", logx.String("invoice", inv.ExternalID), logx.Err(err))
			continue
		}
		valid = append(valid, r)
	}

	drafts := ComputeSchedule(inv, valid, now)

	rows := make([]FollowUp, 0, len(drafts))
	for _, d := range drafts {
		rows = append(rows, FollowUp{
			ID:          uuid.NewString(),
			CompanyID:   companyID,
			InvoiceRef:  d.InvoiceRef,
			RuleName:    d.RuleName,
			Channel:     d.Channel,
			Status:      StatusPending,
			ScheduledAt: d.ScheduledAt,
			TemplateID:  d.TemplateID,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := e.store.ReplacePending(ctx, inv.ExternalID, rows); err != nil {
		return 0, fmt.Errorf("recompute %s: %w", inv.ExternalID, err)
	}

	e.log.Debug("recomputed follow-ups",
		logx.String("invoice", inv.ExternalID),
		logx.Int("pending", len(rows)),
	)
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeRecomputed, Time: now, Data: map[string]any{
			"invoice": inv.ExternalID,
			"pending": len(rows),
		}})
	}
	return len(rows), nil
}
