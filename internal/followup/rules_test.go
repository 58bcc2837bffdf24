package followup

import (
	"context"
	"testing"
	"time"

	"dunner/internal/billing"
	"dunner/internal/channel"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return ts
}

func TestComputeScheduleOffsets(t *testing.T) {
	t.Parallel()
	due := mustTime(t, "2025-01-10T00:00:00Z")
	now := mustTime(t, "2025-01-05T00:00:00Z")
	inv := billing.Invoice{ExternalID: "inv-1", DueDate: due, BalanceCents: 5000}

	rules := []Rule{
		{Name: "reminder", OffsetDays: -1, Channel: channel.KindEmail, TemplateID: "t1", Active: true},
		{Name: "due-day", OffsetDays: 0, Channel: channel.KindEmail, TemplateID: "t2", Active: true},
		{Name: "late", OffsetDays: 7, Channel: channel.KindSMS, TemplateID: "t3", Active: true},
		{Name: "disabled", OffsetDays: 3, Channel: channel.KindCall, TemplateID: "t4", Active: false},
	}

	drafts := ComputeSchedule(inv, rules, now)
	if len(drafts) != 3 {
		t.Fatalf("drafts = %d, want 3", len(drafts))
	}
	if got, want := drafts[0].ScheduledAt, mustTime(t, "2025-01-09T00:00:00Z"); !got.Equal(want) {
		t.Fatalf("reminder scheduled at %v, want %v", got, want)
	}
	if drafts[2].Channel != channel.KindSMS {
		t.Fatalf("late draft channel = %s, want sms", drafts[2].Channel)
	}
	for _, d := range drafts {
		if d.RuleName == "disabled" {
			t.Fatal("inactive rule produced a draft")
		}
	}
}

func TestComputeScheduleDropsStaleKeepsFuture(t *testing.T) {
	t.Parallel()
	due := mustTime(t, "2025-01-01T00:00:00Z")
	now := mustTime(t, "2025-01-10T12:00:00Z")
	inv := billing.Invoice{ExternalID: "inv-2", DueDate: due, BalanceCents: 100}

	rules := []Rule{
		// due+2d = Jan 3, more than 24h before now: stale, dropped.
		{Name: "stale", OffsetDays: 2, Channel: channel.KindEmail, TemplateID: "t", Active: true},
		// due+9d = Jan 10, within the 24h grace: kept.
		{Name: "grace", OffsetDays: 9, Channel: channel.KindEmail, TemplateID: "t", Active: true},
		// far future: kept regardless of horizon.
		{Name: "future", OffsetDays: 365, Channel: channel.KindEmail, TemplateID: "t", Active: true},
	}

	drafts := ComputeSchedule(inv, rules, now)
	if len(drafts) != 2 {
		t.Fatalf("drafts = %d, want 2", len(drafts))
	}
	if drafts[0].RuleName != "grace" || drafts[1].RuleName != "future" {
		t.Fatalf("unexpected drafts: %s, %s", drafts[0].RuleName, drafts[1].RuleName)
	}
}

func TestComputeScheduleSettledInvoice(t *testing.T) {
	t.Parallel()
	inv := billing.Invoice{ExternalID: "inv-3", DueDate: time.Now(), BalanceCents: 0}
	rules := []Rule{{Name: "r", OffsetDays: 0, Channel: channel.KindEmail, TemplateID: "t", Active: true}}
	if drafts := ComputeSchedule(inv, rules, time.Now()); len(drafts) != 0 {
		t.Fatalf("settled invoice produced %d drafts, want 0", len(drafts))
	}
}

func TestValidateRule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{name: "valid", rule: Rule{Name: "r", Channel: channel.KindEmail, TemplateID: "t"}},
		{name: "missing name", rule: Rule{Channel: channel.KindEmail, TemplateID: "t"}, wantErr: true},
		{name: "unknown channel", rule: Rule{Name: "r", Channel: channel.KindUnknown, TemplateID: "t"}, wantErr: true},
		{name: "missing template", rule: Rule{Name: "r", Channel: channel.KindSMS}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRule(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateRule() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	eng := NewEngine(st, testLogger(), nil)
	eng.now = func() time.Time { return mustTime(t, "2025-01-05T00:00:00Z") }

	inv := billing.Invoice{ExternalID: "inv-9", DueDate: mustTime(t, "2025-01-10T00:00:00Z"), BalanceCents: 100}
	rules := []Rule{
		{Name: "a", OffsetDays: 0, Channel: channel.KindEmail, TemplateID: "t", Active: true},
		{Name: "b", OffsetDays: 3, Channel: channel.KindEmail, TemplateID: "t", Active: true},
	}

	for i := 0; i < 3; i++ {
		n, err := eng.Recompute(context.Background(), "co-1", inv, rules)
		if err != nil {
			t.Fatalf("recompute #%d: %v", i, err)
		}
		if n != 2 {
			t.Fatalf("recompute #%d wrote %d rows, want 2", i, n)
		}
	}
	if got := st.countStatus("inv-9", StatusPending); got != 2 {
		t.Fatalf("pending rows = %d, want 2", got)
	}
}

func TestRecomputeKeepsTerminalRows(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	sentAt := mustTime(t, "2025-01-01T00:00:00Z")
	st.seed(FollowUp{ID: "old-sent", InvoiceRef: "inv-9", Status: StatusSent, SentAt: &sentAt})
	st.seed(FollowUp{ID: "old-failed", InvoiceRef: "inv-9", Status: StatusFailed})

	eng := NewEngine(st, testLogger(), nil)
	eng.now = func() time.Time { return mustTime(t, "2025-01-05T00:00:00Z") }

	inv := billing.Invoice{ExternalID: "inv-9", DueDate: mustTime(t, "2025-01-10T00:00:00Z"), BalanceCents: 100}
	rules := []Rule{{Name: "a", OffsetDays: 0, Channel: channel.KindEmail, TemplateID: "t", Active: true}}

	if _, err := eng.Recompute(context.Background(), "", inv, rules); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if got := st.countStatus("inv-9", StatusSent); got != 1 {
		t.Fatalf("sent rows = %d, want 1", got)
	}
	if got := st.countStatus("inv-9", StatusFailed); got != 1 {
		t.Fatalf("failed rows = %d, want 1", got)
	}
	if got := st.countStatus("inv-9", StatusPending); got != 1 {
		t.Fatalf("pending rows = %d, want 1", got)
	}
}

func TestRecomputeSkipsInvalidRules(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	eng := NewEngine(st, testLogger(), nil)
	eng.now = func() time.Time { return mustTime(t, "2025-01-05T00:00:00Z") }

	inv := billing.Invoice{ExternalID: "inv-x", DueDate: mustTime(t, "2025-01-10T00:00:00Z"), BalanceCents: 100}
	rules := []Rule{
		{Name: "good", OffsetDays: 0, Channel: channel.KindEmail, TemplateID: "t", Active: true},
		{Name: "", OffsetDays: 1, Channel: channel.KindEmail, TemplateID: "t", Active: true},
	}

	n, err := eng.Recompute(context.Background(), "", inv, rules)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if n != 1 {
		t.Fatalf("wrote %d rows, want 1", n)
	}
}
