// Package followup holds the domain model of scheduled customer
// communications and the two operations that move them: the rule engine
// (computes what should fire and when) and the processor (fires it).
package followup

import (
	"context"
	"time"

	"dunner/internal/channel"
)

// Status is the lifecycle state of a follow-up.
//
// pending -> sent        (dispatch ok, terminal)
// pending -> failed      (dispatch error; terminal for dispatch, no auto-retry)
// failed  -> archived    (aged out by maintenance, terminal)
// pending rows may also be deleted outright by a rule-engine recompute.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusArchived Status = "archived"
)

// Rule maps a due-date offset to a channel and message template.
// OffsetDays is signed: -1 fires one day before the due date.
type Rule struct {
	Name       string
	OffsetDays int
	Channel    channel.Kind
	TemplateID string
	Active     bool
}

// FollowUp is one scheduled communication tied to one invoice and one rule.
type FollowUp struct {
	ID          string
	CompanyID   string
	InvoiceRef  string
	RuleName    string
	Channel     channel.Kind
	Status      Status
	ScheduledAt time.Time
	SentAt      *time.Time
	FailedAt    *time.Time
	Error       string
	TemplateID  string
	Subject     string
	DeliveryID  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Draft is a follow-up computed by the rule engine before it is persisted.
type Draft struct {
	CompanyID   string
	InvoiceRef  string
	RuleName    string
	Channel     channel.Kind
	TemplateID  string
	ScheduledAt time.Time
}

// Store is the persistence surface the engine and processor consume.
// internal/store provides the SQLite and in-memory implementations.
type Store interface {
	// ReplacePending atomically deletes all pending rows for the invoice and
	// inserts the given rows inside one transaction. Rows in any other status
	// are never touched.
	ReplacePending(ctx context.Context, invoiceRef string, rows []FollowUp) error

	// DuePending returns rows with status=pending and scheduled_at <= now,
	// ascending by scheduled_at, at most limit rows. companyID "" means all
	// companies.
	DuePending(ctx context.Context, companyID string, now time.Time, limit int) ([]FollowUp, error)

	MarkSent(ctx context.Context, id string, sentAt time.Time, deliveryID string) error
	MarkFailed(ctx context.Context, id string, failedAt time.Time, reason string) error

	// ArchiveFailed moves failed rows older than cutoff to archived.
	ArchiveFailed(ctx context.Context, cutoff time.Time) (int64, error)
	// PurgeTerminal deletes sent and archived rows older than cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result is the outcome of processing one follow-up.
type Result struct {
	ID         string
	Success    bool
	DeliveryID string
	Err        error
}

// ItemError records one failed item inside a batch.
type ItemError struct {
	ID         string
	InvoiceRef string
	Err        error
}

// Batch is the aggregate outcome of one ProcessPending pass.
// It is the user-visible unit; individual item errors never abort the batch.
type Batch struct {
	Processed  int
	Successful int
	Failed     int
	Errors     []ItemError
}
