// Package billing defines the read-only contract to the invoice source of truth.
//
// The orchestrator never owns invoice data; it only resolves dispatch context
// (due date, balance, customer identity) at the moment a follow-up fires.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("billing: invoice not found")
	ErrUnauthorized = errors.New("billing: unauthorized")
)

// Invoice is the dispatch context for one external invoice.
// BalanceCents is the open amount; 0 means the invoice is settled.
type Invoice struct {
	ID            string
	ExternalID    string
	DueDate       time.Time
	BalanceCents  int64
	Currency      string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
}

// Client resolves invoices by their opaque external id.
//
// Implementations must honor ctx cancellation; every lookup the processor
// issues carries a bounded timeout.
type Client interface {
	Invoice(ctx context.Context, externalID string) (Invoice, error)
}
