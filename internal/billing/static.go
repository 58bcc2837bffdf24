package billing

import (
	"context"
	"sync"
)

// Static is an in-memory Client for local runs and tests.
type Static struct {
	mu       sync.RWMutex
	invoices map[string]Invoice
}

func NewStatic(invoices ...Invoice) *Static {
	s := &Static{invoices: make(map[string]Invoice, len(invoices))}
	for _, inv := range invoices {
		s.invoices[inv.ExternalID] = inv
	}
	return s
}

func (s *Static) Put(inv Invoice) {
	s.mu.Lock()
	s.invoices[inv.ExternalID] = inv
	s.mu.Unlock()
}

func (s *Static) Invoice(ctx context.Context, externalID string) (Invoice, error) {
	if err := ctx.Err(); err != nil {
		return Invoice{}, err
	}
	s.mu.RLock()
	inv, ok := s.invoices[externalID]
	s.mu.RUnlock()
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

var _ Client = (*Static)(nil)
