package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dunner/internal/followup"
)

// Memory is a map-backed Store for tests and storage-less dev runs.
type Memory struct {
	mu   sync.Mutex
	rows map[string]followup.FollowUp
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]followup.FollowUp)}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) ReplacePending(ctx context.Context, invoiceRef string, rows []followup.FollowUp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, fu := range m.rows {
		if fu.InvoiceRef == invoiceRef && fu.Status == followup.StatusPending {
			delete(m.rows, id)
		}
	}
	for _, fu := range rows {
		if _, dup := m.rows[fu.ID]; dup {
			return fmt.Errorf("store: duplicate follow-up id %s", fu.ID)
		}
		m.rows[fu.ID] = fu
	}
	return nil
}

func (m *Memory) DuePending(ctx context.Context, companyID string, now time.Time, limit int) ([]followup.FollowUp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []followup.FollowUp
	for _, fu := range m.rows {
		if fu.Status != followup.StatusPending || fu.ScheduledAt.After(now) {
			continue
		}
		if companyID != "" && fu.CompanyID != companyID {
			continue
		}
		out = append(out, fu)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkSent(ctx context.Context, id string, sentAt time.Time, deliveryID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fu, ok := m.rows[id]
	if !ok || fu.Status != followup.StatusPending {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fu.Status = followup.StatusSent
	fu.SentAt = &sentAt
	fu.DeliveryID = deliveryID
	fu.UpdatedAt = sentAt
	m.rows[id] = fu
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, id string, failedAt time.Time, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fu, ok := m.rows[id]
	if !ok || fu.Status != followup.StatusPending {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fu.Status = followup.StatusFailed
	fu.FailedAt = &failedAt
	fu.Error = reason
	fu.UpdatedAt = failedAt
	m.rows[id] = fu
	return nil
}

func (m *Memory) ArchiveFailed(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := time.Now()
	for id, fu := range m.rows {
		if fu.Status == followup.StatusFailed && fu.FailedAt != nil && !fu.FailedAt.After(cutoff) {
			fu.Status = followup.StatusArchived
			fu.UpdatedAt = now
			m.rows[id] = fu
			n++
		}
	}
	return n, nil
}

func (m *Memory) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, fu := range m.rows {
		terminal := fu.Status == followup.StatusSent || fu.Status == followup.StatusArchived
		if terminal && !fu.UpdatedAt.After(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

// All returns every row; test helper.
func (m *Memory) All() []followup.FollowUp {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]followup.FollowUp, 0, len(m.rows))
	for _, fu := range m.rows {
		out = append(out, fu)
	}
	return out
}
