// Package store persists follow-up rows.
//
// Two drivers: "sqlite" (modernc, no cgo) for real deployments and "memory"
// for tests and storage-less dev runs.
package store

import (
	"errors"
	"strings"
	"time"

	"dunner/internal/followup"
	"dunner/pkg/logx"
)

// ErrNotFound is returned for updates against an unknown follow-up id.
var ErrNotFound = errors.New("store: follow-up not found")

// Store is the full persistence surface, including lifecycle.
type Store interface {
	followup.Store
	Close() error
}

// Config configures the store.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store. An empty driver means "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("store: unknown driver: " + driver)
	}
}
