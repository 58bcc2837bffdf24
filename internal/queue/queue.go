// Package queue is a producer/consumer primitive with two interchangeable
// backends: a durable, Redis-broker-backed implementation (asynq) and an
// in-memory fallback with the same contract.
//
// The backend is chosen once at startup by probing the broker address; the
// fallback trades persistence and true cron recurrence for zero external
// dependencies, which keeps the orchestrator useful when Redis is down.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dunner/internal/eventbus"
	"dunner/pkg/logx"
)

var (
	ErrClosed         = errors.New("queue: backend closed")
	ErrUnknownQueue   = errors.New("queue: unknown queue")
	ErrBrokerRequired = errors.New("queue: broker unreachable and configured as required")
)

// Handler processes one job. A returned error triggers the retry policy.
type Handler func(ctx context.Context, job Job) error

// AddOptions tune a single Add call.
type AddOptions struct {
	// Delay places the job in delayed instead of waiting.
	Delay time.Duration
	// MaxAttempts overrides the queue default when > 0.
	MaxAttempts int
	// ID overrides the generated job id (useful for idempotent enqueues).
	ID string
}

// Stats is the per-queue diagnostic snapshot.
type Stats struct {
	Queue       string
	Counts      map[State]int
	Concurrency int
	Fallback    bool
}

// Backend is the contract both implementations satisfy.
type Backend interface {
	// Add assigns the job an id and places it in waiting (or delayed when
	// opts.Delay > 0).
	Add(ctx context.Context, queue string, payload []byte, opts AddOptions) (string, error)

	// Process binds the handler for a queue and starts consuming it. At most
	// the queue's configured concurrency jobs run active simultaneously.
	Process(queue string, h Handler) error

	// Recurring registers a cron-recurring enqueue of payload into queue.
	// The fallback backend degrades this to a single immediate execution.
	Recurring(name, cronSpec, queue string, payload []byte) error

	// Stats reports per-state counts, configured concurrency, and whether
	// the queue runs in fallback mode.
	Stats(ctx context.Context, queue string) (Stats, error)

	// Close drains handlers and releases broker connections. The fallback
	// backend's Close is an acknowledgment only.
	Close() error
}

// Config selects and configures the backend.
type Config struct {
	// Broker is the Redis address (host:port). Empty means fallback only.
	Broker string
	// BrokerRequired aborts startup instead of degrading when the broker is
	// unreachable.
	BrokerRequired bool
	// ProbeTimeout bounds the startup TCP connectivity probe. Default 2s.
	ProbeTimeout time.Duration
	// RedisDB and RedisPassword are passed to the durable backend.
	RedisDB       int
	RedisPassword string
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	return c
}

// Select probes the broker and returns the durable backend when it is
// reachable, the in-memory fallback otherwise. Fallback activation is logged
// once and published on the bus; with BrokerRequired it is a startup error.
func Select(cfg Config, defs []Definition, log logx.Logger, bus eventbus.Bus) (Backend, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	if cfg.Broker != "" && Probe(cfg.Broker, cfg.ProbeTimeout) == nil {
		log.Info("queue: using durable backend", logx.String("broker", cfg.Broker))
		return NewDurable(cfg, defs, log, bus), nil
	}

	if cfg.BrokerRequired {
		return nil, fmt.Errorf("%w: %s", ErrBrokerRequired, cfg.Broker)
	}

	log.Warn("queue: broker unreachable, running in fallback mode (jobs are not persisted)",
		logx.String("broker", cfg.Broker))
	if bus != nil {
		bus.Publish(eventbus.Event{Type: eventbus.TypeFallbackMode, Data: map[string]any{"broker": cfg.Broker}})
	}
	return NewMemory(defs, log, bus), nil
}
