// Package scheduler runs named periodic tasks from cron expressions.
//
// Registration failures never crash the process: an invalid expression is
// logged and the task is skipped. Each execution is isolated; one task's
// panic or error never stops the others or the scheduler itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dunner/internal/eventbus"
	"dunner/pkg/logx"
)

type Config struct {
	// DefaultTimeout bounds a task body when the registration gives none.
	// 0 disables the default.
	DefaultTimeout time.Duration
	// HistorySize is the number of finished executions kept for diagnostics.
	HistorySize int
	// Timezone is an IANA TZ name for cron evaluation; empty means local.
	Timezone string
}

// Task is one periodic task body.
type Task func(ctx context.Context) error

type taskDef struct {
	name    string
	spec    string
	timeout time.Duration
	body    Task
}

type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	bus eventbus.Bus
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []taskDef

	runCtx  context.Context
	started bool
	wg      sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		bus:    bus,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register validates the cron expression and adds the task to the registry.
// An invalid expression is logged and the task skipped; the error is returned
// for the caller's bookkeeping but must not abort startup.
func (s *Service) Register(name, spec string, timeout time.Duration, body Task) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: task name is required")
	}
	if body == nil {
		return fmt.Errorf("scheduler: task %s has no body", name)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		s.log.Warn("invalid cron expression, task skipped",
			logx.String("task", name),
			logx.String("cron", spec),
			logx.Err(err),
		)
		return fmt.Errorf("scheduler: task %s: invalid cron %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := taskDef{name: name, spec: spec, timeout: s.resolveTimeout(timeout), body: body}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.addLocked(d)
	}
	return nil
}

// Start begins evaluating cron expressions. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx = ctx

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		s.addLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Int("tasks", len(s.defs)),
		logx.String("tz", loc.String()),
	)
}

// Stop cancels pending timers and waits (bounded by ctx) for in-flight task
// bodies, which always run to completion. Idempotent.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.c
	s.c = nil
	s.mu.Unlock()

	var drained context.Context
	if c != nil {
		drained = c.Stop()
	}

	// Both waits honor ctx: a task body without a timeout can run
	// arbitrarily long and must not stall shutdown past the deadline.
	done := make(chan struct{})
	go func() {
		if drained != nil {
			<-drained.Done()
		}
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for tasks", logx.Err(ctx.Err()))
	}
}

func (s *Service) addLocked(d taskDef) {
	// Expression already validated at Register.
	_, _ = s.c.AddFunc(d.spec, func() { s.execOne(d) })
}

func (s *Service) execOne(d taskDef) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	ctx := runCtx
	var cancel context.CancelFunc
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted, Time: start, Data: map[string]any{"task": d.name}})
	}

	err := s.runIsolated(ctx, d)
	took := time.Since(start)

	item := HistoryItem{Name: d.name, Started: start, Duration: took}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed",
			logx.String("task", d.name),
			logx.Duration("took", took),
			logx.Err(err),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: map[string]any{"task": d.name, "error": err.Error()}})
		}
	} else {
		s.log.Debug("task ok", logx.String("task", d.name), logx.Duration("took", took))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFinished, Data: map[string]any{"task": d.name}})
		}
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) runIsolated(ctx context.Context, d taskDef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("panic in scheduled task",
				logx.String("task", d.name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return d.body(ctx)
}

// History returns a copy of the recent execution records.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

// Tasks lists the registered task names.
func (s *Service) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		names = append(names, d.name)
	}
	return names
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
