package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dunner/internal/billing"
	"dunner/internal/channel"
	"dunner/internal/config"
	"dunner/internal/eventbus"
	"dunner/internal/followup"
	"dunner/internal/queue"
	"dunner/internal/scheduler"
	"dunner/internal/store"
	"dunner/pkg/logx"
)

// Queue names serviced by the backend.
const (
	QueueSync     = "sync"
	QueuePayments = "payments"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   store.Store
	backend queue.Backend
	billing billing.Client

	engine *followup.Engine
	proc   *followup.Processor
	sched  *scheduler.Service

	// Hot-reloadable knobs. Guarded by mu; the scheduler tasks and queue
	// handlers read them per run.
	mu          sync.RWMutex
	rules       []followup.Rule
	batchLimit  int
	urgentAfter time.Duration
	archiveAge  time.Duration
	purgeAge    time.Duration
	brokerAddr  string
	probeWait   time.Duration
}

func NewApp(cfgPath string, bc billing.Client) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	st, err := store.Open(mapStoreConfig(cfg), log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	rules, err := mapRules(cfg.Rules)
	if err != nil {
		return nil, err
	}

	if bc == nil {
		// Without a wired provider the daemon still runs end to end against
		// an empty invoice source.
		bc = billing.NewStatic()
	}

	chLog := log.With(logx.String("comp", "channel"))
	registry, err := channel.NewRegistry(map[channel.Kind]channel.Adapter{
		channel.KindEmail: channel.NewDevAdapter(channel.KindEmail, chLog),
		channel.KindSMS:   channel.NewDevAdapter(channel.KindSMS, chLog),
		channel.KindCall:  channel.NewDevAdapter(channel.KindCall, chLog),
	})
	if err != nil {
		return nil, err
	}

	qc, defs := mapQueueConfig(cfg)
	backend, err := queue.Select(qc, defs, log.With(logx.String("comp", "queue")), bus)
	if err != nil {
		return nil, err
	}

	engine := followup.NewEngine(st, log.With(logx.String("comp", "engine")), bus)
	proc := followup.NewProcessor(st, bc, registry, mapProcessorConfig(cfg), log.With(logx.String("comp", "processor")), bus)

	sched := scheduler.New(scheduler.Config{
		DefaultTimeout: 2 * time.Minute,
		Timezone:       cfg.Timezone,
	}, log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		backend: backend,
		billing: bc,
		engine:  engine,
		proc:    proc,
		sched:   sched,
	}
	a.applyKnobs(cfg, rules)
	return a, nil
}

// applyKnobs installs the hot-reloadable settings.
func (a *App) applyKnobs(cfg *config.Config, rules []followup.Rule) {
	urgentDays := cfg.Processor.UrgentAfterDays
	if urgentDays <= 0 {
		urgentDays = 7
	}
	archiveDays := cfg.Maintenance.ArchiveFailedAfterDays
	if archiveDays <= 0 {
		archiveDays = 14
	}
	purgeDays := cfg.Maintenance.PurgeAfterDays
	if purgeDays <= 0 {
		purgeDays = 90
	}
	a.mu.Lock()
	a.rules = rules
	a.batchLimit = cfg.Processor.BatchLimit
	a.urgentAfter = time.Duration(urgentDays) * 24 * time.Hour
	a.archiveAge = time.Duration(archiveDays) * 24 * time.Hour
	a.purgeAge = time.Duration(purgeDays) * 24 * time.Hour
	a.brokerAddr = strings.TrimSpace(cfg.Broker.Addr)
	a.probeWait = cfg.Broker.ProbeTimeout.Or(2 * time.Second)
	a.mu.Unlock()
}

func (a *App) Rules() []followup.Rule {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rules := make([]followup.Rule, len(a.rules))
	copy(rules, a.rules)
	return rules
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, a.log)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.backend.Process(QueueSync, a.handleSyncJob); err != nil {
		return err
	}
	if err := a.backend.Process(QueuePayments, a.handlePaymentJob); err != nil {
		return err
	}

	a.registerTasks(a.cfgm.Get())
	a.sched.Start(a.sup.Context())

	// Event log tap. Components publish transitions; this keeps a debug
	// trace without each consumer subscribing itself.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	})

	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})

	a.log.Info("app started")
	return nil
}

// applyReload applies a validated config that arrived via hot reload.
// Broker and storage selection are fixed at startup; those sections only
// take effect after a restart.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	rules, err := mapRules(cfg.Rules)
	if err != nil {
		// Validator runs before commit, so this is unexpected.
		a.log.Warn("reloaded rules rejected; keeping previous", logx.Err(err))
		return
	}
	a.applyKnobs(cfg, rules)
	a.log.Info("config applied",
		logx.Int("rules", len(rules)),
		logx.Int("batch_limit", cfg.Processor.BatchLimit),
		logx.String("level", cfg.Logging.Level))
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Each stop step is bounded so one stalled component cannot hold the
	// whole shutdown hostage.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 5*time.Second, func(context.Context) error { return a.backend.Close() })
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Queues    []queue.Stats           `json:"queues"`
	Tasks     []string                `json:"tasks"`
	History   []scheduler.HistoryItem `json:"history"`
	RuleNames []string                `json:"rules"`
}

func (a *App) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Tasks:   a.sched.Tasks(),
		History: a.sched.History(),
	}
	for _, name := range []string{QueueSync, QueuePayments} {
		st, err := a.backend.Stats(ctx, name)
		if err != nil {
			continue
		}
		snap.Queues = append(snap.Queues, st)
	}
	for _, r := range a.Rules() {
		snap.RuleNames = append(snap.RuleNames, r.Name)
	}
	return snap
}

// ---- config mapping ----

func mapStoreConfig(cfg *config.Config) store.Config {
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}
}

func mapQueueConfig(cfg *config.Config) (queue.Config, []queue.Definition) {
	qc := queue.Config{
		Broker:         cfg.Broker.Addr,
		BrokerRequired: cfg.Broker.Required,
		ProbeTimeout:   cfg.Broker.ProbeTimeout.Std(),
		RedisDB:        cfg.Broker.RedisDB,
		RedisPassword:  cfg.Broker.RedisPassword,
	}

	defs := make([]queue.Definition, 0, 2)
	for _, name := range []string{QueueSync, QueuePayments} {
		defs = append(defs, queue.Definition{
			Name:        name,
			Concurrency: cfg.Queues.Concurrency[name],
			Retry: queue.RetryPolicy{
				MaxAttempts: cfg.Queues.RetryMax,
				Backoff: queue.BackoffPolicy{
					Type:      queue.BackoffExponential,
					BaseDelay: cfg.Queues.RetryBase.Std(),
				},
			},
		})
	}
	return qc, defs
}

func mapProcessorConfig(cfg *config.Config) followup.ProcessorConfig {
	return followup.ProcessorConfig{
		LookupTimeout:   cfg.Processor.LookupTimeout.Std(),
		DispatchTimeout: cfg.Processor.DispatchTimeout.Std(),
		RatePerSec:      cfg.Processor.RatePerSec,
		Templates:       cfg.Processor.Templates,
	}
}

func mapRules(rcs []config.RuleConfig) ([]followup.Rule, error) {
	rules := make([]followup.Rule, 0, len(rcs))
	for _, rc := range rcs {
		kind, err := channel.ParseKind(rc.Channel)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
		}
		r := followup.Rule{
			Name:       rc.Name,
			OffsetDays: rc.OffsetDays,
			Channel:    kind,
			TemplateID: rc.TemplateID,
			Active:     rc.Active == nil || *rc.Active,
		}
		if err := followup.ValidateRule(r); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// validateConfig rejects a bad hot-reload before it is committed. Interval
// fields validate themselves while decoding, so only cross-field checks
// remain here.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("empty config")
	}
	if _, err := mapRules(cfg.Rules); err != nil {
		return err
	}
	if cfg.Processor.BatchLimit < 0 {
		return fmt.Errorf("processor.batch_limit must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
