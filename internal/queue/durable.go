package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"dunner/internal/eventbus"
	"dunner/pkg/logx"
)

// completedRetention keeps completed tasks visible to Stats for a while;
// asynq deletes them immediately otherwise.
const completedRetention = 24 * time.Hour

func taskType(queue string) string { return "dunner:" + queue }

// durableBackend is the broker-backed implementation on asynq/Redis.
//
// One asynq server per queue gives each queue a hard concurrency cap (asynq
// concurrency is per server, queue weights alone only set priorities). Jobs
// persist across restarts and Recurring uses true cron scheduling.
type durableBackend struct {
	mu sync.Mutex

	opt  asynq.RedisClientOpt
	defs map[string]Definition

	client    *asynq.Client
	inspector *asynq.Inspector
	servers   map[string]*asynq.Server
	scheduler *asynq.Scheduler

	closed bool

	log logx.Logger
	bus eventbus.Bus
}

func NewDurable(cfg Config, defs []Definition, log logx.Logger, bus eventbus.Bus) Backend {
	if log.IsZero() {
		log = logx.Nop()
	}
	opt := asynq.RedisClientOpt{
		Addr:     cfg.Broker,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	b := &durableBackend{
		opt:       opt,
		defs:      make(map[string]Definition, len(defs)),
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		servers:   make(map[string]*asynq.Server),
		log:       log.With(logx.String("comp", "queue.durable")),
		bus:       bus,
	}
	for _, d := range defs {
		d = d.withDefaults()
		b.defs[d.Name] = d
	}
	return b
}

func (b *durableBackend) def(queue string) (Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Definition{}, ErrClosed
	}
	d, ok := b.defs[queue]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	return d, nil
}

func (b *durableBackend) Add(ctx context.Context, queue string, payload []byte, opts AddOptions) (string, error) {
	def, err := b.def(queue)
	if err != nil {
		return "", err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := def.Retry.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}

	taskOpts := []asynq.Option{
		asynq.Queue(queue),
		asynq.TaskID(id),
		asynq.MaxRetry(maxAttempts - 1),
		asynq.Retention(completedRetention),
	}
	if opts.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(opts.Delay))
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(taskType(queue), payload), taskOpts...)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	b.log.Debug("job enqueued",
		logx.String("queue", queue),
		logx.String("id", info.ID),
		logx.Duration("delay", opts.Delay),
	)
	return info.ID, nil
}

func (b *durableBackend) Process(queue string, h Handler) error {
	if h == nil {
		return fmt.Errorf("queue %s: nil handler", queue)
	}
	def, err := b.def(queue)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if _, dup := b.servers[queue]; dup {
		b.mu.Unlock()
		return fmt.Errorf("queue %s: already processing", queue)
	}
	b.mu.Unlock()

	srv := asynq.NewServer(b.opt, asynq.Config{
		Concurrency: def.Concurrency,
		Queues:      map[string]int{queue: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return def.Retry.Backoff.Delay(n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			b.onTaskError(ctx, queue, task, err)
		}),
		Logger:   asynqLogger{log: b.log.With(logx.String("queue", queue))},
		LogLevel: asynq.WarnLevel,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskType(queue), func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		return h(ctx, Job{
			ID:           id,
			Queue:        queue,
			Payload:      t.Payload(),
			AttemptCount: retried,
			MaxAttempts:  maxRetry + 1,
			Backoff:      def.Retry.Backoff,
			State:        StateActive,
		})
	})

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start server for %s: %w", queue, err)
	}

	b.mu.Lock()
	b.servers[queue] = srv
	b.mu.Unlock()

	b.log.Info("processing queue",
		logx.String("queue", queue),
		logx.Int("concurrency", def.Concurrency),
	)
	return nil
}

func (b *durableBackend) onTaskError(ctx context.Context, queue string, task *asynq.Task, err error) {
	id, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	now := time.Now()
	if retried >= maxRetry {
		b.log.Warn("job failed permanently",
			logx.String("queue", queue),
			logx.String("id", id),
			logx.Int("attempts", retried+1),
			logx.Err(err),
		)
		if b.bus != nil {
			b.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Time: now, Data: map[string]any{
				"queue": queue, "id": id, "attempts": retried + 1, "error": err.Error(),
			}})
		}
		return
	}

	b.log.Debug("job retry scheduled",
		logx.String("queue", queue),
		logx.String("id", id),
		logx.Int("attempt", retried+1),
		logx.Err(err),
	)
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: eventbus.TypeJobRetried, Time: now, Data: map[string]any{
			"queue": queue, "id": id, "attempt": retried + 1,
		}})
	}
}

func (b *durableBackend) Recurring(name, cronSpec, queue string, payload []byte) error {
	if _, err := b.def(queue); err != nil {
		return err
	}

	b.mu.Lock()
	if b.scheduler == nil {
		b.scheduler = asynq.NewScheduler(b.opt, &asynq.SchedulerOpts{
			Logger:   asynqLogger{log: b.log.With(logx.String("comp", "queue.cron"))},
			LogLevel: asynq.WarnLevel,
		})
		if err := b.scheduler.Start(); err != nil {
			b.scheduler = nil
			b.mu.Unlock()
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	sched := b.scheduler
	b.mu.Unlock()

	entry, err := sched.Register(cronSpec, asynq.NewTask(taskType(queue), payload), asynq.Queue(queue))
	if err != nil {
		return fmt.Errorf("register recurring %s: %w", name, err)
	}
	b.log.Info("recurring job registered",
		logx.String("name", name),
		logx.String("cron", cronSpec),
		logx.String("queue", queue),
		logx.String("entry", entry),
	)
	return nil
}

func (b *durableBackend) Stats(ctx context.Context, queue string) (Stats, error) {
	def, err := b.def(queue)
	if err != nil {
		return Stats{}, err
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	info, err := b.inspector.GetQueueInfo(queue)
	if err != nil {
		return Stats{}, fmt.Errorf("queue info %s: %w", queue, err)
	}
	return Stats{
		Queue: queue,
		Counts: map[State]int{
			StateWaiting:   info.Pending,
			StateDelayed:   info.Scheduled + info.Retry,
			StateActive:    info.Active,
			StateCompleted: info.Completed,
			StateFailed:    info.Archived,
		},
		Concurrency: def.Concurrency,
		Fallback:    false,
	}, nil
}

// Close drains all servers (in-flight handlers finish), stops the cron
// scheduler, and releases the broker connections.
func (b *durableBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	servers := b.servers
	b.servers = map[string]*asynq.Server{}
	sched := b.scheduler
	b.scheduler = nil
	b.mu.Unlock()

	for name, srv := range servers {
		srv.Shutdown()
		b.log.Debug("queue server stopped", logx.String("queue", name))
	}
	if sched != nil {
		sched.Shutdown()
	}

	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close client: %w", err)
	}
	return b.inspector.Close()
}

// asynqLogger adapts logx to asynq's logger interface.
type asynqLogger struct {
	log logx.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
