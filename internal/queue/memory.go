package queue

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"dunner/internal/eventbus"
	"dunner/pkg/logx"
)

// memoryBackend is the in-memory fallback. Same contract as the durable
// backend, but jobs are lost on restart and recurring jobs degrade to a
// single immediate execution.
//
// Delays are driven by one ticking loop per queue over a min-heap keyed by
// fire time; there are no per-job timers.
type memoryBackend struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	closed bool
	stopCh chan struct{}

	log logx.Logger
	bus eventbus.Bus
	wg  sync.WaitGroup

	now func() time.Time
}

type memQueue struct {
	def     Definition
	handler Handler
	running bool

	mu        sync.Mutex
	jobs      map[string]*Job
	waiting   []string // FIFO job ids
	delayed   delayHeap
	active    int
	completed []string // retained terminal ids, oldest first
	failed    []string

	wake chan struct{}
}

func NewMemory(defs []Definition, log logx.Logger, bus eventbus.Bus) Backend {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &memoryBackend{
		queues: make(map[string]*memQueue, len(defs)),
		stopCh: make(chan struct{}),
		log:    log.With(logx.String("comp", "queue.memory")),
		bus:    bus,
		now:    time.Now,
	}
	for _, d := range defs {
		d = d.withDefaults()
		b.queues[d.Name] = &memQueue{
			def:  d,
			jobs: make(map[string]*Job),
			wake: make(chan struct{}, 1),
		}
	}
	return b
}

func (b *memoryBackend) queue(name string) (*memQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

func (b *memoryBackend) Add(ctx context.Context, queue string, payload []byte, opts AddOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q, err := b.queue(queue)
	if err != nil {
		return "", err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := q.def.Retry.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}

	now := b.now()
	job := &Job{
		ID:          id,
		Queue:       queue,
		Payload:     append([]byte(nil), payload...),
		MaxAttempts: maxAttempts,
		Backoff:     q.def.Retry.Backoff,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	if _, dup := q.jobs[id]; dup {
		q.mu.Unlock()
		return "", fmt.Errorf("queue %s: duplicate job id %s", queue, id)
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(opts.Delay)
		heap.Push(&q.delayed, delayedItem{id: id, runAt: job.RunAt})
	} else {
		job.State = StateWaiting
		q.waiting = append(q.waiting, id)
	}
	q.jobs[id] = job
	q.mu.Unlock()

	q.notify()
	return id, nil
}

func (b *memoryBackend) Process(queue string, h Handler) error {
	if h == nil {
		return fmt.Errorf("queue %s: nil handler", queue)
	}
	q, err := b.queue(queue)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("queue %s: already processing", queue)
	}
	q.handler = h
	q.running = true
	q.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.loop(q)
	}()
	return nil
}

// Recurring degrades to a single immediate execution in fallback mode.
// This is a documented limitation, not a defect: without a broker there is
// nothing to survive a restart, so a cron registration cannot be honored.
func (b *memoryBackend) Recurring(name, cronSpec, queue string, payload []byte) error {
	b.log.Warn("recurring job degraded to single immediate execution (fallback mode)",
		logx.String("name", name),
		logx.String("cron", cronSpec),
		logx.String("queue", queue),
	)
	_, err := b.Add(context.Background(), queue, payload, AddOptions{})
	return err
}

func (b *memoryBackend) Stats(ctx context.Context, queue string) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	q, err := b.queue(queue)
	if err != nil {
		return Stats{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[State]int{
		StateWaiting:   0,
		StateDelayed:   0,
		StateActive:    0,
		StateCompleted: 0,
		StateFailed:    0,
	}
	for _, j := range q.jobs {
		counts[j.State]++
	}
	return Stats{
		Queue:       queue,
		Counts:      counts,
		Concurrency: q.def.Concurrency,
		Fallback:    true,
	}, nil
}

// Close stops the dispatch loops. There is no broker to release and nothing
// durable to flush; in-flight handlers run to completion.
func (b *memoryBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.mu.Unlock()
	return nil
}

// loop promotes due delayed jobs and dispatches waiting ones while respecting
// the queue's concurrency cap. It sleeps until the next fire time or until a
// producer or finishing job wakes it.
func (b *memoryBackend) loop(q *memQueue) {
	const idleWait = time.Second

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		now := b.now()

		q.mu.Lock()
		for q.delayed.Len() > 0 && !q.delayed[0].runAt.After(now) {
			it := heap.Pop(&q.delayed).(delayedItem)
			if j, ok := q.jobs[it.id]; ok && j.State == StateDelayed {
				j.State = StateWaiting
				j.UpdatedAt = now
				q.waiting = append(q.waiting, it.id)
			}
		}

		for q.active < q.def.Concurrency && len(q.waiting) > 0 {
			id := q.waiting[0]
			q.waiting = q.waiting[1:]
			j, ok := q.jobs[id]
			if !ok || j.State != StateWaiting {
				continue
			}
			j.State = StateActive
			j.UpdatedAt = now
			q.active++
			snapshot := *j
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.run(q, snapshot)
			}()
		}

		wait := idleWait
		if q.delayed.Len() > 0 {
			if d := q.delayed[0].runAt.Sub(now); d < wait {
				wait = d
			}
		}
		q.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-b.stopCh:
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

func (b *memoryBackend) run(q *memQueue, job Job) {
	err := b.safeCall(q.handler, job)

	now := b.now()
	q.mu.Lock()
	q.active--
	j, ok := q.jobs[job.ID]
	if !ok {
		q.mu.Unlock()
		q.notify()
		return
	}
	j.UpdatedAt = now

	if err == nil {
		j.State = StateCompleted
		b.retainLocked(q, &q.completed, j.ID, q.def.Retention.MaxCompleted)
		q.mu.Unlock()
		q.notify()
		return
	}

	j.AttemptCount++
	j.LastError = err.Error()

	if j.AttemptCount < j.MaxAttempts {
		delay := j.Backoff.Delay(j.AttemptCount)
		j.State = StateDelayed
		j.RunAt = now.Add(delay)
		heap.Push(&q.delayed, delayedItem{id: j.ID, runAt: j.RunAt})
		attempts := j.AttemptCount
		maxAttempts := j.MaxAttempts
		q.mu.Unlock()

		b.log.Debug("job retry scheduled",
			logx.String("queue", job.Queue),
			logx.String("id", job.ID),
			logx.Int("attempt", attempts),
			logx.Int("max_attempts", maxAttempts),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if b.bus != nil {
			b.bus.Publish(eventbus.Event{Type: eventbus.TypeJobRetried, Time: now, Data: map[string]any{
				"queue": job.Queue, "id": job.ID, "attempt": attempts,
			}})
		}
		q.notify()
		return
	}

	j.State = StateFailed
	b.retainLocked(q, &q.failed, j.ID, q.def.Retention.MaxFailed)
	attempts := j.AttemptCount
	q.mu.Unlock()

	b.log.Warn("job failed permanently",
		logx.String("queue", job.Queue),
		logx.String("id", job.ID),
		logx.Int("attempts", attempts),
		logx.Err(err),
	)
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Time: now, Data: map[string]any{
			"queue": job.Queue, "id": job.ID, "attempts": attempts, "error": err.Error(),
		}})
	}
	q.notify()
}

func (b *memoryBackend) safeCall(h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job handler: %v", r)
			b.log.Error("panic in job handler",
				logx.String("queue", job.Queue),
				logx.String("id", job.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return h(context.Background(), job)
}

// retainLocked appends a terminal id and evicts the oldest past the cap.
// Evicted jobs disappear from the jobs map entirely. Caller holds q.mu.
func (b *memoryBackend) retainLocked(q *memQueue, list *[]string, id string, keep int) {
	*list = append(*list, id)
	for keep > 0 && len(*list) > keep {
		oldest := (*list)[0]
		*list = (*list)[1:]
		delete(q.jobs, oldest)
	}
}

func (q *memQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ---- delay heap ----

type delayedItem struct {
	id    string
	runAt time.Time
}

type delayHeap []delayedItem

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].runAt.Before(h[j].runAt) }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)        { *h = append(*h, x.(delayedItem)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
