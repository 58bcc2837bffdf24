package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dunner/pkg/logx"
)

func testDef(name string, mutate ...func(*Definition)) Definition {
	d := Definition{
		Name:        name,
		Concurrency: 1,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     BackoffPolicy{Type: BackoffExponential, BaseDelay: 2 * time.Millisecond},
		},
	}
	for _, m := range mutate {
		m(&d)
	}
	return d
}

func newTestMemory(t *testing.T, defs ...Definition) Backend {
	t.Helper()
	b := NewMemory(defs, logx.Nop(), nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func stateCount(t *testing.T, b Backend, queue string, st State) int {
	t.Helper()
	stats, err := b.Stats(context.Background(), queue)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return stats.Counts[st]
}

func TestMemoryCompletesJob(t *testing.T) {
	t.Parallel()
	b := newTestMemory(t, testDef("q"))

	var got atomic.Value
	if err := b.Process("q", func(_ context.Context, job Job) error {
		got.Store(string(job.Payload))
		return nil
	}); err != nil {
		t.Fatalf("process: %v", err)
	}

	id, err := b.Add(context.Background(), "q", []byte("hello"), AddOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id == "" {
		t.Fatal("empty job id")
	}

	waitFor(t, 2*time.Second, func() bool {
		return stateCount(t, b, "q", StateCompleted) == 1
	})
	if got.Load() != "hello" {
		t.Fatalf("payload = %v, want hello", got.Load())
	}
}

func TestMemoryRetriesThenFails(t *testing.T) {
	t.Parallel()
	b := newTestMemory(t, testDef("q"))

	var runs atomic.Int32
	if err := b.Process("q", func(context.Context, Job) error {
		runs.Add(1)
		return errors.New("always down")
	}); err != nil {
		t.Fatalf("process: %v", err)
	}

	if _, err := b.Add(context.Background(), "q", nil, AddOptions{}); err != nil {
		t.Fatalf("add: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return stateCount(t, b, "q", StateFailed) == 1
	})
	// MaxAttempts bounds total executions, not retries.
	if n := runs.Load(); n != 3 {
		t.Fatalf("handler ran %d times, want 3", n)
	}
}

func TestMemoryConcurrencyCap(t *testing.T) {
	t.Parallel()
	b := newTestMemory(t, testDef("q", func(d *Definition) { d.Concurrency = 2 }))

	var (
		current atomic.Int32
		peak    atomic.Int32
		done    atomic.Int32
	)
	release := make(chan struct{})
	if err := b.Process("q", func(context.Context, Job) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		done.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("process: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := b.Add(context.Background(), "q", nil, AddOptions{}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return current.Load() == 2 })
	close(release)
	waitFor(t, 2*time.Second, func() bool { return done.Load() == 5 })

	if p := peak.Load(); p > 2 {
		t.Fatalf("observed %d concurrent jobs, cap is 2", p)
	}
}

func TestMemoryFIFOWithinQueue(t *testing.T) {
	t.Parallel()
	b := newTestMemory(t, testDef("q"))

	var mu sync.Mutex
	var order []string
	started := make(chan struct{})
	if err := b.Process("q", func(_ context.Context, job Job) error {
		<-started
		mu.Lock()
		order = append(order, string(job.Payload))
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("process: %v", err)
	}

	for _, p := range []string{"a", "b", "c"} {
		if _, err := b.Add(context.Background(), "q", []byte(p), AddOptions{}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	close(started)

	waitFor(t, 2*time.Second, func() bool {
		return stateCount(t, b, "q", StateCompleted) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order = %v, want [a b c]", order)
	}
}

func TestMemoryDelayedJob(t *testing.T) {
	t.Parallel()
	b := newTestMemory(t, testDef("q"))

	var ran atomic.Bool
	if err := b.Process("q", func(context.Context, Job) error {
		ran.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("process: %v", err)
	}

	if _, err := b.Add(context.Background(), "q", nil, AddOptions{Delay: 150 * time.Millisecond}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if got := stateCount(t, b, "q", StateDelayed); got != 1 {
		t.Fatalf("delayed = %d, want 1", got)
	}
	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Fatal("delayed job ran early")
	}

	waitFor(t, 2*time.Second, func() bool { return ran.Load() })
}

func TestMemoryRetentionEvictsOldest(t *testing.T) {
	t.Parallel()
	b := newTestMemory(t, testDef("q", func(d *Definition) {
		d.Retention = RetentionPolicy{MaxCompleted: 2, MaxFailed: 2}
	}))

	if err := b.Process("q", func(context.Context, Job) error { return nil }); err != nil {
		t.Fatalf("process: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := b.Add(context.Background(), "q", nil, AddOptions{}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		stats, err := b.Stats(context.Background(), "q")
		if err != nil {
			return false
		}
		total := 0
		for _, n := range stats.Counts {
			total += n
		}
		return stats.Counts[StateCompleted] == 2 && total == 2
	})
}

func TestMemoryRecurringDegradesToOneRun(t *testing.T) {
	t.Parallel()
	b := newTestMemory(t, testDef("q"))

	var runs atomic.Int32
	if err := b.Process("q", func(context.Context, Job) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("process: %v", err)
	}

	if err := b.Recurring("tick", "* * * * *", "q", nil); err != nil {
		t.Fatalf("recurring: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })
	// No cron loop behind it: one run is all fallback mode gives.
	time.Sleep(100 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Fatalf("handler ran %d times, want exactly 1", n)
	}
}

func TestMemoryPanicCountsAsFailedAttempt(t *testing.T) {
	t.Parallel()
	b := newTestMemory(t, testDef("q", func(d *Definition) { d.Retry.MaxAttempts = 2 }))

	var runs atomic.Int32
	if err := b.Process("q", func(context.Context, Job) error {
		runs.Add(1)
		panic("handler exploded")
	}); err != nil {
		t.Fatalf("process: %v", err)
	}

	if _, err := b.Add(context.Background(), "q", nil, AddOptions{}); err != nil {
		t.Fatalf("add: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return stateCount(t, b, "q", StateFailed) == 1
	})
	if n := runs.Load(); n != 2 {
		t.Fatalf("handler ran %d times, want 2", n)
	}
}

func TestMemoryRejectsUnknownQueueAndDoubleProcess(t *testing.T) {
	t.Parallel()
	b := newTestMemory(t, testDef("q"))

	if _, err := b.Add(context.Background(), "nope", nil, AddOptions{}); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("add to unknown queue: %v", err)
	}
	if err := b.Process("q", func(context.Context, Job) error { return nil }); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := b.Process("q", func(context.Context, Job) error { return nil }); err == nil {
		t.Fatal("second Process on the same queue should fail")
	}
}

func TestMemoryCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	b := NewMemory([]Definition{testDef("q")}, logx.Nop(), nil)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := b.Add(context.Background(), "q", nil, AddOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("add after close: %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	exp := BackoffPolicy{Type: BackoffExponential, BaseDelay: 100 * time.Millisecond}
	if d := exp.Delay(1); d != 100*time.Millisecond {
		t.Fatalf("exp attempt 1 = %v", d)
	}
	if d := exp.Delay(3); d != 300*time.Millisecond {
		t.Fatalf("exp attempt 3 = %v", d)
	}
	fixed := BackoffPolicy{Type: BackoffFixed, BaseDelay: 250 * time.Millisecond}
	if d := fixed.Delay(5); d != 250*time.Millisecond {
		t.Fatalf("fixed attempt 5 = %v", d)
	}
}
