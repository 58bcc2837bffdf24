// Package eventbus fans out state-transition events inside the process.
//
// Publishers never block: a subscriber whose buffer is full loses the event.
// The bus owns no goroutines.
package eventbus

import (
	"sync"
	"time"
)

// Event is one observed state transition. Data should be small and
// JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published by the orchestrator.
const (
	TypeRecomputed     = "followup.recomputed"
	TypeDispatched     = "followup.dispatched"
	TypeDispatchFailed = "followup.dispatch_failed"
	TypeJobRetried     = "job.retried"
	TypeJobFailed      = "job.failed"
	TypeFallbackMode   = "queue.fallback"
	TypeTaskStarted    = "task.started"
	TypeTaskFinished   = "task.finished"
	TypeTaskFailed     = "task.failed"
)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &fanout{subs: make(map[int]chan Event)}
}

// fanout delivers under the read lock and closes subscriber channels under
// the write lock, so a send can never hit a closed channel.
type fanout struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan Event
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
	return ch, unsub
}
