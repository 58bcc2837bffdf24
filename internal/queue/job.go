package queue

import "time"

// State is the lifecycle state of a job.
//
// waiting -> active -> completed
// waiting -> active -> delayed -> active ... (retry with backoff)
// waiting -> active -> failed (attempts exhausted)
// Jobs added with a delay start in delayed instead of waiting.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	// BackoffExponential delays the n-th retry by base * n.
	BackoffExponential BackoffType = "exponential"
	// BackoffFixed always delays by base.
	BackoffFixed BackoffType = "fixed"
)

// BackoffPolicy computes the delay before a retry.
type BackoffPolicy struct {
	Type      BackoffType
	BaseDelay time.Duration
}

// Delay returns the wait before executing attempt number attempt (1-based
// count of attempts already made).
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	switch b.Type {
	case BackoffFixed:
		return base
	default:
		return base * time.Duration(attempt)
	}
}

// Job is one unit of asynchronous work.
//
// AttemptCount never exceeds MaxAttempts; the backends enforce this.
type Job struct {
	ID           string
	Queue        string
	Payload      []byte
	AttemptCount int
	MaxAttempts  int
	Backoff      BackoffPolicy
	State        State
	RunAt        time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RetryPolicy is a queue's default retry behavior for jobs that don't
// override it.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffPolicy
}

// RetentionPolicy bounds how many terminal jobs a queue keeps around for
// inspection. Oldest entries are evicted first on overflow.
type RetentionPolicy struct {
	MaxCompleted int
	MaxFailed    int
}

// Definition declares a named queue.
type Definition struct {
	Name        string
	Concurrency int
	Retry       RetryPolicy
	Retention   RetentionPolicy
}

func (d Definition) withDefaults() Definition {
	if d.Concurrency <= 0 {
		d.Concurrency = 1
	}
	if d.Retry.MaxAttempts <= 0 {
		d.Retry.MaxAttempts = 3
	}
	if d.Retry.Backoff.BaseDelay <= 0 {
		d.Retry.Backoff.BaseDelay = 500 * time.Millisecond
	}
	if d.Retry.Backoff.Type == "" {
		d.Retry.Backoff.Type = BackoffExponential
	}
	if d.Retention.MaxCompleted <= 0 {
		d.Retention.MaxCompleted = 100
	}
	if d.Retention.MaxFailed <= 0 {
		d.Retention.MaxFailed = 100
	}
	return d
}
