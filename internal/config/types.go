package config

// Config is the daemon configuration.
//
// Interval fields are Duration values, written as Go duration strings
// (e.g. "500ms", "10s", "1m") and validated while decoding. Files may be
// JSON or YAML; both go through the same strict decoder, so unknown fields
// are rejected.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Broker      BrokerConfig      `json:"broker"`
	Queues      QueuesConfig      `json:"queues,omitempty"`
	Processor   ProcessorConfig   `json:"processor,omitempty"`
	Schedule    ScheduleConfig    `json:"schedule,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Rules       []RuleConfig      `json:"rules"`
	Timezone    string            `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Driver is "sqlite" or "memory" (default "memory").
	Driver      string   `json:"driver,omitempty"`
	Path        string   `json:"path,omitempty"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

// BrokerConfig selects the queue backend.
//
// An unreachable broker means fallback mode, unless Required is set, in
// which case startup aborts.
type BrokerConfig struct {
	Addr          string   `json:"addr,omitempty"`
	Required      bool     `json:"required"`
	ProbeTimeout  Duration `json:"probe_timeout,omitempty"`
	RedisDB       int      `json:"redis_db,omitempty"`
	RedisPassword string   `json:"redis_password,omitempty"`
}

// QueuesConfig sets queue-wide retry defaults plus per-queue concurrency
// overrides keyed by queue name.
type QueuesConfig struct {
	RetryMax    int            `json:"retry_max,omitempty"`
	RetryBase   Duration       `json:"retry_base,omitempty"`
	Concurrency map[string]int `json:"concurrency,omitempty"`
}

type ProcessorConfig struct {
	BatchLimit      int      `json:"batch_limit,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	LookupTimeout   Duration `json:"lookup_timeout,omitempty"`
	DispatchTimeout Duration `json:"dispatch_timeout,omitempty"`
	// UrgentAfterDays marks an invoice urgent once it is overdue this long;
	// the hourly escalation batch only picks up urgent work.
	UrgentAfterDays int               `json:"urgent_after_days,omitempty"`
	Templates       map[string]string `json:"templates,omitempty"`
}

// ScheduleConfig carries one cron expression per periodic task.
type ScheduleConfig struct {
	Pending     string `json:"pending,omitempty"`
	Urgent      string `json:"urgent,omitempty"`
	Maintenance string `json:"maintenance,omitempty"`
	HealthProbe string `json:"health_probe,omitempty"`
}

// MaintenanceConfig sets the aging windows, in days.
type MaintenanceConfig struct {
	ArchiveFailedAfterDays int `json:"archive_failed_after_days,omitempty"`
	PurgeAfterDays         int `json:"purge_after_days,omitempty"`
}

// RuleConfig is one follow-up rule. Active is a pointer so "omitted"
// defaults to true while an explicit false disables the rule.
type RuleConfig struct {
	Name       string `json:"name"`
	OffsetDays int    `json:"offset_days"`
	Channel    string `json:"channel"`
	TemplateID string `json:"template_id"`
	Active     *bool  `json:"active,omitempty"`
}
