package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dunner/internal/channel"
	"dunner/internal/config"
	"dunner/internal/queue"
)

func boolPtr(b bool) *bool { return &b }

func TestMapRules(t *testing.T) {
	t.Parallel()
	rules, err := mapRules([]config.RuleConfig{
		{Name: "pre", OffsetDays: -1, Channel: "email", TemplateID: "t1"},
		{Name: "off", OffsetDays: 3, Channel: "SMS", TemplateID: "t2", Active: boolPtr(false)},
	})
	if err != nil {
		t.Fatalf("mapRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rules))
	}
	if !rules[0].Active {
		t.Fatal("omitted active flag should default to true")
	}
	if rules[1].Active {
		t.Fatal("explicit active=false was ignored")
	}
	if rules[1].Channel != channel.KindSMS {
		t.Fatalf("channel = %v, want sms", rules[1].Channel)
	}

	if _, err := mapRules([]config.RuleConfig{
		{Name: "bad", Channel: "pigeon", TemplateID: "t"},
	}); err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("unknown channel error = %v", err)
	}
}

func TestMapQueueConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Broker: config.BrokerConfig{Addr: "127.0.0.1:6379", ProbeTimeout: config.Duration(500 * time.Millisecond)},
		Queues: config.QueuesConfig{
			RetryMax:    5,
			RetryBase:   config.Duration(250 * time.Millisecond),
			Concurrency: map[string]int{"sync": 4},
		},
	}
	qc, defs := mapQueueConfig(cfg)
	if qc.Broker != "127.0.0.1:6379" {
		t.Fatalf("broker = %q", qc.Broker)
	}
	if qc.ProbeTimeout != 500*time.Millisecond {
		t.Fatalf("probe timeout = %v", qc.ProbeTimeout)
	}
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	for _, d := range defs {
		if d.Retry.MaxAttempts != 5 {
			t.Fatalf("queue %s retry max = %d", d.Name, d.Retry.MaxAttempts)
		}
		if d.Retry.Backoff.BaseDelay != 250*time.Millisecond {
			t.Fatalf("queue %s retry base = %v", d.Name, d.Retry.Backoff.BaseDelay)
		}
	}
	if defs[0].Name != QueueSync || defs[0].Concurrency != 4 {
		t.Fatalf("sync def = %+v", defs[0])
	}
	if defs[1].Concurrency != 0 {
		t.Fatalf("payments concurrency = %d, want 0 (backend default)", defs[1].Concurrency)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	good := &config.Config{
		Timezone: "Europe/Berlin",
		Rules: []config.RuleConfig{
			{Name: "r", OffsetDays: 1, Channel: "email", TemplateID: "t"},
		},
	}
	if err := validateConfig(good); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name string
		cfg  *config.Config
	}{
		{name: "nil", cfg: nil},
		{name: "bad timezone", cfg: &config.Config{Timezone: "Mars/Olympus"}},
		{name: "bad rule", cfg: &config.Config{
			Rules: []config.RuleConfig{{Name: "r", Channel: "fax", TemplateID: "t"}},
		}},
		{name: "negative batch limit", cfg: &config.Config{
			Processor: config.ProcessorConfig{BatchLimit: -1},
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := validateConfig(tt.cfg); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestStopAfterFailedStartReleasesResources(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfgYAML := `
logging:
  level: error
  console: false
storage:
  driver: memory
broker:
  addr: ""
  required: false
rules: []
`
	if err := os.WriteFile(path, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, err := NewApp(path, nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// A second Start fails because the queue handlers are already bound,
	// which is the error path the daemon's entrypoint recovers from.
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
	if _, err := a.backend.Add(context.Background(), QueueSync, nil, queue.AddOptions{}); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("backend still open after Stop: %v", err)
	}
}
