package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDurationUnmarshal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string // JSON
		want    time.Duration
		wantErr bool
	}{
		{name: "empty means unset", raw: `""`, want: 0},
		{name: "whitespace means unset", raw: `"   "`, want: 0},
		{name: "millis", raw: `"500ms"`, want: 500 * time.Millisecond},
		{name: "compound", raw: `"1m30s"`, want: 90 * time.Second},
		{name: "garbage", raw: `"5 minutes"`, wantErr: true},
		{name: "negative", raw: `"-1s"`, wantErr: true},
		{name: "bare number", raw: `10`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.raw), &d)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && d.Std() != tt.want {
				t.Fatalf("got %v, want %v", d.Std(), tt.want)
			}
		})
	}
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	var unset Duration
	if got := unset.Or(7 * time.Second); got != 7*time.Second {
		t.Fatalf("unset = %v, want default", got)
	}
	if got := Duration(2 * time.Second).Or(7 * time.Second); got != 2*time.Second {
		t.Fatalf("explicit = %v, want 2s", got)
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
storage:
  driver: sqlite
  path: /tmp/dunner.db
  busy_timeout: ten seconds
rules: []
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("malformed duration field was accepted")
	}
}

func TestManagerParsesYAMLAndJSON(t *testing.T) {
	t.Parallel()
	yamlPath := writeFile(t, "config.yaml", `
logging:
  level: DEBUG
  console: true
storage:
  driver: sqlite
  path: /tmp/dunner.db
broker:
  addr: "127.0.0.1:6379"
  required: false
rules:
  - name: reminder
    offset_days: -1
    channel: email
    template_id: pre_due
`)
	cfg, err := NewManager(yamlPath).Parse()
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].OffsetDays != -1 {
		t.Fatalf("rules = %+v", cfg.Rules)
	}
	if cfg.Rules[0].Active != nil {
		t.Fatal("omitted active flag should stay nil")
	}

	jsonPath := writeFile(t, "config.json",
		`{"logging":{"level":"INFO","console":true},"storage":{"driver":"memory"},"broker":{"addr":"","required":false},"rules":[]}`)
	cfg, err = NewManager(jsonPath).Parse()
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Fatalf("json config: %+v", cfg)
	}
}

func TestManagerRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
logging:
  level: INFO
  console: true
typo_section:
  oops: true
rules: []
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown top-level field was accepted")
	}
}

func TestManagerRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"rules":[]}{"rules":[]}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing JSON document was accepted")
	}
}

func TestManagerLoadGetCommit(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging":{"level":"WARN","console":false},"rules":[]}`)
	m := NewManager(path)

	if got := m.Get(); got != nil {
		t.Fatalf("Get before Load = %+v, want nil", got)
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestManagerSubscribePublish(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"rules":[]}`)
	m := NewManager(path)

	ch := m.Subscribe(1)
	cfg := &Config{Timezone: "UTC"}
	m.publish(cfg)

	select {
	case got := <-ch:
		if got.Timezone != "UTC" {
			t.Fatalf("received %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}

	// A full buffer drops the stale item, never the publisher.
	m.publish(&Config{Timezone: "Europe/Berlin"})
	m.publish(&Config{Timezone: "Asia/Tokyo"})
	select {
	case got := <-ch:
		if got.Timezone != "Asia/Tokyo" {
			t.Fatalf("latest config lost, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered after burst")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed on unsubscribe")
	}
}

func TestHashConfigDistinguishesContent(t *testing.T) {
	t.Parallel()
	a := hashConfig(&Config{Timezone: "UTC"})
	b := hashConfig(&Config{Timezone: "Europe/Berlin"})
	if a == 0 || b == 0 {
		t.Fatal("hash of valid config is zero")
	}
	if a == b {
		t.Fatal("different configs hashed equal")
	}
	if hashConfig(nil) != 0 {
		t.Fatal("nil config should hash to zero")
	}
}
