package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"MARIONETTE_QUEUE_URL": "https://sqs.us-east-1.amazonaws.com/1/restarts",
	}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.Mode != "active" || cfg.Store != StoreDynamoDB || cfg.Table != "UserDataSwap" || cfg.Queue != QueueSQS {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RestartDelay != 120*time.Second || cfg.Settle != time.Second {
		t.Fatalf("delays = %s, %s", cfg.RestartDelay, cfg.Settle)
	}
	if cfg.PollInterval != 2*time.Second || cfg.PollMaxAttempts != 300 {
		t.Fatalf("poll = %s x %d", cfg.PollInterval, cfg.PollMaxAttempts)
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marionette.yaml")
	file := `
mode: inactive
store: postgres
database_url: postgres://marionette@localhost/marionette
queue:
  kind: nats
  nats_subject: swap.restarts
restart_delay: 5m
poll:
  interval: 500ms
  max_attempts: 10
payload:
  message: rebuilt by marionette
  commands:
    - touch /var/run/swapped
    - systemctl disable agent
`
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"MARIONETTE_CONFIG": path,
		"MARIONETTE_MODE":   "active",
	}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.Mode != "active" {
		t.Fatalf("env must override file: mode = %q", cfg.Mode)
	}
	if cfg.Store != StorePostgres || cfg.Queue != QueueNATS || cfg.NATSSubject != "swap.restarts" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RestartDelay != 5*time.Minute || cfg.PollInterval != 500*time.Millisecond || cfg.PollMaxAttempts != 10 {
		t.Fatalf("durations = %s %s %d", cfg.RestartDelay, cfg.PollInterval, cfg.PollMaxAttempts)
	}
	want := []string{"touch /var/run/swapped", "systemctl disable agent"}
	if !reflect.DeepEqual(cfg.Payload.Commands, want) || cfg.Payload.Message != "rebuilt by marionette" {
		t.Fatalf("payload = %+v", cfg.Payload)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		Mode:            "active",
		Store:           StoreDynamoDB,
		Table:           "UserDataSwap",
		Queue:           QueueNone,
		PollInterval:    2 * time.Second,
		PollMaxAttempts: 300,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate(base) error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "mode", mutate: func(c *Config) { c.Mode = "paused" }, want: "MARIONETTE_MODE"},
		{name: "store", mutate: func(c *Config) { c.Store = "redis" }, want: "MARIONETTE_STORE"},
		{name: "postgres dsn", mutate: func(c *Config) { c.Store = StorePostgres }, want: "DATABASE_URL"},
		{name: "sqs url", mutate: func(c *Config) { c.Queue = QueueSQS }, want: "MARIONETTE_QUEUE_URL"},
		{name: "sqs delay", mutate: func(c *Config) { c.Queue, c.QueueURL, c.RestartDelay = QueueSQS, "u", 20*time.Minute }, want: "sqs maximum"},
		{name: "poll", mutate: func(c *Config) { c.PollMaxAttempts = 0 }, want: "max attempts"},
		{name: "payload sources", mutate: func(c *Config) { c.Payload.File, c.Payload.S3URI = "a", "s3://b/k" }, want: "only one"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"MARIONETTE_CONFIG": filepath.Join(t.TempDir(), "missing.yaml"),
	}))
	if err == nil {
		t.Fatal("load() expected error for missing config file")
	}
}
