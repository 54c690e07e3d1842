package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  path: ./data/dripline.db
transport:
  driver: log
delivery:
  batch_size: 50
  message_delay_min: 300ms
  message_delay_max: 500ms
trigger:
  enabled: true
  schedule: "@every 1m"
http:
  enabled: true
  addr: 127.0.0.1:9090
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "dripline.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Delivery.BatchSize != 50 {
		t.Fatalf("BatchSize = %d, want 50", cfg.Delivery.BatchSize)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9090" {
		t.Fatalf("Addr = %q", cfg.HTTP.Addr)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"delivery":{"batchsize":3}}`))
	if err == nil {
		t.Fatal("expected unknown field error")
	}
	_, err = Decode("c.json", []byte(`{} {}`))
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestApplyEnvOverlay(t *testing.T) {
	t.Setenv("DRIPLINE_DB_PATH", "/var/lib/dripline.db")
	t.Setenv("DRIPLINE_JWT_SECRET", "s3cret")
	t.Setenv("DRIPLINE_LOG_CHAT_ID", "-100123")

	cfg := &Config{Storage: StorageConfig{Path: "./local.db"}}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/dripline.db" {
		t.Fatalf("Storage.Path = %q", cfg.Storage.Path)
	}
	if cfg.HTTP.JWTSecret != "s3cret" {
		t.Fatalf("JWTSecret not applied")
	}
	if cfg.Logging.Chat.ChatID != -100123 {
		t.Fatalf("ChatID = %d", cfg.Logging.Chat.ChatID)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "bad level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, want: "logging.level"},
		{name: "bad driver", cfg: Config{Transport: TransportConfig{Driver: "smoke"}}, want: "transport.driver"},
		{name: "bad duration", cfg: Config{Delivery: DeliveryConfig{RetryBackoff: "soon"}}, want: "delivery.retry_backoff"},
		{name: "delay order", cfg: Config{Delivery: DeliveryConfig{MessageDelayMin: "1s", MessageDelayMax: "10ms"}}, want: "message_delay_min"},
		{name: "bad cron", cfg: Config{Trigger: TriggerConfig{Schedule: "every minute"}}, want: "trigger.schedule"},
		{name: "mqtt broker", cfg: Config{MQTT: &MQTTConfig{Enabled: true}}, want: "mqtt.broker"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("zero config should be valid: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Delivery: DeliveryConfig{BatchSize: 100}}
	b := &Config{Delivery: DeliveryConfig{BatchSize: 20}, HTTP: HTTPConfig{JWTSecret: "x"}}
	changed, _ := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "delivery,http" {
		t.Fatalf("changed = %v", changed)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 2*time.Second)
	if err != nil || d != 2*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected negative duration error")
	}
}

func TestParseDurationFieldDays(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "2d", want: 48 * time.Hour},
		{raw: " 1d ", want: 24 * time.Hour},
		{raw: "90m", want: 90 * time.Minute},
		{raw: "-1d", wantErr: true},
		{raw: "xd", wantErr: true},
		{raw: "1.5d", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("delivery.recent_window", tc.raw)
		if tc.wantErr {
			if err == nil || !strings.Contains(err.Error(), "delivery.recent_window") {
				t.Fatalf("%q: expected error naming the path, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %v, %v; want %v", tc.raw, got, err, tc.want)
		}
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("expected newest config to survive a full buffer")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}
