package config

// Config is the root of dripline.json / dripline.yaml.
//
// Durations are Go duration strings ("500ms", "30s", "1m"). Zero or omitted
// values fall back to the component defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Transport TransportConfig `json:"transport"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Trigger   TriggerConfig   `json:"trigger"`
	HTTP      HTTPConfig      `json:"http"`

	MQTT    *MQTTConfig    `json:"mqtt,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings to an operator Telegram chat.
// Token is a secret; prefer DRIPLINE_LOG_CHAT_TOKEN.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig points at the SQLite database holding both the catalog and
// the tracking table.
//
//	"storage": { "path": "./dripline.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TransportConfig selects the outbound sender.
//
// Driver is "telegram" (default) or "log". RatePerSec/Burst throttle sends
// per credential; zero disables throttling.
type TransportConfig struct {
	Driver      string `json:"driver"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Burst       int    `json:"burst,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// DeliveryConfig tunes the claim and execution engine.
//
// Defaults:
//   - batch_size: 100
//   - workers: 8
//   - message_delay_min / max: "300ms" / "500ms"
//   - retry_backoff: "30s"
//   - cascade_depth: 5
//   - visibility_timeout: "5m"
//   - recent_window: "10m"
type DeliveryConfig struct {
	BatchSize         int    `json:"batch_size,omitempty"`
	Workers           int    `json:"workers,omitempty"`
	MessageDelayMin   string `json:"message_delay_min,omitempty"`
	MessageDelayMax   string `json:"message_delay_max,omitempty"`
	RetryBackoff      string `json:"retry_backoff,omitempty"`
	CascadeDepth      int    `json:"cascade_depth,omitempty"`
	VisibilityTimeout string `json:"visibility_timeout,omitempty"`
	RecentWindow      string `json:"recent_window,omitempty"`
}

// TriggerConfig controls when the engine runs.
//
// Schedule is a robfig/cron spec; the default "@every 1m" is a safety net,
// the self-rescheduling wake timer does the precise work.
type TriggerConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`
	BusyRerun string `json:"busy_rerun,omitempty"` // default 2s
	LookAhead string `json:"look_ahead,omitempty"` // default 60s
	MinWake   string `json:"min_wake,omitempty"`   // default 1s
	MaxWake   string `json:"max_wake,omitempty"`   // default 55s
	Timeout   string `json:"timeout,omitempty"`    // per invocation, default 2m
}

type HTTPConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"` // default 127.0.0.1:8080
	JWTSecret string `json:"jwt_secret,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// Pprof serves /debug/pprof on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Topic    string `json:"topic,omitempty"` // default dripline/events/#
	QoS      int    `json:"qos,omitempty"`
}

// MetricsConfig enables run summaries in InfluxDB v2.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token,omitempty"`
	Org     string `json:"org"`
	Bucket  string `json:"bucket"`
}

// TracingConfig enables OTLP/HTTP trace export.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}
