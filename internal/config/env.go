package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverlay holds deployment values that usually come from the environment
// rather than the config file.
type envOverlay struct {
	DBPath        string `env:"DRIPLINE_DB_PATH"`
	LogLevel      string `env:"DRIPLINE_LOG_LEVEL"`
	HTTPAddr      string `env:"DRIPLINE_HTTP_ADDR"`
	JWTSecret     string `env:"DRIPLINE_JWT_SECRET"`
	LogChatToken  string `env:"DRIPLINE_LOG_CHAT_TOKEN"`
	LogChatID     int64  `env:"DRIPLINE_LOG_CHAT_ID"`
	MQTTBroker    string `env:"DRIPLINE_MQTT_BROKER"`
	MQTTPassword  string `env:"DRIPLINE_MQTT_PASSWORD"`
	InfluxToken   string `env:"DRIPLINE_INFLUX_TOKEN"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TransportMode string `env:"DRIPLINE_TRANSPORT"`
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays DRIPLINE_* variables onto cfg. Empty variables leave the
// file value untouched.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var o envOverlay
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.Path, o.DBPath)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.HTTP.JWTSecret, o.JWTSecret)
	set(&cfg.Logging.Chat.Token, o.LogChatToken)
	set(&cfg.Transport.Driver, o.TransportMode)
	if o.LogChatID != 0 {
		cfg.Logging.Chat.ChatID = o.LogChatID
	}
	if cfg.MQTT != nil {
		set(&cfg.MQTT.Broker, o.MQTTBroker)
		set(&cfg.MQTT.Password, o.MQTTPassword)
	}
	if cfg.Metrics != nil {
		set(&cfg.Metrics.Token, o.InfluxToken)
	}
	if cfg.Tracing != nil {
		set(&cfg.Tracing.Endpoint, o.OTLPEndpoint)
	}
	return nil
}
