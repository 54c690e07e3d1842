package config

import (
	"reflect"

	"dripline/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ and a set
// of log fields describing the new values. Secrets are reported only as
// "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
			logx.Bool("logging.chat_token_set", newCfg.Logging.Chat.Token != ""),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}
	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", newCfg.Transport.Driver),
			logx.Int("transport.rate_per_sec", newCfg.Transport.RatePerSec),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.batch_size", newCfg.Delivery.BatchSize),
			logx.Int("delivery.workers", newCfg.Delivery.Workers),
			logx.Int("delivery.cascade_depth", newCfg.Delivery.CascadeDepth),
		)
	}
	if oldCfg.Trigger != newCfg.Trigger {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			logx.String("trigger.schedule", newCfg.Trigger.Schedule),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.jwt_secret_set", newCfg.HTTP.JWTSecret != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.MQTT, newCfg.MQTT) {
		changed = append(changed, "mqtt")
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
	}
	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		changed = append(changed, "tracing")
	}
	return changed, attrs
}
