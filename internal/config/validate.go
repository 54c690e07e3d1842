package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"dripline/pkg/logx"
)

// Validate rejects configs that would fail later at wiring time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Chat.MinLevel) {
		errs = append(errs, fmt.Errorf("logging.chat.min_level: unknown level %q", cfg.Logging.Chat.MinLevel))
	}
	if cfg.Logging.Chat.Enabled && cfg.Logging.Chat.ChatID == 0 {
		errs = append(errs, errors.New("logging.chat.chat_id: required when chat logging is enabled"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "telegram", "log":
	default:
		errs = append(errs, fmt.Errorf("transport.driver: unsupported %q", cfg.Transport.Driver))
	}

	durations := map[string]string{
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"transport.send_timeout":      cfg.Transport.SendTimeout,
		"delivery.message_delay_min":  cfg.Delivery.MessageDelayMin,
		"delivery.message_delay_max":  cfg.Delivery.MessageDelayMax,
		"delivery.retry_backoff":      cfg.Delivery.RetryBackoff,
		"delivery.visibility_timeout": cfg.Delivery.VisibilityTimeout,
		"delivery.recent_window":      cfg.Delivery.RecentWindow,
		"trigger.busy_rerun":          cfg.Trigger.BusyRerun,
		"trigger.look_ahead":          cfg.Trigger.LookAhead,
		"trigger.min_wake":            cfg.Trigger.MinWake,
		"trigger.max_wake":            cfg.Trigger.MaxWake,
		"trigger.timeout":             cfg.Trigger.Timeout,
		"http.read_timeout":           cfg.HTTP.ReadTimeout,
		"http.write_timeout":          cfg.HTTP.WriteTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dmin, _ := ParseDurationField("", cfg.Delivery.MessageDelayMin)
	dmax, _ := ParseDurationField("", cfg.Delivery.MessageDelayMax)
	if dmin > 0 && dmax > 0 && dmin > dmax {
		errs = append(errs, errors.New("delivery.message_delay_min must not exceed message_delay_max"))
	}
	if cfg.Delivery.BatchSize < 0 || cfg.Delivery.Workers < 0 || cfg.Delivery.CascadeDepth < 0 {
		errs = append(errs, errors.New("delivery: batch_size, workers and cascade_depth must be >= 0"))
	}

	if s := strings.TrimSpace(cfg.Trigger.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			errs = append(errs, fmt.Errorf("trigger.schedule: %w", err))
		}
	}

	if cfg.MQTT != nil && cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.Broker) == "" {
			errs = append(errs, errors.New("mqtt.broker: required when mqtt is enabled"))
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos: must be 0, 1 or 2, got %d", cfg.MQTT.QoS))
		}
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		if strings.TrimSpace(cfg.Metrics.URL) == "" || strings.TrimSpace(cfg.Metrics.Bucket) == "" {
			errs = append(errs, errors.New("metrics: url and bucket are required when enabled"))
		}
	}
	return errors.Join(errs...)
}
