package app

import (
	"strings"
	"time"

	"dripline/internal/config"
	"dripline/internal/delivery"
	"dripline/internal/events/mqtt"
	"dripline/internal/httpapi"
	"dripline/internal/storage"
	"dripline/internal/telemetry"
	"dripline/internal/transport/telegram"
	"dripline/internal/trigger"
	"dripline/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled && l.Chat.ChatID != 0,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./dripline.db"
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("transport.send_timeout", cfg.Transport.SendTimeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{SendTimeout: timeout}, nil
}

func mapDelivery(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	def := delivery.DefaultConfig()
	out := delivery.Config{
		BatchSize:    def.BatchSize,
		Workers:      def.Workers,
		CascadeDepth: def.CascadeDepth,
	}
	if d.BatchSize > 0 {
		out.BatchSize = d.BatchSize
	}
	if d.Workers > 0 {
		out.Workers = d.Workers
	}
	if d.CascadeDepth > 0 {
		out.CascadeDepth = d.CascadeDepth
	}
	var err error
	durations := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"delivery.message_delay_min", d.MessageDelayMin, def.MessageDelayMin, &out.MessageDelayMin},
		{"delivery.message_delay_max", d.MessageDelayMax, def.MessageDelayMax, &out.MessageDelayMax},
		{"delivery.retry_backoff", d.RetryBackoff, def.RetryBackoff, &out.RetryBackoff},
		{"delivery.visibility_timeout", d.VisibilityTimeout, def.VisibilityTimeout, &out.VisibilityTimeout},
		{"delivery.recent_window", d.RecentWindow, def.RecentWindow, &out.RecentWindow},
	}
	for _, f := range durations {
		if *f.dst, err = config.ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return delivery.Config{}, err
		}
	}
	return out, nil
}

// mapTrigger leaves zero durations to trigger's own defaults.
func mapTrigger(cfg *config.Config) (trigger.Config, error) {
	t := cfg.Trigger
	out := trigger.Config{Enabled: t.Enabled, Schedule: t.Schedule}
	var err error
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"trigger.busy_rerun", t.BusyRerun, &out.BusyRerun},
		{"trigger.look_ahead", t.LookAhead, &out.LookAhead},
		{"trigger.min_wake", t.MinWake, &out.MinWake},
		{"trigger.max_wake", t.MaxWake, &out.MaxWake},
		{"trigger.timeout", t.Timeout, &out.Timeout},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return trigger.Config{}, err
		}
	}
	return out, nil
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// a trigger waits for a full run, so the write timeout is generous
	wt, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 3*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{Addr: h.Addr, JWTSecret: h.JWTSecret, ReadTimeout: rt, WriteTimeout: wt, Pprof: h.Pprof}, nil
}

func mapMQTT(cfg *config.Config) (mqtt.Config, bool) {
	m := cfg.MQTT
	if m == nil || !m.Enabled {
		return mqtt.Config{}, false
	}
	return mqtt.Config{
		Broker:   m.Broker,
		ClientID: m.ClientID,
		Username: m.Username,
		Password: m.Password,
		Topic:    m.Topic,
		QoS:      byte(m.QoS),
	}, true
}

func mapMetrics(cfg *config.Config) telemetry.MetricsConfig {
	m := cfg.Metrics
	if m == nil {
		return telemetry.MetricsConfig{}
	}
	return telemetry.MetricsConfig{Enabled: m.Enabled, URL: m.URL, Token: m.Token, Org: m.Org, Bucket: m.Bucket}
}

func mapTracing(cfg *config.Config) telemetry.TracingConfig {
	t := cfg.Tracing
	if t == nil {
		return telemetry.TracingConfig{}
	}
	return telemetry.TracingConfig{Enabled: t.Enabled, Endpoint: t.Endpoint, ServiceName: t.ServiceName, Insecure: t.Insecure}
}
