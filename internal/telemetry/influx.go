package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"dripline/internal/delivery"
	"dripline/pkg/logx"
)

const measurement = "delivery_run"

type MetricsConfig struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
}

var ErrMetricsDisabled = errors.New("metrics disabled")

// Influx writes one point per delivery run through the non-blocking write
// API. It implements trigger.Recorder.
type Influx struct {
	client influxdb2.Client
	write  api.WriteAPI
	log    logx.Logger
}

// ConnectInflux pings the server before returning a recorder.
func ConnectInflux(ctx context.Context, cfg MetricsConfig, log logx.Logger) (*Influx, error) {
	if !cfg.Enabled {
		return nil, ErrMetricsDisabled
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(50).SetFlushInterval(5000))

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	healthy, err := client.Ping(pctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb not healthy")
	}

	in := &Influx{
		client: client,
		write:  client.WriteAPI(cfg.Org, cfg.Bucket),
		log:    log.With(logx.String("comp", "influx")),
	}
	go func(errs <-chan error) {
		for err := range errs {
			in.log.Warn("influx write failed", logx.Err(err))
		}
	}(in.write.Errors())
	return in, nil
}

func (in *Influx) RecordRun(_ context.Context, source string, sum delivery.Summary, took time.Duration, err error) {
	in.write.WritePoint(RunPoint(source, sum, took, err))
}

// Close flushes pending points.
func (in *Influx) Close() {
	in.write.Flush()
	in.client.Close()
}

// RunPoint builds the point recorded for one run.
func RunPoint(source string, sum delivery.Summary, took time.Duration, err error) *write.Point {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	at := sum.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(measurement,
		map[string]string{"source": source, "outcome": outcome},
		map[string]any{
			"delivered":   int64(sum.Delivered),
			"errors":      int64(sum.Errors),
			"checked":     int64(sum.TotalChecked),
			"flipped":     sum.Flipped,
			"reclaimed":   sum.Reclaimed,
			"cascaded":    int64(sum.Cascaded),
			"batch_full":  sum.BatchFull,
			"duration_ms": took.Milliseconds(),
		},
		at,
	)
}
