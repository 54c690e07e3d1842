// Package telemetry exports delivery runs: spans over OTLP/HTTP and one
// InfluxDB point per run.
package telemetry
