package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/coopgate"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session metrics
	SessionsActive    metric.Int64UpDownCounter
	AuthAttemptsTotal metric.Int64Counter
	AuthFailuresTotal metric.Int64Counter
	ControlTransfers  metric.Int64Counter
	PermissionDenied  metric.Int64Counter
	AdminModeSwitches metric.Int64Counter

	// Command metrics
	CommandsTotal      metric.Int64Counter
	CommandErrorsTotal metric.Int64Counter
	CommandDuration    metric.Float64Histogram
	SnapshotsBroadcast metric.Int64Counter
	DeviceReconnects   metric.Int64Counter

	// Connection metrics
	ConnectionsActive    metric.Int64UpDownCounter
	MessagesMalformed    metric.Int64Counter
	OutboundDroppedTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Session metrics
	m.SessionsActive, _ = meter.Int64UpDownCounter(
		"coopgate.sessions.active",
		metric.WithDescription("Number of authenticated sessions"),
		metric.WithUnit("{session}"),
	)

	m.AuthAttemptsTotal, _ = meter.Int64Counter(
		"coopgate.auth.attempts.total",
		metric.WithDescription("Total number of authentication attempts"),
		metric.WithUnit("{attempt}"),
	)

	m.AuthFailuresTotal, _ = meter.Int64Counter(
		"coopgate.auth.failures.total",
		metric.WithDescription("Total number of failed authentication attempts"),
		metric.WithUnit("{attempt}"),
	)

	m.ControlTransfers, _ = meter.Int64Counter(
		"coopgate.control.transfers.total",
		metric.WithDescription("Total number of times the controller changed"),
		metric.WithUnit("{transfer}"),
	)

	m.PermissionDenied, _ = meter.Int64Counter(
		"coopgate.permission.denied.total",
		metric.WithDescription("Total number of denied requests"),
		metric.WithUnit("{request}"),
	)

	m.AdminModeSwitches, _ = meter.Int64Counter(
		"coopgate.admin.mode_switches.total",
		metric.WithDescription("Total number of admin mode changes"),
		metric.WithUnit("{switch}"),
	)

	// Command metrics
	m.CommandsTotal, _ = meter.Int64Counter(
		"coopgate.commands.total",
		metric.WithDescription("Total number of commands forwarded to the device"),
		metric.WithUnit("{command}"),
	)

	m.CommandErrorsTotal, _ = meter.Int64Counter(
		"coopgate.commands.errors.total",
		metric.WithDescription("Total number of commands the device failed or did not acknowledge"),
		metric.WithUnit("{error}"),
	)

	m.CommandDuration, _ = meter.Float64Histogram(
		"coopgate.commands.duration",
		metric.WithDescription("Duration of device command round trips"),
		metric.WithUnit("ms"),
	)

	m.SnapshotsBroadcast, _ = meter.Int64Counter(
		"coopgate.snapshots.broadcast.total",
		metric.WithDescription("Total number of device snapshots fanned out"),
		metric.WithUnit("{snapshot}"),
	)

	m.DeviceReconnects, _ = meter.Int64Counter(
		"coopgate.device.reconnects.total",
		metric.WithDescription("Total number of device connection attempts after a failure"),
		metric.WithUnit("{attempt}"),
	)

	// Connection metrics
	m.ConnectionsActive, _ = meter.Int64UpDownCounter(
		"coopgate.connections.active",
		metric.WithDescription("Number of open websocket connections"),
		metric.WithUnit("{connection}"),
	)

	m.MessagesMalformed, _ = meter.Int64Counter(
		"coopgate.messages.malformed.total",
		metric.WithDescription("Total number of dropped malformed frames"),
		metric.WithUnit("{message}"),
	)

	m.OutboundDroppedTotal, _ = meter.Int64Counter(
		"coopgate.messages.outbound.dropped.total",
		metric.WithDescription("Total number of outbound frames dropped for slow connections"),
		metric.WithUnit("{message}"),
	)

	return m
}
