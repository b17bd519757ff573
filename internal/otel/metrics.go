package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all agent metric instruments.
type Metrics struct {
	ExchangeDuration  metric.Float64Histogram
	ExchangeFailures  metric.Int64Counter
	MessagesSent      metric.Int64Counter
	MessagesReceived  metric.Int64Counter
	MessagesDropped   metric.Int64Counter
	PluginRunDuration metric.Float64Histogram
	PluginRunErrors   metric.Int64Counter
	TasksProcessed    metric.Int64Counter
	ProcessTimeouts   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ExchangeDuration, err = meter.Float64Histogram("outpost.exchange.duration",
		metric.WithDescription("Server exchange duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExchangeFailures, err = meter.Int64Counter("outpost.exchange.failures",
		metric.WithDescription("Failed exchanges (transport or protocol errors)"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesSent, err = meter.Int64Counter("outpost.messages.sent",
		metric.WithDescription("Messages acknowledged by the server"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesReceived, err = meter.Int64Counter("outpost.messages.received",
		metric.WithDescription("Server messages dispatched to consumers"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDropped, err = meter.Int64Counter("outpost.messages.dropped",
		metric.WithDescription("Messages rotated out of the bounded store"),
	)
	if err != nil {
		return nil, err
	}

	m.PluginRunDuration, err = meter.Float64Histogram("outpost.plugin.duration",
		metric.WithDescription("Plugin run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PluginRunErrors, err = meter.Int64Counter("outpost.plugin.errors",
		metric.WithDescription("Plugin run failures"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksProcessed, err = meter.Int64Counter("outpost.tasks.processed",
		metric.WithDescription("Server tasks completed by consumers"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessTimeouts, err = meter.Int64Counter("outpost.process.timeouts",
		metric.WithDescription("Child processes killed at their time limit"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
