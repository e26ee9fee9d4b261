package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "sessionforge"

// Metrics holds the SessionForge metric instruments. All recording methods
// are no-ops on a nil receiver so callers never need a guard.
type Metrics struct {
	executionsStarted     metric.Int64Counter
	executionsCompleted   metric.Int64Counter
	executionsFailed      metric.Int64Counter
	executionsInterrupted metric.Int64Counter
	eventsAppended        metric.Int64Counter
	callbacksEnqueued     metric.Int64Counter
	reaperPasses          metric.Int64Counter
	executionDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.executionsStarted, err = meter.Int64Counter("sessionforge.executions.started",
		metric.WithDescription("Number of executions started"))
	if err != nil {
		return nil, err
	}

	m.executionsCompleted, err = meter.Int64Counter("sessionforge.executions.completed",
		metric.WithDescription("Number of executions finished as completed"))
	if err != nil {
		return nil, err
	}

	m.executionsFailed, err = meter.Int64Counter("sessionforge.executions.failed",
		metric.WithDescription("Number of executions finished as failed"))
	if err != nil {
		return nil, err
	}

	m.executionsInterrupted, err = meter.Int64Counter("sessionforge.executions.interrupted",
		metric.WithDescription("Number of executions finished as interrupted"))
	if err != nil {
		return nil, err
	}

	m.eventsAppended, err = meter.Int64Counter("sessionforge.events.appended",
		metric.WithDescription("Number of events appended to session logs"))
	if err != nil {
		return nil, err
	}

	m.callbacksEnqueued, err = meter.Int64Counter("sessionforge.callbacks.enqueued",
		metric.WithDescription("Number of callback jobs enqueued"))
	if err != nil {
		return nil, err
	}

	m.reaperPasses, err = meter.Int64Counter("sessionforge.reaper.passes",
		metric.WithDescription("Number of reaper passes run"))
	if err != nil {
		return nil, err
	}

	m.executionDuration, err = meter.Float64Histogram("sessionforge.execution.duration_seconds",
		metric.WithDescription("Execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ExecutionStarted counts one started execution.
func (m *Metrics) ExecutionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.executionsStarted.Add(ctx, 1)
}

// ExecutionFinished counts one terminal execution and records its duration.
func (m *Metrics) ExecutionFinished(ctx context.Context, status string, seconds float64) {
	if m == nil {
		return
	}
	switch status {
	case "completed":
		m.executionsCompleted.Add(ctx, 1)
	case "failed":
		m.executionsFailed.Add(ctx, 1)
	case "interrupted":
		m.executionsInterrupted.Add(ctx, 1)
	}
	m.executionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)))
}

// EventAppended counts one event written to a session log.
func (m *Metrics) EventAppended(ctx context.Context) {
	if m == nil {
		return
	}
	m.eventsAppended.Add(ctx, 1)
}

// CallbackEnqueued counts one callback job made durable.
func (m *Metrics) CallbackEnqueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.callbacksEnqueued.Add(ctx, 1)
}

// ReaperPass counts one completed reaper pass.
func (m *Metrics) ReaperPass(ctx context.Context) {
	if m == nil {
		return
	}
	m.reaperPasses.Add(ctx, 1)
}

// RegisterConnectionGauges observes live WebSocket connection counts from
// the two hubs.
func RegisterConnectionGauges(stream, ingest func() int) error {
	meter := otel.Meter(meterName)

	streamGauge, err := meter.Int64ObservableGauge("sessionforge.stream.connections",
		metric.WithDescription("Currently open stream WebSocket connections"))
	if err != nil {
		return err
	}
	ingestGauge, err := meter.Int64ObservableGauge("sessionforge.ingest.connections",
		metric.WithDescription("Currently open ingest WebSocket connections"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(streamGauge, int64(stream()))
		o.ObserveInt64(ingestGauge, int64(ingest()))
		return nil
	}, streamGauge, ingestGauge)
	return err
}
