package otel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bridge's instruments. A nil *Metrics records nothing.
type Metrics struct {
	DispatchDuration  metric.Float64Histogram
	DispatchErrors    metric.Int64Counter
	QueueWait         metric.Float64Histogram
	InvokeTimeouts    metric.Int64Counter
	BatchDepthRejects metric.Int64Counter
	JobsStarted       metric.Int64Counter
	JobsFinished      metric.Int64Counter
	TestDuration      metric.Float64Histogram
	ActiveConnections metric.Int64UpDownCounter
	RateLimitRejects  metric.Int64Counter
}

const metricPrefix = "hostbridge."

// NewMetrics registers every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var errs []error
	hist := func(dst *metric.Float64Histogram, name, desc string) {
		h, err := meter.Float64Histogram(metricPrefix+name, metric.WithDescription(desc), metric.WithUnit("s"))
		*dst = h
		errs = append(errs, err)
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(metricPrefix+name, metric.WithDescription(desc))
		*dst = c
		errs = append(errs, err)
	}

	hist(&m.DispatchDuration, "dispatch.duration", "Command dispatch latency")
	counter(&m.DispatchErrors, "dispatch.errors", "Commands answered with success=false")
	hist(&m.QueueWait, "host.queue_wait", "Enqueue to completion on the host loop")
	counter(&m.InvokeTimeouts, "host.timeouts", "Host invocations abandoned after the wait bound")
	counter(&m.BatchDepthRejects, "batch.depth_rejects", "Batches refused for nesting too deep")
	counter(&m.JobsStarted, "jobs.started", "Jobs created")
	counter(&m.JobsFinished, "jobs.finished", "Jobs that reached a terminal status")
	hist(&m.TestDuration, "test.duration", "One test command")
	counter(&m.RateLimitRejects, "ratelimit.rejects", "Requests refused by the rate limiter")

	active, err := meter.Int64UpDownCounter(metricPrefix+"transport.active",
		metric.WithDescription("Requests in flight per transport"))
	m.ActiveConnections = active
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDispatch records one command outcome.
func (m *Metrics) RecordDispatch(ctx context.Context, tool string, elapsed time.Duration, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrToolName.String(tool))
	m.DispatchDuration.Record(ctx, elapsed.Seconds(), attrs)
	if !success {
		m.DispatchErrors.Add(ctx, 1, attrs)
	}
}

// RecordJobFinished counts a job reaching status.
func (m *Metrics) RecordJobFinished(ctx context.Context, mode, status string) {
	if m == nil {
		return
	}
	m.JobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode), AttrJobStatus.String(status)))
}

// Count adds one to the counter pick selects.
func (m *Metrics) Count(ctx context.Context, pick func(*Metrics) metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	pick(m).Add(ctx, 1, metric.WithAttributes(attrs...))
}
