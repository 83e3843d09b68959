package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the service's metric instruments.
type Metrics struct {
	RunsStarted     metric.Int64Counter
	RunsFinished    metric.Int64Counter
	ActiveRuns      metric.Int64UpDownCounter
	TaskDuration    metric.Float64Histogram
	ProviderCalls   metric.Int64Counter
	ProviderRetries metric.Int64Counter
	RateLimitWait   metric.Float64Histogram
	EventsDropped   metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("sitescope.runs.started",
		metric.WithDescription("Analysis runs submitted"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("sitescope.runs.finished",
		metric.WithDescription("Analysis runs that reached a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("sitescope.runs.active",
		metric.WithDescription("Runs currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("sitescope.task.duration",
		metric.WithDescription("Worker task duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderCalls, err = meter.Int64Counter("sitescope.provider.calls",
		metric.WithDescription("Provider calls by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderRetries, err = meter.Int64Counter("sitescope.provider.retries",
		metric.WithDescription("Provider attempts that were retried"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitWait, err = meter.Float64Histogram("sitescope.provider.ratelimit_wait",
		metric.WithDescription("Time spent waiting on the provider rate limiter in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("sitescope.progress.dropped",
		metric.WithDescription("Buffered progress events dropped on overflow"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
