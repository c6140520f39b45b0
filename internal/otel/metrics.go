package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the agent core's metric instruments.
type Metrics struct {
	JobDuration       metric.Float64Histogram
	ModelCallDuration metric.Float64Histogram
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	JobsCreated       metric.Int64Counter
	JobsFailed        metric.Int64Counter
	SchedulerPasses   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobDuration, err = meter.Float64Histogram("caseagent.job.duration",
		metric.WithDescription("Specialist job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelCallDuration, err = meter.Float64Histogram("caseagent.model.duration",
		metric.WithDescription("Model-service call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("caseagent.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("caseagent.tool.errors",
		metric.WithDescription("Tool calls that returned an error result"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCreated, err = meter.Int64Counter("caseagent.jobs.created",
		metric.WithDescription("Jobs created, by trigger origin"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsFailed, err = meter.Int64Counter("caseagent.jobs.failed",
		metric.WithDescription("Jobs that ended in the failed state"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerPasses, err = meter.Int64Counter("caseagent.scheduler.passes",
		metric.WithDescription("Completed scheduler trigger passes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
