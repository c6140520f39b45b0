package specialist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridian/caseagent/internal/bus"
	otelx "github.com/meridian/caseagent/internal/otel"
	"github.com/meridian/caseagent/internal/registry"
	"github.com/meridian/caseagent/internal/shared"
	"github.com/meridian/caseagent/internal/store"
)

// Dispatcher executes queued jobs: it claims the job, selects the
// specialist's task and tools, and hands off to the configured runner.
type Dispatcher struct {
	Store    *store.Store
	Registry *registry.Registry
	Runner   Runner
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otelx.Metrics
}

// Execute runs one job to a terminal state. A job no longer queued at
// pickup is skipped with a warning, not an error. The returned error
// mirrors what was stored on the job, for the caller's logging.
func (d *Dispatcher) Execute(ctx context.Context, jobID string) error {
	logger := d.logger().With("job_id", jobID)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithJobID(ctx, jobID)

	job, err := d.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	claimed, err := d.Store.ClaimJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("dispatch claim: %w", err)
	}
	if !claimed {
		logger.Warn("job not queued at pickup, skipping",
			"status", string(job.Status), "specialist", job.Specialist)
		if d.Bus != nil {
			d.Bus.Publish(bus.TopicJobSkipped, bus.JobEvent{
				JobID: jobID, OrgID: job.OrgID, CaseID: job.CaseID,
				Specialist: job.Specialist, OldStatus: string(job.Status),
			})
		}
		return nil
	}

	if d.Tracer != nil {
		var span trace.Span
		ctx, span = otelx.StartSpan(ctx, d.Tracer, "specialist.run",
			otelx.AttrJobID.String(jobID),
			otelx.AttrOrgID.String(job.OrgID),
			otelx.AttrCaseID.String(job.CaseID),
			otelx.AttrSpecialist.String(job.Specialist),
			otelx.AttrTrigger.String(string(job.Trigger)),
		)
		defer span.End()
		defer func() {
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
		}()
	}

	started := time.Now()
	err = d.run(ctx, logger, job)
	if d.Metrics != nil {
		d.Metrics.JobDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("specialist", job.Specialist)))
		if err != nil {
			d.Metrics.JobsFailed.Add(ctx, 1,
				metric.WithAttributes(attribute.String("specialist", job.Specialist)))
		}
	}
	return err
}

func (d *Dispatcher) run(ctx context.Context, logger *slog.Logger, job *store.Job) error {
	task, err := TaskFor(job, d.Registry)
	if err != nil {
		d.failJob(ctx, logger, job.ID, err.Error())
		return fmt.Errorf("dispatch: %w", err)
	}

	logger.Info("specialist run started",
		"specialist", job.Specialist, "org_id", job.OrgID, "case_id", job.CaseID,
		"tools", len(task.Tools), "trigger", string(job.Trigger))

	summary, err := d.Runner.Run(ctx, job, task)
	if err != nil {
		d.failJob(ctx, logger, job.ID, err.Error())
		return fmt.Errorf("specialist %s: %w", job.Specialist, err)
	}

	if err := d.Store.CompleteJob(ctx, job.ID, summary); err != nil {
		// Persistence faults never abort an otherwise-successful run.
		logger.Error("failed to store job completion", "error", err)
	}
	logger.Info("specialist run completed", "specialist", job.Specialist)
	return nil
}

func (d *Dispatcher) failJob(ctx context.Context, logger *slog.Logger, jobID, message string) {
	if err := d.Store.FailJob(ctx, jobID, message); err != nil {
		logger.Error("failed to store job failure", "error", err, "failure", message)
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
