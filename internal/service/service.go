// Package service is the programmatic surface of the orchestration core:
// manual job triggering, job status with its ordered action log, approval
// bookkeeping, and scheduler control. The core is not exposed on the wire;
// embedders call these methods directly.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meridian/caseagent/internal/scheduler"
	"github.com/meridian/caseagent/internal/shared"
	"github.com/meridian/caseagent/internal/specialist"
	"github.com/meridian/caseagent/internal/store"
)

// ErrNotPending is returned when an approval resolution targets an action
// that was never flagged for review or is already resolved.
var ErrNotPending = errors.New("action is not pending approval")

var knownSpecialists = map[string]bool{
	specialist.Coordinator:  true,
	specialist.ReturnToWork: true,
	specialist.Recovery:     true,
	specialist.Certificate:  true,
}

// Config holds the service's dependencies. Scheduler and Executor may be
// nil for embedders that only need the status and approval surfaces.
type Config struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Executor  scheduler.Executor
	Logger    *slog.Logger
}

// Service answers trigger, status, approval, and scheduler-status calls.
type Service struct {
	store    *store.Store
	sched    *scheduler.Scheduler
	executor scheduler.Executor
	logger   *slog.Logger

	// launches tracks fire-and-forget manual job runs so Close can drain
	// them on shutdown.
	launches sync.WaitGroup
}

func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    cfg.Store,
		sched:    cfg.Scheduler,
		executor: cfg.Executor,
		logger:   logger,
	}
}

// TriggerRequest names the specialist to run and its subject.
type TriggerRequest struct {
	OrgID      string         `json:"org_id"`
	CaseID     string         `json:"case_id,omitempty"`
	Specialist string         `json:"specialist"`
	Context    map[string]any `json:"context,omitempty"`
}

// Trigger creates a manually-triggered job and returns its id with the job
// still queued. When an executor is configured the job is launched on its
// own goroutine: manual runs are intentionally outside the scheduler's
// sequential pass and may overlap with it.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (string, error) {
	if !knownSpecialists[req.Specialist] {
		return "", fmt.Errorf("trigger: unknown specialist type %q", req.Specialist)
	}
	if req.OrgID == "" {
		return "", fmt.Errorf("trigger: org id is required")
	}
	if req.CaseID == "" && req.Specialist != specialist.Coordinator {
		return "", fmt.Errorf("trigger: %s jobs require a case id", req.Specialist)
	}

	jobID, err := s.store.CreateJob(ctx, store.NewJob{
		OrgID:      req.OrgID,
		CaseID:     req.CaseID,
		Specialist: req.Specialist,
		Trigger:    store.TriggerManual,
		Context:    req.Context,
	})
	if err != nil {
		return "", fmt.Errorf("trigger: %w", err)
	}
	s.logger.Info("manual job triggered",
		"job_id", jobID, "org_id", req.OrgID, "case_id", req.CaseID, "specialist", req.Specialist)

	if s.executor != nil {
		// The run outlives the trigger call; only the trace id is carried
		// over from the caller's context.
		runCtx := shared.WithTraceID(context.Background(), shared.TraceID(ctx))
		s.launches.Add(1)
		go func() {
			defer s.launches.Done()
			if err := s.executor.Execute(runCtx, jobID); err != nil {
				s.logger.Error("manual job failed", "job_id", jobID, "error", err)
			}
		}()
	}
	return jobID, nil
}

// JobStatus is a job record with its ordered action log.
type JobStatus struct {
	Job     store.Job      `json:"job"`
	Actions []store.Action `json:"actions"`
}

// Status returns a job and its actions in execution order.
func (s *Service) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	actions, err := s.store.ListActions(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: *job, Actions: actions}, nil
}

// Jobs lists jobs matching the filter, newest first.
func (s *Service) Jobs(ctx context.Context, f store.JobFilter) ([]store.Job, error) {
	return s.store.ListJobs(ctx, f)
}

// ApproveAction resolves a pending approval annotation as approved. The
// underlying action has already executed; this is bookkeeping only.
func (s *Service) ApproveAction(ctx context.Context, actionID, approverID string) error {
	return s.resolveApproval(ctx, actionID, store.ApprovalApproved, approverID)
}

// RejectAction resolves a pending approval annotation as rejected.
func (s *Service) RejectAction(ctx context.Context, actionID, approverID string) error {
	return s.resolveApproval(ctx, actionID, store.ApprovalRejected, approverID)
}

func (s *Service) resolveApproval(ctx context.Context, actionID string, status store.ApprovalStatus, approverID string) error {
	resolved, err := s.store.SetApproval(ctx, actionID, status, approverID)
	if err != nil {
		return err
	}
	if !resolved {
		// Distinguish a missing action from one that is simply not pending.
		if _, err := s.store.GetAction(ctx, actionID); err != nil {
			return err
		}
		return fmt.Errorf("resolve action %s: %w", actionID, ErrNotPending)
	}
	s.logger.Info("approval resolved", "action_id", actionID, "status", status, "approver", approverID)
	return nil
}

// SchedulerStatus reports whether the scheduler is running and when its
// triggers fire next. A service built without a scheduler reports stopped.
func (s *Service) SchedulerStatus() scheduler.Status {
	if s.sched == nil {
		return scheduler.Status{}
	}
	return s.sched.Status()
}

// RunPass manually invokes one scheduler pass by trigger name and returns
// the number of jobs created.
func (s *Service) RunPass(ctx context.Context, trigger string) (int, error) {
	if s.sched == nil {
		return 0, fmt.Errorf("run pass: no scheduler configured")
	}
	switch trigger {
	case scheduler.TriggerPortfolioReview:
		return s.sched.RunPortfolioReview(ctx)
	case scheduler.TriggerCertificateWatch:
		return s.sched.RunCertificateWatch(ctx)
	default:
		return 0, fmt.Errorf("run pass: unknown trigger %q", trigger)
	}
}

// Close waits for in-flight manual job launches to finish.
func (s *Service) Close() {
	s.launches.Wait()
}
