package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/meridian/caseagent/internal/collab"
	"github.com/meridian/caseagent/internal/scheduler"
	"github.com/meridian/caseagent/internal/store"
)

type completingExecutor struct {
	store *store.Store
}

func (e *completingExecutor) Execute(ctx context.Context, jobID string) error {
	if _, err := e.store.ClaimJob(ctx, jobID); err != nil {
		return err
	}
	return e.store.CompleteJob(ctx, jobID, "done")
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTrigger_CreatesAndLaunchesManualJob(t *testing.T) {
	s := openTestStore(t)
	svc := New(Config{Store: s, Executor: &completingExecutor{store: s}})

	jobID, err := svc.Trigger(context.Background(), TriggerRequest{
		OrgID:      "org-1",
		CaseID:     "case-1",
		Specialist: "recovery",
		Context:    map[string]any{"note": "manual check"},
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	svc.Close()

	job, err := s.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Trigger != store.TriggerManual {
		t.Fatalf("trigger = %q, want manual", job.Trigger)
	}
	if job.Status != store.JobCompleted {
		t.Fatalf("status = %q, want completed", job.Status)
	}
	if job.Context["note"] != "manual check" {
		t.Fatalf("context = %v", job.Context)
	}
}

func TestTrigger_QueuedWithoutExecutor(t *testing.T) {
	s := openTestStore(t)
	svc := New(Config{Store: s})

	jobID, err := svc.Trigger(context.Background(), TriggerRequest{
		OrgID: "org-1", Specialist: "coordinator",
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	job, err := s.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != store.JobQueued {
		t.Fatalf("status = %q, want queued", job.Status)
	}
}

func TestTrigger_Validation(t *testing.T) {
	s := openTestStore(t)
	svc := New(Config{Store: s})

	cases := []struct {
		name string
		req  TriggerRequest
	}{
		{"unknown specialist", TriggerRequest{OrgID: "org-1", CaseID: "case-1", Specialist: "auditor"}},
		{"missing org", TriggerRequest{CaseID: "case-1", Specialist: "recovery"}},
		{"case-scoped without case", TriggerRequest{OrgID: "org-1", Specialist: "certificate"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Trigger(context.Background(), tc.req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestStatus_JobWithOrderedActions(t *testing.T) {
	s := openTestStore(t)
	svc := New(Config{Store: s})

	jobID, err := s.CreateJob(context.Background(), store.NewJob{
		OrgID: "org-1", CaseID: "case-1", Specialist: "recovery", Trigger: store.TriggerManual,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	for _, tool := range []string{"get_case_details", "log_timeline_event"} {
		if _, err := s.RecordAction(context.Background(), store.Action{
			JobID: jobID, Tool: tool, AutoExecuted: true,
		}); err != nil {
			t.Fatalf("record action: %v", err)
		}
	}

	status, err := svc.Status(context.Background(), jobID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Job.ID != jobID {
		t.Fatalf("job id = %q", status.Job.ID)
	}
	if len(status.Actions) != 2 || status.Actions[0].Tool != "get_case_details" {
		t.Fatalf("actions = %+v", status.Actions)
	}

	if _, err := svc.Status(context.Background(), "no-such-job"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestApproval_ResolvesOnce(t *testing.T) {
	s := openTestStore(t)
	svc := New(Config{Store: s})

	jobID, err := s.CreateJob(context.Background(), store.NewJob{
		OrgID: "org-1", CaseID: "case-1", Specialist: "recovery", Trigger: store.TriggerManual,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	actionID, err := s.RecordAction(context.Background(), store.Action{
		JobID: jobID, Tool: "send_email", ApprovalStatus: store.ApprovalPending,
	})
	if err != nil {
		t.Fatalf("record action: %v", err)
	}

	if err := svc.ApproveAction(context.Background(), actionID, "reviewer-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	action, err := s.GetAction(context.Background(), actionID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if action.ApprovalStatus != store.ApprovalApproved || action.ApprovedBy != "reviewer-1" {
		t.Fatalf("action = %+v", action)
	}

	// A resolved annotation stays resolved.
	if err := svc.RejectAction(context.Background(), actionID, "reviewer-2"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("err = %v, want ErrNotPending", err)
	}
	if err := svc.ApproveAction(context.Background(), "no-such-action", "reviewer-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSchedulerSurface(t *testing.T) {
	s := openTestStore(t)
	dir, err := collab.OpenDirectory(filepath.Join(t.TempDir(), "directory.db"))
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })
	if err := dir.UpsertOrganization(context.Background(), collab.Organization{ID: "org-1", Name: "Org", Active: true}); err != nil {
		t.Fatalf("seed org: %v", err)
	}

	sched := scheduler.New(scheduler.Config{
		Store: s, Cases: dir, Certs: dir, Executor: &completingExecutor{store: s},
	})
	svc := New(Config{Store: s, Scheduler: sched})

	if svc.SchedulerStatus().Running {
		t.Fatal("scheduler must report stopped before Start")
	}

	created, err := svc.RunPass(context.Background(), scheduler.TriggerPortfolioReview)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
	if _, err := svc.RunPass(context.Background(), "nightly_audit"); err == nil {
		t.Fatal("unknown trigger must error")
	}

	bare := New(Config{Store: s})
	if bare.SchedulerStatus().Running {
		t.Fatal("service without scheduler must report stopped")
	}
	if _, err := bare.RunPass(context.Background(), scheduler.TriggerPortfolioReview); err == nil {
		t.Fatal("run pass without scheduler must error")
	}
}
