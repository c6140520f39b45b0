package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meridian/caseagent/internal/collab"
	"github.com/meridian/caseagent/internal/store"
)

// recordingExecutor completes jobs and records execution order, flagging
// any overlap between concurrent Execute calls.
type recordingExecutor struct {
	store    *store.Store
	mu       sync.Mutex
	order    []string
	active   int
	overlap  bool
	failOn   map[string]bool
	delay    time.Duration
}

func (e *recordingExecutor) Execute(ctx context.Context, jobID string) error {
	e.mu.Lock()
	e.active++
	if e.active > 1 {
		e.overlap = true
	}
	e.order = append(e.order, jobID)
	fail := e.failOn[jobID]
	e.mu.Unlock()

	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if _, err := e.store.ClaimJob(ctx, jobID); err != nil {
		return err
	}
	if fail {
		_ = e.store.FailJob(ctx, jobID, "boom")
		return errors.New("boom")
	}
	return e.store.CompleteJob(ctx, jobID, "done")
}

type fixture struct {
	store *store.Store
	dir   *collab.Directory
	exec  *recordingExecutor
	sched *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	dir, err := collab.OpenDirectory(filepath.Join(t.TempDir(), "directory.db"))
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })

	exec := &recordingExecutor{store: st, failOn: map[string]bool{}}
	sched := New(Config{
		Store:    st,
		Cases:    dir,
		Certs:    dir,
		Executor: exec,
	})
	return &fixture{store: st, dir: dir, exec: exec, sched: sched}
}

func (f *fixture) seedOrg(t *testing.T, orgID string) {
	t.Helper()
	if err := f.dir.UpsertOrganization(context.Background(), collab.Organization{ID: orgID, Name: orgID, Active: true}); err != nil {
		t.Fatalf("seed org: %v", err)
	}
}

func (f *fixture) seedCase(t *testing.T, orgID, caseID string) {
	t.Helper()
	f.seedOrg(t, orgID)
	if err := f.dir.UpsertCase(context.Background(), collab.Case{ID: caseID, OrgID: orgID, WorkerName: "W", Status: "open"}); err != nil {
		t.Fatalf("seed case: %v", err)
	}
}

func TestPortfolioReview_OneCoordinatorJobPerOrg(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, "org-1")
	f.seedOrg(t, "org-2")

	created, err := f.sched.RunPortfolioReview(context.Background())
	if err != nil {
		t.Fatalf("portfolio review: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}

	jobs, err := f.store.ListJobs(context.Background(), store.JobFilter{Specialist: "coordinator"})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d coordinator jobs, want 2", len(jobs))
	}
	for _, job := range jobs {
		if job.Trigger != store.TriggerCron || job.CaseID != "" {
			t.Fatalf("unexpected job: %+v", job)
		}
		if job.Status != store.JobCompleted {
			t.Fatalf("job not run to completion: %+v", job)
		}
	}
}

func TestPortfolioReview_SuppressesDuplicateOpenJobs(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, "org-1")

	// An open coordinator job already exists for the org.
	if _, err := f.store.CreateJob(context.Background(), store.NewJob{
		OrgID: "org-1", Specialist: "coordinator", Trigger: store.TriggerManual,
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	created, err := f.sched.RunPortfolioReview(context.Background())
	if err != nil {
		t.Fatalf("portfolio review: %v", err)
	}
	if created != 0 {
		t.Fatalf("created = %d, want 0", created)
	}
}

func TestCertificateWatch_DedupsByCase(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t, "org-1", "case-1")
	now := time.Now().UTC()

	// One certificate expiring in 3 days, one already expired, same case.
	for _, expiresIn := range []time.Duration{3 * 24 * time.Hour, -5 * 24 * time.Hour} {
		if _, err := f.dir.AddCertificate(context.Background(), collab.Certificate{
			CaseID:          "case-1",
			OrgID:           "org-1",
			IssuedAt:        now.Add(-60 * 24 * time.Hour),
			ExpiresAt:       now.Add(expiresIn),
			CapacityPercent: 50,
		}); err != nil {
			t.Fatalf("seed certificate: %v", err)
		}
	}

	created, err := f.sched.RunCertificateWatch(context.Background())
	if err != nil {
		t.Fatalf("certificate watch: %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want exactly 1 for the deduped case", created)
	}

	jobs, err := f.store.ListJobs(context.Background(), store.JobFilter{Specialist: "certificate"})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d certificate jobs, want 1", len(jobs))
	}
	job := jobs[0]
	if job.CaseID != "case-1" || job.Context["mode"] != "expiry" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if _, ok := job.Context["days_until_expiry"]; !ok {
		t.Fatalf("days_until_expiry missing from context: %v", job.Context)
	}
}

func TestCertificateWatch_MultipleCases(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t, "org-1", "case-1")
	f.seedCase(t, "org-1", "case-2")
	now := time.Now().UTC()

	for caseID, expiresIn := range map[string]time.Duration{
		"case-1": 2 * 24 * time.Hour,
		"case-2": -1 * 24 * time.Hour,
	} {
		if _, err := f.dir.AddCertificate(context.Background(), collab.Certificate{
			CaseID: caseID, OrgID: "org-1",
			IssuedAt:  now.Add(-30 * 24 * time.Hour),
			ExpiresAt: now.Add(expiresIn),
		}); err != nil {
			t.Fatalf("seed certificate: %v", err)
		}
	}

	created, err := f.sched.RunCertificateWatch(context.Background())
	if err != nil {
		t.Fatalf("certificate watch: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}
}

func TestSequentialExecution_NoOverlapAndFailureIsolation(t *testing.T) {
	f := newFixture(t)
	for _, org := range []string{"org-1", "org-2", "org-3"} {
		f.seedOrg(t, org)
	}
	f.exec.delay = 10 * time.Millisecond

	created, err := f.sched.RunPortfolioReview(context.Background())
	if err != nil {
		t.Fatalf("portfolio review: %v", err)
	}
	if created != 3 {
		t.Fatalf("created = %d", created)
	}

	f.exec.mu.Lock()
	defer f.exec.mu.Unlock()
	if f.exec.overlap {
		t.Fatal("scheduler ran jobs concurrently")
	}
	if len(f.exec.order) != 3 {
		t.Fatalf("ran %d jobs, want 3", len(f.exec.order))
	}
}

func TestSequentialExecution_PerJobFailureDoesNotAbortQueue(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, "org-1")
	f.seedOrg(t, "org-2")

	// Fail whichever job runs first.
	first := true
	f.sched.executor = executorFunc(func(ctx context.Context, jobID string) error {
		if first {
			first = false
			if _, err := f.store.ClaimJob(ctx, jobID); err != nil {
				return err
			}
			_ = f.store.FailJob(ctx, jobID, "boom")
			return errors.New("boom")
		}
		return f.exec.Execute(ctx, jobID)
	})

	created, err := f.sched.RunPortfolioReview(context.Background())
	if err != nil {
		t.Fatalf("portfolio review: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d", created)
	}

	completed, err := f.store.ListJobs(context.Background(), store.JobFilter{Status: store.JobCompleted})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	failed, err := f.store.ListJobs(context.Background(), store.JobFilter{Status: store.JobFailed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 1 || len(failed) != 1 {
		t.Fatalf("completed=%d failed=%d, want 1/1", len(completed), len(failed))
	}
}

type executorFunc func(ctx context.Context, jobID string) error

func (f executorFunc) Execute(ctx context.Context, jobID string) error { return f(ctx, jobID) }

func TestFollowupPoll_DispatchesDueFollowups(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t, "org-1", "case-1")

	followupID, err := f.store.CreateFollowup(context.Background(),
		"org-1", "case-1", "recovery", time.Now().UTC().Add(-time.Minute),
		map[string]any{"note": "check in"})
	if err != nil {
		t.Fatalf("create followup: %v", err)
	}

	f.sched.pollFollowups(context.Background())

	jobs, err := f.store.ListJobs(context.Background(), store.JobFilter{Specialist: "recovery"})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d recovery jobs, want 1", len(jobs))
	}
	job := jobs[0]
	if job.Context["followup_id"] != followupID || job.Context["note"] != "check in" {
		t.Fatalf("job context = %v", job.Context)
	}
	if job.Status != store.JobCompleted {
		t.Fatalf("followup job not run: %+v", job)
	}

	// A second poll finds nothing: the follow-up is dispatched.
	f.sched.pollFollowups(context.Background())
	jobs, err = f.store.ListJobs(context.Background(), store.JobFilter{Specialist: "recovery"})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("second poll created extra jobs: %d", len(jobs))
	}
}

func TestStartStopStatus(t *testing.T) {
	f := newFixture(t)

	status := f.sched.Status()
	if status.Running {
		t.Fatal("scheduler should not report running before Start")
	}

	if err := f.sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.sched.Start(context.Background()); err == nil {
		t.Fatal("second start must error")
	}

	status = f.sched.Status()
	if !status.Running {
		t.Fatal("expected running status")
	}
	if status.NextPortfolio.IsZero() || status.NextCertificate.IsZero() {
		t.Fatalf("expected next run times: %+v", status)
	}

	f.sched.Stop()
	if f.sched.Status().Running {
		t.Fatal("scheduler still running after Stop")
	}
}

func TestStart_InvalidCronExpression(t *testing.T) {
	f := newFixture(t)
	f.sched.portfolioCron = "not a cron"
	if err := f.sched.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestStart_SecondTriggerFailureLeavesSchedulerStopped(t *testing.T) {
	f := newFixture(t)
	// Portfolio cron is valid, so registration fails on the second trigger.
	f.sched.certificateCron = "not a cron"

	err := f.sched.Start(context.Background())
	if err == nil {
		t.Fatal("expected error for invalid certificate cron")
	}
	if f.sched.Status().Running {
		t.Fatal("failed start must not report running")
	}

	// Stop after a failed start is a no-op, not a panic.
	f.sched.Stop()

	// A retry hits the same registration error, not "already started".
	retryErr := f.sched.Start(context.Background())
	if retryErr == nil {
		t.Fatal("expected retry to fail the same way")
	}
	if !strings.Contains(retryErr.Error(), "certificate trigger") {
		t.Fatalf("retry error = %v", retryErr)
	}
}
