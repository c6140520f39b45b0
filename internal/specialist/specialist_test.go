package specialist

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/meridian/caseagent/internal/registry"
	"github.com/meridian/caseagent/internal/store"
	"github.com/meridian/caseagent/internal/transport"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createJob(t *testing.T, s *store.Store, specialist, caseID string, jobContext map[string]any) *store.Job {
	t.Helper()
	id, err := s.CreateJob(context.Background(), store.NewJob{
		OrgID:      "org-1",
		CaseID:     caseID,
		Specialist: specialist,
		Trigger:    store.TriggerManual,
		Context:    jobContext,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

// scriptedInvoker replays canned model replies; the last reply repeats.
type scriptedInvoker struct {
	mu      sync.Mutex
	replies []string
	prompts []string
	err     error
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req transport.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "done", nil
	}
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply, nil
}

func (s *scriptedInvoker) promptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *scriptedInvoker) prompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[i]
}

// testTools returns a registry subset for runner tests: one read tool, one
// write tool recording invocations, and one that always fails.
func testTools(t *testing.T) ([]registry.Tool, *[]map[string]any) {
	t.Helper()
	var recorded []map[string]any
	var mu sync.Mutex
	tools := []registry.Tool{
		{
			Name:        "lookup_case",
			Description: "Read the case record",
			Input:       registry.ObjectSchema(map[string]registry.Property{"case_id": {Type: "string"}}, "case_id"),
			ReadOnly:    true,
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{"worker": "J. Rivera", "status": "open"}, nil
			},
		},
		{
			Name:        "record_note",
			Description: "Write a note",
			Input:       registry.ObjectSchema(map[string]registry.Property{"text": {Type: "string"}}, "text"),
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				mu.Lock()
				recorded = append(recorded, args)
				mu.Unlock()
				return map[string]any{"noted": true}, nil
			},
		},
		{
			Name:        "explode",
			Description: "Always fails",
			Input:       registry.ObjectSchema(nil),
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return nil, errors.New("collaborator unavailable")
			},
		},
	}
	return tools, &recorded
}

func TestTaskFor_SubsetsAndTemplates(t *testing.T) {
	s := openTestStore(t)
	reg := registry.New()
	for _, name := range []string{
		"list_cases", "get_case_details", "check_compliance", "expiring_certificates",
		"capacity_trend", "trigger_specialist", "schedule_followup",
		"create_case_action", "log_timeline_event", "certificate_history",
		"recommend_rtw_plan", "draft_email", "send_email",
	} {
		reg.MustRegister(registry.Tool{Name: name, Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, nil
		}})
	}

	cases := []struct {
		specialist string
		caseID     string
		jobContext map[string]any
		wantTool   string
		wantPhrase string
	}{
		{Coordinator, "", nil, "trigger_specialist", "coordinator"},
		{ReturnToWork, "case-1", nil, "recommend_rtw_plan", "return-to-work"},
		{Recovery, "case-1", nil, "check_compliance", "recovery"},
		{Certificate, "case-1", map[string]any{"mode": "expiry", "days_until_expiry": float64(3)}, "draft_email", "expiring"},
		{Certificate, "case-1", map[string]any{"mode": "inbound"}, "trigger_specialist", "new capacity certificate"},
	}
	for _, tc := range cases {
		t.Run(tc.specialist+"/"+strings.ReplaceAll(tc.wantPhrase, " ", "_"), func(t *testing.T) {
			job := createJob(t, s, tc.specialist, tc.caseID, tc.jobContext)
			task, err := TaskFor(job, reg)
			if err != nil {
				t.Fatalf("task for: %v", err)
			}
			found := false
			for _, tool := range task.Tools {
				if tool.Name == tc.wantTool {
					found = true
				}
			}
			if !found {
				t.Fatalf("subset for %s missing %s", tc.specialist, tc.wantTool)
			}
			if !strings.Contains(strings.ToLower(task.Description), tc.wantPhrase) {
				t.Fatalf("description missing %q: %s", tc.wantPhrase, task.Description)
			}
		})
	}
}

func TestTaskFor_CertificateDefaultsToExpiry(t *testing.T) {
	s := openTestStore(t)
	reg := registry.New()
	job := createJob(t, s, Certificate, "case-1", nil)
	task, err := TaskFor(job, reg)
	if err != nil {
		t.Fatalf("task for: %v", err)
	}
	if !strings.Contains(task.Description, "expiring or has") {
		t.Fatalf("expected expiry template: %s", task.Description)
	}
}

func TestTaskFor_ContextAppended(t *testing.T) {
	s := openTestStore(t)
	job := createJob(t, s, Recovery, "case-1", map[string]any{"note": "check gradual return"})
	task, err := TaskFor(job, registry.New())
	if err != nil {
		t.Fatalf("task for: %v", err)
	}
	if !strings.Contains(task.Description, "check gradual return") {
		t.Fatalf("job context missing from description: %s", task.Description)
	}
}

type stubRunner struct {
	summary string
	err     error
	ran     int
}

func (r *stubRunner) Run(ctx context.Context, job *store.Job, task Task) (string, error) {
	r.ran++
	return r.summary, r.err
}

func TestDispatcher_CompletesJob(t *testing.T) {
	s := openTestStore(t)
	runner := &stubRunner{summary: "reviewed the portfolio"}
	d := &Dispatcher{Store: s, Registry: registry.New(), Runner: runner}
	job := createJob(t, s, Coordinator, "", nil)

	if err := d.Execute(context.Background(), job.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, err := s.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != store.JobCompleted || got.Summary != "reviewed the portfolio" {
		t.Fatalf("job = %s / %q", got.Status, got.Summary)
	}
	if runner.ran != 1 {
		t.Fatalf("runner ran %d times", runner.ran)
	}
}

func TestDispatcher_SkipsClaimedJob(t *testing.T) {
	s := openTestStore(t)
	runner := &stubRunner{summary: "x"}
	d := &Dispatcher{Store: s, Registry: registry.New(), Runner: runner}
	job := createJob(t, s, Coordinator, "", nil)

	if _, err := s.ClaimJob(context.Background(), job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := d.Execute(context.Background(), job.ID); err != nil {
		t.Fatalf("execute of claimed job should not error: %v", err)
	}
	if runner.ran != 0 {
		t.Fatal("runner must not run for a job that was not queued at pickup")
	}
}

func TestDispatcher_RunnerFailureFailsJob(t *testing.T) {
	s := openTestStore(t)
	d := &Dispatcher{Store: s, Registry: registry.New(), Runner: &stubRunner{err: errors.New("model call timed out")}}
	job := createJob(t, s, Recovery, "case-1", nil)

	err := d.Execute(context.Background(), job.ID)
	if err == nil {
		t.Fatal("expected error re-raised to caller")
	}
	got, getErr := s.GetJob(context.Background(), job.ID)
	if getErr != nil {
		t.Fatalf("get job: %v", getErr)
	}
	if got.Status != store.JobFailed || !strings.Contains(got.Error, "timed out") {
		t.Fatalf("job = %s / %q", got.Status, got.Error)
	}
}

func TestDispatcher_StatusSequence(t *testing.T) {
	s := openTestStore(t)
	d := &Dispatcher{Store: s, Registry: registry.New(), Runner: &stubRunner{summary: "ok"}}
	job := createJob(t, s, ReturnToWork, "case-1", nil)

	if err := d.Execute(context.Background(), job.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	events, err := s.JobEvents(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var states []string
	for _, event := range events {
		states = append(states, string(event.StateTo))
	}
	want := []string{"queued", "running", "completed"}
	if len(states) != len(want) {
		t.Fatalf("states = %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}
