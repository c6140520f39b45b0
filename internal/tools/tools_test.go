package tools

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/meridian/caseagent/internal/collab"
	"github.com/meridian/caseagent/internal/registry"
	"github.com/meridian/caseagent/internal/store"
)

type fixture struct {
	reg      *registry.Registry
	dir      *collab.Directory
	store    *store.Store
	launched []string
	mu       sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := collab.OpenDirectory(filepath.Join(t.TempDir(), "directory.db"))
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{reg: registry.New(), dir: dir, store: st}
	deps := Deps{
		Cases:      dir,
		Certs:      dir,
		Compliance: &collab.RuleChecker{Cases: dir, Certs: dir, Events: dir},
		Email:      collab.NewOutbox(dir),
		Planner:    &collab.CapacityAdvisor{Certs: dir},
		Timeline:   dir,
		Actions:    dir,
		Store:      st,
		Launch: func(jobID string) {
			f.mu.Lock()
			f.launched = append(f.launched, jobID)
			f.mu.Unlock()
		},
	}
	if err := RegisterAll(f.reg, deps); err != nil {
		t.Fatalf("register all: %v", err)
	}

	ctx := context.Background()
	if err := dir.UpsertOrganization(ctx, collab.Organization{ID: "org-1", Name: "Acme", Active: true}); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	if err := dir.UpsertCase(ctx, collab.Case{ID: "case-1", OrgID: "org-1", WorkerName: "J. Rivera", Status: "open"}); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return f
}

func (f *fixture) run(t *testing.T, name string, args map[string]any) map[string]any {
	t.Helper()
	tool, ok := f.reg.Get(name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	result, err := tool.Run(context.Background(), args)
	if err != nil {
		t.Fatalf("run %s: %v", name, err)
	}
	return result
}

func TestRegisterAll_ExpectedToolSet(t *testing.T) {
	f := newFixture(t)
	want := []string{
		"capacity_trend",
		"certificate_history",
		"check_compliance",
		"create_case_action",
		"draft_email",
		"expiring_certificates",
		"get_case_details",
		"list_cases",
		"log_timeline_event",
		"recommend_rtw_plan",
		"schedule_followup",
		"send_email",
		"trigger_specialist",
	}
	got := f.reg.Names()
	if len(got) != len(want) {
		t.Fatalf("got %d tools %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tool[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestGetCaseDetails(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, "get_case_details", map[string]any{"case_id": "case-1"})
	c, ok := result["case"].(*collab.Case)
	if !ok {
		t.Fatalf("result case has type %T", result["case"])
	}
	if c.WorkerName != "J. Rivera" {
		t.Fatalf("worker = %s", c.WorkerName)
	}

	tool, _ := f.reg.Get("get_case_details")
	if _, err := tool.Run(context.Background(), map[string]any{"case_id": "missing"}); err == nil {
		t.Fatal("expected error for unknown case")
	}
	if _, err := tool.Run(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error for missing argument")
	}
}

func TestCertificateTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, capacity := range []int{40, 60} {
		if _, err := f.dir.AddCertificate(ctx, collab.Certificate{
			CaseID:          "case-1",
			OrgID:           "org-1",
			IssuedAt:        now.Add(time.Duration(i-2) * 14 * 24 * time.Hour),
			ExpiresAt:       now.Add(time.Duration(14*i-7) * 24 * time.Hour),
			CapacityPercent: capacity,
		}); err != nil {
			t.Fatalf("seed certificate: %v", err)
		}
	}

	result := f.run(t, "certificate_history", map[string]any{"case_id": "case-1"})
	if result["count"] != 2 {
		t.Fatalf("history count = %v", result["count"])
	}

	result = f.run(t, "capacity_trend", map[string]any{"case_id": "case-1"})
	trend, ok := result["trend"].(collab.CapacityTrend)
	if !ok {
		t.Fatalf("trend has type %T", result["trend"])
	}
	if trend.Direction != collab.TrendImproving {
		t.Fatalf("direction = %s", trend.Direction)
	}

	result = f.run(t, "expiring_certificates", map[string]any{"org_id": "org-1", "days": float64(14)})
	expired, ok := result["expired"].([]collab.Certificate)
	if !ok || len(expired) != 1 {
		t.Fatalf("expired = %v", result["expired"])
	}
}

func TestEmailTools(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, "draft_email", map[string]any{
		"case_id":   "case-1",
		"recipient": "worker@example.com",
		"purpose":   "capacity certificate renewal",
	})
	draft, ok := result["draft"].(*collab.EmailDraft)
	if !ok {
		t.Fatalf("draft has type %T", result["draft"])
	}

	result = f.run(t, "send_email", map[string]any{"draft_id": draft.ID})
	if result["sent"] != true {
		t.Fatalf("sent = %v", result["sent"])
	}
}

func TestTimelineTools(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, "log_timeline_event", map[string]any{
		"case_id":    "case-1",
		"event_type": "check_in",
		"detail":     "worker contacted by phone",
	})
	if result["event_id"] == "" {
		t.Fatal("expected event id")
	}

	result = f.run(t, "create_case_action", map[string]any{
		"case_id":     "case-1",
		"title":       "chase updated certificate",
		"due_in_days": float64(3),
	})
	if result["action_id"] == "" {
		t.Fatal("expected action id")
	}

	actions, err := f.dir.Actions(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 1 || actions[0].DueAt == nil {
		t.Fatalf("unexpected actions: %+v", actions)
	}
}

func TestTriggerSpecialist(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, "trigger_specialist", map[string]any{
		"org_id":     "org-1",
		"case_id":    "case-1",
		"specialist": "recovery",
		"reason":     "declining capacity trend",
	})
	jobID, _ := result["job_id"].(string)
	if jobID == "" {
		t.Fatal("expected job id")
	}

	job, err := f.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Trigger != store.TriggerAgent || job.Specialist != "recovery" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Context["reason"] != "declining capacity trend" {
		t.Fatalf("context = %v", job.Context)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.launched) != 1 || f.launched[0] != jobID {
		t.Fatalf("launched = %v", f.launched)
	}
}

func TestScheduleFollowup(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, "schedule_followup", map[string]any{
		"org_id":      "org-1",
		"case_id":     "case-1",
		"specialist":  "recovery",
		"due_in_days": float64(7),
		"note":        "confirm graded return started",
	})
	followupID, _ := result["followup_id"].(string)
	if followupID == "" {
		t.Fatal("expected followup id")
	}

	due, err := f.store.DueFollowups(context.Background(), time.Now().UTC().Add(8*24*time.Hour))
	if err != nil {
		t.Fatalf("due followups: %v", err)
	}
	if len(due) != 1 || due[0].ID != followupID || due[0].Context["note"] != "confirm graded return started" {
		t.Fatalf("unexpected due followups: %+v", due)
	}
}
