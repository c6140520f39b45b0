// Package specialist maps a job's declared type to its task template and
// tool subset, and drives the job to completion through one of two
// tool-calling strategies: iterative multi-turn, or single-shot
// plan-then-execute.
package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridian/caseagent/internal/registry"
	"github.com/meridian/caseagent/internal/store"
)

// Specialist type tags.
const (
	Coordinator  = "coordinator"
	ReturnToWork = "return-to-work"
	Recovery     = "recovery"
	Certificate  = "certificate"
)

// Certificate job modes, read from the job context.
const (
	ModeExpiry  = "expiry"
	ModeInbound = "inbound"
)

// Task is the assembled work order a runner executes: the model-facing
// description plus the tool subset this specialist is allowed.
type Task struct {
	Description string
	Tools       []registry.Tool
}

// Runner drives one claimed job to completion and returns its summary.
type Runner interface {
	Run(ctx context.Context, job *store.Job, task Task) (string, error)
}

// toolSubsets bounds each specialist to the capabilities it needs.
var toolSubsets = map[string][]string{
	Coordinator: {
		"list_cases", "get_case_details", "check_compliance",
		"expiring_certificates", "capacity_trend",
		"trigger_specialist", "schedule_followup",
		"create_case_action", "log_timeline_event",
	},
	ReturnToWork: {
		"get_case_details", "certificate_history", "capacity_trend",
		"recommend_rtw_plan", "draft_email", "send_email",
		"log_timeline_event", "create_case_action", "schedule_followup",
	},
	Recovery: {
		"get_case_details", "certificate_history", "capacity_trend",
		"check_compliance", "draft_email", "send_email",
		"log_timeline_event", "schedule_followup",
	},
	Certificate + "/" + ModeExpiry: {
		"get_case_details", "certificate_history",
		"draft_email", "send_email",
		"log_timeline_event", "create_case_action", "schedule_followup",
	},
	Certificate + "/" + ModeInbound: {
		"get_case_details", "certificate_history", "capacity_trend",
		"trigger_specialist", "create_case_action", "log_timeline_event",
	},
}

// TaskFor builds the task for a job, resolving the specialist's tool subset
// against the registry. Unknown specialist types are an error; tool names
// missing from the registry are dropped, not fatal.
func TaskFor(job *store.Job, reg *registry.Registry) (Task, error) {
	subsetKey := job.Specialist
	mode := ""
	if job.Specialist == Certificate {
		mode = certificateMode(job)
		subsetKey = Certificate + "/" + mode
	}
	names, ok := toolSubsets[subsetKey]
	if !ok {
		return Task{}, fmt.Errorf("unknown specialist type %q", job.Specialist)
	}
	tools, _ := reg.Subset(names)

	description, err := describeTask(job, mode)
	if err != nil {
		return Task{}, err
	}
	return Task{Description: description, Tools: tools}, nil
}

func certificateMode(job *store.Job) string {
	if m, ok := job.Context["mode"].(string); ok && m == ModeInbound {
		return ModeInbound
	}
	return ModeExpiry
}

func describeTask(job *store.Job, mode string) (string, error) {
	var sb strings.Builder
	switch job.Specialist {
	case Coordinator:
		fmt.Fprintf(&sb, `You are the case coordinator for organization %s.
Review the organization's workers' compensation portfolio. For each case that
needs attention, decide which specialist should handle it and trigger it, or
schedule a follow-up. Escalate to a human with a case action when no
specialist fits.`, job.OrgID)
	case ReturnToWork:
		fmt.Fprintf(&sb, `You are the return-to-work specialist for case %s
(organization %s). Assess the worker's certified capacity and recommend or
progress a graded return-to-work plan. Draft correspondence where the
employer or worker needs to act.`, job.CaseID, job.OrgID)
	case Recovery:
		fmt.Fprintf(&sb, `You are the recovery specialist for case %s
(organization %s). Review the worker's recovery trajectory from the
certificate history and compliance status. Check in where progress has
stalled and schedule the next review.`, job.CaseID, job.OrgID)
	case Certificate:
		if mode == ModeInbound {
			fmt.Fprintf(&sb, `You are the certificate specialist for case %s
(organization %s). A new capacity certificate document has arrived. Review it
against the case history, record what changed, and trigger the
return-to-work specialist if certified capacity has changed materially.`, job.CaseID, job.OrgID)
		} else {
			fmt.Fprintf(&sb, `You are the certificate specialist for case %s
(organization %s). The case's capacity certificate is expiring or has
expired. Contact the worker about renewal and escalate if the case would be
left without certification.`, job.CaseID, job.OrgID)
		}
	default:
		return "", fmt.Errorf("unknown specialist type %q", job.Specialist)
	}

	if len(job.Context) > 0 {
		contextJSON, err := json.Marshal(job.Context)
		if err != nil {
			return "", fmt.Errorf("marshal job context: %w", err)
		}
		fmt.Fprintf(&sb, "\n\nJob context:\n%s", contextJSON)
	}
	return sb.String(), nil
}
