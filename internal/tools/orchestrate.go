package tools

import (
	"context"
	"time"

	"github.com/meridian/caseagent/internal/registry"
	"github.com/meridian/caseagent/internal/store"
)

func orchestrationTools(deps Deps) []registry.Tool {
	return []registry.Tool{
		{
			Name:        "trigger_specialist",
			Description: "Queue another specialist run for a case. The new job runs in the background; this call does not wait for it.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"org_id":     {Type: "string", Description: "Organization id"},
				"case_id":    {Type: "string", Description: "Case id (omit for org-wide specialists)"},
				"specialist": {Type: "string", Description: "Specialist to run", Enum: []string{"coordinator", "return-to-work", "recovery", "certificate"}},
				"reason":     {Type: "string", Description: "Why this specialist is needed"},
			}, "org_id", "specialist"),
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				orgID, err := stringArg(args, "org_id")
				if err != nil {
					return nil, err
				}
				specialist, err := stringArg(args, "specialist")
				if err != nil {
					return nil, err
				}
				jobContext := map[string]any{}
				if reason := optionalString(args, "reason"); reason != "" {
					jobContext["reason"] = reason
				}
				jobID, err := deps.Store.CreateJob(ctx, store.NewJob{
					OrgID:      orgID,
					CaseID:     optionalString(args, "case_id"),
					Specialist: specialist,
					Trigger:    store.TriggerAgent,
					Context:    jobContext,
				})
				if err != nil {
					return nil, err
				}
				// Fire-and-forget: chained jobs are not subject to scheduler
				// sequencing.
				if deps.Launch != nil {
					deps.Launch(jobID)
				}
				return map[string]any{"job_id": jobID, "status": string(store.JobQueued)}, nil
			},
		},
		{
			Name:        "schedule_followup",
			Description: "Schedule a specialist to revisit a case after a number of days.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"org_id":      {Type: "string", Description: "Organization id"},
				"case_id":     {Type: "string", Description: "Case id"},
				"specialist":  {Type: "string", Description: "Specialist to run when due", Enum: []string{"coordinator", "return-to-work", "recovery", "certificate"}},
				"due_in_days": {Type: "integer", Description: "Days from now until the follow-up is due"},
				"note":        {Type: "string", Description: "Context for the future run"},
			}, "org_id", "case_id", "specialist", "due_in_days"),
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				orgID, err := stringArg(args, "org_id")
				if err != nil {
					return nil, err
				}
				caseID, err := stringArg(args, "case_id")
				if err != nil {
					return nil, err
				}
				specialist, err := stringArg(args, "specialist")
				if err != nil {
					return nil, err
				}
				days := intArg(args, "due_in_days", 0)
				followupContext := map[string]any{}
				if note := optionalString(args, "note"); note != "" {
					followupContext["note"] = note
				}
				dueAt := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
				id, err := deps.Store.CreateFollowup(ctx, orgID, caseID, specialist, dueAt, followupContext)
				if err != nil {
					return nil, err
				}
				return map[string]any{"followup_id": id, "due_at": dueAt.Format(time.RFC3339)}, nil
			},
		},
	}
}
