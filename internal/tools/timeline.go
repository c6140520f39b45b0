package tools

import (
	"context"
	"time"

	"github.com/meridian/caseagent/internal/registry"
)

func timelineTools(deps Deps) []registry.Tool {
	return []registry.Tool{
		{
			Name:        "log_timeline_event",
			Description: "Record an audit event on a case's timeline.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"case_id":    {Type: "string", Description: "Case id"},
				"event_type": {Type: "string", Description: "Short event category, e.g. check_in, escalation"},
				"detail":     {Type: "string", Description: "Free-text detail"},
			}, "case_id", "event_type"),
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				caseID, err := stringArg(args, "case_id")
				if err != nil {
					return nil, err
				}
				eventType, err := stringArg(args, "event_type")
				if err != nil {
					return nil, err
				}
				id, err := deps.Timeline.LogEvent(ctx, caseID, eventType, optionalString(args, "detail"), "agent")
				if err != nil {
					return nil, err
				}
				return map[string]any{"event_id": id}, nil
			},
		},
		{
			Name:        "create_case_action",
			Description: "Create a human-facing task on a case, for work that needs a person rather than a specialist.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"case_id":     {Type: "string", Description: "Case id"},
				"title":       {Type: "string", Description: "Short task title"},
				"notes":       {Type: "string", Description: "Supporting detail"},
				"due_in_days": {Type: "integer", Description: "Days until the task is due (omit for no due date)"},
			}, "case_id", "title"),
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				caseID, err := stringArg(args, "case_id")
				if err != nil {
					return nil, err
				}
				title, err := stringArg(args, "title")
				if err != nil {
					return nil, err
				}
				var dueAt *time.Time
				if days := intArg(args, "due_in_days", 0); days > 0 {
					t := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
					dueAt = &t
				}
				id, err := deps.Actions.CreateAction(ctx, caseID, title, optionalString(args, "notes"), dueAt)
				if err != nil {
					return nil, err
				}
				return map[string]any{"action_id": id}, nil
			},
		},
	}
}
