package tools

import (
	"context"

	"github.com/meridian/caseagent/internal/registry"
)

func emailTools(deps Deps) []registry.Tool {
	return []registry.Tool{
		{
			Name:        "draft_email",
			Description: "Draft correspondence for a case. Returns the draft for review; use send_email to send it.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"case_id":   {Type: "string", Description: "Case id"},
				"recipient": {Type: "string", Description: "Recipient email address"},
				"purpose":   {Type: "string", Description: "What the message is for, e.g. certificate renewal reminder"},
			}, "case_id", "recipient", "purpose"),
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				caseID, err := stringArg(args, "case_id")
				if err != nil {
					return nil, err
				}
				recipient, err := stringArg(args, "recipient")
				if err != nil {
					return nil, err
				}
				purpose, err := stringArg(args, "purpose")
				if err != nil {
					return nil, err
				}
				draft, err := deps.Email.Draft(ctx, caseID, recipient, purpose)
				if err != nil {
					return nil, err
				}
				return map[string]any{"draft": draft}, nil
			},
		},
		{
			Name:        "send_email",
			Description: "Send a previously drafted email by draft id.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"draft_id": {Type: "string", Description: "Id returned by draft_email"},
			}, "draft_id"),
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				draftID, err := stringArg(args, "draft_id")
				if err != nil {
					return nil, err
				}
				if err := deps.Email.Send(ctx, draftID); err != nil {
					return nil, err
				}
				return map[string]any{"sent": true, "draft_id": draftID}, nil
			},
		},
	}
}
