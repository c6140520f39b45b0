package tools

import (
	"context"

	"github.com/meridian/caseagent/internal/collab"
	"github.com/meridian/caseagent/internal/registry"
)

func certificateTools(deps Deps) []registry.Tool {
	return []registry.Tool{
		{
			Name:        "certificate_history",
			Description: "List a case's capacity certificates, oldest first.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"case_id": {Type: "string", Description: "Case id"},
			}, "case_id"),
			ReadOnly: true,
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				caseID, err := stringArg(args, "case_id")
				if err != nil {
					return nil, err
				}
				history, err := deps.Certs.History(ctx, caseID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"certificates": history, "count": len(history)}, nil
			},
		},
		{
			Name:        "expiring_certificates",
			Description: "List an organization's certificates expiring within a day window, plus those already expired.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"org_id": {Type: "string", Description: "Organization id"},
				"days":   {Type: "integer", Description: "Look-ahead window in days (default 14)"},
			}, "org_id"),
			ReadOnly: true,
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				orgID, err := stringArg(args, "org_id")
				if err != nil {
					return nil, err
				}
				days := intArg(args, "days", 14)
				expiring, err := deps.Certs.ExpiringWithin(ctx, orgID, days)
				if err != nil {
					return nil, err
				}
				expired, err := deps.Certs.Expired(ctx, orgID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"expiring": expiring, "expired": expired}, nil
			},
		},
		{
			Name:        "capacity_trend",
			Description: "Compute the direction of a case's certified capacity over time.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"case_id": {Type: "string", Description: "Case id"},
			}, "case_id"),
			ReadOnly: true,
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				caseID, err := stringArg(args, "case_id")
				if err != nil {
					return nil, err
				}
				trend, err := collab.TrendFor(ctx, deps.Certs, caseID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"trend": trend}, nil
			},
		},
	}
}
