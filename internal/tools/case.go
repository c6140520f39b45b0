package tools

import (
	"context"

	"github.com/meridian/caseagent/internal/registry"
)

func caseTools(deps Deps) []registry.Tool {
	return []registry.Tool{
		{
			Name:        "get_case_details",
			Description: "Look up a workers' compensation case by id: worker, status, injury date, summary.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"case_id": {Type: "string", Description: "Case id to look up"},
			}, "case_id"),
			ReadOnly: true,
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				caseID, err := stringArg(args, "case_id")
				if err != nil {
					return nil, err
				}
				c, err := deps.Cases.GetCase(ctx, caseID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"case": c}, nil
			},
		},
		{
			Name:        "list_cases",
			Description: "List all cases for an organization.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"org_id": {Type: "string", Description: "Organization id"},
			}, "org_id"),
			ReadOnly: true,
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				orgID, err := stringArg(args, "org_id")
				if err != nil {
					return nil, err
				}
				cases, err := deps.Cases.ListCases(ctx, orgID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"cases": cases, "count": len(cases)}, nil
			},
		},
		{
			Name:        "check_compliance",
			Description: "Evaluate a case's compliance obligations and list any issues found.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"case_id": {Type: "string", Description: "Case id to evaluate"},
			}, "case_id"),
			ReadOnly: true,
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				caseID, err := stringArg(args, "case_id")
				if err != nil {
					return nil, err
				}
				report, err := deps.Compliance.Evaluate(ctx, caseID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"report": report}, nil
			},
		},
		{
			Name:        "recommend_rtw_plan",
			Description: "Recommend a return-to-work plan from the case's certified capacity history.",
			Input: registry.ObjectSchema(map[string]registry.Property{
				"case_id": {Type: "string", Description: "Case id"},
			}, "case_id"),
			ReadOnly: true,
			Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				caseID, err := stringArg(args, "case_id")
				if err != nil {
					return nil, err
				}
				plan, err := deps.Planner.RecommendPlan(ctx, caseID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"plan": plan}, nil
			},
		},
	}
}
