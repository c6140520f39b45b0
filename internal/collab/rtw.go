package collab

import (
	"context"
	"fmt"
)

// CapacityAdvisor recommends return-to-work plans from the latest certified
// capacity and its trend. The production plan generator is a platform
// service; this one covers standalone operation with conservative defaults.
type CapacityAdvisor struct {
	Certs CertificateStore
	// FullTimeHours is the baseline working week. Zero means 38.
	FullTimeHours int
}

var _ PlanAdvisor = (*CapacityAdvisor)(nil)

func (a *CapacityAdvisor) RecommendPlan(ctx context.Context, caseID string) (*RTWPlan, error) {
	history, err := a.Certs.History(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("recommend plan: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("recommend plan: case %s has no certificates", caseID)
	}

	fullTime := a.FullTimeHours
	if fullTime == 0 {
		fullTime = 38
	}
	trend := ComputeTrend(caseID, history)

	plan := &RTWPlan{
		CaseID:       caseID,
		HoursPerWeek: fullTime * trend.LatestCapacity / 100,
		ReviewInDays: 14,
	}
	switch {
	case trend.LatestCapacity >= 80:
		plan.Duties = []string{"usual duties", "avoid sustained overtime"}
	case trend.LatestCapacity >= 50:
		plan.Duties = []string{"modified duties", "no heavy lifting", "regular breaks"}
	default:
		plan.Duties = []string{"light administrative duties only"}
		plan.ReviewInDays = 7
	}
	if trend.Direction == TrendDeclining {
		plan.ReviewInDays = 7
	}
	plan.Justification = fmt.Sprintf(
		"latest certified capacity %d%% across %d certificates, trend %s",
		trend.LatestCapacity, trend.CertificateSpan, trend.Direction)
	return plan, nil
}
