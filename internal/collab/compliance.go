package collab

import (
	"context"
	"fmt"
	"time"
)

// RuleChecker is a ComplianceChecker that evaluates a fixed rule set over
// the directory: the case must have a current certificate and recent
// timeline activity.
type RuleChecker struct {
	Cases  CaseDirectory
	Certs  CertificateStore
	Events interface {
		Events(ctx context.Context, caseID string) ([]TimelineEvent, error)
	}
	// StaleAfter is how long a case may go without timeline activity before
	// it is flagged. Zero means 30 days.
	StaleAfter time.Duration
}

var _ ComplianceChecker = (*RuleChecker)(nil)

func (r *RuleChecker) Evaluate(ctx context.Context, caseID string) (*ComplianceReport, error) {
	c, err := r.Cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("compliance: %w", err)
	}

	report := &ComplianceReport{CaseID: caseID, Compliant: true}
	now := time.Now().UTC()

	history, err := r.Certs.History(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("compliance: certificate history: %w", err)
	}
	current := false
	for _, cert := range history {
		if cert.ExpiresAt.After(now) {
			current = true
			break
		}
	}
	if !current && c.Status == "open" {
		report.Compliant = false
		report.Issues = append(report.Issues, "no current capacity certificate on file")
	}

	if r.Events != nil {
		staleAfter := r.StaleAfter
		if staleAfter == 0 {
			staleAfter = 30 * 24 * time.Hour
		}
		events, err := r.Events.Events(ctx, caseID)
		if err != nil {
			return nil, fmt.Errorf("compliance: timeline: %w", err)
		}
		lastActivity := c.CreatedAt
		if n := len(events); n > 0 {
			lastActivity = events[n-1].CreatedAt
		}
		if c.Status == "open" && now.Sub(lastActivity) > staleAfter {
			report.Compliant = false
			report.Issues = append(report.Issues,
				fmt.Sprintf("no case activity since %s", lastActivity.Format("2006-01-02")))
		}
	}

	return report, nil
}
