// Package collab defines the collaborator services the agent core calls
// through tools: case and certificate data, compliance evaluation, email,
// return-to-work planning, and timeline logging. The agent core never
// touches these systems directly; every capability is consumed through a
// registered tool.
package collab

import (
	"context"
	"time"
)

// Organization is a tenant with active workers'-compensation cases.
type Organization struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Case is one workers'-compensation claim.
type Case struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	WorkerName string     `json:"worker_name"`
	Status     string     `json:"status"`
	InjuryDate *time.Time `json:"injury_date,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Certificate is a medical capacity certificate attached to a case.
type Certificate struct {
	ID              string    `json:"id"`
	CaseID          string    `json:"case_id"`
	OrgID           string    `json:"org_id"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	CapacityPercent int       `json:"capacity_percent"`
	DocumentRef     string    `json:"document_ref,omitempty"`
}

// DaysUntilExpiry is negative for certificates that have already expired.
func (c Certificate) DaysUntilExpiry(now time.Time) int {
	return int(c.ExpiresAt.Sub(now).Hours() / 24)
}

// CapacityTrend summarizes the direction of a case's certified capacity.
type CapacityTrend struct {
	CaseID          string `json:"case_id"`
	Direction       string `json:"direction"` // improving, declining, stable, unknown
	LatestCapacity  int    `json:"latest_capacity"`
	CertificateSpan int    `json:"certificate_span"`
}

// ComplianceReport is the outcome of evaluating a case's obligations.
type ComplianceReport struct {
	CaseID    string   `json:"case_id"`
	Compliant bool     `json:"compliant"`
	Issues    []string `json:"issues,omitempty"`
}

// EmailDraft is a generated message awaiting send.
type EmailDraft struct {
	ID        string `json:"id"`
	CaseID    string `json:"case_id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// RTWPlan is a recommended return-to-work arrangement.
type RTWPlan struct {
	CaseID        string   `json:"case_id"`
	HoursPerWeek  int      `json:"hours_per_week"`
	Duties        []string `json:"duties"`
	ReviewInDays  int      `json:"review_in_days"`
	Justification string   `json:"justification"`
}

// TimelineEvent is one audit entry on a case's history.
type TimelineEvent struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	EventType string    `json:"event_type"`
	Detail    string    `json:"detail"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CaseAction is a human-facing task attached to a case, used for
// escalations that need a person rather than a specialist.
type CaseAction struct {
	ID        string     `json:"id"`
	CaseID    string     `json:"case_id"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// CaseDirectory is the read side of the case-management system.
type CaseDirectory interface {
	GetCase(ctx context.Context, caseID string) (*Case, error)
	ListCases(ctx context.Context, orgID string) ([]Case, error)
	ActiveOrganizations(ctx context.Context) ([]Organization, error)
}

// CertificateStore answers the expiry and history queries the certificate
// specialist and the scheduler depend on.
type CertificateStore interface {
	// ExpiringWithin returns certificates for the org whose expiry falls in
	// (now, now+days].
	ExpiringWithin(ctx context.Context, orgID string, days int) ([]Certificate, error)
	// Expired returns certificates for the org already past expiry.
	Expired(ctx context.Context, orgID string) ([]Certificate, error)
	History(ctx context.Context, caseID string) ([]Certificate, error)
}

// ComplianceChecker evaluates a case's obligations.
type ComplianceChecker interface {
	Evaluate(ctx context.Context, caseID string) (*ComplianceReport, error)
}

// EmailService drafts and sends case correspondence.
type EmailService interface {
	Draft(ctx context.Context, caseID, recipient, purpose string) (*EmailDraft, error)
	Send(ctx context.Context, draftID string) error
}

// PlanAdvisor recommends return-to-work arrangements.
type PlanAdvisor interface {
	RecommendPlan(ctx context.Context, caseID string) (*RTWPlan, error)
}

// Timeline records audit events against a case.
type Timeline interface {
	LogEvent(ctx context.Context, caseID, eventType, detail, actor string) (string, error)
}

// CaseActions creates human-facing tasks on a case.
type CaseActions interface {
	CreateAction(ctx context.Context, caseID, title, notes string, dueAt *time.Time) (string, error)
}
