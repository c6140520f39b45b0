package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Followup is a first-class deferred specialist run: a case, a specialist
// type, and a due date. A poller converts due follow-ups into jobs.
type Followup struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	CaseID       string         `json:"case_id"`
	Specialist   string         `json:"specialist"`
	DueAt        time.Time      `json:"due_at"`
	Context      map[string]any `json:"context"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
}

// Follow-up statuses.
const (
	FollowupPending    = "pending"
	FollowupDispatched = "dispatched"
	FollowupCanceled   = "canceled"
)

// CreateFollowup schedules a deferred specialist run and returns its id.
func (s *Store) CreateFollowup(ctx context.Context, orgID, caseID, specialist string, dueAt time.Time, jobContext map[string]any) (string, error) {
	if orgID == "" || caseID == "" {
		return "", fmt.Errorf("create followup: org and case ids are required")
	}
	ctxJSON, err := marshalContext(jobContext)
	if err != nil {
		return "", fmt.Errorf("create followup: %w", err)
	}

	id := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO followups (id, org_id, case_id, specialist, due_at, context, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, id, orgID, caseID, specialist, dueAt.UTC(), ctxJSON, FollowupPending)
		if err != nil {
			return fmt.Errorf("insert followup: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DueFollowups returns pending follow-ups whose due date has passed,
// oldest first.
func (s *Store) DueFollowups(ctx context.Context, now time.Time) ([]Followup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, case_id, specialist, due_at, context, status, created_at, dispatched_at
		FROM followups
		WHERE status = ? AND due_at <= ?
		ORDER BY due_at ASC;
	`, FollowupPending, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due followups: %w", err)
	}
	defer rows.Close()

	var out []Followup
	for rows.Next() {
		var (
			f            Followup
			ctxJSON      string
			dispatchedAt sql.NullTime
		)
		if err := rows.Scan(&f.ID, &f.OrgID, &f.CaseID, &f.Specialist, &f.DueAt, &ctxJSON, &f.Status, &f.CreatedAt, &dispatchedAt); err != nil {
			return nil, fmt.Errorf("scan followup: %w", err)
		}
		if dispatchedAt.Valid {
			t := dispatchedAt.Time
			f.DispatchedAt = &t
		}
		if ctxJSON != "" {
			if err := json.Unmarshal([]byte(ctxJSON), &f.Context); err != nil {
				return nil, fmt.Errorf("unmarshal followup context: %w", err)
			}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("followup rows: %w", err)
	}
	return out, nil
}

// MarkFollowupDispatched moves a pending follow-up to dispatched. Returns
// false if it was already dispatched or canceled.
func (s *Store) MarkFollowupDispatched(ctx context.Context, id string) (bool, error) {
	var dispatched bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE followups
			SET status = ?, dispatched_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, FollowupDispatched, id, FollowupPending)
		if err != nil {
			return fmt.Errorf("dispatch followup: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dispatch rows affected: %w", err)
		}
		dispatched = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return dispatched, nil
}

// CancelFollowup cancels a pending follow-up.
func (s *Store) CancelFollowup(ctx context.Context, id string) (bool, error) {
	var canceled bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE followups
			SET status = ?
			WHERE id = ? AND status = ?;
		`, FollowupCanceled, id, FollowupPending)
		if err != nil {
			return fmt.Errorf("cancel followup: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cancel rows affected: %w", err)
		}
		canceled = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return canceled, nil
}
