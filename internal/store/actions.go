package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian/caseagent/internal/bus"
)

// ApprovalStatus annotates write actions for later human review. The empty
// value means no review was requested.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Action records one tool invocation within a job, successful or not.
// Failures are captured in Result as {"error": "..."} rather than dropped.
type Action struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	CaseID         string         `json:"case_id,omitempty"`
	Tool           string         `json:"tool"`
	Reasoning      string         `json:"reasoning,omitempty"`
	Args           map[string]any `json:"args"`
	Result         map[string]any `json:"result,omitempty"`
	AutoExecuted   bool           `json:"auto_executed"`
	ApprovalStatus ApprovalStatus `json:"approval_status,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty"`
	ExecutedAt     time.Time      `json:"executed_at"`
}

// Failed reports whether the action's result carries an error value.
func (a *Action) Failed() bool {
	if a.Result == nil {
		return false
	}
	_, ok := a.Result["error"]
	return ok
}

// RecordAction persists an action and returns its id.
func (s *Store) RecordAction(ctx context.Context, a Action) (string, error) {
	if a.JobID == "" {
		return "", fmt.Errorf("record action: job id is required")
	}
	if a.Tool == "" {
		return "", fmt.Errorf("record action: tool name is required")
	}
	argsJSON, err := marshalContext(a.Args)
	if err != nil {
		return "", fmt.Errorf("record action: %w", err)
	}
	var resultJSON sql.NullString
	if a.Result != nil {
		data, err := json.Marshal(a.Result)
		if err != nil {
			return "", fmt.Errorf("record action: marshal result: %w", err)
		}
		resultJSON = sql.NullString{Valid: true, String: string(data)}
	}

	actionID := a.ID
	if actionID == "" {
		actionID = uuid.NewString()
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO actions (id, job_id, case_id, tool, reasoning, args, result, auto_executed, approval_status, executed_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, actionID, a.JobID, a.CaseID, a.Tool, a.Reasoning, argsJSON, resultJSON, a.AutoExecuted, string(a.ApprovalStatus))
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.publish(bus.TopicActionRecorded, bus.ActionEvent{
		ActionID: actionID,
		JobID:    a.JobID,
		Tool:     a.Tool,
		Failed:   a.Failed(),
	})
	return actionID, nil
}

// GetAction returns an action by id.
func (s *Store) GetAction(ctx context.Context, actionID string) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, COALESCE(case_id, ''), tool, reasoning, args, result,
			auto_executed, COALESCE(approval_status, ''), COALESCE(approved_by, ''), approved_at, executed_at
		FROM actions
		WHERE id = ?;
	`, actionID)
	action, err := scanAction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", actionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return action, nil
}

// ListActions returns a job's actions in execution order.
func (s *Store) ListActions(ctx context.Context, jobID string) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, COALESCE(case_id, ''), tool, reasoning, args, result,
			auto_executed, COALESCE(approval_status, ''), COALESCE(approved_by, ''), approved_at, executed_at
		FROM actions
		WHERE job_id = ?
		ORDER BY rowid ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		action, err := scanAction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, *action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("action rows: %w", err)
	}
	return out, nil
}

// SetApproval resolves a pending approval annotation. Returns false when the
// action is not pending (already resolved, or never flagged for review).
func (s *Store) SetApproval(ctx context.Context, actionID string, status ApprovalStatus, approverID string) (bool, error) {
	if status != ApprovalApproved && status != ApprovalRejected {
		return false, fmt.Errorf("set approval: invalid status %q", status)
	}
	var resolved bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE actions
			SET approval_status = ?, approved_by = ?, approved_at = CURRENT_TIMESTAMP
			WHERE id = ? AND approval_status = ?;
		`, string(status), approverID, actionID, string(ApprovalPending))
		if err != nil {
			return fmt.Errorf("update approval: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("approval rows affected: %w", err)
		}
		resolved = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return resolved, nil
}

func scanAction(scanFn func(dest ...any) error) (*Action, error) {
	var (
		action     Action
		argsJSON   string
		resultJSON sql.NullString
		approval   string
		approvedAt sql.NullTime
	)
	if err := scanFn(
		&action.ID,
		&action.JobID,
		&action.CaseID,
		&action.Tool,
		&action.Reasoning,
		&argsJSON,
		&resultJSON,
		&action.AutoExecuted,
		&approval,
		&action.ApprovedBy,
		&approvedAt,
		&action.ExecutedAt,
	); err != nil {
		return nil, err
	}
	action.ApprovalStatus = ApprovalStatus(approval)
	if approvedAt.Valid {
		t := approvedAt.Time
		action.ApprovedAt = &t
	}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &action.Args); err != nil {
			return nil, fmt.Errorf("unmarshal action args: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &action.Result); err != nil {
			return nil, fmt.Errorf("unmarshal action result: %w", err)
		}
	}
	return &action, nil
}
