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

// ErrNotFound is returned when a job or action id does not exist.
var ErrNotFound = errors.New("not found")

// Job is one specialist run. CaseID is empty for org-wide specialists.
type Job struct {
	ID          string         `json:"id"`
	OrgID       string         `json:"org_id"`
	CaseID      string         `json:"case_id,omitempty"`
	Specialist  string         `json:"specialist"`
	Status      JobStatus      `json:"status"`
	Trigger     Trigger        `json:"trigger"`
	Context     map[string]any `json:"context"`
	Summary     string         `json:"summary,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// NewJob carries the caller-supplied fields for CreateJob.
type NewJob struct {
	OrgID      string
	CaseID     string
	Specialist string
	Trigger    Trigger
	Context    map[string]any
}

// CreateJob inserts a job in the queued state and returns its id.
func (s *Store) CreateJob(ctx context.Context, nj NewJob) (string, error) {
	if nj.OrgID == "" {
		return "", fmt.Errorf("create job: org id is required")
	}
	ctxJSON, err := marshalContext(nj.Context)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	jobID := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, org_id, case_id, specialist, status, trigger_origin, context, created_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, jobID, nj.OrgID, nj.CaseID, nj.Specialist, JobQueued, string(nj.Trigger), ctxJSON); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, "", JobQueued, "job.enqueued",
			fmt.Sprintf(`{"trigger":%q}`, nj.Trigger)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}

	s.publish(bus.TopicJobQueued, bus.JobEvent{
		JobID:      jobID,
		OrgID:      nj.OrgID,
		CaseID:     nj.CaseID,
		Specialist: nj.Specialist,
		NewStatus:  string(JobQueued),
	})
	return jobID, nil
}

// ClaimJob atomically moves a queued job to running. It returns false when
// the job is no longer queued, which guards against duplicate triggers
// picking up the same job twice.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	claimed := false
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, started_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, JobRunning, jobID, JobQueued)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			claimed = false
			return tx.Commit()
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, JobQueued, JobRunning, "job.claimed", ""); err != nil {
			return err
		}
		claimed = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if claimed {
		s.publishJobTransition(ctx, jobID, JobQueued, JobRunning)
	}
	return claimed, nil
}

// CompleteJob moves a running job to completed and stores its summary.
func (s *Store) CompleteJob(ctx context.Context, jobID, summary string) error {
	return s.finishJob(ctx, jobID, JobCompleted, "job.completed", summary, "")
}

// FailJob moves a running job to failed and stores the error message.
func (s *Store) FailJob(ctx context.Context, jobID, errMsg string) error {
	return s.finishJob(ctx, jobID, JobFailed, "job.failed", "", errMsg)
}

func (s *Store) finishJob(ctx context.Context, jobID string, to JobStatus, eventType, summary, errMsg string) error {
	if !canTransition(JobRunning, to) {
		return fmt.Errorf("illegal transition %s -> %s", JobRunning, to)
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, summary = ?, error = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, summary, errMsg, jobID, JobRunning)
		if err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finish rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("finish job %s: %w (not running)", jobID, ErrNotFound)
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, JobRunning, to, eventType, ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishJobTransition(ctx, jobID, JobRunning, to)
	return nil
}

func (s *Store) publishJobTransition(ctx context.Context, jobID string, from, to JobStatus) {
	if s.bus == nil {
		return
	}
	topic := bus.TopicJobStarted
	switch to {
	case JobCompleted:
		topic = bus.TopicJobCompleted
	case JobFailed:
		topic = bus.TopicJobFailed
	}
	event := bus.JobEvent{JobID: jobID, OldStatus: string(from), NewStatus: string(to)}
	if job, err := s.GetJob(ctx, jobID); err == nil {
		event.OrgID = job.OrgID
		event.CaseID = job.CaseID
		event.Specialist = job.Specialist
	}
	s.bus.Publish(topic, event)
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, COALESCE(case_id, ''), specialist, status, trigger_origin, context, summary, error,
			created_at, started_at, completed_at
		FROM jobs
		WHERE id = ?;
	`, jobID)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	OrgID      string
	CaseID     string
	Specialist string
	Status     JobStatus
	Limit      int
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	query := `
		SELECT id, org_id, COALESCE(case_id, ''), specialist, status, trigger_origin, context, summary, error,
			created_at, started_at, completed_at
		FROM jobs
		WHERE 1=1`
	var args []any
	if f.OrgID != "" {
		query += " AND org_id = ?"
		args = append(args, f.OrgID)
	}
	if f.CaseID != "" {
		query += " AND case_id = ?"
		args = append(args, f.CaseID)
	}
	if f.Specialist != "" {
		query += " AND specialist = ?"
		args = append(args, f.Specialist)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows: %w", err)
	}
	return out, nil
}

// OpenJobExists reports whether a queued or running job already exists for
// the given org/case/specialist. Used by creators that want to avoid
// stacking duplicate work for one case.
func (s *Store) OpenJobExists(ctx context.Context, orgID, caseID, specialist string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1)
		FROM jobs
		WHERE org_id = ? AND COALESCE(case_id, '') = ? AND specialist = ?
			AND status IN (?, ?);
	`, orgID, caseID, specialist, JobQueued, JobRunning).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("open job exists: %w", err)
	}
	return count > 0, nil
}

func scanJob(scanFn func(dest ...any) error) (*Job, error) {
	var (
		job         Job
		trigger     string
		contextJSON string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := scanFn(
		&job.ID,
		&job.OrgID,
		&job.CaseID,
		&job.Specialist,
		&job.Status,
		&trigger,
		&contextJSON,
		&job.Summary,
		&job.Error,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	job.Trigger = Trigger(trigger)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &job.Context); err != nil {
			return nil, fmt.Errorf("unmarshal job context: %w", err)
		}
	}
	return &job, nil
}

func marshalContext(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	return string(data), nil
}
