package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Outbox is an EmailService backed by the directory database. Draft writes
// a row in the draft state; Send marks it sent. Actual delivery is owned by
// the platform's mail pipeline, which drains the outbox.
type Outbox struct {
	dir *Directory
}

var _ EmailService = (*Outbox)(nil)

func NewOutbox(dir *Directory) *Outbox {
	return &Outbox{dir: dir}
}

func (o *Outbox) Draft(ctx context.Context, caseID, recipient, purpose string) (*EmailDraft, error) {
	if caseID == "" || recipient == "" {
		return nil, fmt.Errorf("draft email: case id and recipient are required")
	}
	c, err := o.dir.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("draft email: %w", err)
	}

	draft := &EmailDraft{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Recipient: recipient,
		Subject:   fmt.Sprintf("Regarding claim %s: %s", caseID, purpose),
		Body: fmt.Sprintf(
			"Hello,\n\nThis message concerns the workers' compensation claim for %s (case %s).\n\nPurpose: %s\n\nPlease respond at your earliest convenience.\n",
			c.WorkerName, caseID, purpose),
	}
	_, err = o.dir.db.ExecContext(ctx, `
		INSERT INTO email_outbox (id, case_id, recipient, subject, body, status)
		VALUES (?, ?, ?, ?, ?, 'draft');
	`, draft.ID, draft.CaseID, draft.Recipient, draft.Subject, draft.Body)
	if err != nil {
		return nil, fmt.Errorf("draft email: %w", err)
	}
	return draft, nil
}

func (o *Outbox) Send(ctx context.Context, draftID string) error {
	res, err := o.dir.db.ExecContext(ctx, `
		UPDATE email_outbox
		SET status = 'sent', sent_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'draft';
	`, draftID)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("send email %s: %w (no draft)", draftID, ErrNotFound)
	}
	return nil
}

// OutboxStatus returns the status of an outbox entry.
func (o *Outbox) OutboxStatus(ctx context.Context, draftID string) (string, error) {
	var status string
	err := o.dir.db.QueryRowContext(ctx, `SELECT status FROM email_outbox WHERE id = ?;`, draftID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("outbox %s: %w", draftID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("outbox status: %w", err)
	}
	return status, nil
}
