package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a case, certificate, or draft id does not
// exist.
var ErrNotFound = errors.New("not found")

// Directory is a SQLite-backed implementation of the case-management
// collaborators: CaseDirectory, CertificateStore, Timeline, and
// CaseActions. In production deployments these live in the main platform;
// this implementation serves standalone operation and tests.
type Directory struct {
	db *sql.DB
}

var (
	_ CaseDirectory    = (*Directory)(nil)
	_ CertificateStore = (*Directory)(nil)
	_ Timeline         = (*Directory)(nil)
	_ CaseActions      = (*Directory)(nil)
)

// OpenDirectory opens (creating if necessary) the directory database.
func OpenDirectory(path string) (*Directory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("open directory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &Directory{db: db}
	if err := d.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Directory) Close() error {
	return d.db.Close()
}

func (d *Directory) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS cases (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL REFERENCES organizations(id),
			worker_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			injury_date DATETIME,
			summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS certificates (
			id TEXT PRIMARY KEY,
			case_id TEXT NOT NULL REFERENCES cases(id),
			org_id TEXT NOT NULL,
			issued_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			capacity_percent INTEGER NOT NULL DEFAULT 0,
			document_ref TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS timeline_events (
			id TEXT PRIMARY KEY,
			case_id TEXT NOT NULL REFERENCES cases(id),
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS case_actions (
			id TEXT PRIMARY KEY,
			case_id TEXT NOT NULL REFERENCES cases(id),
			title TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			due_at DATETIME,
			status TEXT NOT NULL DEFAULT 'open',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS email_outbox (
			id TEXT PRIMARY KEY,
			case_id TEXT NOT NULL REFERENCES cases(id),
			recipient TEXT NOT NULL,
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			sent_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_org_expiry ON certificates(org_id, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_case ON certificates(case_id, issued_at);`,
		`CREATE INDEX IF NOT EXISTS idx_timeline_case ON timeline_events(case_id, created_at);`,
	}
	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init directory schema: %w", err)
		}
	}
	return nil
}

// UpsertOrganization creates or updates an organization.
func (d *Directory) UpsertOrganization(ctx context.Context, org Organization) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active;
	`, org.ID, org.Name, org.Active)
	if err != nil {
		return fmt.Errorf("upsert organization: %w", err)
	}
	return nil
}

// UpsertCase creates or updates a case record.
func (d *Directory) UpsertCase(ctx context.Context, c Case) error {
	if c.ID == "" || c.OrgID == "" {
		return fmt.Errorf("upsert case: id and org id are required")
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO cases (id, org_id, worker_name, status, injury_date, summary)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			worker_name = excluded.worker_name,
			status = excluded.status,
			injury_date = excluded.injury_date,
			summary = excluded.summary;
	`, c.ID, c.OrgID, c.WorkerName, c.Status, c.InjuryDate, c.Summary)
	if err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	return nil
}

// AddCertificate attaches a certificate to a case, generating an id when
// absent.
func (d *Directory) AddCertificate(ctx context.Context, cert Certificate) (string, error) {
	if cert.CaseID == "" || cert.OrgID == "" {
		return "", fmt.Errorf("add certificate: case and org ids are required")
	}
	if cert.ID == "" {
		cert.ID = uuid.NewString()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO certificates (id, case_id, org_id, issued_at, expires_at, capacity_percent, document_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, cert.ID, cert.CaseID, cert.OrgID, cert.IssuedAt.UTC(), cert.ExpiresAt.UTC(), cert.CapacityPercent, cert.DocumentRef)
	if err != nil {
		return "", fmt.Errorf("add certificate: %w", err)
	}
	return cert.ID, nil
}

func (d *Directory) GetCase(ctx context.Context, caseID string) (*Case, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, org_id, worker_name, status, injury_date, summary, created_at
		FROM cases WHERE id = ?;
	`, caseID)
	var (
		c          Case
		injuryDate sql.NullTime
	)
	err := row.Scan(&c.ID, &c.OrgID, &c.WorkerName, &c.Status, &injuryDate, &c.Summary, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	if injuryDate.Valid {
		t := injuryDate.Time
		c.InjuryDate = &t
	}
	return &c, nil
}

func (d *Directory) ListCases(ctx context.Context, orgID string) ([]Case, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, org_id, worker_name, status, injury_date, summary, created_at
		FROM cases WHERE org_id = ? ORDER BY created_at ASC;
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var out []Case
	for rows.Next() {
		var (
			c          Case
			injuryDate sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.OrgID, &c.WorkerName, &c.Status, &injuryDate, &c.Summary, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		if injuryDate.Valid {
			t := injuryDate.Time
			c.InjuryDate = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *Directory) ActiveOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, active FROM organizations WHERE active = 1 ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var out []Organization
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Active); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (d *Directory) ExpiringWithin(ctx context.Context, orgID string, days int) ([]Certificate, error) {
	now := time.Now().UTC()
	return d.queryCertificates(ctx, `
		SELECT id, case_id, org_id, issued_at, expires_at, capacity_percent, document_ref
		FROM certificates
		WHERE org_id = ? AND expires_at > ? AND expires_at <= ?
		ORDER BY expires_at ASC;
	`, orgID, now, now.Add(time.Duration(days)*24*time.Hour))
}

func (d *Directory) Expired(ctx context.Context, orgID string) ([]Certificate, error) {
	return d.queryCertificates(ctx, `
		SELECT id, case_id, org_id, issued_at, expires_at, capacity_percent, document_ref
		FROM certificates
		WHERE org_id = ? AND expires_at <= ?
		ORDER BY expires_at ASC;
	`, orgID, time.Now().UTC())
}

func (d *Directory) History(ctx context.Context, caseID string) ([]Certificate, error) {
	return d.queryCertificates(ctx, `
		SELECT id, case_id, org_id, issued_at, expires_at, capacity_percent, document_ref
		FROM certificates
		WHERE case_id = ?
		ORDER BY issued_at ASC;
	`, caseID)
}

func (d *Directory) queryCertificates(ctx context.Context, query string, args ...any) ([]Certificate, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query certificates: %w", err)
	}
	defer rows.Close()

	var out []Certificate
	for rows.Next() {
		var cert Certificate
		if err := rows.Scan(&cert.ID, &cert.CaseID, &cert.OrgID, &cert.IssuedAt, &cert.ExpiresAt, &cert.CapacityPercent, &cert.DocumentRef); err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		out = append(out, cert)
	}
	return out, rows.Err()
}

func (d *Directory) LogEvent(ctx context.Context, caseID, eventType, detail, actor string) (string, error) {
	if caseID == "" || eventType == "" {
		return "", fmt.Errorf("log event: case id and event type are required")
	}
	id := uuid.NewString()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO timeline_events (id, case_id, event_type, detail, actor)
		VALUES (?, ?, ?, ?, ?);
	`, id, caseID, eventType, detail, actor)
	if err != nil {
		return "", fmt.Errorf("log event: %w", err)
	}
	return id, nil
}

// Events returns a case's timeline in insertion order.
func (d *Directory) Events(ctx context.Context, caseID string) ([]TimelineEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, case_id, event_type, detail, actor, created_at
		FROM timeline_events
		WHERE case_id = ?
		ORDER BY created_at ASC, id ASC;
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []TimelineEvent
	for rows.Next() {
		var event TimelineEvent
		if err := rows.Scan(&event.ID, &event.CaseID, &event.EventType, &event.Detail, &event.Actor, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (d *Directory) CreateAction(ctx context.Context, caseID, title, notes string, dueAt *time.Time) (string, error) {
	if caseID == "" || title == "" {
		return "", fmt.Errorf("create case action: case id and title are required")
	}
	id := uuid.NewString()
	var due any
	if dueAt != nil {
		due = dueAt.UTC()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO case_actions (id, case_id, title, notes, due_at)
		VALUES (?, ?, ?, ?, ?);
	`, id, caseID, title, notes, due)
	if err != nil {
		return "", fmt.Errorf("create case action: %w", err)
	}
	return id, nil
}

// Actions returns a case's open and closed actions, oldest first.
func (d *Directory) Actions(ctx context.Context, caseID string) ([]CaseAction, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, case_id, title, notes, due_at, status, created_at
		FROM case_actions
		WHERE case_id = ?
		ORDER BY created_at ASC, id ASC;
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case actions: %w", err)
	}
	defer rows.Close()

	var out []CaseAction
	for rows.Next() {
		var (
			action CaseAction
			dueAt  sql.NullTime
		)
		if err := rows.Scan(&action.ID, &action.CaseID, &action.Title, &action.Notes, &dueAt, &action.Status, &action.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan case action: %w", err)
		}
		if dueAt.Valid {
			t := dueAt.Time
			action.DueAt = &t
		}
		out = append(out, action)
	}
	return out, rows.Err()
}
