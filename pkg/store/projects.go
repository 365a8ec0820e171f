package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/daviddao/labcoord/pkg/model"
)

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

// InsertProject creates a project and its member rows. p.Version is set to 1.
func (tx *Tx) InsertProject(ctx context.Context, p *model.Project) error {
	p.Version = 1
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO projects (id, owner_id, title, max_enrolled, enrollment_open, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Title, p.MaxEnrolled, boolToInt(p.EnrollmentOpen), p.Version,
		formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert project %s: %w", p.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert project: %w", err)
	}
	return tx.writeMembers(ctx, p)
}

// GetProject loads a project with its member set in enrollment order.
func (tx *Tx) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	var open int
	var created string
	err := tx.q.QueryRowContext(ctx,
		`SELECT id, owner_id, title, max_enrolled, enrollment_open, version, created_at
		 FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.OwnerID, &p.Title, &p.MaxEnrolled, &open, &p.Version, &created)
	if err != nil {
		return nil, notFound(err, "project", id)
	}
	p.EnrollmentOpen = open != 0
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at for project %s: %w", id, err)
	}

	if p.EnrolledIDs, err = tx.loadMembers(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (tx *Tx) loadMembers(ctx context.Context, projectID string) ([]string, error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT user_id FROM project_members WHERE project_id = ? ORDER BY position ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", projectID, err)
	}
	defer rows.Close()
	members := []string{}
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		members = append(members, uid)
	}
	return members, rows.Err()
}

// SaveProject writes the project's mutable fields and member set,
// conditional on p.Version still being current. On success p.Version is
// incremented.
func (tx *Tx) SaveProject(ctx context.Context, p *model.Project) error {
	res, err := tx.q.ExecContext(ctx,
		`UPDATE projects SET title = ?, max_enrolled = ?, enrollment_open = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		p.Title, p.MaxEnrolled, boolToInt(p.EnrollmentOpen), p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	if err := expectOneRow(res, "save project "+p.ID); err != nil {
		return err
	}
	p.Version++
	if _, err := tx.q.ExecContext(ctx, `DELETE FROM project_members WHERE project_id = ?`, p.ID); err != nil {
		return fmt.Errorf("clear members of %s: %w", p.ID, err)
	}
	return tx.writeMembers(ctx, p)
}

func (tx *Tx) writeMembers(ctx context.Context, p *model.Project) error {
	for i, uid := range p.EnrolledIDs {
		if _, err := tx.q.ExecContext(ctx,
			`INSERT INTO project_members (project_id, user_id, position) VALUES (?, ?, ?)`,
			p.ID, uid, i,
		); err != nil {
			return fmt.Errorf("add member %s to %s: %w", uid, p.ID, err)
		}
	}
	return nil
}

// ListProjects returns all projects with their members, oldest first.
func (tx *Tx) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT id, owner_id, title, max_enrolled, enrollment_open, version, created_at
		 FROM projects ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	var out []model.Project
	for rows.Next() {
		var p model.Project
		var open int
		var created string
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Title, &p.MaxEnrolled, &open, &p.Version, &created); err != nil {
			rows.Close()
			return nil, err
		}
		p.EnrollmentOpen = open != 0
		if p.CreatedAt, err = parseTime(created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse created_at for project %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].EnrolledIDs, err = tx.loadMembers(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Applications
// ---------------------------------------------------------------------------

const applicationColumns = `id, project_id, applicant_id, attachments, status, created_at, updated_at`

// InsertApplication creates an application. A second application for the
// same (project, applicant) pair fails with ErrDuplicate.
func (tx *Tx) InsertApplication(ctx context.Context, a *model.Application) error {
	attachments, err := json.Marshal(nonNil(a.Attachments))
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	_, err = tx.q.ExecContext(ctx,
		`INSERT INTO applications (`+applicationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.ApplicantID, string(attachments), string(a.Status),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert application %s/%s: %w", a.ProjectID, a.ApplicantID, ErrDuplicate)
		}
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

// GetApplication loads an application by id.
func (tx *Tx) GetApplication(ctx context.Context, id string) (*model.Application, error) {
	row := tx.q.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = ?`, id)
	a, err := scanApplication(row)
	if err != nil {
		return nil, notFound(err, "application", id)
	}
	return a, nil
}

// FindApplication returns the application for (projectID, applicantID).
func (tx *Tx) FindApplication(ctx context.Context, projectID, applicantID string) (*model.Application, error) {
	row := tx.q.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE project_id = ? AND applicant_id = ?`,
		projectID, applicantID)
	a, err := scanApplication(row)
	if err != nil {
		return nil, notFound(err, "application", projectID+"/"+applicantID)
	}
	return a, nil
}

// SetApplicationStatus moves an application from one status to another.
// The write only applies if the stored status still equals from.
func (tx *Tx) SetApplicationStatus(ctx context.Context, a *model.Application, from model.ApplicationStatus) error {
	res, err := tx.q.ExecContext(ctx,
		`UPDATE applications SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(a.Status), formatTime(a.UpdatedAt), a.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("set application status %s: %w", a.ID, err)
	}
	return expectOneRow(res, "set application status "+a.ID)
}

// ListApplications returns a project's applications in submission order.
func (tx *Tx) ListApplications(ctx context.Context, projectID string) ([]model.Application, error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE project_id = ?
		 ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApplication(sc scanner) (*model.Application, error) {
	var a model.Application
	var attachments, status, created, updated string
	if err := sc.Scan(&a.ID, &a.ProjectID, &a.ApplicantID, &attachments, &status, &created, &updated); err != nil {
		return nil, err
	}
	a.Status = model.ApplicationStatus(status)
	if err := json.Unmarshal([]byte(attachments), &a.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments for application %s: %w", a.ID, err)
	}
	var err error
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at for application %s: %w", a.ID, err)
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at for application %s: %w", a.ID, err)
	}
	return &a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ scanner = (*sql.Row)(nil)
